package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if !cfg.SimulatedProvisioning() {
		t.Fatalf("defaults should run simulated provisioning")
	}
}

func TestLoadAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "farm.yaml")
	yamlBody := `
environment: staging
databaseURL: postgres://yaml-host/farm
server:
  addr: ":9001"
auth:
  webhookSecret: yaml-webhook
orchestrator:
  url: http://orch:8000
  secret: yaml-orch
quarantine:
  maxAttempts: 5
`
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("DATABASE_URL", "postgres://env-host/farm")
	t.Setenv("FARM_WEBHOOK_SECRET", "")
	t.Setenv("FARM_TOKEN_SECRET", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("environment = %s", cfg.Environment)
	}
	if cfg.DatabaseURL != "postgres://env-host/farm" {
		t.Fatalf("env override lost: %s", cfg.DatabaseURL)
	}
	if cfg.Server.Addr != ":9001" {
		t.Fatalf("yaml addr lost: %s", cfg.Server.Addr)
	}
	if cfg.Auth.WebhookSecret != "yaml-webhook" {
		t.Fatalf("yaml secret lost")
	}
	if cfg.Quarantine.MaxAttempts != 5 {
		t.Fatalf("yaml maxAttempts lost: %d", cfg.Quarantine.MaxAttempts)
	}
	// Defaults must survive partial YAML.
	if cfg.Monitor.HeartbeatTimeout != 3*time.Minute {
		t.Fatalf("default heartbeat timeout lost: %v", cfg.Monitor.HeartbeatTimeout)
	}
	if cfg.SimulatedProvisioning() {
		t.Fatalf("orchestrator configured but still simulated")
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	t.Setenv("FARM_ENV", "")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err != nil {
		t.Fatalf("missing config file must fall back to defaults: %v", err)
	}
}

func TestProdRequiresSecrets(t *testing.T) {
	cfg := Default()
	cfg.Environment = EnvProd
	if err := cfg.Validate(); err == nil {
		t.Fatalf("prod without secrets must refuse to boot")
	}

	cfg.Auth.WebhookSecret = "s1"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("prod without token secret must refuse to boot")
	}

	cfg.Auth.TokenSecret = "s2"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("prod with both secrets: %v", err)
	}

	cfg.Orchestrator.URL = "http://orch:8000"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("prod orchestrator without secret must refuse to boot")
	}
}

func TestValidateRejectsUnknownEnvironment(t *testing.T) {
	cfg := Default()
	cfg.Environment = "qa"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown environment accepted")
	}
}
