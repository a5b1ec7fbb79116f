// Package config loads the terminal farm configuration with precedence:
// code defaults, then a YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment the farm operates in.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// ServerConfig configures the farm's HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// AuthConfig holds the two ingress credentials: the shared webhook secret the
// EA presents, and the HMAC secret terminal tokens are signed with.
type AuthConfig struct {
	WebhookSecret string        `yaml:"webhookSecret"`
	TokenSecret   string        `yaml:"tokenSecret"`
	TokenTTL      time.Duration `yaml:"tokenTTL"`
}

// OrchestratorConfig points at the external container orchestrator. An empty
// URL switches provisioning to simulated mode.
type OrchestratorConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// QuarantineConfig tunes failed-deal replay.
type QuarantineConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
}

// MonitorConfig tunes heartbeat staleness detection.
type MonitorConfig struct {
	Interval         time.Duration `yaml:"interval"`
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified farm configuration.
type AppConfig struct {
	Environment  Environment        `yaml:"environment"`
	DatabaseURL  string             `yaml:"databaseURL"`
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Quarantine   QuarantineConfig   `yaml:"quarantine"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// Default returns the farm's code defaults.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:            ":8787",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: 30 * 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			Timeout: 30 * time.Second,
		},
		Quarantine: QuarantineConfig{
			PollInterval: 15 * time.Second,
			MaxAttempts:  3,
			InitialDelay: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:         time.Minute,
			HeartbeatTimeout: 3 * time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "terminal-farm",
			EnableMetrics: true,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// environment overrides, then validates the result.
func Load(configPath string) (AppConfig, error) {
	cfg := Default()

	if configPath != "" {
		raw, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return AppConfig{}, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	cfg.loadEnv()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) loadEnv() {
	if v := envString("FARM_ENV"); v != "" {
		c.Environment = Environment(strings.ToLower(v))
	}
	if v := envString("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := envString("FARM_HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := envString("FARM_WEBHOOK_SECRET"); v != "" {
		c.Auth.WebhookSecret = v
	}
	if v := envString("FARM_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := envString("FARM_ORCHESTRATOR_URL"); v != "" {
		c.Orchestrator.URL = v
	}
	if v := envString("FARM_ORCHESTRATOR_SECRET"); v != "" {
		c.Orchestrator.Secret = v
	}
	if v := envString("FARM_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// Validate enforces configuration invariants. In prod both ingress secrets
// are mandatory; booting open would let any sender write to the ledger.
func (c *AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Environment == EnvProd {
		if c.Auth.WebhookSecret == "" {
			return fmt.Errorf("config: FARM_WEBHOOK_SECRET is required in prod")
		}
		if c.Auth.TokenSecret == "" {
			return fmt.Errorf("config: FARM_TOKEN_SECRET is required in prod")
		}
		if c.Orchestrator.URL != "" && c.Orchestrator.Secret == "" {
			return fmt.Errorf("config: FARM_ORCHESTRATOR_SECRET is required when an orchestrator is configured in prod")
		}
	}
	if c.Quarantine.MaxAttempts <= 0 {
		return fmt.Errorf("config: quarantine maxAttempts must be positive")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config: server addr must be set")
	}
	return nil
}

// SimulatedProvisioning reports whether terminals are provisioned without a
// real orchestrator.
func (c *AppConfig) SimulatedProvisioning() bool {
	return strings.TrimSpace(c.Orchestrator.URL) == ""
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
