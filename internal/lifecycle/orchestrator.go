// Package lifecycle drives terminal provisioning and teardown through the
// external container orchestrator, and watches heartbeat liveness.
package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tradetaper/terminal-farm/errs"
)

// ProvisionRequest carries everything the orchestrator needs to start one
// terminal container.
type ProvisionRequest struct {
	TerminalID string `json:"terminalId"`
	AccountID  string `json:"accountId"`
	Login      string `json:"login"`
	Server     string `json:"server"`
	Password   string `json:"password"`
	Token      string `json:"token"`
}

// Provisioner starts and stops terminal containers.
type Provisioner interface {
	// Provision starts a container and returns the orchestrator's handle.
	Provision(ctx context.Context, req ProvisionRequest) (string, error)
	// Teardown stops the container behind the handle. Unknown handles are
	// not an error; the container may already be gone.
	Teardown(ctx context.Context, containerID string) error
}

const orchestratorSecretHeader = "x-orchestrator-secret"

// HTTPProvisioner talks to the farm orchestrator's REST surface.
type HTTPProvisioner struct {
	baseURL string
	secret  string
	client  *http.Client
}

// NewHTTPProvisioner builds a client for the orchestrator at baseURL.
func NewHTTPProvisioner(baseURL, secret string, timeout time.Duration) *HTTPProvisioner {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvisioner{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvisioner) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode provision request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/terminals", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("orchestrator: build provision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(orchestratorSecretHeader, p.secret)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", errs.New(errs.CodeOrchestrator, errs.WithMessage("orchestrator: provision"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", errs.New(errs.CodeOrchestrator,
			errs.WithMessage(fmt.Sprintf("orchestrator: provision returned %d: %s", resp.StatusCode, snippet)))
	}

	var out struct {
		ContainerID string `json:"containerId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errs.New(errs.CodeOrchestrator, errs.WithMessage("orchestrator: decode provision response"), errs.WithCause(err))
	}
	if out.ContainerID == "" {
		return "", errs.New(errs.CodeOrchestrator, errs.WithMessage("orchestrator: provision response missing containerId"))
	}
	return out.ContainerID, nil
}

func (p *HTTPProvisioner) Teardown(ctx context.Context, containerID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/terminals/"+containerID, nil)
	if err != nil {
		return fmt.Errorf("orchestrator: build teardown request: %w", err)
	}
	httpReq.Header.Set(orchestratorSecretHeader, p.secret)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return errs.New(errs.CodeOrchestrator, errs.WithMessage("orchestrator: teardown"), errs.WithCause(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.New(errs.CodeOrchestrator,
			errs.WithMessage(fmt.Sprintf("orchestrator: teardown returned %d: %s", resp.StatusCode, snippet)))
	}
	return nil
}

// SimulatedProvisioner stands in when no orchestrator is configured. Terminals
// go RUNNING immediately with a synthetic container handle, which lets the
// webhook paths be exercised end to end in development.
type SimulatedProvisioner struct{}

func (SimulatedProvisioner) Provision(context.Context, ProvisionRequest) (string, error) {
	return "sim-" + uuid.NewString(), nil
}

func (SimulatedProvisioner) Teardown(context.Context, string) error { return nil }
