// Package terminalstore defines persistence contracts for terminal instances.
package terminalstore

import (
	"context"
	"time"
)

// Status is the terminal lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
	StatusStopped  Status = "STOPPED"
	StatusError    Status = "ERROR"
)

// Restartable reports whether the status accepts a fresh enable-autosync request.
func (s Status) Restartable() bool {
	return s == StatusStopped || s == StatusError
}

// Instance is one persisted terminal record. At most one instance exists per
// trading account.
type Instance struct {
	ID            string
	AccountID     string
	Status        Status
	ContainerID   string
	ErrorMessage  string
	LastHeartbeat time.Time
	LastSyncAt    time.Time
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store abstracts terminal instance persistence.
type Store interface {
	Create(ctx context.Context, accountID string) (Instance, error)
	FindByID(ctx context.Context, id string) (*Instance, error)
	FindByAccount(ctx context.Context, accountID string) (*Instance, error)
	List(ctx context.Context) ([]Instance, error)

	// SetStatus records a lifecycle transition. An empty errorMessage clears
	// any previous error.
	SetStatus(ctx context.Context, id string, status Status, errorMessage string) error
	// SetProvisioned marks the terminal RUNNING with the orchestrator's
	// container handle and a fresh heartbeat.
	SetProvisioned(ctx context.Context, id, containerID string) error
	// SetStopped marks the terminal STOPPED and clears the container handle.
	SetStopped(ctx context.Context, id string) error
	// RecordHeartbeat bumps liveness and self-heals the status to RUNNING.
	RecordHeartbeat(ctx context.Context, id string) error
	RecordSync(ctx context.Context, id string) error
	SetMetadata(ctx context.Context, id string, metadata map[string]any) error
	Delete(ctx context.Context, id string) error
}
