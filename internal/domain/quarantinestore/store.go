// Package quarantinestore defines persistence contracts for failed-trade retry jobs.
package quarantinestore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Job is one quarantined deal event awaiting replay.
type Job struct {
	ID            int64
	TerminalID    string
	Deal          json.RawMessage
	Reason        string
	DedupeKey     string
	ReceivedAt    time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Dead          bool
}

// Store abstracts durable quarantine persistence.
type Store interface {
	// Enqueue inserts the job unless its dedupe key is already pending.
	Enqueue(ctx context.Context, job Job) (Job, error)
	// ListDue returns live jobs whose next attempt time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Job, error)
	// MarkRetried bumps the attempt counter and schedules the next attempt.
	MarkRetried(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error
	// MarkDead parks the job for operator inspection after the retry budget
	// is exhausted.
	MarkDead(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
	ListDead(ctx context.Context, limit int) ([]Job, error)
	CountPending(ctx context.Context) (int, error)
	CountDead(ctx context.Context) (int, error)
}
