// Package quarantine holds deal events that failed reconciliation and replays
// them with exponential backoff until they land or exhaust their retry budget.
package quarantine

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/internal/domain/quarantinestore"
	"github.com/tradetaper/terminal-farm/internal/observability"
)

// Stats summarizes quarantine depth for the farm health endpoint.
type Stats struct {
	Pending  int  `json:"pending"`
	Dead     int  `json:"dead"`
	Degraded bool `json:"degraded"`
}

// Queue fronts the quarantine store. Jobs are deduplicated on the deal's
// dedupe key so a terminal re-sending a failed batch does not multiply work.
type Queue struct {
	store    quarantinestore.Store
	degraded bool
}

// NewQueue wraps a durable quarantine store.
func NewQueue(store quarantinestore.Store) *Queue {
	return &Queue{store: store}
}

// NewMemoryQueue builds a process-local quarantine for development and
// degraded operation. Parked jobs are lost on restart.
func NewMemoryQueue() *Queue {
	return &Queue{store: newMemoryStore(), degraded: true}
}

// Quarantine parks a failed deal for later replay.
func (q *Queue) Quarantine(ctx context.Context, terminalID string, deal json.RawMessage, reason, dedupeKey string) error {
	job, err := q.store.Enqueue(ctx, quarantinestore.Job{
		TerminalID:    terminalID,
		Deal:          deal,
		Reason:        reason,
		DedupeKey:     dedupeKey,
		ReceivedAt:    time.Now().UTC(),
		NextAttemptAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("quarantine: enqueue: %w", err)
	}
	observability.Log().Info("deal quarantined",
		observability.F("terminal", terminalID),
		observability.F("job", job.ID),
		observability.F("reason", reason))
	return nil
}

// ListDead returns parked jobs awaiting operator inspection.
func (q *Queue) ListDead(ctx context.Context, limit int) ([]quarantinestore.Job, error) {
	jobs, err := q.store.ListDead(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("quarantine: list dead: %w", err)
	}
	return jobs, nil
}

// Discard drops a job, live or dead, by id.
func (q *Queue) Discard(ctx context.Context, id int64) error {
	if err := q.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("quarantine: discard %d: %w", id, err)
	}
	return nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pending, err := q.store.CountPending(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("quarantine: stats: %w", err)
	}
	dead, err := q.store.CountDead(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("quarantine: stats: %w", err)
	}
	return Stats{Pending: pending, Dead: dead, Degraded: q.degraded}, nil
}

// Degraded reports whether parked jobs would be lost on restart.
func (q *Queue) Degraded() bool { return q.degraded }

func (q *Queue) listDue(ctx context.Context, now time.Time, limit int) ([]quarantinestore.Job, error) {
	return q.store.ListDue(ctx, now, limit)
}
