package commandqueue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tradetaper/terminal-farm/internal/domain/commandstore"
	"github.com/tradetaper/terminal-farm/internal/observability"
)

// Durable is a Postgres-backed command queue. Enqueued commands survive
// process restarts and are handed out at-most-once via atomic pops.
type Durable struct {
	store     commandstore.Store
	completed atomic.Int64
	failed    atomic.Int64
}

// NewDurable wraps a command store in the queue surface.
func NewDurable(store commandstore.Store) *Durable {
	return &Durable{store: store}
}

func (q *Durable) QueueCommand(ctx context.Context, terminalID, command, payload string) error {
	rec := commandstore.Record{
		TerminalID: terminalID,
		Command:    command,
		Payload:    payload,
		DedupeKey:  DedupeKey(terminalID, command, payload),
		Priority:   PriorityFor(command),
		QueuedAt:   time.Now().UTC(),
	}
	inserted, err := q.store.Enqueue(ctx, rec)
	if err != nil {
		q.failed.Add(1)
		return fmt.Errorf("command queue: enqueue %s: %w", command, err)
	}
	if !inserted {
		observability.Log().Debug("command coalesced",
			observability.F("terminal", terminalID),
			observability.F("command", command))
	}
	return nil
}

func (q *Durable) NextCommand(ctx context.Context, terminalID string) (*Command, error) {
	rec, err := q.store.PopNext(ctx, terminalID)
	if err != nil {
		q.failed.Add(1)
		return nil, fmt.Errorf("command queue: pop: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	q.completed.Add(1)
	return &Command{ID: rec.ID, Command: rec.Command, Payload: rec.Payload, QueuedAt: rec.QueuedAt}, nil
}

func (q *Durable) PurgeTerminal(ctx context.Context, terminalID string) error {
	dropped, err := q.store.DeleteForTerminal(ctx, terminalID)
	if err != nil {
		return fmt.Errorf("command queue: purge %s: %w", terminalID, err)
	}
	if dropped > 0 {
		observability.Log().Info("purged pending commands",
			observability.F("terminal", terminalID),
			observability.F("dropped", dropped))
	}
	return nil
}

func (q *Durable) Stats(ctx context.Context) (Stats, error) {
	waiting, err := q.store.CountWaiting(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("command queue: stats: %w", err)
	}
	return Stats{
		Waiting:   waiting,
		Completed: int(q.completed.Load()),
		Failed:    int(q.failed.Load()),
	}, nil
}

// Degraded is always false for the durable queue; store errors surface on the
// operations themselves.
func (q *Durable) Degraded() bool { return false }
