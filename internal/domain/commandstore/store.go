// Package commandstore defines persistence contracts for the durable command queue.
package commandstore

import (
	"context"
	"time"
)

// Record is one queued outbound command for a terminal.
type Record struct {
	ID         int64
	TerminalID string
	Command    string
	Payload    string
	DedupeKey  string
	Priority   int
	QueuedAt   time.Time
}

// Store abstracts durable command queue persistence.
type Store interface {
	// Enqueue inserts the record unless its dedupe key is already queued.
	// It reports whether a new row was written.
	Enqueue(ctx context.Context, rec Record) (bool, error)
	// PopNext atomically removes and returns the oldest pending command for
	// the terminal, or nil when the queue is empty.
	PopNext(ctx context.Context, terminalID string) (*Record, error)
	CountWaiting(ctx context.Context) (int, error)
	DeleteForTerminal(ctx context.Context, terminalID string) (int, error)
}
