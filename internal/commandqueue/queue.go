// Package commandqueue implements the durable outbound command queue polled by
// farm terminals. Commands survive process restarts when backed by Postgres;
// an in-memory queue covers development and degraded operation.
package commandqueue

import (
	"context"
	"regexp"
	"time"
)

// Command verbs understood by the terminal EA.
const (
	CommandSyncTrades   = "SYNC_TRADES"
	CommandFetchCandles = "FETCH_CANDLES"
	CommandGetPositions = "GET_POSITIONS"
	CommandRestart      = "RESTART"
)

// Priorities are ascending; lower runs first. Candle fetches jump the line so
// trade charts backfill promptly after a close.
const (
	PriorityCandles = 5
	PriorityDefault = 10
)

// dedupePayloadLen bounds how much of the payload participates in the dedupe
// key. Candle-fetch payloads differ within the first 50 characters.
const dedupePayloadLen = 50

var dedupeSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// Command is one queued instruction handed to a polling terminal.
type Command struct {
	ID       int64     `json:"id"`
	Command  string    `json:"command"`
	Payload  string    `json:"payload,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Stats summarizes queue health for the farm health endpoint. Active is the
// count of popped-but-unacknowledged commands; delivery deletes the row, so it
// stays zero until the queue grows an acknowledgement step.
type Stats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Degraded  bool `json:"degraded"`
}

// Queue is the command queue surface used by the farm service and processor.
type Queue interface {
	// QueueCommand enqueues a verb for the terminal at default priority.
	// Duplicate commands already waiting are coalesced.
	QueueCommand(ctx context.Context, terminalID, command, payload string) error
	// NextCommand pops the highest-priority pending command, or nil.
	NextCommand(ctx context.Context, terminalID string) (*Command, error)
	// PurgeTerminal drops all pending commands for a decommissioned terminal.
	PurgeTerminal(ctx context.Context, terminalID string) error
	Stats(ctx context.Context) (Stats, error)
	// Degraded reports whether the queue has lost durability and commands
	// will not survive a restart.
	Degraded() bool
}

// DedupeKey derives the coalescing key for a command. The payload prefix is
// sanitized so the key stays safe to index and log.
func DedupeKey(terminalID, command, payload string) string {
	prefix := payload
	if len(prefix) > dedupePayloadLen {
		prefix = prefix[:dedupePayloadLen]
	}
	return dedupeSanitizer.ReplaceAllString(terminalID+"_"+command+"_"+prefix, "-")
}

// PriorityFor maps a verb to its queue priority.
func PriorityFor(command string) int {
	if command == CommandFetchCandles {
		return PriorityCandles
	}
	return PriorityDefault
}
