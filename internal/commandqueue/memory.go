package commandqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local command queue used when no database is configured
// and as the degraded fallback when the durable store is unreachable at boot.
// Commands queued here are lost on restart, which Degraded advertises.
type Memory struct {
	mu        sync.Mutex
	pending   map[string][]memoryEntry // terminalID -> sorted pending
	seen      map[string]struct{}      // dedupe keys currently queued
	nextID    int64
	completed int
	failed    int
}

type memoryEntry struct {
	id        int64
	command   string
	payload   string
	dedupeKey string
	priority  int
	queuedAt  time.Time
}

// NewMemory constructs an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		pending: make(map[string][]memoryEntry),
		seen:    make(map[string]struct{}),
	}
}

func (q *Memory) QueueCommand(_ context.Context, terminalID, command, payload string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := DedupeKey(terminalID, command, payload)
	if _, dup := q.seen[key]; dup {
		return nil
	}
	q.nextID++
	q.seen[key] = struct{}{}
	entries := append(q.pending[terminalID], memoryEntry{
		id:        q.nextID,
		command:   command,
		payload:   payload,
		dedupeKey: key,
		priority:  PriorityFor(command),
		queuedAt:  time.Now().UTC(),
	})
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].priority != entries[j].priority {
			return entries[i].priority < entries[j].priority
		}
		return entries[i].id < entries[j].id
	})
	q.pending[terminalID] = entries
	return nil
}

func (q *Memory) NextCommand(_ context.Context, terminalID string) (*Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.pending[terminalID]
	if len(entries) == 0 {
		return nil, nil
	}
	head := entries[0]
	q.pending[terminalID] = entries[1:]
	delete(q.seen, head.dedupeKey)
	q.completed++
	return &Command{ID: head.id, Command: head.command, Payload: head.payload, QueuedAt: head.queuedAt}, nil
}

func (q *Memory) PurgeTerminal(_ context.Context, terminalID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.pending[terminalID] {
		delete(q.seen, entry.dedupeKey)
	}
	delete(q.pending, terminalID)
	return nil
}

func (q *Memory) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiting := 0
	for _, entries := range q.pending {
		waiting += len(entries)
	}
	return Stats{Waiting: waiting, Completed: q.completed, Failed: q.failed, Degraded: true}, nil
}

func (q *Memory) Degraded() bool { return true }
