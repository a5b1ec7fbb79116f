package quarantine

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestQuarantineDeduplicatesPendingJobs(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	deal := json.RawMessage(`{"ticket":"1001"}`)

	for range 3 {
		if err := q.Quarantine(ctx, "term-1", deal, "db down", "term-1:1001:555"); err != nil {
			t.Fatalf("quarantine: %v", err)
		}
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1 after dedupe", stats.Pending)
	}
}

func TestWorkerReleasesJobOnSuccessfulReplay(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Quarantine(ctx, "term-1", json.RawMessage(`{"ticket":"1"}`), "transient", "k1"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	replayed := 0
	w := NewWorker(q, func(_ context.Context, terminalID string, _ json.RawMessage) error {
		if terminalID != "term-1" {
			t.Fatalf("terminal = %s", terminalID)
		}
		replayed++
		return nil
	})
	w.DrainDue(ctx)

	if replayed != 1 {
		t.Fatalf("replayed = %d, want 1", replayed)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 0 || stats.Dead != 0 {
		t.Fatalf("stats = %+v, want empty queue", stats)
	}
}

func TestWorkerParksJobAfterRetryBudget(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Quarantine(ctx, "term-1", json.RawMessage(`{"ticket":"1"}`), "transient", "k1"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	clock := time.Now().UTC().Add(time.Minute)
	attempts := 0
	w := NewWorker(q, func(context.Context, string, json.RawMessage) error {
		attempts++
		return errors.New("still broken")
	}, WithMaxAttempts(3), WithInitialDelay(5*time.Second))
	w.now = func() time.Time { return clock }

	for range 5 {
		w.DrainDue(ctx)
		clock = clock.Add(time.Hour) // jump past any scheduled delay
	}

	if attempts != 3 {
		t.Fatalf("attempts = %d, want exactly the retry budget", attempts)
	}
	stats, _ := q.Stats(ctx)
	if stats.Dead != 1 {
		t.Fatalf("dead = %d, want 1", stats.Dead)
	}
	dead, err := q.ListDead(ctx, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "still broken" {
		t.Fatalf("dead jobs = %+v", dead)
	}
}

func TestWorkerHonorsBackoffSchedule(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Quarantine(ctx, "term-1", json.RawMessage(`{"ticket":"1"}`), "transient", "k1"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	clock := time.Now().UTC().Add(time.Minute)
	attempts := 0
	w := NewWorker(q, func(context.Context, string, json.RawMessage) error {
		attempts++
		return errors.New("nope")
	}, WithMaxAttempts(3), WithInitialDelay(5*time.Second))
	w.now = func() time.Time { return clock }

	w.DrainDue(ctx)
	if attempts != 1 {
		t.Fatalf("attempts = %d after first pass", attempts)
	}

	// Before the 5s delay elapses nothing is due.
	clock = clock.Add(2 * time.Second)
	w.DrainDue(ctx)
	if attempts != 1 {
		t.Fatalf("job replayed before its scheduled time")
	}

	clock = clock.Add(4 * time.Second)
	w.DrainDue(ctx)
	if attempts != 2 {
		t.Fatalf("attempts = %d after delay elapsed, want 2", attempts)
	}
}

func TestWorkerDelaysDouble(t *testing.T) {
	w := NewWorker(NewMemoryQueue(), nil, WithInitialDelay(5*time.Second))
	if d := w.delayForAttempt(0); d != 5*time.Second {
		t.Fatalf("first delay = %v", d)
	}
	if d := w.delayForAttempt(1); d != 10*time.Second {
		t.Fatalf("second delay = %v", d)
	}
	if d := w.delayForAttempt(2); d != 20*time.Second {
		t.Fatalf("third delay = %v", d)
	}
}

func TestDiscardReleasesDedupeKey(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	if err := q.Quarantine(ctx, "term-1", json.RawMessage(`{}`), "r", "k1"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	due, err := q.listDue(ctx, time.Now().UTC(), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, err = %v", due, err)
	}
	if err := q.Discard(ctx, due[0].ID); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if err := q.Quarantine(ctx, "term-1", json.RawMessage(`{}`), "r", "k1"); err != nil {
		t.Fatalf("re-quarantine: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("pending = %d, want 1", stats.Pending)
	}
}
