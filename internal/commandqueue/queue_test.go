package commandqueue

import (
	"context"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
)

func TestDedupeKeySanitizesAndTruncates(t *testing.T) {
	key := DedupeKey("term-1", CommandFetchCandles, "EURUSD,1m,2025.03.14 07:30:00,2025.03.14 13:30:00,trade-9")
	if strings.ContainsAny(key, " ,.:") {
		t.Fatalf("key not sanitized: %q", key)
	}
	long := strings.Repeat("x", 200)
	a := DedupeKey("term-1", CommandSyncTrades, long+"a")
	b := DedupeKey("term-1", CommandSyncTrades, long+"b")
	if a != b {
		t.Fatalf("payload tail should not affect key: %q vs %q", a, b)
	}
}

func TestPriorityFor(t *testing.T) {
	if PriorityFor(CommandFetchCandles) != PriorityCandles {
		t.Fatalf("candle fetch should jump the line")
	}
	if PriorityFor(CommandSyncTrades) != PriorityDefault {
		t.Fatalf("sync should use default priority")
	}
}

func TestMemoryQueueCoalescesDuplicates(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for range 3 {
		if err := q.QueueCommand(ctx, "term-1", CommandSyncTrades, ""); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1 after coalescing", stats.Waiting)
	}
}

func TestMemoryQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if err := q.QueueCommand(ctx, "term-1", CommandSyncTrades, ""); err != nil {
		t.Fatalf("enqueue sync: %v", err)
	}
	if err := q.QueueCommand(ctx, "term-1", CommandGetPositions, ""); err != nil {
		t.Fatalf("enqueue positions: %v", err)
	}
	if err := q.QueueCommand(ctx, "term-1", CommandFetchCandles, "EURUSD,1m,a,b,c"); err != nil {
		t.Fatalf("enqueue candles: %v", err)
	}

	want := []string{CommandFetchCandles, CommandSyncTrades, CommandGetPositions}
	for i, verb := range want {
		cmd, err := q.NextCommand(ctx, "term-1")
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if cmd == nil || cmd.Command != verb {
			t.Fatalf("pop %d = %+v, want %s", i, cmd, verb)
		}
	}
	if cmd, _ := q.NextCommand(ctx, "term-1"); cmd != nil {
		t.Fatalf("queue should be drained, got %+v", cmd)
	}
}

func TestMemoryQueueAllowsReenqueueAfterPop(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	if err := q.QueueCommand(ctx, "term-1", CommandSyncTrades, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.NextCommand(ctx, "term-1"); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := q.QueueCommand(ctx, "term-1", CommandSyncTrades, ""); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Waiting != 1 {
		t.Fatalf("waiting = %d, want 1 after re-enqueue", stats.Waiting)
	}
}

func TestMemoryQueuePurgeTerminal(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.QueueCommand(ctx, "term-1", CommandSyncTrades, "")
	_ = q.QueueCommand(ctx, "term-2", CommandSyncTrades, "")
	if err := q.PurgeTerminal(ctx, "term-1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if cmd, _ := q.NextCommand(ctx, "term-1"); cmd != nil {
		t.Fatalf("purged terminal still has commands")
	}
	if cmd, _ := q.NextCommand(ctx, "term-2"); cmd == nil {
		t.Fatalf("purge leaked into other terminal")
	}
	// Purge must also release dedupe keys.
	if err := q.QueueCommand(ctx, "term-1", CommandSyncTrades, ""); err != nil {
		t.Fatalf("re-enqueue after purge: %v", err)
	}
	if cmd, _ := q.NextCommand(ctx, "term-1"); cmd == nil {
		t.Fatalf("dedupe key not released by purge")
	}
}

func TestStatsReportsAllFourCounters(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_ = q.QueueCommand(ctx, "term-1", CommandSyncTrades, "")
	if _, err := q.NextCommand(ctx, "term-1"); err != nil {
		t.Fatalf("pop: %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Pop deletes the row, so nothing is ever in-flight.
	if stats.Active != 0 {
		t.Fatalf("active = %d, want 0", stats.Active)
	}

	body, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal stats: %v", err)
	}
	for _, field := range []string{`"waiting"`, `"active"`, `"completed"`, `"failed"`} {
		if !strings.Contains(string(body), field) {
			t.Fatalf("stats json %s missing %s", body, field)
		}
	}
}

func TestMemoryQueueIsDegraded(t *testing.T) {
	q := NewMemory()
	if !q.Degraded() {
		t.Fatalf("memory queue must advertise degraded durability")
	}
	stats, _ := q.Stats(context.Background())
	if !stats.Degraded {
		t.Fatalf("stats must carry the degraded flag")
	}
}
