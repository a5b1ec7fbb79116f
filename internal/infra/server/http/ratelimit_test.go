package httpserver

import (
	"testing"
	"time"
)

func TestLimiterPoolEnforcesBurst(t *testing.T) {
	p := newLimiterPool(heartbeatPerMinute)
	for i := range heartbeatPerMinute {
		if !p.allow("term-1") {
			t.Fatalf("call %d rejected inside burst", i)
		}
	}
	if p.allow("term-1") {
		t.Fatal("call beyond burst allowed")
	}
	// Other terminals have their own bucket.
	if !p.allow("term-2") {
		t.Fatal("fresh terminal rejected")
	}
}

func TestLimiterPoolSweepsIdleBucketsLazily(t *testing.T) {
	p := newLimiterPool(tradesPerMinute)
	clock := time.Now()
	p.lastSweep = clock
	p.now = func() time.Time { return clock }

	p.allow("term-1")
	p.allow("term-2")
	if p.size() != 2 {
		t.Fatalf("pool size = %d, want 2", p.size())
	}

	clock = clock.Add(sweepAfter + time.Minute)
	if !p.allow("term-3") {
		t.Fatal("call after sweep rejected")
	}
	if p.size() != 1 {
		t.Fatalf("pool size = %d after sweep, want only the fresh bucket", p.size())
	}
}
