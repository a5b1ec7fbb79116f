package httpserver

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per-terminal webhook budgets, in calls per minute. Heartbeats are the
// terminal's steady drumbeat; the rest burst only around sync commands.
const (
	heartbeatPerMinute = 2
	tradesPerMinute    = 10
	candlesPerMinute   = 20
	positionsPerMinute = 30
)

// sweepAfter is how long a pool holds buckets before dropping them all, so
// terminals that disappear do not leak limiters.
const sweepAfter = 30 * time.Minute

// limiterPool hands out one token bucket per terminal for a single endpoint.
// Idle buckets are swept lazily on the next allow call; no background
// goroutine is involved.
type limiterPool struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	interval  time.Duration
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterPool(perMinute int) *limiterPool {
	return &limiterPool{
		limiters:  make(map[string]*rate.Limiter),
		interval:  time.Minute / time.Duration(perMinute),
		burst:     perMinute,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (p *limiterPool) allow(terminalID string) bool {
	p.mu.Lock()
	if p.now().Sub(p.lastSweep) >= sweepAfter {
		p.limiters = make(map[string]*rate.Limiter)
		p.lastSweep = p.now()
	}
	limiter, ok := p.limiters[terminalID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.interval), p.burst)
		p.limiters[terminalID] = limiter
	}
	p.mu.Unlock()
	return limiter.Allow()
}

func (p *limiterPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.limiters)
}

type webhookLimits struct {
	heartbeat *limiterPool
	trades    *limiterPool
	candles   *limiterPool
	positions *limiterPool
}

func newWebhookLimits() *webhookLimits {
	return &webhookLimits{
		heartbeat: newLimiterPool(heartbeatPerMinute),
		trades:    newLimiterPool(tradesPerMinute),
		candles:   newLimiterPool(candlesPerMinute),
		positions: newLimiterPool(positionsPerMinute),
	}
}
