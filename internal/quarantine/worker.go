package quarantine

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/internal/observability"
)

const (
	defaultPollInterval = 15 * time.Second
	defaultMaxAttempts  = 3
	defaultInitialDelay = 5 * time.Second
	defaultBatchSize    = 25
)

// ReplayFunc re-runs reconciliation for one quarantined deal. A nil error
// releases the job; an error schedules the next attempt.
type ReplayFunc func(ctx context.Context, terminalID string, deal json.RawMessage) error

// Worker polls the quarantine for due jobs and replays them.
type Worker struct {
	queue        *Queue
	replay       ReplayFunc
	pollInterval time.Duration
	maxAttempts  int
	initialDelay time.Duration
	now          func() time.Time
}

// WorkerOption customizes replay cadence and retry budget.
type WorkerOption func(*Worker)

// WithPollInterval sets how often the worker scans for due jobs.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithMaxAttempts sets the retry budget before a job is parked dead.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithInitialDelay sets the first retry delay; later delays double from it.
func WithInitialDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.initialDelay = d
		}
	}
}

// NewWorker builds a replay worker over the given quarantine.
func NewWorker(queue *Queue, replay ReplayFunc, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		replay:       replay,
		pollInterval: defaultPollInterval,
		maxAttempts:  defaultMaxAttempts,
		initialDelay: defaultInitialDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until the context is canceled. It is meant to be launched on its
// own goroutine by the process lifecycle.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.DrainDue(ctx)
		}
	}
}

// DrainDue replays every currently due job once. Exposed separately so tests
// and the manual-sync path can trigger a pass without waiting for the ticker.
func (w *Worker) DrainDue(ctx context.Context) {
	now := w.now().UTC()
	jobs, err := w.queue.listDue(ctx, now, defaultBatchSize)
	if err != nil {
		observability.Log().Error("quarantine scan failed", observability.F("error", err))
		return
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		w.replayJob(ctx, job.ID, job.TerminalID, job.Deal, job.Attempts)
	}
}

func (w *Worker) replayJob(ctx context.Context, id int64, terminalID string, deal json.RawMessage, attempts int) {
	err := w.replay(ctx, terminalID, deal)
	if err == nil {
		if err := w.queue.Discard(ctx, id); err != nil {
			observability.Log().Error("quarantine release failed",
				observability.F("job", id), observability.F("error", err))
		} else {
			observability.Log().Info("quarantined deal replayed",
				observability.F("job", id),
				observability.F("terminal", terminalID),
				observability.F("attempts", attempts+1))
		}
		return
	}

	if attempts+1 >= w.maxAttempts {
		if markErr := w.queue.store.MarkDead(ctx, id, err.Error()); markErr != nil {
			observability.Log().Error("quarantine park failed",
				observability.F("job", id), observability.F("error", markErr))
			return
		}
		observability.Log().Error("quarantined deal exhausted retries",
			observability.F("job", id),
			observability.F("terminal", terminalID),
			observability.F("error", err))
		return
	}

	next := w.now().UTC().Add(w.delayForAttempt(attempts))
	if markErr := w.queue.store.MarkRetried(ctx, id, err.Error(), next); markErr != nil {
		observability.Log().Error("quarantine reschedule failed",
			observability.F("job", id), observability.F("error", markErr))
		return
	}
	observability.Log().Info("quarantined deal rescheduled",
		observability.F("job", id),
		observability.F("terminal", terminalID),
		observability.F("attempt", attempts+1),
		observability.F("nextAttemptAt", next))
}

// delayForAttempt walks the exponential schedule to the given attempt index:
// the first retry waits the initial delay, each later one doubles.
func (w *Worker) delayForAttempt(attempt int) time.Duration {
	cfg := backoff.NewExponentialBackOff()
	cfg.InitialInterval = w.initialDelay
	cfg.RandomizationFactor = 0
	cfg.Multiplier = 2
	cfg.MaxInterval = 10 * time.Minute

	delay := cfg.NextBackOff()
	for range attempt {
		delay = cfg.NextBackOff()
	}
	return delay
}
