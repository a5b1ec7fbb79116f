package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradetaper/terminal-farm/internal/domain/quarantinestore"
)

// QuarantineStore persists failed-trade retry jobs.
type QuarantineStore struct {
	pool *pgxpool.Pool
}

// NewQuarantineStore constructs a QuarantineStore backed by the provided pool.
func NewQuarantineStore(pool *pgxpool.Pool) *QuarantineStore {
	return &QuarantineStore{pool: pool}
}

const (
	quarantineInsertSQL = `
INSERT INTO failed_trade_jobs (terminal_id, deal, reason, dedupe_key, received_at, attempts, next_attempt_at, dead)
VALUES (@terminal_id, @deal::jsonb, @reason, @dedupe_key, @received_at, 0, @next_attempt_at, FALSE)
ON CONFLICT (dedupe_key) WHERE NOT dead DO NOTHING
RETURNING id, attempts;
`

	quarantineSelectBase = `
SELECT
    id,
    terminal_id::text,
    deal,
    COALESCE(reason, ''),
    dedupe_key,
    received_at,
    attempts,
    next_attempt_at,
    COALESCE(last_error, ''),
    dead
FROM failed_trade_jobs
`
)

func (s *QuarantineStore) Enqueue(ctx context.Context, job quarantinestore.Job) (quarantinestore.Job, error) {
	args := pgx.NamedArgs{
		"terminal_id":     job.TerminalID,
		"deal":            string(job.Deal),
		"reason":          nullableString(job.Reason),
		"dedupe_key":      job.DedupeKey,
		"received_at":     job.ReceivedAt.UTC(),
		"next_attempt_at": job.NextAttemptAt.UTC(),
	}
	err := s.pool.QueryRow(ctx, quarantineInsertSQL, args).Scan(&job.ID, &job.Attempts)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return quarantinestore.Job{}, fmt.Errorf("quarantine store: enqueue: %w", err)
	}

	// Dedupe conflict: hand back the live job already holding the key.
	existing, err := s.findLiveByKey(ctx, job.DedupeKey)
	if err != nil {
		return quarantinestore.Job{}, err
	}
	if existing == nil {
		return quarantinestore.Job{}, fmt.Errorf("quarantine store: enqueue: dedupe race on %s", job.DedupeKey)
	}
	return *existing, nil
}

func (s *QuarantineStore) findLiveByKey(ctx context.Context, dedupeKey string) (*quarantinestore.Job, error) {
	const query = quarantineSelectBase + ` WHERE dedupe_key = @dedupe_key AND NOT dead LIMIT 1;`
	job, err := scanQuarantineJob(s.pool.QueryRow(ctx, query, pgx.NamedArgs{"dedupe_key": dedupeKey}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("quarantine store: find by key: %w", err)
	}
	return &job, nil
}

func (s *QuarantineStore) ListDue(ctx context.Context, now time.Time, limit int) ([]quarantinestore.Job, error) {
	const query = quarantineSelectBase + `
WHERE NOT dead AND next_attempt_at <= @now
ORDER BY next_attempt_at
LIMIT @limit;
`
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.pool.Query(ctx, query, pgx.NamedArgs{"now": now.UTC(), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("quarantine store: list due: %w", err)
	}
	defer rows.Close()
	return collectQuarantineJobs(rows)
}

func (s *QuarantineStore) MarkRetried(ctx context.Context, id int64, lastError string, nextAttemptAt time.Time) error {
	const query = `
UPDATE failed_trade_jobs
SET attempts = attempts + 1, last_error = @last_error, next_attempt_at = @next_attempt_at
WHERE id = @id AND NOT dead;
`
	args := pgx.NamedArgs{"id": id, "last_error": lastError, "next_attempt_at": nextAttemptAt.UTC()}
	if _, err := s.pool.Exec(ctx, query, args); err != nil {
		return fmt.Errorf("quarantine store: mark retried: %w", err)
	}
	return nil
}

func (s *QuarantineStore) MarkDead(ctx context.Context, id int64, lastError string) error {
	const query = `
UPDATE failed_trade_jobs
SET attempts = attempts + 1, last_error = @last_error, dead = TRUE
WHERE id = @id;
`
	if _, err := s.pool.Exec(ctx, query, pgx.NamedArgs{"id": id, "last_error": lastError}); err != nil {
		return fmt.Errorf("quarantine store: mark dead: %w", err)
	}
	return nil
}

func (s *QuarantineStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM failed_trade_jobs WHERE id = @id;`, pgx.NamedArgs{"id": id}); err != nil {
		return fmt.Errorf("quarantine store: delete: %w", err)
	}
	return nil
}

func (s *QuarantineStore) ListDead(ctx context.Context, limit int) ([]quarantinestore.Job, error) {
	const query = quarantineSelectBase + `
WHERE dead
ORDER BY id
LIMIT @limit;
`
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, query, pgx.NamedArgs{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("quarantine store: list dead: %w", err)
	}
	defer rows.Close()
	return collectQuarantineJobs(rows)
}

func (s *QuarantineStore) CountPending(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM failed_trade_jobs WHERE NOT dead;`)
}

func (s *QuarantineStore) CountDead(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT count(*) FROM failed_trade_jobs WHERE dead;`)
}

func (s *QuarantineStore) count(ctx context.Context, query string) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("quarantine store: count: %w", err)
	}
	return count, nil
}

func collectQuarantineJobs(rows pgx.Rows) ([]quarantinestore.Job, error) {
	var jobs []quarantinestore.Job
	for rows.Next() {
		job, err := scanQuarantineJob(rows)
		if err != nil {
			return nil, fmt.Errorf("quarantine store: scan: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quarantine store: rows: %w", err)
	}
	return jobs, nil
}

func scanQuarantineJob(row pgx.Row) (quarantinestore.Job, error) {
	var (
		job       quarantinestore.Job
		deal      []byte
		lastError sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.TerminalID,
		&deal,
		&job.Reason,
		&job.DedupeKey,
		&job.ReceivedAt,
		&job.Attempts,
		&job.NextAttemptAt,
		&lastError,
		&job.Dead,
	)
	if err != nil {
		return quarantinestore.Job{}, err
	}
	job.Deal = json.RawMessage(deal)
	if lastError.Valid {
		job.LastError = lastError.String
	}
	return job, nil
}
