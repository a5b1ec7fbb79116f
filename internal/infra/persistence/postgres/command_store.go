package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradetaper/terminal-farm/internal/domain/commandstore"
)

// CommandStore persists the durable terminal command queue.
type CommandStore struct {
	pool *pgxpool.Pool
}

// NewCommandStore constructs a CommandStore backed by the provided pool.
func NewCommandStore(pool *pgxpool.Pool) *CommandStore {
	return &CommandStore{pool: pool}
}

const (
	commandInsertSQL = `
INSERT INTO terminal_commands (terminal_id, command, payload, dedupe_key, priority, queued_at)
VALUES (@terminal_id, @command, @payload, @dedupe_key, @priority, @queued_at)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id;
`

	// The subquery locks the winning row so concurrent pollers never hand the
	// same command to two terminals.
	commandPopSQL = `
DELETE FROM terminal_commands
WHERE id = (
    SELECT id FROM terminal_commands
    WHERE terminal_id = @terminal_id
    ORDER BY priority, queued_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, terminal_id::text, command, COALESCE(payload, ''), dedupe_key, priority, queued_at;
`
)

func (s *CommandStore) Enqueue(ctx context.Context, rec commandstore.Record) (bool, error) {
	args := pgx.NamedArgs{
		"terminal_id": rec.TerminalID,
		"command":     rec.Command,
		"payload":     nullableString(rec.Payload),
		"dedupe_key":  rec.DedupeKey,
		"priority":    rec.Priority,
		"queued_at":   rec.QueuedAt.UTC(),
	}
	var id int64
	err := s.pool.QueryRow(ctx, commandInsertSQL, args).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict on the dedupe key: an equivalent command is waiting.
			return false, nil
		}
		return false, fmt.Errorf("command store: enqueue: %w", err)
	}
	return true, nil
}

func (s *CommandStore) PopNext(ctx context.Context, terminalID string) (*commandstore.Record, error) {
	var rec commandstore.Record
	err := s.pool.QueryRow(ctx, commandPopSQL, pgx.NamedArgs{"terminal_id": terminalID}).Scan(
		&rec.ID,
		&rec.TerminalID,
		&rec.Command,
		&rec.Payload,
		&rec.DedupeKey,
		&rec.Priority,
		&rec.QueuedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("command store: pop: %w", err)
	}
	return &rec, nil
}

func (s *CommandStore) CountWaiting(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM terminal_commands;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("command store: count: %w", err)
	}
	return count, nil
}

func (s *CommandStore) DeleteForTerminal(ctx context.Context, terminalID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM terminal_commands WHERE terminal_id = @terminal_id;`,
		pgx.NamedArgs{"terminal_id": terminalID})
	if err != nil {
		return 0, fmt.Errorf("command store: delete for terminal: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
