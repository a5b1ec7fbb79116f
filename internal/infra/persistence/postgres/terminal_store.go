package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
)

// TerminalStore persists terminal instances.
type TerminalStore struct {
	pool *pgxpool.Pool
}

// NewTerminalStore constructs a TerminalStore backed by the provided pool.
func NewTerminalStore(pool *pgxpool.Pool) *TerminalStore {
	return &TerminalStore{pool: pool}
}

const terminalSelectBase = `
SELECT
    id::text,
    account_id::text,
    status,
    COALESCE(container_id, ''),
    COALESCE(error_message, ''),
    last_heartbeat,
    last_sync_at,
    metadata,
    created_at,
    updated_at
FROM terminal_instances
`

func (s *TerminalStore) Create(ctx context.Context, accountID string) (terminalstore.Instance, error) {
	const query = `
INSERT INTO terminal_instances (id, account_id, status, created_at, updated_at)
VALUES (@id, @account_id, @status, NOW(), NOW())
RETURNING created_at, updated_at;
`
	instance := terminalstore.Instance{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Status:    terminalstore.StatusPending,
	}
	args := pgx.NamedArgs{"id": instance.ID, "account_id": accountID, "status": string(instance.Status)}
	if err := s.pool.QueryRow(ctx, query, args).Scan(&instance.CreatedAt, &instance.UpdatedAt); err != nil {
		return terminalstore.Instance{}, fmt.Errorf("terminal store: insert: %w", err)
	}
	return instance, nil
}

func (s *TerminalStore) FindByID(ctx context.Context, id string) (*terminalstore.Instance, error) {
	return s.findOne(ctx, terminalSelectBase+" WHERE id = @key;", id)
}

func (s *TerminalStore) FindByAccount(ctx context.Context, accountID string) (*terminalstore.Instance, error) {
	return s.findOne(ctx, terminalSelectBase+" WHERE account_id = @key;", accountID)
}

func (s *TerminalStore) findOne(ctx context.Context, query, key string) (*terminalstore.Instance, error) {
	instance, err := scanTerminal(s.pool.QueryRow(ctx, query, pgx.NamedArgs{"key": key}))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("terminal store: find: %w", err)
	}
	return &instance, nil
}

func (s *TerminalStore) List(ctx context.Context) ([]terminalstore.Instance, error) {
	rows, err := s.pool.Query(ctx, terminalSelectBase+" ORDER BY created_at;")
	if err != nil {
		return nil, fmt.Errorf("terminal store: list: %w", err)
	}
	defer rows.Close()

	var instances []terminalstore.Instance
	for rows.Next() {
		instance, err := scanTerminal(rows)
		if err != nil {
			return nil, fmt.Errorf("terminal store: scan: %w", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("terminal store: list: %w", err)
	}
	return instances, nil
}

func (s *TerminalStore) SetStatus(ctx context.Context, id string, status terminalstore.Status, errorMessage string) error {
	const query = `
UPDATE terminal_instances
SET status = @status, error_message = @error_message, updated_at = NOW()
WHERE id = @id;
`
	args := pgx.NamedArgs{"id": id, "status": string(status), "error_message": nullableString(errorMessage)}
	return s.exec(ctx, query, args, "set status")
}

func (s *TerminalStore) SetProvisioned(ctx context.Context, id, containerID string) error {
	const query = `
UPDATE terminal_instances
SET status = @status,
    container_id = @container_id,
    error_message = NULL,
    last_heartbeat = NOW(),
    updated_at = NOW()
WHERE id = @id;
`
	args := pgx.NamedArgs{"id": id, "status": string(terminalstore.StatusRunning), "container_id": containerID}
	return s.exec(ctx, query, args, "set provisioned")
}

func (s *TerminalStore) SetStopped(ctx context.Context, id string) error {
	const query = `
UPDATE terminal_instances
SET status = @status, container_id = NULL, error_message = NULL, updated_at = NOW()
WHERE id = @id;
`
	args := pgx.NamedArgs{"id": id, "status": string(terminalstore.StatusStopped)}
	return s.exec(ctx, query, args, "set stopped")
}

func (s *TerminalStore) RecordHeartbeat(ctx context.Context, id string) error {
	const query = `
UPDATE terminal_instances
SET status = @status, error_message = NULL, last_heartbeat = NOW(), updated_at = NOW()
WHERE id = @id;
`
	args := pgx.NamedArgs{"id": id, "status": string(terminalstore.StatusRunning)}
	return s.exec(ctx, query, args, "record heartbeat")
}

func (s *TerminalStore) RecordSync(ctx context.Context, id string) error {
	const query = `
UPDATE terminal_instances SET last_sync_at = NOW(), updated_at = NOW() WHERE id = @id;
`
	return s.exec(ctx, query, pgx.NamedArgs{"id": id}, "record sync")
}

func (s *TerminalStore) SetMetadata(ctx context.Context, id string, metadata map[string]any) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return fmt.Errorf("terminal store: encode metadata: %w", err)
	}
	const query = `
UPDATE terminal_instances SET metadata = @metadata::jsonb, updated_at = NOW() WHERE id = @id;
`
	return s.exec(ctx, query, pgx.NamedArgs{"id": id, "metadata": encoded}, "set metadata")
}

func (s *TerminalStore) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, `DELETE FROM terminal_instances WHERE id = @id;`, pgx.NamedArgs{"id": id}, "delete")
}

func (s *TerminalStore) exec(ctx context.Context, query string, args pgx.NamedArgs, verb string) error {
	tag, err := s.pool.Exec(ctx, query, args)
	if err != nil {
		return fmt.Errorf("terminal store: %s: %w", verb, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("terminal store: %s: no instance", verb)
	}
	return nil
}

func scanTerminal(row pgx.Row) (terminalstore.Instance, error) {
	var (
		instance  terminalstore.Instance
		heartbeat sql.NullTime
		syncAt    sql.NullTime
		metadata  []byte
	)
	err := row.Scan(
		&instance.ID,
		&instance.AccountID,
		&instance.Status,
		&instance.ContainerID,
		&instance.ErrorMessage,
		&heartbeat,
		&syncAt,
		&metadata,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return terminalstore.Instance{}, err
	}
	if heartbeat.Valid {
		instance.LastHeartbeat = heartbeat.Time
	}
	if syncAt.Valid {
		instance.LastSyncAt = syncAt.Time
	}
	decoded, err := decodeMetadata(metadata)
	if err != nil {
		return terminalstore.Instance{}, err
	}
	instance.Metadata = decoded
	return instance, nil
}
