package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradetaper/terminal-farm/internal/domain/accountstore"
)

// AccountStore reads trading accounts and applies balance snapshots. Account
// CRUD lives in the main application; the farm only needs lookups.
type AccountStore struct {
	pool *pgxpool.Pool
}

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountSelectBase = `
SELECT
    id::text,
    user_id::text,
    COALESCE(account_name, ''),
    COALESCE(server, ''),
    COALESCE(login, ''),
    COALESCE(balance, 0),
    COALESCE(equity, 0)
FROM mt5_accounts
`

func (s *AccountStore) FindByID(ctx context.Context, id string) (*accountstore.Account, error) {
	return s.findOne(ctx, accountSelectBase+" WHERE id = @id;", pgx.NamedArgs{"id": id})
}

func (s *AccountStore) FindForUser(ctx context.Context, id, userID string) (*accountstore.Account, error) {
	return s.findOne(ctx, accountSelectBase+" WHERE id = @id AND user_id = @user_id;",
		pgx.NamedArgs{"id": id, "user_id": userID})
}

func (s *AccountStore) findOne(ctx context.Context, query string, args pgx.NamedArgs) (*accountstore.Account, error) {
	var account accountstore.Account
	err := s.pool.QueryRow(ctx, query, args).Scan(
		&account.ID,
		&account.UserID,
		&account.AccountName,
		&account.Server,
		&account.Login,
		&account.Balance,
		&account.Equity,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("account store: find: %w", err)
	}
	return &account, nil
}

func (s *AccountStore) UpdateBalance(ctx context.Context, id string, balance, equity float64) error {
	const query = `
UPDATE mt5_accounts SET balance = @balance, equity = @equity, updated_at = NOW() WHERE id = @id;
`
	tag, err := s.pool.Exec(ctx, query, pgx.NamedArgs{"id": id, "balance": balance, "equity": equity})
	if err != nil {
		return fmt.Errorf("account store: update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account store: update balance: no account %s", id)
	}
	return nil
}
