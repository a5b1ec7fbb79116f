// Package accountstore defines the minimal account lookup contract the farm needs.
package accountstore

import "context"

// Account is the slice of the trading-account record the farm reads and writes.
type Account struct {
	ID          string
	UserID      string
	AccountName string
	Server      string
	Login       string
	Balance     float64
	Equity      float64
}

// Store abstracts account persistence. Account CRUD itself lives outside the
// farm; only ownership checks and balance snapshots pass through here.
type Store interface {
	FindByID(ctx context.Context, id string) (*Account, error)
	// FindForUser returns the account only when it belongs to userID.
	FindForUser(ctx context.Context, id, userID string) (*Account, error)
	UpdateBalance(ctx context.Context, id string, balance, equity float64) error
}
