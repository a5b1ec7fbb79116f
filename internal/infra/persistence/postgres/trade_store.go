package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
)

// TradeStore persists the canonical trade ledger.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeInsertSQL = `
INSERT INTO trades (
    id,
    user_id,
    account_id,
    symbol,
    asset_type,
    side,
    status,
    origin,
    external_id,
    external_deal_id,
    sync_source,
    open_time,
    close_time,
    open_price,
    close_price,
    quantity,
    profit_or_loss,
    commission,
    swap,
    stop_loss,
    take_profit,
    contract_size,
    mt5_magic,
    notes,
    created_at,
    updated_at
)
VALUES (
    @id,
    @user_id,
    @account_id,
    @symbol,
    @asset_type,
    @side,
    @status,
    @origin,
    @external_id,
    @external_deal_id,
    @sync_source,
    @open_time,
    @close_time,
    @open_price,
    @close_price,
    @quantity,
    @profit_or_loss,
    @commission,
    @swap,
    @stop_loss,
    @take_profit,
    @contract_size,
    @mt5_magic,
    @notes,
    NOW(),
    NOW()
)
RETURNING created_at, updated_at;
`

	tradeUpdateSQL = `
UPDATE trades
SET status = COALESCE(@status, status),
    side = COALESCE(@side, side),
    open_time = COALESCE(@open_time, open_time),
    close_time = COALESCE(@close_time, close_time),
    open_price = COALESCE(@open_price, open_price),
    close_price = COALESCE(@close_price, close_price),
    quantity = COALESCE(@quantity, quantity),
    profit_or_loss = COALESCE(@profit_or_loss, profit_or_loss),
    commission = COALESCE(@commission, commission),
    swap = COALESCE(@swap, swap),
    stop_loss = COALESCE(@stop_loss, stop_loss),
    take_profit = COALESCE(@take_profit, take_profit),
    contract_size = COALESCE(@contract_size, contract_size),
    external_deal_id = COALESCE(@external_deal_id, external_deal_id),
    mt5_magic = COALESCE(@mt5_magic, mt5_magic),
    notes = COALESCE(@notes, notes),
    updated_at = NOW()
WHERE id = @id
`

	tradeSelectBase = `
SELECT
    id::text,
    user_id::text,
    account_id::text,
    symbol,
    asset_type,
    side,
    status,
    origin,
    external_id,
    COALESCE(external_deal_id, ''),
    COALESCE(sync_source, ''),
    open_time,
    close_time,
    open_price,
    close_price,
    quantity,
    profit_or_loss,
    commission,
    swap,
    stop_loss,
    take_profit,
    contract_size,
    mt5_magic,
    COALESCE(notes, ''),
    created_at,
    updated_at
FROM trades
`

	tradeReturning = ` RETURNING
    id::text,
    user_id::text,
    account_id::text,
    symbol,
    asset_type,
    side,
    status,
    origin,
    external_id,
    COALESCE(external_deal_id, ''),
    COALESCE(sync_source, ''),
    open_time,
    close_time,
    open_price,
    close_price,
    quantity,
    profit_or_loss,
    commission,
    swap,
    stop_loss,
    take_profit,
    contract_size,
    mt5_magic,
    COALESCE(notes, ''),
    created_at,
    updated_at;
`

	candleUpsertSQL = `
INSERT INTO trade_candles (trade_id, bar_time, open, high, low, close, volume)
VALUES (@trade_id, @bar_time, @open, @high, @low, @close, @volume)
ON CONFLICT (trade_id, bar_time) DO UPDATE SET
    open = EXCLUDED.open,
    high = EXCLUDED.high,
    low = EXCLUDED.low,
    close = EXCLUDED.close,
    volume = EXCLUDED.volume;
`
)

func (s *TradeStore) Create(ctx context.Context, trade tradestore.Trade) (tradestore.Trade, error) {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	args := pgx.NamedArgs{
		"id":               trade.ID,
		"user_id":          trade.UserID,
		"account_id":       trade.AccountID,
		"symbol":           trade.Symbol,
		"asset_type":       string(trade.AssetType),
		"side":             string(trade.Side),
		"status":           string(trade.Status),
		"origin":           string(trade.Origin),
		"external_id":      trade.ExternalID,
		"external_deal_id": nullableString(trade.ExternalDealID),
		"sync_source":      nullableString(string(trade.SyncSource)),
		"open_time":        nullableTime(trade.OpenTime),
		"close_time":       nullableTime(trade.CloseTime),
		"open_price":       trade.OpenPrice,
		"close_price":      trade.ClosePrice,
		"quantity":         trade.Quantity,
		"profit_or_loss":   trade.ProfitOrLoss,
		"commission":       trade.Commission,
		"swap":             trade.Swap,
		"stop_loss":        trade.StopLoss,
		"take_profit":      trade.TakeProfit,
		"contract_size":    trade.ContractSize,
		"mt5_magic":        trade.Mt5Magic,
		"notes":            nullableString(trade.Notes),
	}
	row := s.pool.QueryRow(ctx, tradeInsertSQL, args)
	if err := row.Scan(&trade.CreatedAt, &trade.UpdatedAt); err != nil {
		return tradestore.Trade{}, fmt.Errorf("trade store: insert: %w", err)
	}
	return trade, nil
}

func (s *TradeStore) Update(ctx context.Context, id string, patch tradestore.Patch) (tradestore.Trade, error) {
	args := pgx.NamedArgs{
		"id":               id,
		"status":           stringPtr((*string)(patch.Status)),
		"side":             stringPtr((*string)(patch.Side)),
		"open_time":        patch.OpenTime,
		"close_time":       patch.CloseTime,
		"open_price":       patch.OpenPrice,
		"close_price":      patch.ClosePrice,
		"quantity":         patch.Quantity,
		"profit_or_loss":   patch.ProfitOrLoss,
		"commission":       patch.Commission,
		"swap":             patch.Swap,
		"stop_loss":        patch.StopLoss,
		"take_profit":      patch.TakeProfit,
		"contract_size":    patch.ContractSize,
		"external_deal_id": patch.ExternalDealID,
		"mt5_magic":        patch.Mt5Magic,
		"notes":            patch.Notes,
	}
	row := s.pool.QueryRow(ctx, tradeUpdateSQL+tradeReturning, args)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tradestore.Trade{}, fmt.Errorf("trade store: update: no trade %s", id)
		}
		return tradestore.Trade{}, fmt.Errorf("trade store: update: %w", err)
	}
	return trade, nil
}

func (s *TradeStore) FindByExternalID(ctx context.Context, userID, accountID, externalID string) (*tradestore.Trade, error) {
	const query = tradeSelectBase + `
WHERE user_id = @user_id AND account_id = @account_id AND external_id = @external_id
ORDER BY created_at DESC
LIMIT 1;
`
	args := pgx.NamedArgs{"user_id": userID, "account_id": accountID, "external_id": externalID}
	trade, err := scanTrade(s.pool.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("trade store: find by external id: %w", err)
	}
	return &trade, nil
}

func (s *TradeStore) FindManyByExternalIDs(ctx context.Context, userID, accountID string, externalIDs []string) ([]tradestore.Trade, error) {
	if len(externalIDs) == 0 {
		return nil, nil
	}
	const query = tradeSelectBase + `
WHERE user_id = @user_id AND account_id = @account_id AND external_id = ANY(@external_ids)
ORDER BY created_at;
`
	args := pgx.NamedArgs{"user_id": userID, "account_id": accountID, "external_ids": externalIDs}
	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("trade store: find many: %w", err)
	}
	defer rows.Close()

	var trades []tradestore.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("trade store: scan: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: find many: %w", err)
	}
	return trades, nil
}

func (s *TradeStore) FindDuplicate(ctx context.Context, userID, symbol string, openTime time.Time, externalDealID string) (*tradestore.Trade, error) {
	const query = tradeSelectBase + `
WHERE user_id = @user_id
  AND symbol = @symbol
  AND (
        (external_deal_id = @external_deal_id AND @external_deal_id <> '')
     OR (open_time IS NOT NULL AND abs(extract(epoch FROM (open_time - @open_time))) < 60)
  )
ORDER BY created_at DESC
LIMIT 1;
`
	args := pgx.NamedArgs{
		"user_id":          userID,
		"symbol":           symbol,
		"external_deal_id": externalDealID,
		"open_time":        openTime.UTC(),
	}
	trade, err := scanTrade(s.pool.QueryRow(ctx, query, args))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("trade store: find duplicate: %w", err)
	}
	return &trade, nil
}

func (s *TradeStore) SaveExecutionCandles(ctx context.Context, tradeID string, candles []tradestore.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, candle := range candles {
		batch.Queue(candleUpsertSQL, pgx.NamedArgs{
			"trade_id": tradeID,
			"bar_time": candle.Time.UTC(),
			"open":     candle.Open,
			"high":     candle.High,
			"low":      candle.Low,
			"close":    candle.Close,
			"volume":   candle.Volume,
		})
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("trade store: save candles: %w", err)
		}
	}
	return nil
}

func scanTrade(row pgx.Row) (tradestore.Trade, error) {
	var (
		trade     tradestore.Trade
		openTime  sql.NullTime
		closeTime sql.NullTime
	)
	err := row.Scan(
		&trade.ID,
		&trade.UserID,
		&trade.AccountID,
		&trade.Symbol,
		&trade.AssetType,
		&trade.Side,
		&trade.Status,
		&trade.Origin,
		&trade.ExternalID,
		&trade.ExternalDealID,
		&trade.SyncSource,
		&openTime,
		&closeTime,
		&trade.OpenPrice,
		&trade.ClosePrice,
		&trade.Quantity,
		&trade.ProfitOrLoss,
		&trade.Commission,
		&trade.Swap,
		&trade.StopLoss,
		&trade.TakeProfit,
		&trade.ContractSize,
		&trade.Mt5Magic,
		&trade.Notes,
		&trade.CreatedAt,
		&trade.UpdatedAt,
	)
	if err != nil {
		return tradestore.Trade{}, err
	}
	if openTime.Valid {
		trade.OpenTime = openTime.Time
	}
	if closeTime.Valid {
		trade.CloseTime = closeTime.Time
	}
	return trade, nil
}

// stringPtr lifts a typed string pointer into a plain one for NamedArgs.
func stringPtr(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
