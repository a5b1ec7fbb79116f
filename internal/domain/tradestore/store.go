// Package tradestore defines persistence contracts for the canonical trade ledger.
package tradestore

import (
	"context"
	"time"
)

// Status captures the ledger lifecycle of a trade.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Direction is the position side recorded on the ledger.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// AssetType classifies the traded instrument.
type AssetType string

const (
	AssetForex       AssetType = "FOREX"
	AssetCrypto      AssetType = "CRYPTO"
	AssetCommodities AssetType = "COMMODITIES"
	AssetIndices     AssetType = "INDICES"
)

// SyncSource records which telemetry channel owns a ledger row.
type SyncSource string

const (
	SourceLocalEA SyncSource = "local_ea"
	SourceMetaAPI SyncSource = "metaapi"
	SourceUnset   SyncSource = ""
)

// Origin tags how a ledger row came into existence. It replaces the legacy
// practice of encoding orphan/partial flags as note-text substrings.
type Origin string

const (
	OriginNormal           Origin = "normal"
	OriginOrphanExit       Origin = "orphan_exit"
	OriginPartialRemainder Origin = "partial_remainder"
)

// Trade is one canonical ledger row. Zero values on the numeric fields mean
// "not observed yet"; entry/exit processing progressively fills them in.
type Trade struct {
	ID             string
	UserID         string
	AccountID      string
	Symbol         string
	AssetType      AssetType
	Side           Direction
	Status         Status
	Origin         Origin
	ExternalID     string
	ExternalDealID string
	SyncSource     SyncSource
	OpenTime       time.Time
	CloseTime      time.Time
	OpenPrice      float64
	ClosePrice     float64
	Quantity       float64
	ProfitOrLoss   float64
	Commission     float64
	Swap           float64
	StopLoss       float64
	TakeProfit     float64
	ContractSize   float64
	Mt5Magic       int64
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Patch describes a partial ledger update. Nil pointers leave the column untouched.
type Patch struct {
	Status         *Status
	Side           *Direction
	OpenTime       *time.Time
	CloseTime      *time.Time
	OpenPrice      *float64
	ClosePrice     *float64
	Quantity       *float64
	ProfitOrLoss   *float64
	Commission     *float64
	Swap           *float64
	StopLoss       *float64
	TakeProfit     *float64
	ContractSize   *float64
	ExternalDealID *string
	Mt5Magic       *int64
	Notes          *string
}

// Candle is a single OHLCV bar attached to a trade for execution context.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Store abstracts ledger persistence used by the reconciliation engine.
type Store interface {
	Create(ctx context.Context, trade Trade) (Trade, error)
	Update(ctx context.Context, id string, patch Patch) (Trade, error)
	FindByExternalID(ctx context.Context, userID, accountID, externalID string) (*Trade, error)
	FindManyByExternalIDs(ctx context.Context, userID, accountID string, externalIDs []string) ([]Trade, error)
	FindDuplicate(ctx context.Context, userID, symbol string, openTime time.Time, externalDealID string) (*Trade, error)
	SaveExecutionCandles(ctx context.Context, tradeID string, candles []Candle) error
}
