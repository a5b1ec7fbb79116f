package farm

import (
	"time"

	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/processor"
	"github.com/tradetaper/terminal-farm/internal/quarantine"
)

// Heartbeat is the liveness report a terminal posts roughly every 30 seconds.
type Heartbeat struct {
	Status      string       `json:"status,omitempty"`
	AccountInfo *AccountInfo `json:"accountInfo,omitempty"`
	OpenTrades  int          `json:"openTrades,omitempty"`
}

// AccountInfo is the broker account snapshot piggybacked on heartbeats.
type AccountInfo struct {
	Balance  float64 `json:"balance"`
	Equity   float64 `json:"equity"`
	Margin   float64 `json:"margin,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Name     string  `json:"name,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat and, when work is pending, hands
// the terminal its next command verb and payload. The EA parses these as flat
// strings, so the queued command is never nested.
type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Command string `json:"command,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// TradeBatch is the deal-event batch posted by a terminal.
type TradeBatch struct {
	Trades []processor.Deal `json:"trades"`
}

// BatchSummary reports per-outcome counts for one trade batch.
type BatchSummary struct {
	Processed   int `json:"processed"`
	Created     int `json:"created"`
	Updated     int `json:"updated"`
	Skipped     int `json:"skipped"`
	Conflicts   int `json:"conflicts"`
	Quarantined int `json:"quarantined"`
}

// Position is one open position as reported by the terminal.
type Position struct {
	Ticket       string                 `json:"ticket"`
	Symbol       string                 `json:"symbol"`
	Type         string                 `json:"type"`
	Volume       float64                `json:"volume"`
	OpenPrice    float64                `json:"openPrice"`
	CurrentPrice float64                `json:"currentPrice,omitempty"`
	StopLoss     float64                `json:"stopLoss,omitempty"`
	TakeProfit   float64                `json:"takeProfit,omitempty"`
	Profit       float64                `json:"profit,omitempty"`
	Swap         float64                `json:"swap,omitempty"`
	OpenTime     processor.TerminalTime `json:"openTime,omitempty"`
	PositionID   string                 `json:"positionId,omitempty"`
}

// PositionsSnapshot is the latest open-positions view for an account.
type PositionsSnapshot struct {
	AccountID  string     `json:"accountId"`
	TerminalID string     `json:"terminalId"`
	Positions  []Position `json:"positions"`
	ReportedAt time.Time  `json:"reportedAt"`
}

// PositionsPublisher receives snapshots for live push to subscribers. The
// websocket hub implements it; a nil publisher disables push.
type PositionsPublisher interface {
	Publish(snapshot PositionsSnapshot)
}

// CandleBatch carries execution-context candles fetched for one trade.
type CandleBatch struct {
	TradeID   string   `json:"tradeId"`
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe,omitempty"`
	Candles   []Candle `json:"candles"`
}

// Candle is one OHLCV bar in terminal wire format.
type Candle struct {
	Time   processor.TerminalTime `json:"time"`
	Open   float64                `json:"open"`
	High   float64                `json:"high"`
	Low    float64                `json:"low"`
	Close  float64                `json:"close"`
	Volume float64                `json:"volume,omitempty"`
}

// TerminalHealth is one terminal's row in the operator health view.
type TerminalHealth struct {
	ID            string               `json:"id"`
	AccountID     string               `json:"accountId"`
	Status        terminalstore.Status `json:"status"`
	ContainerID   string               `json:"containerId,omitempty"`
	ErrorMessage  string               `json:"errorMessage,omitempty"`
	LastHeartbeat *time.Time           `json:"lastHeartbeat,omitempty"`
	LastSyncAt    *time.Time           `json:"lastSyncAt,omitempty"`
	Stale         bool                 `json:"stale"`
}

// Health is the operator-facing farm summary.
type Health struct {
	Terminals      int                          `json:"terminals"`
	StatusCounts   map[terminalstore.Status]int `json:"statusCounts"`
	StaleTerminals []TerminalHealth             `json:"staleTerminals,omitempty"`
	CommandQueue   commandqueue.Stats           `json:"commandQueue"`
	Quarantine     quarantine.Stats             `json:"quarantine"`
	Degraded       bool                         `json:"degraded"`
}

// TerminalSpec is one entry in the orchestrator reconciliation config: the
// desired container set with the env each terminal boots with.
type TerminalSpec struct {
	TerminalID  string               `json:"terminalId"`
	AccountID   string               `json:"accountId"`
	ContainerID string               `json:"containerId,omitempty"`
	Status      terminalstore.Status `json:"status"`
	Env         map[string]string    `json:"env"`
}
