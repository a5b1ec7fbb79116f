package processor

import (
	"strings"

	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
)

// EntryType mirrors the MT5 deal entry flag.
type EntryType int

const (
	// EntryIn opens (or adds to) a position.
	EntryIn EntryType = 0
	// EntryOut closes part or all of a position.
	EntryOut EntryType = 1
	// EntryInOut closes the position and reopens the remainder in one fill
	// (netting accounts).
	EntryInOut EntryType = 2
)

// Deal is one broker-reported execution event as delivered by a terminal.
// Numeric zero means "not reported"; the MT5 EA omits fields it has no value
// for and older builds send zeroes instead.
type Deal struct {
	Ticket       string       `json:"ticket"`
	Symbol       string       `json:"symbol"`
	Type         string       `json:"type"`
	EntryType    *EntryType   `json:"entryType,omitempty"`
	Volume       float64      `json:"volume,omitempty"`
	OpenPrice    float64      `json:"openPrice,omitempty"`
	ClosePrice   float64      `json:"closePrice,omitempty"`
	OpenTime     TerminalTime `json:"openTime,omitempty"`
	CloseTime    TerminalTime `json:"closeTime,omitempty"`
	Commission   float64      `json:"commission,omitempty"`
	Swap         float64      `json:"swap,omitempty"`
	Profit       float64      `json:"profit,omitempty"`
	Comment      string       `json:"comment,omitempty"`
	PositionID   string       `json:"positionId,omitempty"`
	Magic        int64        `json:"magic,omitempty"`
	Reason       int          `json:"reason,omitempty"`
	StopLoss     float64      `json:"stopLoss,omitempty"`
	TakeProfit   float64      `json:"takeProfit,omitempty"`
	ContractSize float64      `json:"contractSize,omitempty"`
}

// HasPosition reports whether the deal carries a position identifier and can
// take the position-based reconciliation path.
func (d Deal) HasPosition() bool {
	return strings.TrimSpace(d.PositionID) != ""
}

// LedgerKey is the external id a ledger row for this deal is keyed by: the
// position id, or the ticket for legacy EAs that report none.
func (d Deal) LedgerKey() string {
	if d.HasPosition() {
		return d.PositionID
	}
	return strings.TrimSpace(d.Ticket)
}

// Side maps the deal's BUY/SELL flag onto a ledger direction.
func (d Deal) Side() tradestore.Direction {
	if strings.EqualFold(strings.TrimSpace(d.Type), "BUY") {
		return tradestore.DirectionLong
	}
	return tradestore.DirectionShort
}

// InvertedSide infers the position direction from an exit deal: an exit SELL
// closes a LONG, an exit BUY closes a SHORT.
func (d Deal) InvertedSide() tradestore.Direction {
	if strings.EqualFold(strings.TrimSpace(d.Type), "SELL") {
		return tradestore.DirectionLong
	}
	return tradestore.DirectionShort
}

// Action is the outcome class of one deal reconciliation.
type Action string

const (
	ActionCreated  Action = "created"
	ActionUpdated  Action = "updated"
	ActionSkipped  Action = "skipped"
	ActionConflict Action = "conflict"
)

// Result reports how a deal was reconciled against the ledger.
type Result struct {
	Action Action
	Trade  *tradestore.Trade
	Reason string
}

// Counted reports whether the result counts as an import for sync accounting.
func (r Result) Counted() bool {
	return r.Action == ActionCreated || r.Action == ActionUpdated
}
