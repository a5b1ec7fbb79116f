// Package processor implements the reconciliation engine that turns broker
// deal events into ledger mutations. It is deliberately stateless: every
// decision is made against the ledger row handed in by the caller, which makes
// reconciliation commutative enough to tolerate reordering between batches.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
	"github.com/tradetaper/terminal-farm/internal/observability"
)

const (
	// candleFetchBuffer brackets the entry/exit window requested from the terminal.
	candleFetchBuffer = 2 * time.Hour
	// remainderEpsilon guards against float dust being opened as a position.
	remainderEpsilon = 0.001
	// volumeScale is the lot precision carried through partial-close arithmetic.
	volumeScale = 5
)

// CommandQueuer is the slice of the command queue the processor needs.
type CommandQueuer interface {
	QueueCommand(ctx context.Context, terminalID, command, payload string) error
}

// Processor reconciles deal events against the trade ledger.
type Processor struct {
	trades   tradestore.Store
	commands CommandQueuer
	now      func() time.Time
}

// New constructs a Processor over the given ledger store and command queue.
func New(trades tradestore.Store, commands CommandQueuer) *Processor {
	return &Processor{trades: trades, commands: commands, now: time.Now}
}

// WithClock overrides the processor clock, primarily for tests.
func (p *Processor) WithClock(clock func() time.Time) *Processor {
	if clock != nil {
		p.now = clock
	}
	return p
}

// ProcessEntryDeal handles DEAL_ENTRY_IN: create a new OPEN trade, or patch
// missing fields on an existing row. Populated fields are never overwritten.
func (p *Processor) ProcessEntryDeal(ctx context.Context, deal Deal, existing *tradestore.Trade, accountID, userID string, source tradestore.SyncSource) (Result, error) {
	if conflict, ok := sourceConflict(existing, source, deal.PositionID); ok {
		return conflict, nil
	}

	openTime, hasOpenTime := deal.OpenTime.Time()

	if existing != nil {
		patch := tradestore.Patch{}
		patched := false
		if existing.OpenTime.IsZero() && hasOpenTime {
			patch.OpenTime = &openTime
			patched = true
		}
		if existing.OpenPrice == 0 && deal.OpenPrice != 0 {
			patch.OpenPrice = ptr(deal.OpenPrice)
			patched = true
		}
		if existing.Quantity == 0 && deal.Volume != 0 {
			patch.Quantity = ptr(deal.Volume)
			patched = true
		}
		if existing.Side == "" && deal.Type != "" {
			side := deal.Side()
			patch.Side = &side
			patched = true
		}
		if existing.StopLoss == 0 && deal.StopLoss != 0 {
			patch.StopLoss = ptr(deal.StopLoss)
			patched = true
		}
		if existing.TakeProfit == 0 && deal.TakeProfit != 0 {
			patch.TakeProfit = ptr(deal.TakeProfit)
			patched = true
		}
		if existing.ContractSize == 0 && deal.ContractSize != 0 {
			patch.ContractSize = ptr(deal.ContractSize)
			patched = true
		}
		if existing.ExternalDealID == "" && deal.Ticket != "" {
			patch.ExternalDealID = ptr(deal.Ticket)
			patched = true
		}
		if existing.Mt5Magic == 0 && deal.Magic != 0 {
			patch.Mt5Magic = ptr(deal.Magic)
			patched = true
		}
		if !patched {
			return Result{Action: ActionSkipped}, nil
		}
		updated, err := p.trades.Update(ctx, existing.ID, patch)
		if err != nil {
			return Result{}, fmt.Errorf("trade processor: patch entry: %w", err)
		}
		return Result{Action: ActionUpdated, Trade: &updated}, nil
	}

	if !hasOpenTime {
		openTime = p.now().UTC()
	}
	created, err := p.trades.Create(ctx, tradestore.Trade{
		UserID:         userID,
		AccountID:      accountID,
		Symbol:         deal.Symbol,
		AssetType:      DetectAssetType(deal.Symbol),
		Side:           deal.Side(),
		Status:         tradestore.StatusOpen,
		Origin:         tradestore.OriginNormal,
		ExternalID:     deal.LedgerKey(),
		ExternalDealID: deal.Ticket,
		SyncSource:     source,
		OpenTime:       openTime,
		OpenPrice:      deal.OpenPrice,
		Quantity:       deal.Volume,
		Commission:     deal.Commission,
		Swap:           deal.Swap,
		StopLoss:       deal.StopLoss,
		TakeProfit:     deal.TakeProfit,
		ContractSize:   deal.ContractSize,
		Mt5Magic:       deal.Magic,
		Notes:          fmt.Sprintf("Auto-synced via position %s", deal.LedgerKey()),
	})
	if err != nil {
		return Result{}, fmt.Errorf("trade processor: create entry: %w", err)
	}
	return Result{Action: ActionCreated, Trade: &created}, nil
}

// ProcessExitDeal handles DEAL_ENTRY_OUT: close the matching OPEN trade, or
// create an orphan-exit row when the entry was never observed. The MT5 deal
// price is the execution price, so the deal's openPrice is the close price.
func (p *Processor) ProcessExitDeal(ctx context.Context, deal Deal, existing *tradestore.Trade, accountID, userID, terminalID string, source tradestore.SyncSource) (Result, error) {
	if existing == nil {
		return p.processOrphanExit(ctx, deal, accountID, userID, source)
	}
	if conflict, ok := sourceConflict(existing, source, deal.PositionID); ok {
		return conflict, nil
	}
	if existing.Status == tradestore.StatusClosed && existing.ContractSize != 0 {
		return Result{Action: ActionSkipped}, nil
	}

	closeTime, hasCloseTime := deal.OpenTime.Time()
	if !hasCloseTime {
		closeTime = p.now().UTC()
	}
	status := tradestore.StatusClosed
	patch := tradestore.Patch{
		Status:       &status,
		CloseTime:    &closeTime,
		ClosePrice:   ptr(deal.OpenPrice),
		ProfitOrLoss: ptr(deal.Profit),
		// Commission and swap accumulate across fills rather than overwrite;
		// multi-fill exits each carry their own share.
		Commission: ptr(existing.Commission + deal.Commission),
		Swap:       ptr(existing.Swap + deal.Swap),
	}
	// Older EA builds omit contract size; a zero must not clobber the value
	// the entry recorded.
	if deal.ContractSize != 0 {
		patch.ContractSize = ptr(deal.ContractSize)
	}
	updated, err := p.trades.Update(ctx, existing.ID, patch)
	if err != nil {
		return Result{}, fmt.Errorf("trade processor: close trade: %w", err)
	}

	p.queueCandleFetch(ctx, terminalID, deal.Symbol, existing.OpenTime, closeTime, existing.ID)

	return Result{Action: ActionUpdated, Trade: &updated}, nil
}

// ProcessInOutDeal handles DEAL_ENTRY_INOUT (partial close / netting reverse):
// close the existing trade, then reopen the unfilled remainder as a new row.
func (p *Processor) ProcessInOutDeal(ctx context.Context, deal Deal, existing *tradestore.Trade, accountID, userID, terminalID string, source tradestore.SyncSource) (Result, error) {
	exitResult, err := p.ProcessExitDeal(ctx, deal, existing, accountID, userID, terminalID, source)
	if err != nil {
		return Result{}, err
	}
	if exitResult.Action == ActionConflict || exitResult.Action == ActionSkipped {
		return exitResult, nil
	}

	var originalVolume float64
	if existing != nil {
		originalVolume = existing.Quantity
	}
	remaining := remainingVolume(originalVolume, deal.Volume)
	if remaining <= remainderEpsilon {
		observability.Log().Debug("inout treated as full close",
			observability.F("position", deal.PositionID),
			observability.F("remaining", remaining))
		return exitResult, nil
	}

	observability.Log().Info("inout partial close",
		observability.F("position", deal.PositionID),
		observability.F("closed", deal.Volume),
		observability.F("remaining", remaining))

	remainder := tradestore.Trade{
		UserID:       userID,
		AccountID:    accountID,
		Symbol:       deal.Symbol,
		AssetType:    DetectAssetType(deal.Symbol),
		Side:         deal.Side(),
		Status:       tradestore.StatusOpen,
		Origin:       tradestore.OriginPartialRemainder,
		ExternalID:   remainderExternalID(deal),
		SyncSource:   source,
		OpenTime:     p.now().UTC(),
		OpenPrice:    deal.OpenPrice,
		Quantity:     remaining,
		ContractSize: deal.ContractSize,
		Mt5Magic:     deal.Magic,
		Notes:        fmt.Sprintf("Partial close remainder of position %s (closed %v lots)", deal.PositionID, deal.Volume),
	}
	if existing != nil {
		if existing.Side != "" {
			remainder.Side = existing.Side
		}
		if !existing.OpenTime.IsZero() {
			remainder.OpenTime = existing.OpenTime
		}
		if existing.OpenPrice != 0 {
			remainder.OpenPrice = existing.OpenPrice
		}
		remainder.StopLoss = existing.StopLoss
		remainder.TakeProfit = existing.TakeProfit
	}
	if _, err := p.trades.Create(ctx, remainder); err != nil {
		return Result{}, fmt.Errorf("trade processor: create remainder: %w", err)
	}
	return exitResult, nil
}

// processOrphanExit creates a standalone CLOSED trade for an exit whose entry
// was never observed (sync started mid-position). The open price is recorded
// as zero to flag it unknown, and the side is inverted from the exit fill.
func (p *Processor) processOrphanExit(ctx context.Context, deal Deal, accountID, userID string, source tradestore.SyncSource) (Result, error) {
	closeTime, hasCloseTime := deal.OpenTime.Time()
	if !hasCloseTime {
		closeTime = p.now().UTC()
	}
	created, err := p.trades.Create(ctx, tradestore.Trade{
		UserID:         userID,
		AccountID:      accountID,
		Symbol:         deal.Symbol,
		AssetType:      DetectAssetType(deal.Symbol),
		Side:           deal.InvertedSide(),
		Status:         tradestore.StatusClosed,
		Origin:         tradestore.OriginOrphanExit,
		ExternalID:     deal.LedgerKey(),
		ExternalDealID: deal.Ticket,
		SyncSource:     source,
		OpenTime:       closeTime,
		CloseTime:      closeTime,
		OpenPrice:      0,
		ClosePrice:     deal.OpenPrice,
		Quantity:       deal.Volume,
		ProfitOrLoss:   deal.Profit,
		Commission:     deal.Commission,
		Swap:           deal.Swap,
		StopLoss:       deal.StopLoss,
		TakeProfit:     deal.TakeProfit,
		Mt5Magic:       deal.Magic,
		Notes:          fmt.Sprintf("Orphan exit (entry missing). Position ID: %s", deal.PositionID),
	})
	if err != nil {
		return Result{}, fmt.Errorf("trade processor: create orphan exit: %w", err)
	}
	return Result{Action: ActionCreated, Trade: &created}, nil
}

// queueCandleFetch requests 1m candles bracketing the trade's lifetime by a
// fixed buffer. Candle fetches are advisory; a failed enqueue is logged and
// the reconciliation result stands.
func (p *Processor) queueCandleFetch(ctx context.Context, terminalID, symbol string, entryTime, exitTime time.Time, tradeID string) {
	if p.commands == nil || terminalID == "" {
		return
	}
	if entryTime.IsZero() {
		entryTime = p.now().UTC()
	}
	if exitTime.IsZero() {
		exitTime = p.now().UTC()
	}
	payload := fmt.Sprintf("%s,1m,%s,%s,%s",
		symbol,
		formatMT5Time(entryTime.Add(-candleFetchBuffer)),
		formatMT5Time(exitTime.Add(candleFetchBuffer)),
		tradeID)
	if err := p.commands.QueueCommand(ctx, terminalID, commandqueue.CommandFetchCandles, payload); err != nil {
		observability.Log().Error("queue candle fetch failed",
			observability.F("terminal", terminalID),
			observability.F("trade", tradeID),
			observability.F("error", err))
		return
	}
	observability.Log().Debug("queued candle fetch",
		observability.F("terminal", terminalID),
		observability.F("trade", tradeID))
}

func sourceConflict(existing *tradestore.Trade, incoming tradestore.SyncSource, positionID string) (Result, bool) {
	if existing == nil || existing.SyncSource == tradestore.SourceUnset || existing.SyncSource == incoming {
		return Result{}, false
	}
	observability.Log().Info("sync source conflict",
		observability.F("position", positionID),
		observability.F("existing", existing.SyncSource),
		observability.F("incoming", incoming))
	return Result{
		Action: ActionConflict,
		Reason: fmt.Sprintf("already synced via %s", existing.SyncSource),
	}, true
}

// remainingVolume computes the unfilled remainder at lot precision.
func remainingVolume(original, closed float64) float64 {
	remaining := decimal.NewFromFloat(original).
		Sub(decimal.NewFromFloat(closed)).
		Round(volumeScale)
	value, _ := remaining.Float64()
	return value
}

// remainderExternalID synthesizes a unique external id for a partial-close
// remainder. The closed position's id cannot be reused, and the deal ticket is
// unique per fill, so rapid repeated partial closes stay distinct.
func remainderExternalID(deal Deal) string {
	return fmt.Sprintf("%s_partial_%s", deal.PositionID, deal.Ticket)
}

// formatMT5Time renders a timestamp in the terminal's candle-request format.
func formatMT5Time(t time.Time) string {
	return t.UTC().Format("2006.01.02 15:04:05")
}

func ptr[T any](v T) *T {
	return &v
}
