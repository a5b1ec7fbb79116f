package processor

import (
	"context"
	"fmt"

	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
	"github.com/tradetaper/terminal-farm/internal/observability"
)

// legacyMarker stands in for the position id in dedupe keys when the terminal
// build predates position tracking.
const legacyMarker = "legacy"

// DedupeKey identifies a deal event for idempotent ingestion. Two events with
// the same key are the same fill and only one may mutate the ledger.
func DedupeKey(terminalID string, deal Deal) string {
	position := deal.PositionID
	if position == "" {
		position = legacyMarker
	}
	return fmt.Sprintf("%s:%s:%s", terminalID, deal.Ticket, position)
}

// ResolveExisting locates the ledger row a deal reconciles against. Deals from
// position-aware terminals match on position id; legacy deals fall back to the
// deal ticket, with a duplicate lookup on symbol and open time so re-imported
// history does not double-book.
func (p *Processor) ResolveExisting(ctx context.Context, deal Deal, accountID, userID string) (*tradestore.Trade, error) {
	if deal.HasPosition() {
		trade, err := p.trades.FindByExternalID(ctx, userID, accountID, deal.PositionID)
		if err != nil {
			return nil, fmt.Errorf("trade processor: resolve by position: %w", err)
		}
		return trade, nil
	}

	trade, err := p.trades.FindByExternalID(ctx, userID, accountID, deal.Ticket)
	if err != nil {
		return nil, fmt.Errorf("trade processor: resolve by ticket: %w", err)
	}
	if trade != nil {
		return trade, nil
	}
	openTime, ok := deal.OpenTime.Time()
	if !ok {
		return nil, nil
	}
	trade, err = p.trades.FindDuplicate(ctx, userID, deal.Symbol, openTime, deal.Ticket)
	if err != nil {
		return nil, fmt.Errorf("trade processor: find duplicate: %w", err)
	}
	if trade != nil {
		observability.Log().Debug("legacy deal matched by duplicate lookup",
			observability.F("ticket", deal.Ticket),
			observability.F("symbol", deal.Symbol))
	}
	return trade, nil
}

// ProcessDeal resolves the deal's ledger row and dispatches on its entry type.
// An absent entry type is treated as an entry fill, matching terminal builds
// that omit the field for plain buys and sells.
func (p *Processor) ProcessDeal(ctx context.Context, deal Deal, accountID, userID, terminalID string, source tradestore.SyncSource) (Result, error) {
	existing, err := p.ResolveExisting(ctx, deal, accountID, userID)
	if err != nil {
		return Result{}, err
	}

	entryType := EntryIn
	if deal.EntryType != nil {
		entryType = *deal.EntryType
	}
	switch entryType {
	case EntryOut:
		return p.ProcessExitDeal(ctx, deal, existing, accountID, userID, terminalID, source)
	case EntryInOut:
		return p.ProcessInOutDeal(ctx, deal, existing, accountID, userID, terminalID, source)
	default:
		return p.ProcessEntryDeal(ctx, deal, existing, accountID, userID, source)
	}
}
