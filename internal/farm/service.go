// Package farm is the application core: it receives terminal telemetry,
// drives the reconciliation engine, and serves the operator surfaces.
package farm

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/accountstore"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
	"github.com/tradetaper/terminal-farm/internal/observability"
	"github.com/tradetaper/terminal-farm/internal/processor"
	"github.com/tradetaper/terminal-farm/internal/quarantine"
	"github.com/tradetaper/terminal-farm/internal/telemetry"
)

// staleAfter is how long a RUNNING terminal may go silent before the health
// surface lists it as stale.
const staleAfter = 5 * time.Minute

// Service wires the stores, queues and processor behind the HTTP surface.
type Service struct {
	processor  *processor.Processor
	trades     tradestore.Store
	terminals  terminalstore.Store
	accounts   accountstore.Store
	commands   commandqueue.Queue
	quarantine *quarantine.Queue
	metrics    *telemetry.Metrics
	publisher  PositionsPublisher
	orchSecret string
}

// Deps collects the service's collaborators.
type Deps struct {
	Processor          *processor.Processor
	Trades             tradestore.Store
	Terminals          terminalstore.Store
	Accounts           accountstore.Store
	Commands           commandqueue.Queue
	Quarantine         *quarantine.Queue
	Metrics            *telemetry.Metrics
	Publisher          PositionsPublisher
	OrchestratorSecret string
}

// NewService builds the farm service.
func NewService(deps Deps) *Service {
	return &Service{
		processor:  deps.Processor,
		trades:     deps.Trades,
		terminals:  deps.Terminals,
		accounts:   deps.Accounts,
		commands:   deps.Commands,
		quarantine: deps.Quarantine,
		metrics:    deps.Metrics,
		publisher:  deps.Publisher,
		orchSecret: deps.OrchestratorSecret,
	}
}

// ProcessHeartbeat records liveness, applies the account snapshot, and hands
// back the terminal's next queued command if any.
func (s *Service) ProcessHeartbeat(ctx context.Context, terminalID string, hb Heartbeat) (HeartbeatResponse, error) {
	terminal, err := s.requireTerminal(ctx, terminalID)
	if err != nil {
		return HeartbeatResponse{}, err
	}

	if err := s.terminals.RecordHeartbeat(ctx, terminal.ID); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("farm: record heartbeat: %w", err)
	}
	s.metrics.RecordHeartbeat(ctx)

	if hb.AccountInfo != nil {
		if err := s.accounts.UpdateBalance(ctx, terminal.AccountID, hb.AccountInfo.Balance, hb.AccountInfo.Equity); err != nil {
			// The heartbeat ack matters more than the snapshot; keep going.
			observability.Log().Error("apply account snapshot failed",
				observability.F("account", terminal.AccountID),
				observability.F("error", err))
		}
	}

	command, err := s.commands.NextCommand(ctx, terminal.ID)
	if err != nil {
		observability.Log().Error("pop command failed",
			observability.F("terminal", terminal.ID),
			observability.F("error", err))
		return HeartbeatResponse{Success: true}, nil
	}
	resp := HeartbeatResponse{Success: true}
	if command != nil {
		resp.Command = command.Command
		resp.Payload = command.Payload
	}
	return resp, nil
}

// ProcessTradeBatch reconciles a deal batch. Ledger rows for the batch are
// prefetched in one query; deals that fail are quarantined for replay rather
// than failing the batch.
func (s *Service) ProcessTradeBatch(ctx context.Context, terminalID string, deals []processor.Deal) (BatchSummary, error) {
	started := time.Now()
	terminal, err := s.requireTerminal(ctx, terminalID)
	if err != nil {
		return BatchSummary{}, err
	}
	account, err := s.accounts.FindByID(ctx, terminal.AccountID)
	if err != nil {
		return BatchSummary{}, fmt.Errorf("farm: load account: %w", err)
	}
	if account == nil {
		return BatchSummary{}, errs.New(errs.CodeNotFound, errs.WithMessage("farm: account missing for terminal"))
	}

	cache, err := s.prefetch(ctx, account, deals)
	if err != nil {
		return BatchSummary{}, err
	}

	var summary BatchSummary
	for _, deal := range deals {
		summary.Processed++
		result, err := s.dispatch(ctx, deal, cache, account, terminal.ID)
		if err != nil {
			summary.Quarantined++
			s.quarantineDeal(ctx, terminal.ID, deal, err)
			continue
		}
		s.metrics.RecordDeal(ctx, string(result.Action))
		switch result.Action {
		case processor.ActionCreated:
			summary.Created++
		case processor.ActionUpdated:
			summary.Updated++
		case processor.ActionSkipped:
			summary.Skipped++
		case processor.ActionConflict:
			summary.Conflicts++
		}
		if result.Trade != nil {
			cache[result.Trade.ExternalID] = result.Trade
		}
	}

	if err := s.terminals.RecordSync(ctx, terminal.ID); err != nil {
		observability.Log().Error("record sync failed",
			observability.F("terminal", terminal.ID), observability.F("error", err))
	}
	s.metrics.RecordBatchDuration(ctx, float64(time.Since(started).Milliseconds()))
	observability.Log().Info("trade batch processed",
		observability.F("terminal", terminal.ID),
		observability.F("deals", summary.Processed),
		observability.F("created", summary.Created),
		observability.F("updated", summary.Updated),
		observability.F("quarantined", summary.Quarantined))
	return summary, nil
}

// prefetch loads every ledger row the batch can touch in one round trip.
func (s *Service) prefetch(ctx context.Context, account *accountstore.Account, deals []processor.Deal) (map[string]*tradestore.Trade, error) {
	ids := make([]string, 0, len(deals))
	seen := make(map[string]struct{}, len(deals))
	for _, deal := range deals {
		key := deal.PositionID
		if key == "" {
			key = deal.Ticket
		}
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ids = append(ids, key)
	}
	cache := make(map[string]*tradestore.Trade, len(ids))
	if len(ids) == 0 {
		return cache, nil
	}
	trades, err := s.trades.FindManyByExternalIDs(ctx, account.UserID, account.ID, ids)
	if err != nil {
		return nil, fmt.Errorf("farm: prefetch ledger rows: %w", err)
	}
	for i := range trades {
		cache[trades[i].ExternalID] = &trades[i]
	}
	return cache, nil
}

func (s *Service) dispatch(ctx context.Context, deal processor.Deal, cache map[string]*tradestore.Trade, account *accountstore.Account, terminalID string) (processor.Result, error) {
	key := deal.PositionID
	if key == "" {
		key = deal.Ticket
	}
	existing := cache[key]
	if existing == nil && !deal.HasPosition() {
		// Legacy deals may match an earlier import under a different key.
		var err error
		existing, err = s.processor.ResolveExisting(ctx, deal, account.ID, account.UserID)
		if err != nil {
			return processor.Result{}, err
		}
	}

	entryType := processor.EntryIn
	if deal.EntryType != nil {
		entryType = *deal.EntryType
	}
	switch entryType {
	case processor.EntryOut:
		return s.processor.ProcessExitDeal(ctx, deal, existing, account.ID, account.UserID, terminalID, tradestore.SourceLocalEA)
	case processor.EntryInOut:
		return s.processor.ProcessInOutDeal(ctx, deal, existing, account.ID, account.UserID, terminalID, tradestore.SourceLocalEA)
	default:
		return s.processor.ProcessEntryDeal(ctx, deal, existing, account.ID, account.UserID, tradestore.SourceLocalEA)
	}
}

func (s *Service) quarantineDeal(ctx context.Context, terminalID string, deal processor.Deal, cause error) {
	raw, err := json.Marshal(deal)
	if err != nil {
		observability.Log().Error("encode quarantined deal failed",
			observability.F("terminal", terminalID), observability.F("error", err))
		return
	}
	key := processor.DedupeKey(terminalID, deal)
	if err := s.quarantine.Quarantine(ctx, terminalID, raw, cause.Error(), key); err != nil {
		observability.Log().Error("quarantine deal failed",
			observability.F("terminal", terminalID), observability.F("error", err))
		return
	}
	s.metrics.RecordQuarantined(ctx)
}

// ReplayDeal re-runs reconciliation for a quarantined deal. It is the
// quarantine worker's ReplayFunc.
func (s *Service) ReplayDeal(ctx context.Context, terminalID string, raw json.RawMessage) error {
	var deal processor.Deal
	if err := json.Unmarshal(raw, &deal); err != nil {
		return fmt.Errorf("farm: decode quarantined deal: %w", err)
	}
	terminal, err := s.requireTerminal(ctx, terminalID)
	if err != nil {
		return err
	}
	account, err := s.accounts.FindByID(ctx, terminal.AccountID)
	if err != nil {
		return fmt.Errorf("farm: load account: %w", err)
	}
	if account == nil {
		return errs.New(errs.CodeNotFound, errs.WithMessage("farm: account missing for terminal"))
	}
	result, err := s.processor.ProcessDeal(ctx, deal, account.ID, account.UserID, terminal.ID, tradestore.SourceLocalEA)
	if err != nil {
		return err
	}
	s.metrics.RecordDeal(ctx, string(result.Action))
	return nil
}

// ProcessPositions stores the open-positions snapshot, patches drifted
// stop/target levels on open ledger rows, and pushes the snapshot to live
// subscribers.
func (s *Service) ProcessPositions(ctx context.Context, terminalID string, positions []Position) error {
	terminal, err := s.requireTerminal(ctx, terminalID)
	if err != nil {
		return err
	}
	account, err := s.accounts.FindByID(ctx, terminal.AccountID)
	if err != nil {
		return fmt.Errorf("farm: load account: %w", err)
	}
	if account == nil {
		return errs.New(errs.CodeNotFound, errs.WithMessage("farm: account missing for terminal"))
	}

	snapshot := PositionsSnapshot{
		AccountID:  terminal.AccountID,
		TerminalID: terminal.ID,
		Positions:  positions,
		ReportedAt: time.Now().UTC(),
	}
	if err := s.terminals.SetMetadata(ctx, terminal.ID, snapshotMetadata(snapshot)); err != nil {
		return fmt.Errorf("farm: store positions snapshot: %w", err)
	}

	s.reconcilePositionDrift(ctx, account, positions)

	if s.publisher != nil {
		s.publisher.Publish(snapshot)
	}
	return nil
}

// reconcilePositionDrift patches the broker-side values trades drift on while
// open. Only populated snapshot values overwrite, and only when changed.
func (s *Service) reconcilePositionDrift(ctx context.Context, account *accountstore.Account, positions []Position) {
	for _, pos := range positions {
		externalID := pos.PositionID
		if externalID == "" {
			externalID = pos.Ticket
		}
		if externalID == "" {
			continue
		}
		trade, err := s.trades.FindByExternalID(ctx, account.UserID, account.ID, externalID)
		if err != nil {
			observability.Log().Error("position drift lookup failed",
				observability.F("position", externalID), observability.F("error", err))
			continue
		}
		if trade == nil || trade.Status != tradestore.StatusOpen {
			continue
		}

		patch := tradestore.Patch{}
		changed := false
		if pos.StopLoss != 0 && pos.StopLoss != trade.StopLoss {
			patch.StopLoss = &pos.StopLoss
			changed = true
		}
		if pos.TakeProfit != 0 && pos.TakeProfit != trade.TakeProfit {
			patch.TakeProfit = &pos.TakeProfit
			changed = true
		}
		if pos.Volume != 0 && pos.Volume != trade.Quantity {
			patch.Quantity = &pos.Volume
			changed = true
		}
		if pos.OpenPrice != 0 && trade.OpenPrice == 0 {
			patch.OpenPrice = &pos.OpenPrice
			changed = true
		}
		if !changed {
			continue
		}
		note := trade.Notes
		if note != "" {
			note += "\n"
		}
		note += fmt.Sprintf("Updated from position sync at %s", time.Now().UTC().Format(time.RFC3339))
		patch.Notes = &note
		if _, err := s.trades.Update(ctx, trade.ID, patch); err != nil {
			observability.Log().Error("position drift patch failed",
				observability.F("trade", trade.ID), observability.F("error", err))
		}
	}
}

// ProcessCandles persists execution-context candles fetched for a trade.
func (s *Service) ProcessCandles(ctx context.Context, terminalID string, batch CandleBatch) (int, error) {
	if _, err := s.requireTerminal(ctx, terminalID); err != nil {
		return 0, err
	}
	if batch.TradeID == "" {
		return 0, errs.New(errs.CodeInvalid, errs.WithMessage("farm: candle batch missing tradeId"))
	}
	candles := make([]tradestore.Candle, 0, len(batch.Candles))
	for _, c := range batch.Candles {
		ts, ok := c.Time.Time()
		if !ok {
			continue
		}
		candles = append(candles, tradestore.Candle{
			Time:   ts,
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}
	if len(candles) == 0 {
		return 0, nil
	}
	if err := s.trades.SaveExecutionCandles(ctx, batch.TradeID, candles); err != nil {
		return 0, fmt.Errorf("farm: save candles: %w", err)
	}
	return len(candles), nil
}

// RequestManualSync queues an immediate SYNC_TRADES for the account's terminal.
func (s *Service) RequestManualSync(ctx context.Context, accountID, userID string) error {
	terminal, err := s.ownedTerminal(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if err := s.commands.QueueCommand(ctx, terminal.ID, commandqueue.CommandSyncTrades, ""); err != nil {
		return err
	}
	s.metrics.RecordCommandQueued(ctx, commandqueue.CommandSyncTrades)
	return nil
}

// LivePositions returns the latest stored snapshot for the account.
func (s *Service) LivePositions(ctx context.Context, accountID, userID string) (PositionsSnapshot, error) {
	terminal, err := s.ownedTerminal(ctx, accountID, userID)
	if err != nil {
		return PositionsSnapshot{}, err
	}
	return snapshotFromMetadata(accountID, terminal), nil
}

// Health summarizes terminal and queue state for operators.
func (s *Service) Health(ctx context.Context) (Health, error) {
	instances, err := s.terminals.List(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("farm: list terminals: %w", err)
	}
	health := Health{
		Terminals:    len(instances),
		StatusCounts: make(map[terminalstore.Status]int),
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	for _, instance := range instances {
		health.StatusCounts[instance.Status]++
		if instance.Status == terminalstore.StatusRunning && !instance.LastHeartbeat.IsZero() && instance.LastHeartbeat.Before(cutoff) {
			health.StaleTerminals = append(health.StaleTerminals, terminalHealth(instance, true))
		}
	}

	if stats, err := s.commands.Stats(ctx); err == nil {
		health.CommandQueue = stats
	} else {
		observability.Log().Error("command queue stats failed", observability.F("error", err))
	}
	if stats, err := s.quarantine.Stats(ctx); err == nil {
		health.Quarantine = stats
	} else {
		observability.Log().Error("quarantine stats failed", observability.F("error", err))
	}
	health.Degraded = s.commands.Degraded() || s.quarantine.Degraded()
	return health, nil
}

// TerminalsHealth lists every terminal for the operator drill-down view.
func (s *Service) TerminalsHealth(ctx context.Context) ([]TerminalHealth, error) {
	instances, err := s.terminals.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("farm: list terminals: %w", err)
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	out := make([]TerminalHealth, 0, len(instances))
	for _, instance := range instances {
		stale := instance.Status == terminalstore.StatusRunning &&
			!instance.LastHeartbeat.IsZero() && instance.LastHeartbeat.Before(cutoff)
		out = append(out, terminalHealth(instance, stale))
	}
	return out, nil
}

// OrchestratorConfig returns the desired container set for the external
// reconciler. The shared secret gates access; fail closed when unset.
func (s *Service) OrchestratorConfig(ctx context.Context, secret string) ([]TerminalSpec, error) {
	if s.orchSecret == "" || secret != s.orchSecret {
		return nil, errs.New(errs.CodeAuth, errs.WithMessage("farm: invalid orchestrator secret"))
	}
	instances, err := s.terminals.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("farm: list terminals: %w", err)
	}
	specs := make([]TerminalSpec, 0, len(instances))
	for _, instance := range instances {
		switch instance.Status {
		case terminalstore.StatusPending, terminalstore.StatusStarting, terminalstore.StatusRunning:
		default:
			continue
		}
		account, err := s.accounts.FindByID(ctx, instance.AccountID)
		if err != nil || account == nil {
			observability.Log().Error("orchestrator config: account lookup failed",
				observability.F("terminal", instance.ID), observability.F("error", err))
			continue
		}
		specs = append(specs, TerminalSpec{
			TerminalID:  instance.ID,
			AccountID:   instance.AccountID,
			ContainerID: instance.ContainerID,
			Status:      instance.Status,
			Env: map[string]string{
				"TERMINAL_ID": instance.ID,
				"MT5_LOGIN":   account.Login,
				"MT5_SERVER":  account.Server,
			},
		})
	}
	return specs, nil
}

func (s *Service) requireTerminal(ctx context.Context, terminalID string) (*terminalstore.Instance, error) {
	terminal, err := s.terminals.FindByID(ctx, terminalID)
	if err != nil {
		return nil, fmt.Errorf("farm: load terminal: %w", err)
	}
	if terminal == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("farm: unknown terminal"))
	}
	return terminal, nil
}

func (s *Service) ownedTerminal(ctx context.Context, accountID, userID string) (*terminalstore.Instance, error) {
	account, err := s.accounts.FindForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("farm: account not found"))
	}
	terminal, err := s.terminals.FindByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if terminal == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("farm: auto-sync not enabled"))
	}
	return terminal, nil
}
