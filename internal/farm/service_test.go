package farm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/accountstore"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/domain/tradestore"
	"github.com/tradetaper/terminal-farm/internal/processor"
	"github.com/tradetaper/terminal-farm/internal/quarantine"
)

type memTradeStore struct {
	mu     sync.Mutex
	trades map[string]tradestore.Trade
	nextID int
	// failing simulates a ledger outage.
	failing bool
	candles map[string][]tradestore.Candle
}

func newMemTradeStore() *memTradeStore {
	return &memTradeStore{trades: make(map[string]tradestore.Trade), candles: make(map[string][]tradestore.Candle)}
}

func (s *memTradeStore) Create(_ context.Context, trade tradestore.Trade) (tradestore.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return tradestore.Trade{}, fmt.Errorf("ledger unavailable")
	}
	s.nextID++
	trade.ID = fmt.Sprintf("trade-%d", s.nextID)
	s.trades[trade.ID] = trade
	return trade, nil
}

func (s *memTradeStore) Update(_ context.Context, id string, patch tradestore.Patch) (tradestore.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return tradestore.Trade{}, fmt.Errorf("ledger unavailable")
	}
	trade, ok := s.trades[id]
	if !ok {
		return tradestore.Trade{}, fmt.Errorf("no trade %s", id)
	}
	if patch.Status != nil {
		trade.Status = *patch.Status
	}
	if patch.CloseTime != nil {
		trade.CloseTime = *patch.CloseTime
	}
	if patch.ClosePrice != nil {
		trade.ClosePrice = *patch.ClosePrice
	}
	if patch.ProfitOrLoss != nil {
		trade.ProfitOrLoss = *patch.ProfitOrLoss
	}
	if patch.Commission != nil {
		trade.Commission = *patch.Commission
	}
	if patch.Swap != nil {
		trade.Swap = *patch.Swap
	}
	if patch.ContractSize != nil {
		trade.ContractSize = *patch.ContractSize
	}
	if patch.StopLoss != nil {
		trade.StopLoss = *patch.StopLoss
	}
	if patch.TakeProfit != nil {
		trade.TakeProfit = *patch.TakeProfit
	}
	if patch.Quantity != nil {
		trade.Quantity = *patch.Quantity
	}
	if patch.Notes != nil {
		trade.Notes = *patch.Notes
	}
	if patch.Mt5Magic != nil {
		trade.Mt5Magic = *patch.Mt5Magic
	}
	if patch.ExternalDealID != nil {
		trade.ExternalDealID = *patch.ExternalDealID
	}
	s.trades[id] = trade
	return trade, nil
}

func (s *memTradeStore) FindByExternalID(_ context.Context, userID, accountID, externalID string) (*tradestore.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trade := range s.trades {
		if trade.UserID == userID && trade.AccountID == accountID && trade.ExternalID == externalID {
			t := trade
			return &t, nil
		}
	}
	return nil, nil
}

func (s *memTradeStore) FindManyByExternalIDs(ctx context.Context, userID, accountID string, externalIDs []string) ([]tradestore.Trade, error) {
	var out []tradestore.Trade
	for _, id := range externalIDs {
		if trade, _ := s.FindByExternalID(ctx, userID, accountID, id); trade != nil {
			out = append(out, *trade)
		}
	}
	return out, nil
}

func (s *memTradeStore) FindDuplicate(_ context.Context, userID, symbol string, openTime time.Time, externalDealID string) (*tradestore.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trade := range s.trades {
		if trade.UserID == userID && trade.Symbol == symbol &&
			(trade.ExternalDealID == externalDealID || trade.OpenTime.Equal(openTime)) {
			t := trade
			return &t, nil
		}
	}
	return nil, nil
}

func (s *memTradeStore) SaveExecutionCandles(_ context.Context, tradeID string, candles []tradestore.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[tradeID] = append(s.candles[tradeID], candles...)
	return nil
}

func (s *memTradeStore) setFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *memTradeStore) byExternalID(externalID string) *tradestore.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, trade := range s.trades {
		if trade.ExternalID == externalID {
			t := trade
			return &t
		}
	}
	return nil
}

type memTerminalStore struct {
	mu        sync.Mutex
	instances map[string]terminalstore.Instance
}

func newMemTerminalStore(instances ...terminalstore.Instance) *memTerminalStore {
	s := &memTerminalStore{instances: make(map[string]terminalstore.Instance)}
	for _, instance := range instances {
		s.instances[instance.ID] = instance
	}
	return s
}

func (s *memTerminalStore) Create(_ context.Context, accountID string) (terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := terminalstore.Instance{ID: "term-" + accountID, AccountID: accountID, Status: terminalstore.StatusPending}
	s.instances[instance.ID] = instance
	return instance, nil
}

func (s *memTerminalStore) FindByID(_ context.Context, id string) (*terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance, ok := s.instances[id]; ok {
		return &instance, nil
	}
	return nil, nil
}

func (s *memTerminalStore) FindByAccount(_ context.Context, accountID string) (*terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range s.instances {
		if instance.AccountID == accountID {
			i := instance
			return &i, nil
		}
	}
	return nil, nil
}

func (s *memTerminalStore) List(context.Context) ([]terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]terminalstore.Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, instance)
	}
	return out, nil
}

func (s *memTerminalStore) SetStatus(_ context.Context, id string, status terminalstore.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = status
	instance.ErrorMessage = errorMessage
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) SetProvisioned(_ context.Context, id, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusRunning
	instance.ContainerID = containerID
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) SetStopped(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusStopped
	instance.ContainerID = ""
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) RecordHeartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusRunning
	instance.LastHeartbeat = time.Now().UTC()
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) RecordSync(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.LastSyncAt = time.Now().UTC()
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) SetMetadata(_ context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Metadata = metadata
	s.instances[id] = instance
	return nil
}

func (s *memTerminalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

type memAccountStore struct {
	mu       sync.Mutex
	accounts map[string]accountstore.Account
}

func (s *memAccountStore) FindByID(_ context.Context, id string) (*accountstore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[id]; ok {
		return &account, nil
	}
	return nil, nil
}

func (s *memAccountStore) FindForUser(_ context.Context, id, userID string) (*accountstore.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if account, ok := s.accounts[id]; ok && account.UserID == userID {
		return &account, nil
	}
	return nil, nil
}

func (s *memAccountStore) UpdateBalance(_ context.Context, id string, balance, equity float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account := s.accounts[id]
	account.Balance = balance
	account.Equity = equity
	s.accounts[id] = account
	return nil
}

type capturePublisher struct {
	mu        sync.Mutex
	snapshots []PositionsSnapshot
}

func (p *capturePublisher) Publish(snapshot PositionsSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snapshot)
}

type harness struct {
	service   *Service
	trades    *memTradeStore
	terminals *memTerminalStore
	accounts  *memAccountStore
	commands  *commandqueue.Memory
	parked    *quarantine.Queue
	publisher *capturePublisher
}

func newHarness() *harness {
	trades := newMemTradeStore()
	terminals := newMemTerminalStore(terminalstore.Instance{
		ID:        "term-1",
		AccountID: "acct-1",
		Status:    terminalstore.StatusRunning,
	})
	accounts := &memAccountStore{accounts: map[string]accountstore.Account{
		"acct-1": {ID: "acct-1", UserID: "user-1", Login: "12345", Server: "Demo"},
	}}
	commands := commandqueue.NewMemory()
	parked := quarantine.NewMemoryQueue()
	publisher := &capturePublisher{}
	svc := NewService(Deps{
		Processor:          processor.New(trades, commands),
		Trades:             trades,
		Terminals:          terminals,
		Accounts:           accounts,
		Commands:           commands,
		Quarantine:         parked,
		Publisher:          publisher,
		OrchestratorSecret: "orch-secret",
	})
	return &harness{service: svc, trades: trades, terminals: terminals, accounts: accounts, commands: commands, parked: parked, publisher: publisher}
}

func entryDeal(position, ticket string) processor.Deal {
	et := processor.EntryIn
	return processor.Deal{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Type:       "BUY",
		EntryType:  &et,
		Volume:     0.5,
		OpenPrice:  1.0850,
		OpenTime:   processor.NewTerminalTime("2025-03-14T09:30:00"),
		PositionID: position,
	}
}

func exitDeal(position, ticket string) processor.Deal {
	et := processor.EntryOut
	return processor.Deal{
		Ticket:     ticket,
		Symbol:     "EURUSD",
		Type:       "SELL",
		EntryType:  &et,
		Volume:     0.5,
		OpenPrice:  1.0900,
		OpenTime:   processor.NewTerminalTime("2025-03-14T11:30:00"),
		Profit:     25,
		PositionID: position,
	}
}

func TestProcessHeartbeatUpdatesBalanceAndPopsCommand(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.commands.QueueCommand(ctx, "term-1", commandqueue.CommandSyncTrades, ""); err != nil {
		t.Fatalf("seed command: %v", err)
	}
	resp, err := h.service.ProcessHeartbeat(ctx, "term-1", Heartbeat{
		AccountInfo: &AccountInfo{Balance: 10500, Equity: 10750},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !resp.Success {
		t.Fatalf("heartbeat not acknowledged")
	}
	if resp.Command != commandqueue.CommandSyncTrades {
		t.Fatalf("command = %q, want SYNC_TRADES", resp.Command)
	}
	account, _ := h.accounts.FindByID(ctx, "acct-1")
	if account.Balance != 10500 || account.Equity != 10750 {
		t.Fatalf("account snapshot not applied: %+v", account)
	}

	// A second heartbeat with no pending work carries no command.
	resp, err = h.service.ProcessHeartbeat(ctx, "term-1", Heartbeat{})
	if err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if resp.Command != "" {
		t.Fatalf("unexpected command: %q", resp.Command)
	}
}

func TestProcessHeartbeatSelfHealsErroredTerminal(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.terminals.SetStatus(ctx, "term-1", terminalstore.StatusError, "heartbeat timeout")

	if _, err := h.service.ProcessHeartbeat(ctx, "term-1", Heartbeat{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	terminal, _ := h.terminals.FindByID(ctx, "term-1")
	if terminal.Status != terminalstore.StatusRunning {
		t.Fatalf("status = %s, want RUNNING after self-heal", terminal.Status)
	}
}

func TestProcessHeartbeatUnknownTerminal(t *testing.T) {
	h := newHarness()
	_, err := h.service.ProcessHeartbeat(context.Background(), "term-9", Heartbeat{})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestProcessTradeBatchLifecycle(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	summary, err := h.service.ProcessTradeBatch(ctx, "term-1", []processor.Deal{
		entryDeal("555", "1001"),
		exitDeal("555", "1002"),
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if summary.Created != 1 || summary.Updated != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	trade := h.trades.byExternalID("555")
	if trade == nil || trade.Status != tradestore.StatusClosed {
		t.Fatalf("trade = %+v, want CLOSED", trade)
	}
	terminal, _ := h.terminals.FindByID(ctx, "term-1")
	if terminal.LastSyncAt.IsZero() {
		t.Fatalf("lastSyncAt not recorded")
	}
}

func TestProcessTradeBatchReplayIsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	batch := []processor.Deal{entryDeal("555", "1001")}

	if _, err := h.service.ProcessTradeBatch(ctx, "term-1", batch); err != nil {
		t.Fatalf("first: %v", err)
	}
	summary, err := h.service.ProcessTradeBatch(ctx, "term-1", batch)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if summary.Created != 0 {
		t.Fatalf("replay created rows: %+v", summary)
	}
	if len(h.trades.trades) != 1 {
		t.Fatalf("ledger rows = %d, want 1", len(h.trades.trades))
	}
}

func TestFailedDealsAreQuarantinedAndReplayConverges(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.trades.setFailing(true)
	summary, err := h.service.ProcessTradeBatch(ctx, "term-1", []processor.Deal{entryDeal("555", "1001")})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if summary.Quarantined != 1 {
		t.Fatalf("summary = %+v, want 1 quarantined", summary)
	}
	stats, _ := h.parked.Stats(ctx)
	if stats.Pending != 1 {
		t.Fatalf("pending = %d", stats.Pending)
	}

	// The ledger recovers; a replay pass lands the deal exactly once.
	h.trades.setFailing(false)
	worker := quarantine.NewWorker(h.parked, h.service.ReplayDeal)
	worker.DrainDue(ctx)

	if h.trades.byExternalID("555") == nil {
		t.Fatalf("replayed deal not in ledger")
	}
	stats, _ = h.parked.Stats(ctx)
	if stats.Pending != 0 {
		t.Fatalf("pending after replay = %d", stats.Pending)
	}
}

func TestProcessPositionsStoresSnapshotAndPatchesDrift(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.service.ProcessTradeBatch(ctx, "term-1", []processor.Deal{entryDeal("555", "1001")}); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	err := h.service.ProcessPositions(ctx, "term-1", []Position{{
		Ticket:     "1001",
		PositionID: "555",
		Symbol:     "EURUSD",
		Type:       "BUY",
		Volume:     0.5,
		OpenPrice:  1.0850,
		StopLoss:   1.0700, // moved since entry
		TakeProfit: 1.1000,
	}})
	if err != nil {
		t.Fatalf("positions: %v", err)
	}

	trade := h.trades.byExternalID("555")
	if trade.StopLoss != 1.0700 || trade.TakeProfit != 1.1000 {
		t.Fatalf("drift not applied: SL=%v TP=%v", trade.StopLoss, trade.TakeProfit)
	}

	snapshot, err := h.service.LivePositions(ctx, "acct-1", "user-1")
	if err != nil {
		t.Fatalf("live positions: %v", err)
	}
	if len(snapshot.Positions) != 1 || snapshot.Positions[0].Symbol != "EURUSD" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if len(h.publisher.snapshots) != 1 {
		t.Fatalf("published snapshots = %d", len(h.publisher.snapshots))
	}
}

func TestProcessCandlesAttachesToTrade(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	saved, err := h.service.ProcessCandles(ctx, "term-1", CandleBatch{
		TradeID: "trade-1",
		Symbol:  "EURUSD",
		Candles: []Candle{
			{Time: processor.NewTerminalTime("1741950000"), Open: 1.08, High: 1.09, Low: 1.07, Close: 1.085, Volume: 120},
			{Time: processor.NewTerminalTime("not-a-time"), Open: 1, High: 1, Low: 1, Close: 1},
		},
	})
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if saved != 1 {
		t.Fatalf("saved = %d, want 1 (unparseable bar dropped)", saved)
	}
	if len(h.trades.candles["trade-1"]) != 1 {
		t.Fatalf("candles not persisted")
	}
}

func TestRequestManualSyncQueuesCommand(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.service.RequestManualSync(ctx, "acct-1", "user-1"); err != nil {
		t.Fatalf("manual sync: %v", err)
	}
	cmd, _ := h.commands.NextCommand(ctx, "term-1")
	if cmd == nil || cmd.Command != commandqueue.CommandSyncTrades {
		t.Fatalf("cmd = %+v", cmd)
	}

	if err := h.service.RequestManualSync(ctx, "acct-1", "user-2"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("foreign user err = %v, want not_found", err)
	}
}

func TestHealthReportsDegradedQueues(t *testing.T) {
	h := newHarness()
	health, err := h.service.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.Terminals != 1 {
		t.Fatalf("terminals = %d", health.Terminals)
	}
	if health.StatusCounts[terminalstore.StatusRunning] != 1 {
		t.Fatalf("status counts = %+v", health.StatusCounts)
	}
	// The harness runs on in-memory queues, so the farm must self-report
	// degraded durability.
	if !health.Degraded {
		t.Fatalf("health must report degraded with in-memory queues")
	}
}

func TestOrchestratorConfigGatedBySecret(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if _, err := h.service.OrchestratorConfig(ctx, "wrong"); errs.CodeOf(err) != errs.CodeAuth {
		t.Fatalf("wrong secret err = %v, want auth", err)
	}
	specs, err := h.service.OrchestratorConfig(ctx, "orch-secret")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("specs = %+v", specs)
	}
	if specs[0].Env["MT5_LOGIN"] != "12345" || specs[0].Env["MT5_SERVER"] != "Demo" {
		t.Fatalf("env = %+v", specs[0].Env)
	}

	// Stopped terminals drop out of the desired set.
	_ = h.terminals.SetStatus(ctx, "term-1", terminalstore.StatusStopped, "")
	specs, err = h.service.OrchestratorConfig(ctx, "orch-secret")
	if err != nil {
		t.Fatalf("config after stop: %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("stopped terminal still in desired set: %+v", specs)
	}
}
