package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/accountstore"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/terminaltoken"
)

type fakeTerminalStore struct {
	mu        sync.Mutex
	instances map[string]terminalstore.Instance
	nextID    int
}

func newFakeTerminalStore() *fakeTerminalStore {
	return &fakeTerminalStore{instances: make(map[string]terminalstore.Instance)}
}

func (s *fakeTerminalStore) Create(_ context.Context, accountID string) (terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	instance := terminalstore.Instance{
		ID:        "term-" + accountID,
		AccountID: accountID,
		Status:    terminalstore.StatusPending,
		CreatedAt: time.Now(),
	}
	s.instances[instance.ID] = instance
	return instance, nil
}

func (s *fakeTerminalStore) FindByID(_ context.Context, id string) (*terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if instance, ok := s.instances[id]; ok {
		return &instance, nil
	}
	return nil, nil
}

func (s *fakeTerminalStore) FindByAccount(_ context.Context, accountID string) (*terminalstore.Instance, error) {
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

func (s *fakeTerminalStore) List(context.Context) ([]terminalstore.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]terminalstore.Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		out = append(out, instance)
	}
	return out, nil
}

func (s *fakeTerminalStore) SetStatus(_ context.Context, id string, status terminalstore.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance, ok := s.instances[id]
	if !ok {
		return errors.New("no instance")
	}
	instance.Status = status
	instance.ErrorMessage = errorMessage
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) SetProvisioned(_ context.Context, id, containerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusRunning
	instance.ContainerID = containerID
	instance.LastHeartbeat = time.Now().UTC()
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) SetStopped(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusStopped
	instance.ContainerID = ""
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) RecordHeartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Status = terminalstore.StatusRunning
	instance.LastHeartbeat = time.Now().UTC()
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) RecordSync(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.LastSyncAt = time.Now().UTC()
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) SetMetadata(_ context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.Metadata = metadata
	s.instances[id] = instance
	return nil
}

func (s *fakeTerminalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

func (s *fakeTerminalStore) setHeartbeat(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	instance := s.instances[id]
	instance.LastHeartbeat = at
	s.instances[id] = instance
}

type fakeAccountStore struct {
	accounts map[string]accountstore.Account
}

func (s *fakeAccountStore) FindByID(_ context.Context, id string) (*accountstore.Account, error) {
	if account, ok := s.accounts[id]; ok {
		return &account, nil
	}
	return nil, nil
}

func (s *fakeAccountStore) FindForUser(_ context.Context, id, userID string) (*accountstore.Account, error) {
	if account, ok := s.accounts[id]; ok && account.UserID == userID {
		return &account, nil
	}
	return nil, nil
}

func (s *fakeAccountStore) UpdateBalance(_ context.Context, id string, balance, equity float64) error {
	account := s.accounts[id]
	account.Balance = balance
	account.Equity = equity
	s.accounts[id] = account
	return nil
}

type fakeProvisioner struct {
	mu         sync.Mutex
	provisions int
	last       ProvisionRequest
	teardowns  []string
	failWith   error
}

func (p *fakeProvisioner) Provision(_ context.Context, req ProvisionRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.provisions++
	p.last = req
	return "ctr-" + req.TerminalID, nil
}

func (p *fakeProvisioner) lastRequest() ProvisionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakeProvisioner) Teardown(_ context.Context, containerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.teardowns = append(p.teardowns, containerID)
	return nil
}

func testManager(provisioner Provisioner) (*Manager, *fakeTerminalStore, *commandqueue.Memory) {
	terminals := newFakeTerminalStore()
	accounts := &fakeAccountStore{accounts: map[string]accountstore.Account{
		"acct-1": {ID: "acct-1", UserID: "user-1", Login: "12345", Server: "Demo-Server"},
	}}
	queue := commandqueue.NewMemory()
	tokens := terminaltoken.NewIssuer("test-secret", time.Hour)
	m := NewManager(terminals, accounts, provisioner, queue, tokens, Options{
		HeartbeatTimeout: 3 * time.Minute,
		MonitorInterval:  time.Minute,
	})
	return m, terminals, queue
}

func TestEnableAutoSyncProvisionsTerminal(t *testing.T) {
	provisioner := &fakeProvisioner{}
	m, terminals, _ := testManager(provisioner)
	ctx := context.Background()

	instance, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if instance.Status != terminalstore.StatusPending {
		t.Fatalf("immediate status = %s, want PENDING", instance.Status)
	}
	m.Close()

	final, _ := terminals.FindByID(ctx, instance.ID)
	if final.Status != terminalstore.StatusRunning {
		t.Fatalf("final status = %s, want RUNNING", final.Status)
	}
	if final.ContainerID == "" {
		t.Fatalf("container handle not recorded")
	}
}

func TestEnableAutoSyncPassesCredentialsToOrchestrator(t *testing.T) {
	provisioner := &fakeProvisioner{}
	m, _, _ := testManager(provisioner)

	creds := Credentials{Server: "Broker-Live", Login: "99887", Password: "s3cret"}
	if _, err := m.EnableAutoSync(context.Background(), "acct-1", "user-1", creds); err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()

	req := provisioner.lastRequest()
	if req.Server != "Broker-Live" || req.Login != "99887" || req.Password != "s3cret" {
		t.Fatalf("provision request = %+v, want supplied credentials", req)
	}
	if req.Token == "" {
		t.Fatalf("terminal token missing from provision request")
	}
}

func TestEnableAutoSyncDefaultsCredentialsFromAccount(t *testing.T) {
	provisioner := &fakeProvisioner{}
	m, _, _ := testManager(provisioner)

	if _, err := m.EnableAutoSync(context.Background(), "acct-1", "user-1", Credentials{Password: "s3cret"}); err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()

	req := provisioner.lastRequest()
	if req.Login != "12345" || req.Server != "Demo-Server" {
		t.Fatalf("provision request = %+v, want account row login/server", req)
	}
	if req.Password != "s3cret" {
		t.Fatalf("password = %q, want pass-through", req.Password)
	}
}

func TestEnableAutoSyncRejectsActiveTerminal(t *testing.T) {
	m, _, _ := testManager(&fakeProvisioner{})
	ctx := context.Background()

	if _, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{}); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	m.Close()

	_, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("second enable err = %v, want conflict", err)
	}
}

func TestEnableAutoSyncResetsFailedTerminal(t *testing.T) {
	provisioner := &fakeProvisioner{failWith: errors.New("image pull failed")}
	m, terminals, _ := testManager(provisioner)
	ctx := context.Background()

	instance, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()

	failed, _ := terminals.FindByID(ctx, instance.ID)
	if failed.Status != terminalstore.StatusError {
		t.Fatalf("status = %s, want ERROR after provisioning failure", failed.Status)
	}
	if failed.ErrorMessage == "" {
		t.Fatalf("error message not recorded")
	}

	// The failure is retryable: enabling again resets and reprovisions.
	provisioner.mu.Lock()
	provisioner.failWith = nil
	provisioner.mu.Unlock()
	if _, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{}); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	m.Close()

	recovered, _ := terminals.FindByID(ctx, instance.ID)
	if recovered.Status != terminalstore.StatusRunning {
		t.Fatalf("status = %s, want RUNNING after retry", recovered.Status)
	}
}

func TestEnableAutoSyncUnknownAccount(t *testing.T) {
	m, _, _ := testManager(&fakeProvisioner{})
	_, err := m.EnableAutoSync(context.Background(), "acct-9", "user-1", Credentials{})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
	// Ownership check: the account exists but belongs to someone else.
	_, err = m.EnableAutoSync(context.Background(), "acct-1", "user-2", Credentials{})
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("foreign account err = %v, want not_found", err)
	}
}

func TestDisableAutoSyncTearsDownAndPurges(t *testing.T) {
	provisioner := &fakeProvisioner{}
	m, terminals, queue := testManager(provisioner)
	ctx := context.Background()

	instance, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()
	if err := queue.QueueCommand(ctx, instance.ID, commandqueue.CommandSyncTrades, ""); err != nil {
		t.Fatalf("seed command: %v", err)
	}

	stopping, err := m.DisableAutoSync(ctx, "acct-1", "user-1")
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if stopping.Status != terminalstore.StatusStopping {
		t.Fatalf("immediate status = %s, want STOPPING", stopping.Status)
	}
	m.Close()

	final, _ := terminals.FindByID(ctx, instance.ID)
	if final.Status != terminalstore.StatusStopped {
		t.Fatalf("final status = %s, want STOPPED", final.Status)
	}
	if final.ContainerID != "" {
		t.Fatalf("container handle not cleared")
	}
	provisioner.mu.Lock()
	teardowns := len(provisioner.teardowns)
	provisioner.mu.Unlock()
	if teardowns != 1 {
		t.Fatalf("teardowns = %d, want 1", teardowns)
	}
	if cmd, _ := queue.NextCommand(ctx, instance.ID); cmd != nil {
		t.Fatalf("pending commands not purged: %+v", cmd)
	}
}

func TestSweepFlagsStaleHeartbeats(t *testing.T) {
	m, terminals, _ := testManager(&fakeProvisioner{})
	ctx := context.Background()

	instance, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()

	terminals.setHeartbeat(instance.ID, time.Now().UTC().Add(-10*time.Minute))
	m.sweepStale(ctx)

	flagged, _ := terminals.FindByID(ctx, instance.ID)
	if flagged.Status != terminalstore.StatusError {
		t.Fatalf("status = %s, want ERROR after stale heartbeat", flagged.Status)
	}
	if flagged.ErrorMessage != "heartbeat timeout" {
		t.Fatalf("error message = %q", flagged.ErrorMessage)
	}
}

func TestIssueTokenBindsTerminal(t *testing.T) {
	m, _, _ := testManager(&fakeProvisioner{})
	ctx := context.Background()

	instance, err := m.EnableAutoSync(ctx, "acct-1", "user-1", Credentials{})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	m.Close()

	token, err := m.IssueToken(ctx, "acct-1", "user-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	claims, err := terminaltoken.NewIssuer("test-secret", time.Hour).Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.TerminalID != instance.ID || claims.AccountID != "acct-1" {
		t.Fatalf("claims = %+v", claims)
	}
}
