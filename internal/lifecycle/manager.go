package lifecycle

import (
	"context"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/tradetaper/terminal-farm/errs"
	"github.com/tradetaper/terminal-farm/internal/commandqueue"
	"github.com/tradetaper/terminal-farm/internal/domain/accountstore"
	"github.com/tradetaper/terminal-farm/internal/domain/terminalstore"
	"github.com/tradetaper/terminal-farm/internal/observability"
	"github.com/tradetaper/terminal-farm/internal/terminaltoken"
)

const provisionTimeout = 2 * time.Minute

// Manager owns the terminal state machine. Provisioning and teardown run on
// background goroutines; the API caller sees PENDING or STOPPING immediately
// and polls status for the outcome.
type Manager struct {
	terminals        terminalstore.Store
	accounts         accountstore.Store
	provisioner      Provisioner
	commands         commandqueue.Queue
	tokens           *terminaltoken.Issuer
	heartbeatTimeout time.Duration
	monitorInterval  time.Duration
	wg               conc.WaitGroup
}

// Options tunes the manager's liveness monitoring.
type Options struct {
	HeartbeatTimeout time.Duration
	MonitorInterval  time.Duration
}

// NewManager wires the state machine over its stores and the provisioner.
func NewManager(terminals terminalstore.Store, accounts accountstore.Store, provisioner Provisioner, commands commandqueue.Queue, tokens *terminaltoken.Issuer, opts Options) *Manager {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * time.Minute
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = time.Minute
	}
	return &Manager{
		terminals:        terminals,
		accounts:         accounts,
		provisioner:      provisioner,
		commands:         commands,
		tokens:           tokens,
		heartbeatTimeout: opts.HeartbeatTimeout,
		monitorInterval:  opts.MonitorInterval,
	}
}

// Credentials are the broker login details supplied with an enable-autosync
// request. Empty fields fall back to what the account row already holds; the
// password is only ever passed through to the orchestrator, never stored.
type Credentials struct {
	Server   string
	Login    string
	Password string
}

// EnableAutoSync creates (or resurrects) the account's terminal and kicks off
// provisioning. Enabling an account that is already PENDING, STARTING or
// RUNNING is a conflict; STOPPED and ERROR terminals are reset and retried.
func (m *Manager) EnableAutoSync(ctx context.Context, accountID, userID string, creds Credentials) (*terminalstore.Instance, error) {
	account, err := m.accounts.FindForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("lifecycle: account not found"))
	}

	instance, err := m.terminals.FindByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if instance != nil {
		if !instance.Status.Restartable() {
			return nil, errs.New(errs.CodeConflict, errs.WithMessage("lifecycle: auto-sync already enabled"))
		}
		if err := m.terminals.SetStatus(ctx, instance.ID, terminalstore.StatusPending, ""); err != nil {
			return nil, err
		}
		instance.Status = terminalstore.StatusPending
		instance.ErrorMessage = ""
	} else {
		created, err := m.terminals.Create(ctx, accountID)
		if err != nil {
			return nil, err
		}
		instance = &created
	}

	if creds.Login == "" {
		creds.Login = account.Login
	}
	if creds.Server == "" {
		creds.Server = account.Server
	}

	snapshot := *instance
	acct := *account
	m.wg.Go(func() { m.provision(snapshot, acct, creds) })
	return instance, nil
}

func (m *Manager) provision(instance terminalstore.Instance, account accountstore.Account, creds Credentials) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	if err := m.terminals.SetStatus(ctx, instance.ID, terminalstore.StatusStarting, ""); err != nil {
		observability.Log().Error("terminal transition failed",
			observability.F("terminal", instance.ID), observability.F("error", err))
		return
	}

	token, err := m.tokens.Issue(instance.ID, account.ID, account.UserID)
	if err != nil {
		m.fail(ctx, instance.ID, "issue terminal token: "+err.Error())
		return
	}

	containerID, err := m.provisioner.Provision(ctx, ProvisionRequest{
		TerminalID: instance.ID,
		AccountID:  account.ID,
		Login:      creds.Login,
		Server:     creds.Server,
		Password:   creds.Password,
		Token:      token,
	})
	if err != nil {
		m.fail(ctx, instance.ID, err.Error())
		return
	}

	if err := m.terminals.SetProvisioned(ctx, instance.ID, containerID); err != nil {
		observability.Log().Error("terminal provision record failed",
			observability.F("terminal", instance.ID), observability.F("error", err))
		return
	}
	observability.Log().Info("terminal provisioned",
		observability.F("terminal", instance.ID),
		observability.F("container", containerID))
}

// DisableAutoSync stops the account's terminal and clears its pending work.
func (m *Manager) DisableAutoSync(ctx context.Context, accountID, userID string) (*terminalstore.Instance, error) {
	instance, err := m.ownedInstance(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.terminals.SetStatus(ctx, instance.ID, terminalstore.StatusStopping, ""); err != nil {
		return nil, err
	}
	instance.Status = terminalstore.StatusStopping

	snapshot := *instance
	m.wg.Go(func() { m.teardown(snapshot) })
	return instance, nil
}

func (m *Manager) teardown(instance terminalstore.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), provisionTimeout)
	defer cancel()

	if instance.ContainerID != "" {
		if err := m.provisioner.Teardown(ctx, instance.ContainerID); err != nil {
			m.fail(ctx, instance.ID, "teardown: "+err.Error())
			return
		}
	}
	if err := m.terminals.SetStopped(ctx, instance.ID); err != nil {
		observability.Log().Error("terminal stop record failed",
			observability.F("terminal", instance.ID), observability.F("error", err))
		return
	}
	if err := m.commands.PurgeTerminal(ctx, instance.ID); err != nil {
		observability.Log().Error("purge commands failed",
			observability.F("terminal", instance.ID), observability.F("error", err))
	}
	observability.Log().Info("terminal stopped", observability.F("terminal", instance.ID))
}

// Status returns the account's terminal for its owner.
func (m *Manager) Status(ctx context.Context, accountID, userID string) (*terminalstore.Instance, error) {
	return m.ownedInstance(ctx, accountID, userID)
}

// IssueToken mints a fresh terminal token for the account's terminal.
func (m *Manager) IssueToken(ctx context.Context, accountID, userID string) (string, error) {
	instance, err := m.ownedInstance(ctx, accountID, userID)
	if err != nil {
		return "", err
	}
	account, err := m.accounts.FindForUser(ctx, accountID, userID)
	if err != nil {
		return "", err
	}
	return m.tokens.Issue(instance.ID, accountID, account.UserID)
}

// RunMonitor flags RUNNING terminals whose heartbeat went silent. It blocks
// until the context is canceled.
func (m *Manager) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale(ctx)
		}
	}
}

func (m *Manager) sweepStale(ctx context.Context) {
	instances, err := m.terminals.List(ctx)
	if err != nil {
		observability.Log().Error("terminal sweep failed", observability.F("error", err))
		return
	}
	cutoff := time.Now().UTC().Add(-m.heartbeatTimeout)
	for _, instance := range instances {
		if instance.Status != terminalstore.StatusRunning {
			continue
		}
		if instance.LastHeartbeat.IsZero() || instance.LastHeartbeat.After(cutoff) {
			continue
		}
		if err := m.terminals.SetStatus(ctx, instance.ID, terminalstore.StatusError, "heartbeat timeout"); err != nil {
			observability.Log().Error("stale terminal transition failed",
				observability.F("terminal", instance.ID), observability.F("error", err))
			continue
		}
		observability.Log().Error("terminal heartbeat timed out",
			observability.F("terminal", instance.ID),
			observability.F("lastHeartbeat", instance.LastHeartbeat))
	}
}

// Close waits for in-flight provisioning and teardown work.
func (m *Manager) Close() {
	m.wg.Wait()
}

func (m *Manager) fail(ctx context.Context, terminalID, message string) {
	if err := m.terminals.SetStatus(ctx, terminalID, terminalstore.StatusError, message); err != nil {
		observability.Log().Error("terminal error record failed",
			observability.F("terminal", terminalID), observability.F("error", err))
		return
	}
	observability.Log().Error("terminal provisioning failed",
		observability.F("terminal", terminalID),
		observability.F("reason", message))
}

func (m *Manager) ownedInstance(ctx context.Context, accountID, userID string) (*terminalstore.Instance, error) {
	account, err := m.accounts.FindForUser(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("lifecycle: account not found"))
	}
	instance, err := m.terminals.FindByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage("lifecycle: auto-sync not enabled"))
	}
	return instance, nil
}
