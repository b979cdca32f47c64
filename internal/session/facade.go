// ABOUTME: SessionFacade: the single public surface for session lifecycle.
// ABOUTME: Create/reconnect, status, send, and disconnect for one tenant.

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/2389/wa-gateway/internal/transport"
)

var (
	// ErrTenantNotFound means the tenant failed project-specific validation:
	// no active agency for the agency project, or a malformed identifier for
	// the store project.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrTransportInit means the transport could not be created or its
	// initial connect failed. A DISCONNECTED record is still registered.
	ErrTransportInit = errors.New("transport initialization failed")
)

// storeTenantID is the shape check applied to store-project tenants. The
// agency project ignores it and consults the directory instead.
var storeTenantID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// TenantDirectory answers whether a tenant is an active, known agency.
type TenantDirectory interface {
	AgencyExists(ctx context.Context, tenantID string) (bool, error)
}

// CredentialStore manages durable transport credentials per tenant.
type CredentialStore interface {
	Reset(tenantID string) error
}

// SendResult reports the outcome of one outbound message attempt.
type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CreateRequest describes a session create-or-reconnect call.
type CreateRequest struct {
	TenantID          string
	Project           Project
	WebhookURL        string
	ForcePairingReset bool
}

// Facade coordinates the registry, the transport factory, and the
// project-specific collaborators. All exported methods are safe for
// concurrent use.
type Facade struct {
	registry    *Registry
	factory     transport.Factory
	directory   TenantDirectory
	credentials CredentialStore
	forwarder   Forwarder
	status      StatusStore
	notifier    ConnectionNotifier
	policy      ReconnectPolicy
	pairingWait time.Duration
	logger      *slog.Logger
}

// FacadeConfig carries the facade's collaborators. All fields are required
// except PairingWait, which defaults to 20 seconds.
type FacadeConfig struct {
	Factory     transport.Factory
	Directory   TenantDirectory
	Credentials CredentialStore
	Forwarder   Forwarder
	Status      StatusStore
	Notifier    ConnectionNotifier
	Policy      ReconnectPolicy
	PairingWait time.Duration
	Logger      *slog.Logger
}

// NewFacade builds a facade with an empty registry.
func NewFacade(cfg FacadeConfig) *Facade {
	if cfg.PairingWait <= 0 {
		cfg.PairingWait = 20 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "session")
	return &Facade{
		registry:    NewRegistry(logger),
		factory:     cfg.Factory,
		directory:   cfg.Directory,
		credentials: cfg.Credentials,
		forwarder:   cfg.Forwarder,
		status:      cfg.Status,
		notifier:    cfg.Notifier,
		policy:      cfg.Policy,
		pairingWait: cfg.PairingWait,
		logger:      logger,
	}
}

// CreateOrReconnect validates the tenant, replaces any existing session for
// it, starts a new transport connection, and waits bounded time for the
// session to make observable progress. The returned status is whatever the
// session reached when the wait ended; a slow pairing is not an error.
func (f *Facade) CreateOrReconnect(ctx context.Context, req CreateRequest) (Status, error) {
	if req.Project == "" {
		req.Project = ProjectAgency
	}
	if !req.Project.Valid() {
		return Status{}, fmt.Errorf("unknown project %q", req.Project)
	}
	if err := f.validateTenant(ctx, req.TenantID, req.Project); err != nil {
		return Status{}, err
	}

	if req.ForcePairingReset {
		if err := f.credentials.Reset(req.TenantID); err != nil {
			return Status{}, fmt.Errorf("resetting credentials for %s: %w", req.TenantID, err)
		}
		f.logger.Info("pairing credentials reset", "tenant_id", req.TenantID)
	}

	rec, err := f.registry.Upsert(req.TenantID, func() (*Record, error) {
		return f.startSession(ctx, req.TenantID, req.Project, req.WebhookURL)
	})
	if err != nil {
		if rec != nil {
			// Init failed but the record is registered so the failure
			// stays observable as a DISCONNECTED session.
			return rec.Status(), err
		}
		return Status{}, err
	}

	return f.awaitProgress(ctx, rec), nil
}

// Status reports the current snapshot for a tenant. Unknown tenants get
// StateNotFound rather than an error.
func (f *Facade) Status(tenantID string) Status {
	rec, ok := f.registry.Get(tenantID)
	if !ok {
		return Status{TenantID: tenantID, State: StateNotFound}
	}
	return rec.Status()
}

// Send delivers a text message through a connected session. Failures are
// reported in the result, not as an error, so callers can relay them
// verbatim.
func (f *Facade) Send(ctx context.Context, tenantID, recipient, text string) SendResult {
	rec, ok := f.registry.Get(tenantID)
	if !ok {
		return SendResult{Error: "no session for tenant"}
	}
	t, state := rec.connectedTransport()
	if t == nil {
		return SendResult{Error: fmt.Sprintf("session not connected (state %s)", state)}
	}
	id, err := t.Send(ctx, recipient, text)
	if err != nil {
		f.logger.Warn("send failed", "tenant_id", tenantID, "error", err)
		return SendResult{Error: err.Error()}
	}
	return SendResult{Success: true, MessageID: id}
}

// Disconnect tears the tenant's session down gracefully, logging the device
// out so it will require re-pairing. Idempotent.
func (f *Facade) Disconnect(ctx context.Context, tenantID string) {
	f.registry.Remove(ctx, tenantID)
}

// Shutdown closes every live session without logging devices out, so they
// can resume on the next start.
func (f *Facade) Shutdown(ctx context.Context) {
	f.registry.Shutdown(ctx)
}

func (f *Facade) validateTenant(ctx context.Context, tenantID string, project Project) error {
	switch project {
	case ProjectAgency:
		ok, err := f.directory.AgencyExists(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("looking up agency %s: %w", tenantID, err)
		}
		if !ok {
			return fmt.Errorf("agency %s: %w", tenantID, ErrTenantNotFound)
		}
	case ProjectStore:
		// Store tenants are provisioned elsewhere; only the identifier
		// shape is checked here.
		if !storeTenantID.MatchString(tenantID) {
			return fmt.Errorf("store id %q: %w", tenantID, ErrTenantNotFound)
		}
	}
	return nil
}

// startSession runs under the tenant's slot lock: it builds the record,
// subscribes its state machine, and kicks off the transport connect.
func (f *Facade) startSession(ctx context.Context, tenantID string, project Project, webhookURL string) (*Record, error) {
	rec := newRecord(tenantID, project, webhookURL)

	t, err := f.factory(ctx, tenantID)
	if err != nil {
		rec.failInit()
		return rec, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}

	machine := newStateMachine(rec, f)
	unsubscribe := t.Subscribe(machine)
	rec.setConnecting(t, unsubscribe)

	if err := t.Connect(ctx); err != nil {
		unsubscribe()
		t.Close()
		rec.failInit()
		return rec, fmt.Errorf("%w: %v", ErrTransportInit, err)
	}
	return rec, nil
}

// awaitProgress blocks until the session leaves CONNECTING, a pairing code
// becomes available, the pairing wait elapses, or the caller gives up.
func (f *Facade) awaitProgress(ctx context.Context, rec *Record) Status {
	deadline := time.NewTimer(f.pairingWait)
	defer deadline.Stop()

	for {
		st, changed := rec.watch()
		switch {
		case st.State == StateConnected,
			st.State == StateDisconnected,
			st.PairingCode != "":
			return st
		}
		select {
		case <-changed:
		case <-deadline.C:
			return rec.Status()
		case <-ctx.Done():
			return rec.Status()
		}
	}
}

// reconnect runs from a retry timer. It only acts if the record that
// scheduled it is still the tenant's current session.
func (f *Facade) reconnect(prev *Record) {
	if prev.isSuperseded() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, replaced, err := f.registry.ReplaceIf(prev, func() (*Record, error) {
		return f.startSession(ctx, prev.TenantID, prev.Project, prev.WebhookURL)
	})
	if !replaced {
		f.logger.Debug("reconnect abandoned, session superseded", "tenant_id", prev.TenantID)
		return
	}
	if err != nil {
		// The replacement record is installed in DISCONNECTED; its own
		// close handling will not fire, so schedule the next attempt here.
		f.logger.Warn("reconnect attempt failed", "tenant_id", prev.TenantID, "error", err)
		if cur, ok := f.registry.Get(prev.TenantID); ok {
			cur.scheduleRetry(f.policy.Delay, func() { f.reconnect(cur) })
		}
		return
	}
	f.logger.Info("reconnect attempt started", "tenant_id", prev.TenantID)
}
