// ABOUTME: ConnectionStateMachine: reacts to transport events for one record.
// ABOUTME: Side effects are fire-and-forget so they never stall event processing.

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/wa-gateway/internal/transport"
)

// sideEffectTimeout bounds every best-effort collaborator call.
const sideEffectTimeout = 10 * time.Second

// Forwarder routes a genuine inbound message to exactly one delivery
// channel. Implementations must never fail the caller.
type Forwarder interface {
	Forward(ctx context.Context, tenantID string, project Project, webhookURL string, msg *transport.Message)
}

// StatusStore receives best-effort telemetry from the state machine: status
// snapshots and an append-only event log. Errors are logged and swallowed.
type StatusStore interface {
	SaveSessionStatus(ctx context.Context, st Status) error
	AppendConnectionEvent(ctx context.Context, tenantID string, project Project, kind string, detail map[string]any) error
}

// ConnectionNotifier informs the project-specific downstream that a tenant's
// connection opened or closed. Best-effort.
type ConnectionNotifier interface {
	ConnectionOpened(ctx context.Context, tenantID string, project Project, webhookURL, phoneNumber, displayName string) error
	ConnectionClosed(ctx context.Context, tenantID string, project Project, webhookURL string) error
}

// stateMachine subscribes to one record's transport and owns all mutation of
// that record. Transport events arrive serialized, so there is a single
// writer per record; different tenants' machines run fully in parallel.
type stateMachine struct {
	rec    *Record
	facade *Facade
	logger *slog.Logger
}

func newStateMachine(rec *Record, facade *Facade) *stateMachine {
	return &stateMachine{
		rec:    rec,
		facade: facade,
		logger: facade.logger.With("component", "state-machine", "tenant_id", rec.TenantID),
	}
}

// PairingCode handles a fresh pairing artifact from the transport.
func (m *stateMachine) PairingCode(code string) {
	m.rec.setPairingCode(code)
	m.logger.Info("pairing code available", "state", m.rec.Status().State)

	m.audit("pairing_code", nil)
	m.snapshot()
}

// Opened handles a fully authenticated connection.
func (m *stateMachine) Opened(id transport.Identity) {
	m.rec.setConnected(id.PhoneNumber, id.DisplayName)
	m.logger.Info("session connected",
		"phone_number", id.PhoneNumber,
		"display_name", id.DisplayName,
	)

	m.audit("connected", map[string]any{"phone_number": id.PhoneNumber})
	m.snapshot()

	// Downstream notification is best-effort: its failure never reverts
	// CONNECTED.
	rec := m.rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		err := m.facade.notifier.ConnectionOpened(ctx, rec.TenantID, rec.Project, rec.WebhookURL, id.PhoneNumber, id.DisplayName)
		if err != nil {
			m.logger.Warn("downstream connection notification failed", "error", err)
		}
	}()
}

// Closed handles the end of the connection and consults the reconnect
// policy.
func (m *stateMachine) Closed(reason transport.CloseReason) {
	m.rec.setDisconnected()
	m.logger.Info("session disconnected", "reason", reason)

	m.audit("disconnected", map[string]any{"reason": string(reason)})
	m.snapshot()

	rec := m.rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := m.facade.notifier.ConnectionClosed(ctx, rec.TenantID, rec.Project, rec.WebhookURL); err != nil {
			m.logger.Debug("downstream disconnect notification failed", "error", err)
		}
	}()

	if !m.facade.policy.ShouldReconnect(reason) {
		m.logger.Info("close reason is terminal, no reconnect", "reason", reason)
		return
	}

	// The dead handle is dropped now; unsubscribe and close must run off
	// the event loop that is delivering this very event.
	t, unsubscribe := m.rec.takeTransport()
	go func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		if t != nil {
			t.Close()
		}
	}()

	m.rec.scheduleRetry(m.facade.policy.Delay, func() {
		m.facade.reconnect(rec)
	})
	m.logger.Info("reconnect scheduled", "delay", m.facade.policy.Delay, "reason", reason)
}

// Message hands a raw inbound message to the forwarder off the event loop.
func (m *stateMachine) Message(msg *transport.Message) {
	m.audit("message", map[string]any{"message_id": msg.ID, "from_self": msg.FromSelf})

	rec := m.rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		m.facade.forwarder.Forward(ctx, rec.TenantID, rec.Project, rec.WebhookURL, msg)
	}()
}

// audit mirrors an event into the append-only log. Telemetry is best-effort,
// never a hard dependency of the state machine.
func (m *stateMachine) audit(kind string, detail map[string]any) {
	rec := m.rec
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := m.facade.status.AppendConnectionEvent(ctx, rec.TenantID, rec.Project, kind, detail); err != nil {
			m.logger.Debug("audit append failed", "kind", kind, "error", err)
		}
	}()
}

// snapshot persists the current status best-effort.
func (m *stateMachine) snapshot() {
	st := m.rec.Status()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		if err := m.facade.status.SaveSessionStatus(ctx, st); err != nil {
			m.logger.Debug("status snapshot failed", "error", err)
		}
	}()
}
