// ABOUTME: Transport contract for per-tenant messaging-protocol connections.
// ABOUTME: Defines event subscription, close reasons, and the inbound message shape.

package transport

import (
	"context"
	"time"
)

// CloseReason classifies why a transport connection ended.
// ReasonLoggedOut is the only reason treated as permanent by callers;
// everything else is a transient failure.
type CloseReason string

const (
	ReasonLoggedOut       CloseReason = "logged_out"
	ReasonTimeout         CloseReason = "timeout"
	ReasonReplaced        CloseReason = "replaced"
	ReasonConnectionLost  CloseReason = "connection_lost"
	ReasonRestartRequired CloseReason = "restart_required"
	ReasonBadSession      CloseReason = "bad_session"
	ReasonUnknown         CloseReason = "unknown"
)

// Identity holds the authenticated account attributes reported by the
// transport once a connection is fully open.
type Identity struct {
	PhoneNumber string
	DisplayName string
}

// Message is a raw inbound message event. Text extraction and delivery
// routing are the consumer's job; the transport only reports what arrived.
type Message struct {
	ID        string
	Sender    string // full protocol address, including server suffix
	FromSelf  bool   // originated from the tenant's own account
	Timestamp time.Time

	Text         string // plain conversation body, if any
	ExtendedText string // extended/quoted text body, if any
	Caption      string // media caption, if any
	HasMedia     bool
}

// EventHandler receives connection-state and message events. Implementations
// must not block: handlers are invoked from the transport's event loop and
// events for one connection are delivered serially.
type EventHandler interface {
	PairingCode(code string)
	Opened(id Identity)
	Closed(reason CloseReason)
	Message(msg *Message)
}

// Transport is one live protocol connection for one tenant.
type Transport interface {
	// Subscribe registers the handler for all events. The returned function
	// detaches it; once it returns, no further events are delivered.
	Subscribe(h EventHandler) (unsubscribe func())

	// Connect opens the connection. For an unpaired tenant the transport
	// emits pairing codes until the user authorizes the connection.
	Connect(ctx context.Context) error

	// Send delivers a text message and returns the protocol message id.
	Send(ctx context.Context, recipient, text string) (string, error)

	// Logout permanently disauthorizes the stored credentials.
	Logout(ctx context.Context) error

	// Close tears down the socket without logging out. Safe to call more
	// than once and after Logout.
	Close()
}

// Factory builds a Transport bound to a tenant's persisted credential state.
type Factory func(ctx context.Context, tenantID string) (Transport, error)
