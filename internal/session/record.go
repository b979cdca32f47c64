// ABOUTME: SessionRecord: the in-memory state of one tenant's connection.
// ABOUTME: Single-writer mutation discipline with change notification for waiters.

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/wa-gateway/internal/transport"
)

// Project discriminates which downstream contract applies to a tenant.
type Project string

const (
	// ProjectAgency tenants are validated against the agency directory and
	// get their connection state and messages persisted directly.
	ProjectAgency Project = "agency"
	// ProjectStore tenants are format-validated only; persistence and
	// connection updates are deferred to their own downstream system.
	ProjectStore Project = "store"
)

// Valid reports whether p is a known project.
func (p Project) Valid() bool {
	return p == ProjectAgency || p == ProjectStore
}

// State is a session's lifecycle phase.
type State string

const (
	StatePending         State = "pending"
	StateConnecting      State = "connecting"
	StateAwaitingPairing State = "awaiting_pairing"
	StateConnected       State = "connected"
	StateDisconnected    State = "disconnected"

	// StateNotFound is reported for tenants with no session at all. It is
	// never stored on a record.
	StateNotFound State = "not_found"
)

// Status is an immutable snapshot of a record.
type Status struct {
	SessionID   string
	TenantID    string
	Project     Project
	State       State
	PairingCode string
	PhoneNumber string
	DisplayName string
}

// Record is one tenant's session. TenantID, Project, WebhookURL, and
// CreatedAt are immutable; everything else is guarded by mu and mutated only
// by the state machine and the registry. A superseded record rejects all
// further mutation, so a stale event handler can never corrupt the record
// that replaced it.
type Record struct {
	ID         string
	TenantID   string
	Project    Project
	WebhookURL string
	CreatedAt  time.Time

	mu          sync.Mutex
	state       State
	pairingCode string
	phoneNumber string
	displayName string
	transport   transport.Transport
	unsubscribe func()
	retry       *time.Timer
	superseded  bool
	changed     chan struct{}
}

func newRecord(tenantID string, project Project, webhookURL string) *Record {
	return &Record{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		Project:    project,
		WebhookURL: webhookURL,
		CreatedAt:  time.Now(),
		state:      StatePending,
		changed:    make(chan struct{}),
	}
}

// Status returns a snapshot of the record.
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Record) statusLocked() Status {
	return Status{
		SessionID:   r.ID,
		TenantID:    r.TenantID,
		Project:     r.Project,
		State:       r.state,
		PairingCode: r.pairingCode,
		PhoneNumber: r.phoneNumber,
		DisplayName: r.displayName,
	}
}

// watch returns the current snapshot together with a channel that is closed
// on the next mutation. Waiters loop on watch instead of holding any lock.
func (r *Record) watch() (Status, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked(), r.changed
}

// notifyLocked wakes all waiters. Must be called with mu held.
func (r *Record) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

// setConnecting attaches the transport handle and its detach function.
func (r *Record) setConnecting(t transport.Transport, unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded {
		return
	}
	r.transport = t
	r.unsubscribe = unsubscribe
	r.state = StateConnecting
	r.notifyLocked()
}

// setPairingCode stores the pairing artifact. Ignored once connected: the
// artifact and the connected state are mutually exclusive.
func (r *Record) setPairingCode(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded || r.state == StateConnected {
		return
	}
	r.pairingCode = code
	if r.state == StateConnecting || r.state == StateAwaitingPairing {
		r.state = StateAwaitingPairing
	}
	r.notifyLocked()
}

// setConnected marks the session authenticated and clears the pairing
// artifact.
func (r *Record) setConnected(phoneNumber, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded {
		return
	}
	r.state = StateConnected
	r.pairingCode = ""
	r.phoneNumber = phoneNumber
	r.displayName = displayName
	r.notifyLocked()
}

// setDisconnected marks the session closed. The transport handle is kept
// until dropTransport or teardown decides its fate.
func (r *Record) setDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded {
		return
	}
	r.state = StateDisconnected
	r.pairingCode = ""
	r.notifyLocked()
}

// failInit marks a record whose transport never came up.
func (r *Record) failInit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = StateDisconnected
	r.transport = nil
	r.unsubscribe = nil
	r.notifyLocked()
}

// takeTransport detaches and returns the transport handle and its
// unsubscribe function, leaving the record with no handle. The caller owns
// the teardown and must not invoke unsubscribe while holding r.mu.
func (r *Record) takeTransport() (transport.Transport, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, unsub := r.transport, r.unsubscribe
	r.transport = nil
	r.unsubscribe = nil
	return t, unsub
}

// connectedTransport returns the handle if and only if the session is
// CONNECTED.
func (r *Record) connectedTransport() (transport.Transport, State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateConnected || r.transport == nil {
		return nil, r.state
	}
	return r.transport, r.state
}

// scheduleRetry arms the reconnect timer. A superseded record never retries.
func (r *Record) scheduleRetry(d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.superseded {
		return
	}
	if r.retry != nil {
		r.retry.Stop()
	}
	r.retry = time.AfterFunc(d, fn)
}

// supersede permanently freezes the record: pending retries are cancelled
// and all further mutation becomes a no-op.
func (r *Record) supersede() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.superseded = true
	if r.retry != nil {
		r.retry.Stop()
		r.retry = nil
	}
	r.notifyLocked()
}

func (r *Record) isSuperseded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.superseded
}
