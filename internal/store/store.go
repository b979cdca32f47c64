// ABOUTME: Store interface and data types for wa-gateway bookkeeping.
// ABOUTME: Agencies, session status snapshots, connection events, and message archive.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgency is returned when creating an agency that already exists.
var ErrDuplicateAgency = errors.New("agency already exists")

// Agency is a registered agency tenant. Agencies are the strict-validation
// project: a session may only be opened for an agency that exists here.
type Agency struct {
	ID             string
	Name           string
	Status         string // "active", "suspended"
	PhoneNumber    string
	DisplayName    string
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SessionStatus is the last persisted snapshot of a tenant's session. It is
// best-effort telemetry written by the state machine, never read back by it.
type SessionStatus struct {
	TenantID    string
	Project     string
	State       string
	PhoneNumber string
	DisplayName string
	UpdatedAt   time.Time
}

// ConnectionEvent is one entry in the append-only session event log.
type ConnectionEvent struct {
	ID        string
	TenantID  string
	Project   string
	Kind      string // "pairing_code", "connected", "disconnected", "message"
	Detail    map[string]any
	Timestamp time.Time
}

// EventFilter selects connection events for listing.
type EventFilter struct {
	TenantID *string
	Kind     *string
	Since    *time.Time
	Limit    int // default 100, max 1000
}

// InboundMessage is an archived inbound message for agency-project tenants.
type InboundMessage struct {
	ID        string
	TenantID  string
	Sender    string
	Body      string
	Kind      string // "text" or "media"
	Timestamp time.Time
}

// Store defines gateway persistence. All methods are safe for concurrent use.
type Store interface {
	// Agencies
	CreateAgency(ctx context.Context, a *Agency) error
	GetAgency(ctx context.Context, id string) (*Agency, error)
	AgencyExists(ctx context.Context, id string) (bool, error)
	UpdateAgencyConnection(ctx context.Context, id, phoneNumber, displayName string) error
	MarkAgencyDisconnected(ctx context.Context, id string) error

	// Session status snapshots
	SaveSessionStatus(ctx context.Context, st *SessionStatus) error
	GetSessionStatus(ctx context.Context, tenantID string) (*SessionStatus, error)

	// Connection event log
	AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error
	ListConnectionEvents(ctx context.Context, f EventFilter) ([]ConnectionEvent, error)

	// Inbound message archive
	SaveInboundMessage(ctx context.Context, m *InboundMessage) error
	ListInboundMessages(ctx context.Context, tenantID string, limit int) ([]*InboundMessage, error)

	// Close releases any resources held by the store
	Close() error
}
