// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides agency/session/event persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agencies (
			agency_id       TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			phone_number    TEXT NOT NULL DEFAULT '',
			display_name    TEXT NOT NULL DEFAULT '',
			connected_at    TEXT,
			disconnected_at TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('active', 'suspended'))
		);

		CREATE TABLE IF NOT EXISTS session_status (
			tenant_id    TEXT PRIMARY KEY,
			project      TEXT NOT NULL,
			state        TEXT NOT NULL,
			phone_number TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			updated_at   TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS connection_events (
			event_id    TEXT PRIMARY KEY,
			tenant_id   TEXT NOT NULL,
			project     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			detail_json TEXT,
			ts          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_tenant_ts
			ON connection_events(tenant_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_events_ts ON connection_events(ts DESC);

		CREATE TABLE IF NOT EXISTS inbound_messages (
			message_id TEXT NOT NULL,
			tenant_id  TEXT NOT NULL,
			sender     TEXT NOT NULL,
			body       TEXT NOT NULL,
			kind       TEXT NOT NULL DEFAULT 'text',
			ts         TEXT NOT NULL,

			PRIMARY KEY (tenant_id, message_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_tenant_ts
			ON inbound_messages(tenant_id, ts DESC);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// CreateAgency inserts a new agency row.
func (s *SQLiteStore) CreateAgency(ctx context.Context, a *Agency) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = "active"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agencies (agency_id, name, status, phone_number, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Status, a.PhoneNumber, a.DisplayName,
		a.CreatedAt.Format(time.RFC3339), a.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateAgency
		}
		return fmt.Errorf("inserting agency: %w", err)
	}
	return nil
}

// GetAgency returns the agency with the given id, or ErrNotFound.
func (s *SQLiteStore) GetAgency(ctx context.Context, id string) (*Agency, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agency_id, name, status, phone_number, display_name,
		       connected_at, disconnected_at, created_at, updated_at
		FROM agencies WHERE agency_id = ?
	`, id)

	var a Agency
	var connectedAt, disconnectedAt *string
	var createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.PhoneNumber, &a.DisplayName,
		&connectedAt, &disconnectedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agency: %w", err)
	}

	if a.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if a.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if a.ConnectedAt, err = parseOptionalTime(connectedAt); err != nil {
		return nil, err
	}
	if a.DisconnectedAt, err = parseOptionalTime(disconnectedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// AgencyExists reports whether an active agency with the given id exists.
func (s *SQLiteStore) AgencyExists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agencies WHERE agency_id = ? AND status = 'active'`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("querying agency: %w", err)
	}
	return n > 0, nil
}

// UpdateAgencyConnection stamps the agency as connected with its verified
// identity attributes.
func (s *SQLiteStore) UpdateAgencyConnection(ctx context.Context, id, phoneNumber, displayName string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agencies
		SET phone_number = ?, display_name = ?, connected_at = ?, disconnected_at = NULL, updated_at = ?
		WHERE agency_id = ?
	`, phoneNumber, displayName, now, now, id)
	if err != nil {
		return fmt.Errorf("updating agency connection: %w", err)
	}
	return requireRow(res)
}

// MarkAgencyDisconnected stamps the agency's disconnect time.
func (s *SQLiteStore) MarkAgencyDisconnected(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE agencies SET disconnected_at = ?, updated_at = ? WHERE agency_id = ?
	`, now, now, id)
	if err != nil {
		return fmt.Errorf("marking agency disconnected: %w", err)
	}
	return requireRow(res)
}

// SaveSessionStatus upserts the tenant's status snapshot.
func (s *SQLiteStore) SaveSessionStatus(ctx context.Context, st *SessionStatus) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_status (tenant_id, project, state, phone_number, display_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			project = excluded.project,
			state = excluded.state,
			phone_number = excluded.phone_number,
			display_name = excluded.display_name,
			updated_at = excluded.updated_at
	`, st.TenantID, st.Project, st.State, st.PhoneNumber, st.DisplayName,
		st.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving session status: %w", err)
	}
	return nil
}

// GetSessionStatus returns the last snapshot for the tenant, or ErrNotFound.
func (s *SQLiteStore) GetSessionStatus(ctx context.Context, tenantID string) (*SessionStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, project, state, phone_number, display_name, updated_at
		FROM session_status WHERE tenant_id = ?
	`, tenantID)

	var st SessionStatus
	var updatedAt string
	err := row.Scan(&st.TenantID, &st.Project, &st.State, &st.PhoneNumber, &st.DisplayName, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session status: %w", err)
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &st, nil
}

// AppendConnectionEvent appends a new entry to the connection event log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendConnectionEvent(ctx context.Context, e *ConnectionEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling event detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_events (event_id, tenant_id, project, kind, detail_json, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TenantID, e.Project, e.Kind, detailJSON, e.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}

	s.logger.Debug("appended connection event",
		"id", e.ID,
		"tenant_id", e.TenantID,
		"kind", e.Kind,
	)
	return nil
}

// normalizeEventLimit applies default (100) and cap (1000) to event limit.
func normalizeEventLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const eventQuery = `
	SELECT event_id, tenant_id, project, kind, detail_json, ts
	FROM connection_events
	WHERE (? IS NULL OR tenant_id = ?)
	  AND (? IS NULL OR kind = ?)
	  AND (? IS NULL OR ts >= ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListConnectionEvents returns events matching the filter, newest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, f EventFilter) ([]ConnectionEvent, error) {
	limit := normalizeEventLimit(f.Limit)

	var sinceStr *string
	if f.Since != nil {
		str := f.Since.UTC().Format(time.RFC3339)
		sinceStr = &str
	}

	rows, err := s.db.QueryContext(ctx, eventQuery,
		f.TenantID, f.TenantID,
		f.Kind, f.Kind,
		sinceStr, sinceStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []ConnectionEvent
	for rows.Next() {
		var e ConnectionEvent
		var detailJSON *string
		var tsStr string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Project, &e.Kind, &detailJSON, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339, tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection events: %w", err)
	}

	if events == nil {
		events = []ConnectionEvent{}
	}
	return events, nil
}

// SaveInboundMessage archives an inbound message. Replays of the same
// (tenant, message id) pair overwrite in place.
func (s *SQLiteStore) SaveInboundMessage(ctx context.Context, m *InboundMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if m.Kind == "" {
		m.Kind = "text"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbound_messages (message_id, tenant_id, sender, body, kind, ts)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, message_id) DO UPDATE SET
			sender = excluded.sender,
			body = excluded.body,
			kind = excluded.kind,
			ts = excluded.ts
	`, m.ID, m.TenantID, m.Sender, m.Body, m.Kind, m.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving inbound message: %w", err)
	}
	return nil
}

// ListInboundMessages returns the tenant's archived messages, newest first.
func (s *SQLiteStore) ListInboundMessages(ctx context.Context, tenantID string, limit int) ([]*InboundMessage, error) {
	limit = normalizeEventLimit(limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, tenant_id, sender, body, kind, ts
		FROM inbound_messages
		WHERE tenant_id = ?
		ORDER BY ts DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying inbound messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*InboundMessage
	for rows.Next() {
		var m InboundMessage
		var tsStr string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Sender, &m.Body, &m.Kind, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning inbound message: %w", err)
		}
		if m.Timestamp, err = time.Parse(time.RFC3339, tsStr); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating inbound messages: %w", err)
	}
	return messages, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseOptionalTime(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
