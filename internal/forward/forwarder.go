// ABOUTME: EventForwarder: routes inbound messages to exactly one webhook.
// ABOUTME: Echo suppression, TTL dedupe, normalization, and project-aware delivery.

package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/wa-gateway/internal/dedupe"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/transport"
)

// AgencyStore is the persistence surface the forwarder uses for
// agency-project tenants. Store-project tenants get nothing persisted here.
type AgencyStore interface {
	SaveInboundMessage(ctx context.Context, m *store.InboundMessage) error
	UpdateAgencyConnection(ctx context.Context, id, phoneNumber, displayName string) error
	MarkAgencyDisconnected(ctx context.Context, id string) error
}

// NormalizedMessage is the transport-independent message shape delivered to
// webhooks.
type NormalizedMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// MessagePayload is the outbound webhook body for an inbound message. The
// tenant id rides under the project-appropriate field name.
type MessagePayload struct {
	Source   string            `json:"source"`
	Project  string            `json:"project"`
	AgencyID string            `json:"agency_id,omitempty"`
	StoreID  string            `json:"store_id,omitempty"`
	Message  NormalizedMessage `json:"message"`
}

// ConnectionUpdate is the outbound webhook body for a connection state
// change, delivered to store-project downstreams.
type ConnectionUpdate struct {
	Source      string `json:"source"`
	Type        string `json:"type"`
	Project     string `json:"project"`
	TenantID    string `json:"tenant_id"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Config carries the forwarder's collaborators and delivery settings.
type Config struct {
	// Source tags every payload with the identity of this gateway.
	Source string
	// FallbackURL receives messages for tenants without their own webhook.
	FallbackURL string
	// Timeout bounds each webhook POST. Defaults to 15 seconds.
	Timeout time.Duration
	// DedupeTTL and DedupeSize shape the duplicate-suppression window.
	DedupeTTL  time.Duration
	DedupeSize int

	Agencies AgencyStore
	Logger   *slog.Logger
}

// Forwarder routes genuine inbound messages to exactly one delivery channel
// and pushes connection updates downstream. Every operation is best-effort:
// failures are logged, never propagated.
type Forwarder struct {
	source      string
	fallbackURL string
	client      *http.Client
	seen        *dedupe.Cache
	agencies    AgencyStore
	logger      *slog.Logger
}

// New creates a forwarder with its own dedupe cache. Call Close when done.
func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 10000
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Forwarder{
		source:      cfg.Source,
		fallbackURL: cfg.FallbackURL,
		client:      &http.Client{Timeout: cfg.Timeout},
		seen:        dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		agencies:    cfg.Agencies,
		logger:      cfg.Logger.With("component", "forwarder"),
	}
}

// Close releases the dedupe cache.
func (f *Forwarder) Close() {
	f.seen.Close()
}

// Forward delivers one inbound message. Echoes of the tenant's own outbound
// messages and transport redeliveries are dropped; everything else goes to
// the tenant's webhook if configured, otherwise the fallback channel. Never
// both.
func (f *Forwarder) Forward(ctx context.Context, tenantID string, project session.Project, webhookURL string, msg *transport.Message) {
	logger := f.logger.With("tenant_id", tenantID, "message_id", msg.ID)

	if msg.FromSelf {
		logger.Debug("dropping echo of own message")
		return
	}
	if f.seen.Seen(tenantID + "/" + msg.ID) {
		logger.Debug("dropping duplicate message")
		return
	}

	normalized := Normalize(msg)

	if project == session.ProjectAgency {
		record := &store.InboundMessage{
			ID:        normalized.ID,
			TenantID:  tenantID,
			Sender:    normalized.From,
			Body:      normalized.Text,
			Kind:      normalized.Type,
			Timestamp: msg.Timestamp,
		}
		if err := f.agencies.SaveInboundMessage(ctx, record); err != nil {
			logger.Warn("archiving inbound message failed", "error", err)
		}
	}

	payload := MessagePayload{
		Source:  f.source,
		Project: string(project),
		Message: normalized,
	}
	switch project {
	case session.ProjectStore:
		payload.StoreID = tenantID
	default:
		payload.AgencyID = tenantID
	}

	url := webhookURL
	if url == "" {
		url = f.fallbackURL
	}
	if url == "" {
		logger.Warn("no delivery channel configured, dropping message")
		return
	}
	if err := f.post(ctx, url, payload); err != nil {
		logger.Warn("webhook delivery failed", "url", url, "error", err)
		return
	}
	logger.Debug("message forwarded", "url", url)
}

// ConnectionOpened records a freshly authenticated connection: agency
// tenants get their directory row stamped, store tenants get a
// connection_update pushed to their webhook.
func (f *Forwarder) ConnectionOpened(ctx context.Context, tenantID string, project session.Project, webhookURL, phoneNumber, displayName string) error {
	if project == session.ProjectAgency {
		return f.agencies.UpdateAgencyConnection(ctx, tenantID, phoneNumber, displayName)
	}
	return f.pushUpdate(ctx, tenantID, project, webhookURL, "connected", phoneNumber)
}

// ConnectionClosed records the end of a connection per project.
func (f *Forwarder) ConnectionClosed(ctx context.Context, tenantID string, project session.Project, webhookURL string) error {
	if project == session.ProjectAgency {
		return f.agencies.MarkAgencyDisconnected(ctx, tenantID)
	}
	return f.pushUpdate(ctx, tenantID, project, webhookURL, "disconnected", "")
}

func (f *Forwarder) pushUpdate(ctx context.Context, tenantID string, project session.Project, webhookURL, status, phoneNumber string) error {
	url := webhookURL
	if url == "" {
		url = f.fallbackURL
	}
	if url == "" {
		return nil
	}
	return f.post(ctx, url, ConnectionUpdate{
		Source:      f.source,
		Type:        "connection_update",
		Project:     string(project),
		TenantID:    tenantID,
		Status:      status,
		PhoneNumber: phoneNumber,
	})
}

func (f *Forwarder) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Normalize flattens a transport message into the webhook shape. Text
// precedence is plain body, then quoted/extended body, then media caption;
// the sender's transport suffix is stripped to the bare address.
func Normalize(msg *transport.Message) NormalizedMessage {
	text := msg.Text
	if text == "" {
		text = msg.ExtendedText
	}
	if text == "" {
		text = msg.Caption
	}

	kind := "text"
	if msg.HasMedia {
		kind = "media"
	}

	from := msg.Sender
	if i := strings.Index(from, "@"); i >= 0 {
		from = from[:i]
	}

	return NormalizedMessage{
		ID:        msg.ID,
		From:      from,
		Text:      text,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339),
		Type:      kind,
	}
}
