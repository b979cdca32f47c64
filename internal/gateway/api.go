// ABOUTME: HTTP API handlers for session lifecycle and gateway bookkeeping.
// ABOUTME: Session create/status/send/disconnect plus agencies, events, and messages.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
)

// sessionService is the facade surface the API uses. An interface so tests
// can inject a fake.
type sessionService interface {
	CreateOrReconnect(ctx context.Context, req session.CreateRequest) (session.Status, error)
	Status(tenantID string) session.Status
	Send(ctx context.Context, tenantID, recipient, text string) session.SendResult
	Disconnect(ctx context.Context, tenantID string)
}

// CreateSessionRequest is the JSON request body for POST /api/sessions/{tenant}.
type CreateSessionRequest struct {
	Project           string `json:"project,omitempty"`
	WebhookURL        string `json:"webhook_url,omitempty"`
	ForcePairingReset bool   `json:"force_pairing_reset,omitempty"`
}

// SessionResponse is the JSON response for session create and status calls.
type SessionResponse struct {
	SessionID   string `json:"session_id,omitempty"`
	TenantID    string `json:"tenant_id"`
	Project     string `json:"project,omitempty"`
	State       string `json:"state"`
	PairingCode string `json:"pairing_code,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// SendRequest is the JSON request body for POST /api/sessions/{tenant}/send.
type SendRequest struct {
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

// CreateAgencyRequest is the JSON request body for POST /api/agencies.
type CreateAgencyRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AgencyResponse is the JSON response for agency reads.
type AgencyResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
	PhoneNumber    string `json:"phone_number,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	ConnectedAt    string `json:"connected_at,omitempty"`
	DisconnectedAt string `json:"disconnected_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// EventResponse is the JSON shape of one connection event.
type EventResponse struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Project   string         `json:"project"`
	Kind      string         `json:"kind"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// MessageResponse is the JSON shape of one archived inbound message.
type MessageResponse struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Kind      string `json:"kind"`
	Timestamp string `json:"timestamp"`
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sessionResponse(st session.Status) SessionResponse {
	return SessionResponse{
		SessionID:   st.SessionID,
		TenantID:    st.TenantID,
		Project:     string(st.Project),
		State:       string(st.State),
		PairingCode: st.PairingCode,
		PhoneNumber: st.PhoneNumber,
		DisplayName: st.DisplayName,
	}
}

// handleSessionRoutes dispatches /api/sessions/{tenant} and
// /api/sessions/{tenant}/send.
func (g *Gateway) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if rest == "" || strings.Contains(strings.TrimSuffix(rest, "/send"), "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	if tenantID, ok := strings.CutSuffix(rest, "/send"); ok {
		if r.Method != http.MethodPost {
			g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		g.handleSend(w, r, tenantID)
		return
	}

	switch r.Method {
	case http.MethodPost:
		g.handleCreateSession(w, r, rest)
	case http.MethodGet:
		g.handleSessionStatus(w, r, rest)
	case http.MethodDelete:
		g.handleDisconnect(w, r, rest)
	default:
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleCreateSession handles POST /api/sessions/{tenant}. An empty body is
// accepted and means default project with no webhook.
func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	st, err := g.sessions.CreateOrReconnect(r.Context(), session.CreateRequest{
		TenantID:          tenantID,
		Project:           session.Project(req.Project),
		WebhookURL:        req.WebhookURL,
		ForcePairingReset: req.ForcePairingReset,
	})
	switch {
	case errors.Is(err, session.ErrTenantNotFound):
		g.sendJSONError(w, http.StatusNotFound, "tenant not found")
		return
	case errors.Is(err, session.ErrTransportInit):
		g.sendJSONError(w, http.StatusBadGateway, "transport initialization failed")
		return
	case err != nil:
		g.logger.Error("session create failed", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	g.sendJSON(w, http.StatusOK, sessionResponse(st))
}

// handleSessionStatus handles GET /api/sessions/{tenant}. Unknown tenants
// report state not_found with 200, not an error.
func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request, tenantID string) {
	g.sendJSON(w, http.StatusOK, sessionResponse(g.sessions.Status(tenantID)))
}

// handleSend handles POST /api/sessions/{tenant}/send.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request, tenantID string) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Recipient == "" || req.Text == "" {
		g.sendJSONError(w, http.StatusBadRequest, "recipient and text are required")
		return
	}

	res := g.sessions.Send(r.Context(), tenantID, req.Recipient, req.Text)
	g.sendJSON(w, http.StatusOK, res)
}

// handleDisconnect handles DELETE /api/sessions/{tenant}. Idempotent.
func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request, tenantID string) {
	g.sessions.Disconnect(r.Context(), tenantID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAgencies handles POST /api/agencies.
func (g *Gateway) handleAgencies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req CreateAgencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" || req.Name == "" {
		g.sendJSONError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	agency := &store.Agency{ID: req.ID, Name: req.Name, Status: "active"}
	if err := g.store.CreateAgency(r.Context(), agency); err != nil {
		if errors.Is(err, store.ErrDuplicateAgency) {
			g.sendJSONError(w, http.StatusConflict, "agency already exists")
			return
		}
		g.logger.Error("creating agency failed", "agency_id", req.ID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, agencyResponse(agency))
}

// handleAgencyByID handles GET /api/agencies/{id}.
func (g *Gateway) handleAgencyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/agencies/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	agency, err := g.store.GetAgency(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agency not found")
			return
		}
		g.logger.Error("fetching agency failed", "agency_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, agencyResponse(agency))
}

func agencyResponse(a *store.Agency) AgencyResponse {
	resp := AgencyResponse{
		ID:          a.ID,
		Name:        a.Name,
		Status:      a.Status,
		PhoneNumber: a.PhoneNumber,
		DisplayName: a.DisplayName,
		CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if a.ConnectedAt != nil {
		resp.ConnectedAt = a.ConnectedAt.UTC().Format(time.RFC3339)
	}
	if a.DisconnectedAt != nil {
		resp.DisconnectedAt = a.DisconnectedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleListEvents handles GET /api/events with optional tenant_id, kind,
// since, and limit query parameters.
func (g *Gateway) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var filter store.EventFilter
	q := r.URL.Query()
	if v := q.Get("tenant_id"); v != "" {
		filter.TenantID = &v
	}
	if v := q.Get("kind"); v != "" {
		filter.Kind = &v
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := g.store.ListConnectionEvents(r.Context(), filter)
	if err != nil {
		g.logger.Error("listing events failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]EventResponse, len(events))
	for i, e := range events {
		resp[i] = EventResponse{
			ID:        e.ID,
			TenantID:  e.TenantID,
			Project:   e.Project,
			Kind:      e.Kind,
			Detail:    e.Detail,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"events": resp})
}

// handleListMessages handles GET /api/messages/{tenant}?limit=N.
func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tenantID := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if tenantID == "" || strings.Contains(tenantID, "/") {
		g.sendJSONError(w, http.StatusBadRequest, "invalid path")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := g.store.ListInboundMessages(r.Context(), tenantID, limit)
	if err != nil {
		g.logger.Error("listing messages failed", "tenant_id", tenantID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := make([]MessageResponse, len(msgs))
	for i, m := range msgs {
		resp[i] = MessageResponse{
			ID:        m.ID,
			TenantID:  m.TenantID,
			Sender:    m.Sender,
			Body:      m.Body,
			Kind:      m.Kind,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
		}
	}
	g.sendJSON(w, http.StatusOK, map[string]any{"messages": resp})
}
