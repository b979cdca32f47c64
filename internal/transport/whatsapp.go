// ABOUTME: WhatsApp implementation of the Transport interface using whatsmeow.
// ABOUTME: Maps whatsmeow events onto pairing/opened/closed/message callbacks.

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// WhatsAppConfig configures a single tenant's WhatsApp connection.
type WhatsAppConfig struct {
	TenantID   string
	DevicePath string // sqlite file holding the tenant's credential state
	Logger     *slog.Logger
}

// WhatsApp is a Transport backed by the whatsmeow WhatsApp Web client.
// Credential state lives in a per-tenant sqlstore container; the gateway
// never interprets it.
type WhatsApp struct {
	tenantID string
	client   *whatsmeow.Client
	logger   *slog.Logger

	mu       sync.Mutex
	handler  EventHandler
	eventID  uint32
	qrCancel context.CancelFunc
	closed   bool
}

// NewWhatsApp opens the tenant's credential container and builds a client.
// The connection is not opened until Connect is called.
func NewWhatsApp(ctx context.Context, cfg WhatsAppConfig) (*WhatsApp, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	container, err := sqlstore.New(ctx, "sqlite3", "file:"+cfg.DevicePath+"?_foreign_keys=on", waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("opening credential container: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading device state: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	// Reconnection is owned by the session layer, not the protocol client.
	client.EnableAutoReconnect = false

	return &WhatsApp{
		tenantID: cfg.TenantID,
		client:   client,
		logger:   logger,
	}, nil
}

// Subscribe registers the handler. Events are dispatched while holding the
// subscription lock, so after unsubscribe returns no handler call is in
// flight and none will start.
func (w *WhatsApp) Subscribe(h EventHandler) func() {
	w.mu.Lock()
	w.handler = h
	id := w.client.AddEventHandler(w.dispatch)
	w.eventID = id
	w.mu.Unlock()

	return func() {
		w.client.RemoveEventHandler(id)
		w.mu.Lock()
		if w.handler == h {
			w.handler = nil
		}
		w.mu.Unlock()
	}
}

// Connect opens the socket. For an unpaired device it first attaches the QR
// channel so pairing codes flow to the subscriber before authentication.
func (w *WhatsApp) Connect(ctx context.Context) error {
	if w.client.Store.ID == nil {
		qrCtx, cancel := context.WithCancel(context.Background())
		qrChan, err := w.client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("opening pairing channel: %w", err)
		}
		w.mu.Lock()
		w.qrCancel = cancel
		w.mu.Unlock()
		go w.pumpQR(qrChan)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	return nil
}

// pumpQR forwards pairing codes from the QR channel to the subscriber.
func (w *WhatsApp) pumpQR(ch <-chan whatsmeow.QRChannelItem) {
	for item := range ch {
		if item.Event != whatsmeow.QRChannelEventCode {
			continue
		}
		w.mu.Lock()
		h := w.handler
		if h != nil {
			h.PairingCode(item.Code)
		}
		w.mu.Unlock()
	}
}

// dispatch converts whatsmeow events into Transport events.
func (w *WhatsApp) dispatch(evt any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.handler
	if h == nil {
		return
	}

	switch e := evt.(type) {
	case *events.Connected:
		h.Opened(w.identity())
	case *events.LoggedOut:
		h.Closed(ReasonLoggedOut)
	case *events.StreamReplaced:
		h.Closed(ReasonReplaced)
	case *events.KeepAliveTimeout:
		h.Closed(ReasonTimeout)
	case *events.Disconnected:
		h.Closed(ReasonConnectionLost)
	case *events.ClientOutdated:
		h.Closed(ReasonRestartRequired)
	case *events.TemporaryBan:
		h.Closed(ReasonBadSession)
	case *events.ConnectFailure:
		h.Closed(ReasonUnknown)
	case *events.Message:
		h.Message(convertMessage(e))
	}
}

// identity reads the authenticated account attributes from the device store.
func (w *WhatsApp) identity() Identity {
	id := Identity{DisplayName: w.client.Store.PushName}
	if w.client.Store.ID != nil {
		id.PhoneNumber = w.client.Store.ID.User
	}
	return id
}

// convertMessage flattens a whatsmeow message event into the raw inbound shape.
func convertMessage(e *events.Message) *Message {
	body := e.Message
	m := &Message{
		ID:        string(e.Info.ID),
		Sender:    e.Info.Sender.String(),
		FromSelf:  e.Info.IsFromMe,
		Timestamp: e.Info.Timestamp,
	}
	if body == nil {
		return m
	}

	m.Text = body.GetConversation()
	m.ExtendedText = body.GetExtendedTextMessage().GetText()

	switch {
	case body.GetImageMessage() != nil:
		m.HasMedia = true
		m.Caption = body.GetImageMessage().GetCaption()
	case body.GetVideoMessage() != nil:
		m.HasMedia = true
		m.Caption = body.GetVideoMessage().GetCaption()
	case body.GetDocumentMessage() != nil:
		m.HasMedia = true
		m.Caption = body.GetDocumentMessage().GetCaption()
	case body.GetAudioMessage() != nil, body.GetStickerMessage() != nil:
		m.HasMedia = true
	}
	return m
}

// Send delivers a plain text message. A bare phone number is promoted to a
// full user JID.
func (w *WhatsApp) Send(ctx context.Context, recipient, text string) (string, error) {
	var jid types.JID
	if strings.ContainsRune(recipient, '@') {
		parsed, err := types.ParseJID(recipient)
		if err != nil {
			return "", fmt.Errorf("invalid recipient %q: %w", recipient, err)
		}
		jid = parsed
	} else {
		jid = types.NewJID(recipient, types.DefaultUserServer)
	}

	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), nil
}

// Logout permanently disauthorizes the stored credentials.
func (w *WhatsApp) Logout(ctx context.Context) error {
	if err := w.client.Logout(ctx); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	return nil
}

// Close tears down the socket and the pairing channel, if any.
func (w *WhatsApp) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	cancel := w.qrCancel
	w.qrCancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.client.Disconnect()
	w.logger.Debug("transport closed", "tenant_id", w.tenantID)
}
