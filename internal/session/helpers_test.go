// ABOUTME: Shared test fakes for the session package.
// ABOUTME: Scriptable transport, factory, and collaborator doubles.

package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/2389/wa-gateway/internal/transport"
)

// fakeTransport is a scriptable transport. Event emission goes through the
// subscribed handler under the same mutex the real transport uses, so
// dispatch is serialized and unsubscribe is deterministic.
type fakeTransport struct {
	mu      sync.Mutex
	handler transport.EventHandler

	connectErr error
	sendErr    error
	sendID     string
	onConnect  func(emit *fakeTransport)

	connects  int
	sent      []sentMessage
	loggedOut bool
	closed    bool
}

type sentMessage struct {
	recipient string
	text      string
}

func (f *fakeTransport) Subscribe(h transport.EventHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handler = nil
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err := f.connectErr
	hook := f.onConnect
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		go hook(f)
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, recipient, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentMessage{recipient: recipient, text: text})
	if f.sendID != "" {
		return f.sendID, nil
	}
	return "MSG-1", nil
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = true
	return nil
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) emitPairingCode(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.handler.PairingCode(code)
	}
}

func (f *fakeTransport) emitOpened(id transport.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.handler.Opened(id)
	}
}

func (f *fakeTransport) emitClosed(reason transport.CloseReason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.handler.Closed(reason)
	}
}

func (f *fakeTransport) emitMessage(msg *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handler != nil {
		f.handler.Message(msg)
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) isLoggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loggedOut
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// fakeFactory hands out a new fakeTransport per call, remembering each one.
type fakeFactory struct {
	mu         sync.Mutex
	err        error
	setup      func(t *fakeTransport)
	transports []*fakeTransport
}

func (f *fakeFactory) factory(ctx context.Context, tenantID string) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := &fakeTransport{}
	if f.setup != nil {
		f.setup(t)
	}
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transports)
}

func (f *fakeFactory) transportAt(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.transports) {
		return nil
	}
	return f.transports[i]
}

type fakeDirectory struct {
	mu    sync.Mutex
	known map[string]bool
	err   error
}

func (d *fakeDirectory) AgencyExists(ctx context.Context, tenantID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return false, d.err
	}
	return d.known[tenantID], nil
}

type fakeCredentials struct {
	mu     sync.Mutex
	err    error
	resets []string
}

func (c *fakeCredentials) Reset(tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.resets = append(c.resets, tenantID)
	return nil
}

func (c *fakeCredentials) resetCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resets)
}

type forwardCall struct {
	tenantID   string
	project    Project
	webhookURL string
	msg        *transport.Message
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []forwardCall
}

func (f *fakeForwarder) Forward(ctx context.Context, tenantID string, project Project, webhookURL string, msg *transport.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{tenantID: tenantID, project: project, webhookURL: webhookURL, msg: msg})
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeForwarder) callAt(i int) forwardCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type auditEntry struct {
	tenantID string
	project  Project
	kind     string
	detail   map[string]any
}

type fakeStatusStore struct {
	mu        sync.Mutex
	snapshots []Status
	events    []auditEntry
}

func (s *fakeStatusStore) SaveSessionStatus(ctx context.Context, st Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, st)
	return nil
}

func (s *fakeStatusStore) AppendConnectionEvent(ctx context.Context, tenantID string, project Project, kind string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, auditEntry{tenantID: tenantID, project: project, kind: kind, detail: detail})
	return nil
}

func (s *fakeStatusStore) eventKinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]string, len(s.events))
	for i, e := range s.events {
		kinds[i] = e.kind
	}
	return kinds
}

type openedCall struct {
	tenantID    string
	project     Project
	webhookURL  string
	phoneNumber string
}

type fakeNotifier struct {
	mu     sync.Mutex
	opened []openedCall
	closed []string
}

func (n *fakeNotifier) ConnectionOpened(ctx context.Context, tenantID string, project Project, webhookURL, phoneNumber, displayName string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.opened = append(n.opened, openedCall{tenantID: tenantID, project: project, webhookURL: webhookURL, phoneNumber: phoneNumber})
	return nil
}

func (n *fakeNotifier) ConnectionClosed(ctx context.Context, tenantID string, project Project, webhookURL string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, tenantID)
	return nil
}

func (n *fakeNotifier) openedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.opened)
}

// testEnv wires a facade with all fake collaborators.
type testEnv struct {
	facade      *Facade
	factory     *fakeFactory
	directory   *fakeDirectory
	credentials *fakeCredentials
	forwarder   *fakeForwarder
	status      *fakeStatusStore
	notifier    *fakeNotifier
}

func newTestEnv(t *testing.T, opts ...func(*FacadeConfig)) *testEnv {
	t.Helper()
	env := &testEnv{
		factory:     &fakeFactory{},
		directory:   &fakeDirectory{known: map[string]bool{"agency-1": true}},
		credentials: &fakeCredentials{},
		forwarder:   &fakeForwarder{},
		status:      &fakeStatusStore{},
		notifier:    &fakeNotifier{},
	}
	cfg := FacadeConfig{
		Factory:     env.factory.factory,
		Directory:   env.directory,
		Credentials: env.credentials,
		Forwarder:   env.forwarder,
		Status:      env.status,
		Notifier:    env.notifier,
		Policy:      ReconnectPolicy{Delay: 20 * time.Millisecond},
		PairingWait: 200 * time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	env.facade = NewFacade(cfg)
	return env
}
