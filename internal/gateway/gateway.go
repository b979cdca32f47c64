// ABOUTME: Gateway orchestrator that wires store, sessions, forwarding, and HTTP.
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/wa-gateway/internal/auth"
	"github.com/2389/wa-gateway/internal/authstate"
	"github.com/2389/wa-gateway/internal/config"
	"github.com/2389/wa-gateway/internal/forward"
	"github.com/2389/wa-gateway/internal/session"
	"github.com/2389/wa-gateway/internal/store"
	"github.com/2389/wa-gateway/internal/transport"
)

// Gateway orchestrates the wa-gateway server components: the persistence
// layer, per-tenant device credentials, the session facade, the forwarder,
// and the HTTP API.
type Gateway struct {
	config      *config.Config
	store       store.Store
	authState   *authstate.Manager
	facade      *session.Facade
	forwarder   *forward.Forwarder
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// sessions is the facade behind an interface so tests can inject a fake
	sessions sessionService
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("WA_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	authState := authstate.NewManager(cfg.Credentials.Dir, logger)

	forwarder := forward.New(forward.Config{
		Source:      cfg.Forwarding.Source,
		FallbackURL: cfg.Forwarding.FallbackURL,
		Timeout:     cfg.Forwarding.Timeout,
		Agencies:    s,
		Logger:      logger,
	})

	policy := session.DefaultReconnectPolicy()
	if cfg.Sessions.ReconnectDelay > 0 {
		policy.Delay = cfg.Sessions.ReconnectDelay
	}

	transportLogger := logger.With("component", "whatsapp")
	factory := func(ctx context.Context, tenantID string) (transport.Transport, error) {
		devicePath, err := authState.DevicePath(tenantID)
		if err != nil {
			return nil, err
		}
		return transport.NewWhatsApp(ctx, transport.WhatsAppConfig{
			TenantID:   tenantID,
			DevicePath: devicePath,
			Logger:     transportLogger,
		})
	}

	facade := session.NewFacade(session.FacadeConfig{
		Factory:     factory,
		Directory:   &storeDirectory{store: s},
		Credentials: authState,
		Forwarder:   forwarder,
		Status:      &storeStatusSink{store: s},
		Notifier:    forwarder,
		Policy:      policy,
		PairingWait: cfg.Sessions.PairingWait,
		Logger:      logger,
	})

	gw := &Gateway{
		config:    cfg,
		store:     s,
		authState: authState,
		facade:    facade,
		forwarder: forwarder,
		sessions:  facade,
		logger:    logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	gw.registerAPIRoutes(mux, cfg, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerAPIRoutes mounts the API, wrapping it in JWT auth when a secret is
// configured.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, cfg *config.Config, logger *slog.Logger) {
	if cfg.Auth.JWTSecret != "" {
		verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		authMiddleware := auth.Middleware(verifier)
		mux.Handle("/api/sessions/", authMiddleware(http.HandlerFunc(g.handleSessionRoutes)))
		mux.Handle("/api/agencies", authMiddleware(http.HandlerFunc(g.handleAgencies)))
		mux.Handle("/api/agencies/", authMiddleware(http.HandlerFunc(g.handleAgencyByID)))
		mux.Handle("/api/events", authMiddleware(http.HandlerFunc(g.handleListEvents)))
		mux.Handle("/api/messages/", authMiddleware(http.HandlerFunc(g.handleListMessages)))
		logger.Info("HTTP auth middleware enabled")
	} else {
		mux.HandleFunc("/api/sessions/", g.handleSessionRoutes)
		mux.HandleFunc("/api/agencies", g.handleAgencies)
		mux.HandleFunc("/api/agencies/", g.handleAgencyByID)
		mux.HandleFunc("/api/events", g.handleListEvents)
		mux.HandleFunc("/api/messages/", g.handleListMessages)
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway and blocks until the context is canceled. Returns
// nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "wa-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources. Live
// sessions are closed without logging devices out so they resume on the
// next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.facade.Shutdown(ctx)
	g.forwarder.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers queries.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListConnectionEvents(r.Context(), store.EventFilter{Limit: 1}); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
