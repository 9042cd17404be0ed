// ABOUTME: Gateway orchestrator that wires storage, sessions, dispatcher and the HTTP server
// ABOUTME: Manages listener setup (TCP or tailnet), background sweeps, health endpoints and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/huddle-gateway/internal/auth"
	"github.com/2389/huddle-gateway/internal/bot"
	"github.com/2389/huddle-gateway/internal/config"
	"github.com/2389/huddle-gateway/internal/conversation"
	"github.com/2389/huddle-gateway/internal/dedupe"
	"github.com/2389/huddle-gateway/internal/session"
	"github.com/2389/huddle-gateway/internal/store"
)

// Gateway owns every long-lived component of a running huddle-gateway.
type Gateway struct {
	config       *config.Config
	store        store.Store
	sessions     *session.Registry
	dedupe       *dedupe.Cache[*store.Message]
	conversation *conversation.Service
	verifier     *auth.JWTVerifier
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// connCtx is cancelled on shutdown so hijacked WebSocket connections,
	// which http.Server.Shutdown does not track, close too.
	connCtx     context.Context
	cancelConns context.CancelFunc

	ready atomic.Bool
}

// initStore opens the backend named by database.driver.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store; conversations are lost on restart")
		return store.NewMockStore(), nil
	case config.DriverBadger:
		s, err := store.NewBadgerStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening badger store: %w", err)
		}
		return s, nil
	case config.DriverSQLite3:
		s, err := store.NewSQLiteStoreWithDriver(store.DriverCGO, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite3 store: %w", err)
		}
		return s, nil
	default:
		s, err := store.NewSQLiteStoreWithDriver(store.DriverModernc, cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, nil
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating token verifier: %w", err)
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewRegistry(cfg.Sessions.TTL, logger.With("component", "sessions"))
	dedupeCache := dedupe.New[*store.Message](cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries)
	broadcaster := conversation.NewBroadcaster(cfg.Transport.QueueSize, cfg.Transport.Overflow, logger.With("component", "broadcaster"))

	builder := &bot.Builder{
		Registry: bot.NewRegistry(),
		Sessions: sessions,
		Client:   &http.Client{},
		Policy:   cfg.Handshake.Policy,
		Timeout:  cfg.Handshake.Timeout,
		Logger:   logger.With("component", "bot"),
	}
	convService := conversation.New(s, conversation.Config{
		Bots:        cfg.Bots,
		Builder:     builder,
		Sessions:    sessions,
		Dedupe:      dedupeCache,
		Broadcaster: broadcaster,
		Logger:      logger,
	})

	connCtx, cancelConns := context.WithCancel(context.Background())
	gw := &Gateway{
		config:       cfg,
		store:        s,
		sessions:     sessions,
		dedupe:       dedupeCache,
		conversation: convService,
		verifier:     verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients authenticate with tokens, not cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:      logger.With("component", "gateway"),
		connCtx:     connCtx,
		cancelConns: cancelConns,
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	gw.httpServer.RegisterOnShutdown(cancelConns)

	return gw, nil
}

// Handler returns the gateway's routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	g.registerAPIRoutes(mux)
	mux.HandleFunc("GET /ws/conversations/{id}", g.handleWebSocket)

	return mux
}

// Conversation exposes the dispatcher, mostly for tests and tooling.
func (g *Gateway) Conversation() *conversation.Service {
	return g.conversation
}

// Run starts the HTTP server and the session sweep, and blocks until ctx is
// cancelled or a component fails. It returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		g.ready.Store(true)
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		return g.sessions.Run(egCtx, g.config.Sessions.SweepInterval)
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.ready.Store(false)
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// setupListener creates the HTTP listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "huddle-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key, HUDDLE_TAILSCALE_AUTH_KEY or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or :443 with
// tailnet certificates when tailscale.https is set.
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

	if !tsCfg.HTTPS {
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}

	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
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

// Shutdown stops the HTTP server, closes live connections and releases storage.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.cancelConns()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.dedupe.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the listener is up and storage answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not serving"))
		return
	}
	if _, err := g.store.LastSeq(r.Context(), ""); err != nil {
		g.logger.Warn("readiness probe failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d bots configured)", len(g.conversation.BotNames()))
}
