// ABOUTME: Panel orchestrator that owns the daemon registry and the HTTP server
// ABOUTME: Manages the store, data-dir lock, tailnet listener, sweep loop and health endpoints

package panel

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

	"github.com/gofrs/flock"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-panel/internal/auth"
	"github.com/2389/coven-panel/internal/config"
	"github.com/2389/coven-panel/internal/registry"
	"github.com/2389/coven-panel/internal/remote"
	"github.com/2389/coven-panel/internal/store"
)

// ErrAlreadyRunning indicates another panel holds the data directory lock.
var ErrAlreadyRunning = errors.New("another coven-panel instance is already running")

// Panel serves the daemon registry over HTTP and keeps its connections alive.
type Panel struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	lock        *flock.Flock
	logger      *slog.Logger
}

// New creates a Panel from configuration. It takes the data directory lock
// and opens the store; daemons are not contacted until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Panel, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dbPath := resolveDBPath(cfg)
	lock, err := acquireLock(dbPath)
	if err != nil {
		return nil, err
	}

	s, err := initStore(dbPath)
	if err != nil {
		releaseLock(lock)
		return nil, err
	}

	var tsServer *tsnet.Server
	if cfg.Tailscale.Enabled {
		tsServer, err = newTailscaleServer(cfg.Tailscale)
		if err != nil {
			_ = s.Close()
			releaseLock(lock)
			return nil, err
		}
	}

	dialer := &remote.WebSocketDialer{}
	if tsServer != nil && cfg.Tailscale.DialDaemons {
		dialer.HTTPClient = tsServer.HTTPClient()
		logger.Info("dialing daemons through the tailnet")
	}

	p := newPanel(cfg, s, dialer, logger)
	p.tsnetServer = tsServer
	p.lock = lock
	return p, nil
}

// newPanel wires a Panel around an existing store and dialer.
func newPanel(cfg *config.Config, s store.Store, dialer remote.Dialer, logger *slog.Logger) *Panel {
	d := cfg.Daemons
	reg := registry.New(registry.Params{
		Store:                 s,
		Dialer:                dialer,
		Logger:                logger,
		SweepInterval:         d.SweepInterval,
		SweepJitter:           d.SweepJitter,
		DialTimeout:           d.DialTimeout,
		AuthTimeout:           d.AuthTimeout,
		RequestTimeout:        d.RequestTimeout,
		FailPendingOnTeardown: d.FailPendingOnTeardown,
		LateResponseTTL:       d.LateResponseTTL,
		LocalConfigPath:       d.LocalConfigPath,
		LocalFallbackKey:      d.LocalFallbackKey,
	})

	p := &Panel{
		config:   cfg,
		store:    s,
		registry: reg,
		logger:   logger.With("component", "panel"),
	}
	p.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           p.routes(logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Registry returns the panel's daemon registry.
func (p *Panel) Registry() *registry.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving health and API routes.
func (p *Panel) Handler() http.Handler {
	return p.httpServer.Handler
}

func (p *Panel) routes(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.HandleFunc("GET /health/ready", p.handleReady)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/daemons", p.handleListDaemons)
	api.HandleFunc("POST /api/daemons", p.handleAddDaemon)
	api.HandleFunc("GET /api/daemons/{id}", p.handleGetDaemon)
	api.HandleFunc("PUT /api/daemons/{id}", p.handleEditDaemon)
	api.HandleFunc("DELETE /api/daemons/{id}", p.handleRemoveDaemon)
	api.HandleFunc("POST /api/daemons/{id}/reconnect", p.handleReconnect)
	api.HandleFunc("POST /api/daemons/{id}/request", p.handleRequest)
	api.HandleFunc("GET /api/daemons/{id}/instances/{instance}/stream", p.handleStream)
	api.HandleFunc("GET /api/overview", p.handleOverview)

	if secret := p.config.Auth.JWTSecret; secret != "" {
		verifier := auth.NewJWTVerifier([]byte(secret))
		mux.Handle("/api/", auth.BearerMiddleware(verifier, logger)(api))
		p.logger.Info("HTTP auth middleware enabled")
	} else {
		mux.Handle("/api/", api)
		p.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	return mux
}

// resolveDBPath returns the database path, honouring COVEN_PANEL_DB_PATH.
func resolveDBPath(cfg *config.Config) string {
	if envPath := os.Getenv("COVEN_PANEL_DB_PATH"); envPath != "" {
		return envPath
	}
	return cfg.Database.Path
}

// initStore opens the SQLite store at dbPath.
func initStore(dbPath string) (store.Store, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// acquireLock takes an exclusive lock next to the database so two panels
// never drive the same daemons. In-memory databases need no lock.
func acquireLock(dbPath string) (*flock.Flock, error) {
	if dbPath == ":memory:" {
		return nil, nil
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "panel.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, lock.Path())
	}
	return lock, nil
}

func releaseLock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataDir(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func newTailscaleServer(tsCfg config.TailscaleConfig) (*tsnet.Server, error) {
	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}
	return &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}, nil
}

// setupListener returns the HTTP listener: the tailnet when enabled, TCP otherwise.
func (p *Panel) setupListener(ctx context.Context) (net.Listener, error) {
	if p.tsnetServer == nil {
		ln, err := net.Listen("tcp", p.config.Server.HTTPAddr)
		if err != nil {
			return nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
		return ln, nil
	}

	if p.config.Server.HTTPAddr != "" {
		p.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", p.config.Server.HTTPAddr)
	}

	p.logger.Info("starting tailscale node",
		"hostname", p.tsnetServer.Hostname,
		"state_dir", p.tsnetServer.Dir,
		"ephemeral", p.tsnetServer.Ephemeral,
	)
	status, err := p.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	p.logTailscaleStatus(status)

	ln, err := p.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (p *Panel) logTailscaleStatus(status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		p.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	p.logger.Info("tailscale node ready", "hostname", p.tsnetServer.Hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// Run loads the registry, starts the sweep loop and serves HTTP until ctx
// is cancelled. Returns nil on graceful shutdown.
func (p *Panel) Run(ctx context.Context) error {
	ln, err := p.setupListener(ctx)
	if err != nil {
		return err
	}

	if err := p.registry.Start(ctx); err != nil {
		_ = ln.Close()
		_ = p.gracefulShutdown()
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go p.registry.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := p.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		p.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		p.logger.Error("server error", "error", serverErr)
	}
	stopSweep()

	shutdownErr := p.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (p *Panel) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Shutdown(ctx)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, disconnects every daemon and releases resources.
func (p *Panel) Shutdown(ctx context.Context) error {
	p.logger.Info("shutting down panel")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", p.httpServer.Shutdown(ctx))

	p.registry.Close()

	if p.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", p.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", p.store.Close())
	if p.lock != nil {
		errs = appendCloseError(errs, "release lock", p.lock.Unlock())
	}

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (p *Panel) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one daemon is available.
func (p *Panel) handleReady(w http.ResponseWriter, r *http.Request) {
	available, total := p.registry.Count()
	if available == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "no daemons available (0/%d)", total)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d/%d daemons)", available, total)
}
