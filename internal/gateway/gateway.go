// ABOUTME: Gateway orchestrator that wires the coordinator, transports, and stores
// ABOUTME: Manages listener setup (TCP or Tailscale), health endpoints, and shutdown

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

	"github.com/willcshanahan/turngate/internal/api"
	"github.com/willcshanahan/turngate/internal/auth"
	"github.com/willcshanahan/turngate/internal/bridge"
	"github.com/willcshanahan/turngate/internal/config"
	"github.com/willcshanahan/turngate/internal/coordinator"
	"github.com/willcshanahan/turngate/internal/engine"
	"github.com/willcshanahan/turngate/internal/event"
	"github.com/willcshanahan/turngate/internal/policy"
	"github.com/willcshanahan/turngate/internal/runs"
	"github.com/willcshanahan/turngate/internal/session"
	"github.com/willcshanahan/turngate/internal/socket"
)

// Gateway owns every long-lived component and the HTTP server that fronts
// both transports.
type Gateway struct {
	config      *config.Config
	sessions    *session.Store
	pairing     *bridge.PairingStore
	bus         *event.Bus
	runs        *runs.Registry
	nodes       *bridge.Registry
	engine      *engine.Runner
	coordinator *coordinator.Coordinator
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID identifies this gateway instance
	serverID string
}

// initSessionStore opens the session store, honoring a TURNGATE_DB_PATH
// override for local development.
func initSessionStore(cfg *config.Config, logger *slog.Logger) (*session.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("TURNGATE_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := session.NewStore(dbPath, logger.With("component", "session-store"))
	if err != nil {
		return nil, fmt.Errorf("initializing session store: %w", err)
	}
	return s, nil
}

// resolvePairingPath derives the pairing database path when not configured.
// Pairing state lives beside the session database, never inside it.
func resolvePairingPath(cfg *config.Config) string {
	if cfg.Database.PairingPath != "" {
		return cfg.Database.PairingPath
	}
	if cfg.Database.Path == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(filepath.Dir(cfg.Database.Path), "pairing.db")
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, version string, logger *slog.Logger) (*Gateway, error) {
	sessions, err := initSessionStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("auth disabled - no jwt_secret configured")
		verifier = auth.NewJWTVerifier(nil)
	}

	pairing, err := bridge.NewPairingStore(resolvePairingPath(cfg), verifier, logger)
	if err != nil {
		_ = sessions.Close()
		return nil, fmt.Errorf("initializing pairing store: %w", err)
	}

	bus := event.NewBus(logger)
	runRegistry := runs.NewRegistry(cfg.Runs.ResultTTL, logger)
	nodes := bridge.NewRegistry(logger)
	runner := engine.NewRunner(nodes, logger)
	eval := policy.NewEvaluator(cfg.Policy.Rules, cfg.Policy.DenyByDefault)
	coord := coordinator.New(runRegistry, bus, sessions, eval, runner, logger)

	caps := session.HistoryCaps{
		DefaultLimit: cfg.History.DefaultLimit,
		MaxLimit:     cfg.History.MaxLimit,
		MaxBytes:     cfg.History.MaxBytes,
	}
	gatewayAPI := api.New(coord, sessions, caps, logger)

	gw := &Gateway{
		config:      cfg,
		sessions:    sessions,
		pairing:     pairing,
		bus:         bus,
		runs:        runRegistry,
		nodes:       nodes,
		engine:      runner,
		coordinator: coord,
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	socketOpts := socket.Options{ServerID: gw.serverID, Version: version}
	if cfg.Auth.JWTSecret != "" {
		socketOpts.Verifier = verifier
	}
	socketServer := socket.NewServer(gatewayAPI, bus, runRegistry, socketOpts, logger)

	bridgeServer := bridge.NewServer(gatewayAPI, bus, runRegistry, pairing, nodes, logger)
	bridgeServer.SetEventSink(runner)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.Handle(cfg.Server.SocketPath, socketServer)
	mux.Handle(cfg.Server.BridgePath, bridgeServer)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
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

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(),
			"socket_path", g.config.Server.SocketPath,
			"bridge_path", g.config.Server.BridgePath,
		)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "turngate", "tailscale"), nil
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

// Shutdown gracefully stops the HTTP server and releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.bus.Close()
	g.runs.Close()
	g.nodes.Close()
	errs = appendCloseError(errs, "pairing close", g.pairing.Close())
	errs = appendCloseError(errs, "session store close", g.sessions.Close())

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

// handleReady returns 200 OK once a device advertising the agent capability
// is connected; turns admitted before that fail with no engine available.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	for _, node := range g.nodes.List() {
		for _, cap := range node.Caps {
			if cap == engine.AgentCap {
				w.WriteHeader(http.StatusOK)
				_, _ = fmt.Fprintf(w, "ready (%s)", node.NodeID)
				return
			}
		}
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("no agent engine connected"))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("turngate-%d", time.Now().UnixNano()%1000000)
}
