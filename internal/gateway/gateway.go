// ABOUTME: Gateway orchestrator that coordinates the agent WebSocket and HTTP API servers
// ABOUTME: Wires registry, dispatcher, audit store, metrics, and health endpoints lifecycle

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
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/agent"
	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/command"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/store"
)

// tailscaleAgentPort is the tailnet port agents connect to.
const tailscaleAgentPort = ":8080"

// Gateway orchestrates the relay server components.
// It serves agent WebSocket connections on one listener and the command
// ingress, audit API, health, and metrics on another.
type Gateway struct {
	config      *config.Config
	registry    *agent.Registry
	dispatcher  *command.Dispatcher
	store       store.Store
	auditor     *auditor
	metrics     *metrics
	dedupe      *dedupe.Cache[dispatchResult]
	upgrader    *websocket.Upgrader
	eventSink   agent.EventSink
	agentServer *http.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	agentLogger *slog.Logger

	sessionsMu   sync.Mutex
	sessions     map[*agent.Session]struct{}
	sessionsWG   sync.WaitGroup
	shuttingDown bool
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
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
	return newWithStore(cfg, s, logger)
}

// newWithStore wires the gateway around an already opened store.
func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	cfg.ApplyDefaults()

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		verifier = v
	}

	registry := agent.NewRegistry(logger.With("component", "registry"))
	audit := newAuditor(s, logger.With("component", "audit"))

	gw := &Gateway{
		config:      cfg,
		registry:    registry,
		store:       s,
		auditor:     audit,
		dedupe:      dedupe.New[dispatchResult](cfg.Commands.DedupeTTL, cfg.Commands.DedupeMaxEntries),
		upgrader:    newUpgrader(cfg.Agents.AllowedOrigins),
		logger:      logger.With("component", "gateway"),
		agentLogger: logger.With("component", "agent"),
		sessions:    make(map[*agent.Session]struct{}),
	}

	observers := []command.Observer{audit}
	eventSinks := sinks{audit}
	if cfg.Metrics.Enabled {
		gw.metrics = newMetrics(registry, gw.dedupe.Len)
		observers = append(observers, gw.metrics)
		eventSinks = append(eventSinks, gw.metrics)
	}
	gw.eventSink = eventSinks
	gw.dispatcher = command.NewDispatcher(registry, logger.With("component", "dispatcher"), observers...)

	// Agent listener: every path upgrades.
	agentMux := http.NewServeMux()
	agentMux.HandleFunc("/", gw.handleAgentWS)
	gw.agentServer = &http.Server{
		Addr:              cfg.Server.AgentAddr,
		Handler:           agentMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// HTTP listener: health, metrics, and the producer API.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	if gw.metrics != nil {
		mux.Handle(cfg.Metrics.Path, gw.metrics.handler())
	}
	gw.registerHTTPAPIRoutes(mux, verifier, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerHTTPAPIRoutes registers producer routes, behind JWT auth when a verifier is configured.
func (g *Gateway) registerHTTPAPIRoutes(mux *http.ServeMux, verifier *auth.JWTVerifier, logger *slog.Logger) {
	routes := map[string]http.HandlerFunc{
		"/api/commands":   g.handleCommand,
		"/api/agents":     g.handleListAgents,
		"/api/dispatches": g.handleDispatches,
		"/api/events":     g.handleEvents,
		"/send-files":     g.handleSendFiles,
	}

	if verifier == nil {
		for path, h := range routes {
			mux.Handle(path, h)
		}
		logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return
	}

	authMiddleware := auth.HTTPAuthMiddleware(verifier, logger.With("component", "auth"))
	for path, h := range routes {
		mux.Handle(path, authMiddleware(h))
	}
	logger.Info("HTTP auth middleware enabled")
}

// setupTCPListeners creates standard TCP listeners for agents and HTTP.
func (g *Gateway) setupTCPListeners() (agentLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"agent_addr", g.config.Server.AgentAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	agentLn, err = net.Listen("tcp", g.config.Server.AgentAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on agent address: %w", err)
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		_ = agentLn.Close()
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return agentLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.AgentAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.agent_addr and server.http_addr are ignored when tailscale is enabled",
			"agent_addr", g.config.Server.AgentAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the agent and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(agentLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("agent listener ready", "addr", agentLn.Addr().String())
		if err := g.agentServer.Serve(agentLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("agent server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the gateway servers and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	agentListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(agentListener, httpListener)
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
	return filepath.Join(homeDir, ".local", "share", "relay", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for agents and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (agentLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	agentLn, err = g.tsnetServer.Listen("tcp", tailscaleAgentPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale agent port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = agentLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return agentLn, httpLn, nil
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

// createTailscaleHTTPListener creates the HTTP API listener: funnel, tailnet HTTPS, or plain :80.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Live agent connections are closed and unbound; the audit queue is
// flushed before the store closes.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "agent listener shutdown", g.agentServer.Shutdown(ctx))

	// Hijacked WebSocket connections are not tracked by http.Server.
	g.closeSessions(ctx.Done())

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.auditor.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is bound.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
