// ABOUTME: Gateway orchestrator composing registry, dispatcher, sessions, and broadcaster
// ABOUTME: Accepts websocket connections, runs the handshake, and manages server lifecycle

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
	"sync/atomic"
	"time"

	"tailscale.com/tsnet"

	"github.com/2389/hearth-gateway/internal/agent"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/config"
	"github.com/2389/hearth-gateway/internal/events"
	"github.com/2389/hearth-gateway/internal/rpc"
	"github.com/2389/hearth-gateway/internal/session"
	"github.com/2389/hearth-gateway/internal/store"
)

// Compactor performs session compaction work. Implemented externally;
// nil means compaction requests succeed as no-ops.
type Compactor interface {
	Compact(ctx context.Context, s *session.Session) error
}

// Options carries the external collaborators wired into a Gateway.
// Every field may be nil; the corresponding feature degrades gracefully.
type Options struct {
	Runtime   agent.Runtime
	Tools     agent.ToolRegistry
	Channels  agent.ChannelRegistry
	Compactor Compactor
	Watcher   config.Watcher
	Logger    *slog.Logger
}

// Gateway composes the control-plane components and owns their lifecycle.
type Gateway struct {
	cfg   atomic.Pointer[config.Config]
	epoch atomic.Int64

	store       *store.SQLiteStore
	sessions    *session.Manager
	broadcaster *events.Broadcaster
	registry    *rpc.Registry
	dispatcher  *rpc.Dispatcher
	gate        atomic.Pointer[auth.Gate]
	verifier    *auth.JWTVerifier
	pairing     *auth.PairingManager
	agents      *agent.Manager
	conns       *ConnRegistry
	compactor   Compactor
	watcher     config.Watcher

	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	serverID  string
	startedAt time.Time
}

// New creates a Gateway from configuration and collaborators.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewSQLiteStore(resolveDBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g := &Gateway{
		store:     s,
		compactor: opts.Compactor,
		watcher:   opts.Watcher,
		logger:    logger.With("component", "gateway"),
		serverID:  generateServerID(),
		startedAt: time.Now(),
	}
	g.cfg.Store(cfg)

	g.conns = NewConnRegistry(logger)
	g.broadcaster = events.NewBroadcaster(cfg.Limits.SlowConsumerGrace, g.onSlowConsumer, logger)
	pub := &ledgerPublisher{broadcaster: g.broadcaster, store: s, logger: logger.With("component", "ledger")}

	g.sessions = session.NewManager(s, pub, logger)
	if err := g.sessions.Restore(context.Background()); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	} else {
		logger.Warn("pairing disabled - no jwt_secret configured")
	}

	profiles, err := loadProfiles(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	g.gate.Store(auth.NewGate(cfg.Auth.Secret, profiles, g.verifier, s, logger))
	if g.verifier != nil {
		g.pairing = auth.NewPairingManager(cfg.Auth.PairingExpiry, cfg.Auth.PairingCodeLength, g.verifier, s, logger)
	}

	g.agents = agent.NewManager(opts.Runtime, opts.Tools, opts.Channels, g.sessions, pub, logger)

	g.registry = rpc.NewRegistry()
	if err := g.registerMethods(); err != nil {
		s.Close()
		return nil, fmt.Errorf("registering methods: %w", err)
	}
	g.registry.Freeze()
	g.dispatcher = rpc.NewDispatcher(g.registry, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/ws", g.handleWS)

	g.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// loadProfiles reads the optional client profiles file.
func loadProfiles(cfg *config.Config, logger *slog.Logger) (map[string]config.Profile, error) {
	if cfg.Auth.ProfilesPath == "" {
		return map[string]config.Profile{}, nil
	}
	profiles, err := config.LoadProfiles(cfg.Auth.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("loading profiles: %w", err)
	}
	logger.Info("client profiles loaded", "count", len(profiles), "path", cfg.Auth.ProfilesPath)
	return profiles, nil
}

func resolveDBPath(cfg *config.Config) string {
	if envPath := os.Getenv("HEARTH_DB_PATH"); envPath != "" {
		return envPath
	}
	return cfg.Database.Path
}

// Config returns the current config epoch's configuration.
func (g *Gateway) Config() *config.Config { return g.cfg.Load() }

// Reconfigure validates and applies a new configuration as a fresh
// epoch. Changes that require re-binding listeners, re-opening the
// store, or re-signing device tokens are rejected with reasons instead
// of restarting the process; everything else is applied live (including
// a rebuilt auth gate with the new secret and profiles) and announced
// with a config.reloaded event on the system topic.
func (g *Gateway) Reconfigure(next *config.Config) error {
	if next == nil {
		return errors.New("nil config")
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("rejecting config: %w", err)
	}

	current := g.cfg.Load()
	var reasons []string
	if next.Server.Addr != current.Server.Addr {
		reasons = append(reasons, "server.addr requires a listener restart")
	}
	if next.Tailscale != current.Tailscale {
		reasons = append(reasons, "tailscale settings require a listener restart")
	}
	if next.Database.Path != current.Database.Path {
		reasons = append(reasons, "database.path requires a store restart")
	}
	if next.Auth.JWTSecret != current.Auth.JWTSecret {
		reasons = append(reasons, "auth.jwt_secret requires a restart: minted device tokens are bound to it")
	}
	if len(reasons) > 0 {
		return fmt.Errorf("rejecting config: %v", reasons)
	}

	profiles, err := loadProfiles(next, g.logger)
	if err != nil {
		return fmt.Errorf("rejecting config: %w", err)
	}

	g.cfg.Store(next)
	epoch := g.epoch.Add(1)
	g.broadcaster.SetGrace(next.Limits.SlowConsumerGrace)
	g.gate.Store(auth.NewGate(next.Auth.Secret, profiles, g.verifier, g.store, g.logger))
	if g.pairing != nil {
		g.pairing.SetPolicy(next.Auth.PairingExpiry, next.Auth.PairingCodeLength)
	}

	g.logger.Info("config applied", "epoch", epoch, "fingerprint", next.Fingerprint())
	g.broadcaster.Publish("system", "config.reloaded", map[string]any{
		"epoch":      epoch,
		"configHash": next.Fingerprint(),
	})
	return nil
}

// Run starts the gateway and blocks until the context is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go g.idleSweep(sweepCtx)

	if g.watcher != nil {
		go func() {
			if err := g.watcher.Watch(g.Reconfigure); err != nil {
				g.logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

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

// setupListener creates a TCP or tsnet listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	cfg := g.cfg.Load()
	if cfg.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx, cfg.Tailscale)
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.Server.Addr, err)
	}
	return ln, nil
}

// setupTailscaleListener starts a tsnet node and listens on it.
func (g *Gateway) setupTailscaleListener(ctx context.Context, tsCfg config.TailscaleConfig) (net.Listener, error) {
	stateDir := tsCfg.StateDir
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
		}
		stateDir = filepath.Join(homeDir, ".local", "share", "hearth-gateway", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := tsCfg.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return nil, errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir)
	if _, err := g.tsnetServer.Up(ctx); err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale port: %w", err)
	}
	return ln, nil
}

// idleSweep periodically moves inactive sessions from Active to Idle.
func (g *Gateway) idleSweep(ctx context.Context) {
	interval := g.cfg.Load().Limits.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-g.cfg.Load().Limits.IdleTimeout)
			if n := g.sessions.MarkIdle(ctx, cutoff); n > 0 {
				g.logger.Debug("sessions marked idle", "count", n)
			}
		}
	}
}

// gracefulShutdown stops the server with a fresh context since the run
// context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	if g.watcher != nil {
		g.watcher.Stop()
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	for _, c := range g.conns.All() {
		g.Disconnect(c.ID(), "server shutting down")
	}

	g.agents.Close()
	if g.pairing != nil {
		g.pairing.Close()
	}
	g.broadcaster.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// Disconnect removes a connection from the registry and all topics and
// closes its socket. Safe to call multiple times.
func (g *Gateway) Disconnect(connID, reason string) {
	g.broadcaster.DropConnection(connID)
	c, ok := g.conns.Remove(connID)
	if !ok {
		return
	}
	c.close()
	g.logger.Info("connection disconnected", "conn_id", connID, "reason", reason)
	g.broadcaster.Publish("connections", "connection.closed", map[string]any{
		"connId": connID,
		"reason": reason,
	})
}

// onSlowConsumer is the broadcaster's drop callback.
func (g *Gateway) onSlowConsumer(connID, topic string) {
	c, ok := g.conns.Remove(connID)
	if ok {
		c.closeWithStatus(4008, "slow consumer")
	}
	g.logger.Warn("slow consumer disconnected", "conn_id", connID, "topic", topic)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness with connection and session counts.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections, %d sessions)",
		g.conns.Count(), len(g.sessions.List(r.Context())))
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("hearth-gateway-%d", time.Now().UnixNano()%1000000)
}
