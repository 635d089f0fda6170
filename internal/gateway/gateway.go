// ABOUTME: Gateway orchestrator that wires the registry, executor, queue bridge and HTTP server
// ABOUTME: Manages store selection, background loops and graceful shutdown

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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/job"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/policy"
	"github.com/2389/coven-dispatch/internal/queue"
	"github.com/2389/coven-dispatch/internal/status"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/store/postgres"
)

const (
	shutdownTimeout = 5 * time.Second
	idempotencySize = 10_000
)

// Gateway owns every dispatch component for one process.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store    store.Store
	agents   *agent.Registry
	records  *job.RecordStore
	bus      *status.Bus
	executor *job.Executor
	reaper   *agent.Reaper
	secret   *auth.SharedSecret

	// queue and bridge are nil when queue.driver is none
	queue  queue.Queue
	bridge *queue.Bridge

	// idempotency maps Idempotency-Key headers to job ids
	idempotency *dedupe.Cache

	watcher     *config.Watcher
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// streams is canceled when HTTP shutdown begins so SSE handlers return
	streams     context.Context
	stopStreams context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// initStore opens the durable store selected by database.driver.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverSQLite:
		dbPath := cfg.Database.Path
		if dbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		s, err := store.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		return s, nil
	default:
		return store.NopStore{}, nil
	}
}

// initQueue connects the external queue selected by queue.driver.
func initQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Queue, error) {
	qc := cfg.Queue
	switch qc.Driver {
	case config.QueueMemory:
		return queue.NewMemoryQueue(qc.VisibilityTimeout), nil
	case config.QueueSQS:
		return queue.NewSQSQueue(ctx, queue.SQSConfig{
			QueueURL: qc.SQS.QueueURL,
			Region:   qc.SQS.Region,
			Endpoint: qc.SQS.Endpoint,
		})
	case config.QueueNATS:
		return queue.NewNATSQueue(ctx, queue.NATSConfig{
			URL:      qc.NATS.URL,
			Stream:   qc.NATS.Stream,
			Subject:  qc.NATS.Subject,
			Consumer: qc.NATS.Consumer,
			AckWait:  qc.NATS.AckWait,
		}, logger)
	default:
		return nil, nil
	}
}

// New creates a Gateway from cfg, restoring agents and jobs from the durable store.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := policy.LoadFile(ctx, cfg.Policy.Path)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("loading proof policy: %w", err)
	}

	q, err := initQueue(ctx, cfg, logger.With("component", "queue"))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connecting queue: %w", err)
	}

	var sink notify.Sink
	if cfg.Webhook.URL != "" {
		sink = notify.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Room, cfg.Webhook.Timeout)
		logger.Info("webhook sink enabled", "url", cfg.Webhook.URL, "room", cfg.Webhook.Room)
	}

	registry := agent.NewRegistry(s, logger)
	records := job.NewRecordStore(s, logger)
	bus := status.NewBus(cfg.Jobs.HistorySize, logger)
	handlers := job.DefaultHandlers(job.Delays{
		Generate: cfg.Jobs.Delays.Generate,
		Proof:    cfg.Jobs.Delays.Proof,
		Schedule: cfg.Jobs.Delays.Schedule,
	}, engine)

	opts := job.Options{
		Records:  records,
		Bus:      bus,
		Agents:   registry,
		Handlers: handlers,
		Store:    s,
		Sink:     sink,
		Workers:  cfg.Jobs.Workers,
		Timeout:  cfg.Jobs.Timeout,
		Logger:   logger,
	}
	if q != nil {
		opts.Dispatcher = queue.NewDispatcher(q)
	}
	executor := job.NewExecutor(opts)

	streams, stopStreams := context.WithCancel(context.Background())
	g := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       s,
		agents:      registry,
		records:     records,
		bus:         bus,
		executor:    executor,
		reaper:      agent.NewReaper(registry, cfg.Agents.HeartbeatTimeout, cfg.Agents.ReapInterval, logger),
		secret:      auth.NewSharedSecret(cfg.Auth.Token),
		queue:       q,
		idempotency: dedupe.New(cfg.Jobs.IdempotencyTTL, idempotencySize),
		streams:     streams,
		stopStreams: stopStreams,
	}
	if q != nil {
		g.bridge = queue.NewBridge(queue.BridgeOptions{
			Queue:        q,
			Runner:       executor,
			PollInterval: cfg.Queue.PollInterval,
			BatchSize:    cfg.Queue.BatchSize,
			WaitTime:     cfg.Queue.WaitTime,
			Logger:       logger,
		})
		g.logger.Info("queue bridge enabled", "driver", cfg.Queue.Driver)
	}

	if n, err := registry.Restore(ctx); err != nil {
		g.logger.Warn("failed to restore agents", "error", err)
	} else if n > 0 {
		g.logger.Info("restored agents", "count", n)
	}
	if err := executor.Recover(ctx); err != nil {
		g.logger.Warn("failed to recover jobs", "error", err)
	}

	if !g.secret.Enabled() {
		g.logger.Warn("HTTP auth disabled - no auth.token configured")
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer.RegisterOnShutdown(g.stopStreams)
	return g, nil
}

// WatchConfig reloads the shared secret whenever the file at path changes.
// Other settings take effect on restart.
func (g *Gateway) WatchConfig(path string) error {
	w, err := config.NewWatcher(path, g.applyConfig, g.logger)
	if err != nil {
		return err
	}
	g.watcher = w
	return nil
}

func (g *Gateway) applyConfig(cfg *config.Config) {
	g.secret.SetToken(cfg.Auth.Token)
	g.logger.Info("configuration reloaded", "auth_enabled", g.secret.Enabled())
}

// setupTCPListener creates a standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
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
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves HTTP and runs the queue bridge, reaper and config watcher until
// ctx is canceled or one of them fails. Resources are released before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		_ = g.Close()
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	})
	if g.bridge != nil {
		eg.Go(func() error { return g.bridge.Run(egCtx) })
	}
	if g.reaper.Enabled() {
		eg.Go(func() error { return g.reaper.Run(egCtx) })
	}
	if g.watcher != nil {
		eg.Go(func() error { return g.watcher.Run(egCtx) })
	}

	serverErr := eg.Wait()
	if serverErr != nil {
		g.logger.Error("server error", "error", serverErr)
	}
	closeErr := g.Close()
	if serverErr != nil {
		return serverErr
	}
	return closeErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DefaultDataDir(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on :80, or on :443 through Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
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
	st, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, st)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, st *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(st.TailscaleIPs) > 0 {
		tsAddr = st.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if st.Self != nil {
		dnsName = st.Self.DNSName
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

// Close stops the executor, then releases the queue, bus, tailscale node and
// store. Running jobs are failed as interrupted before the store closes.
// It is safe to call more than once.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.logger.Info("shutting down gateway")

		g.stopStreams()
		g.executor.Close()

		var errs []error
		if g.queue != nil {
			errs = appendCloseError(errs, "queue close", g.queue.Close())
		}
		g.bus.Close()
		g.idempotency.Close()
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
		g.closeErr = errors.Join(errs...)
	})
	return g.closeErr
}

// Shutdown stops the HTTP server, waiting for in-flight requests until ctx
// expires, then releases every component.
func (g *Gateway) Shutdown(ctx context.Context) error {
	httpErr := g.httpServer.Shutdown(ctx)
	closeErr := g.Close()
	if httpErr != nil {
		return fmt.Errorf("HTTP shutdown: %w", httpErr)
	}
	return closeErr
}
