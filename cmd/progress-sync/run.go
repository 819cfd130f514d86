package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/wolfeidau/progress-sync/agent"
	"github.com/wolfeidau/progress-sync/credentials"
	"github.com/wolfeidau/progress-sync/intercept"
	"github.com/wolfeidau/progress-sync/netstatus"
	"github.com/wolfeidau/progress-sync/queue"
	"github.com/wolfeidau/progress-sync/reconcile"
	"github.com/wolfeidau/progress-sync/refresh"
	"github.com/wolfeidau/progress-sync/remote"
	"github.com/wolfeidau/progress-sync/router"
	"github.com/wolfeidau/progress-sync/server"
	"github.com/wolfeidau/progress-sync/snapshot"
	"github.com/wolfeidau/progress-sync/store"
	"github.com/wolfeidau/progress-sync/syncstate"
	"github.com/wolfeidau/progress-sync/telemetry"
)

// RunCmd runs the sync host.
type RunCmd struct {
	Listen   string `help:"Address to listen on." default:":8080" env:"PROGRESS_SYNC_LISTEN"`
	Upstream string `help:"Remote progress API URL." default:"${upstream}" env:"PROGRESS_SYNC_UPSTREAM"`
	DataDir  string `help:"Directory holding the local database." default:"./data" env:"PROGRESS_SYNC_DATA_DIR" type:"path"`
	Routes   string `help:"YAML route table replacing the built-in one." env:"PROGRESS_SYNC_ROUTES" type:"existingfile" optional:""`

	Credentials string `help:"Templated JSON credentials file." env:"PROGRESS_SYNC_CREDENTIALS" type:"existingfile" optional:""`
	OnePassword bool   `name:"op" help:"Enable the op template function (1Password CLI) in the credentials file."`
	Identity    string `help:"Account the local data belongs to; overrides the credentials file." env:"PROGRESS_SYNC_IDENTITY"`

	Quota      int64 `help:"Per-namespace storage quota in bytes." default:"5242880" env:"PROGRESS_SYNC_QUOTA"`
	QueueQuota int64 `help:"Storage quota of the sync queue in bytes; 0 uses --quota." default:"0" env:"PROGRESS_SYNC_QUEUE_QUOTA"`

	ProbeURL      string        `help:"URL probed for connectivity; defaults to the upstream health endpoint." env:"PROGRESS_SYNC_PROBE_URL"`
	ProbeInterval time.Duration `help:"Connectivity probe interval." default:"30s" env:"PROGRESS_SYNC_PROBE_INTERVAL"`
	Debounce      time.Duration `help:"How long a connectivity change must hold before it is acted on." default:"2s" env:"PROGRESS_SYNC_DEBOUNCE"`

	MaxAttempts    int           `help:"Transient failures tolerated per queued write." default:"5" env:"PROGRESS_SYNC_MAX_ATTEMPTS"`
	Concurrency    int           `help:"Resources sent concurrently while draining." default:"4" env:"PROGRESS_SYNC_CONCURRENCY"`
	MaxBackoff     time.Duration `help:"Upper bound of the retry delay." default:"5m" env:"PROGRESS_SYNC_MAX_BACKOFF"`
	ReapInterval   time.Duration `help:"How often expired cache entries are removed." default:"5m" env:"PROGRESS_SYNC_REAP_INTERVAL"`
	Prometheus     bool          `help:"Serve Prometheus metrics on /metrics." default:"true" negatable:"" env:"PROGRESS_SYNC_PROMETHEUS"`
	OTLPEndpoint   string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ShutdownWindow time.Duration `help:"Grace period for in-flight requests on shutdown." default:"10s"`
}

func (c *RunCmd) Run(g *Globals) error {
	logger := g.logger
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	creds, err := c.resolveCredentials(ctx, logger)
	if err != nil {
		return err
	}
	upstream := c.Upstream
	apiToken := ""
	if creds.API != nil {
		if creds.API.BaseURL != "" {
			upstream = creds.API.BaseURL
		}
		apiToken = creds.API.Token
	}
	identity := c.Identity
	if identity == "" {
		identity = creds.Identity()
	}

	upstreamURL, err := url.Parse(upstream)
	if err != nil {
		return fmt.Errorf("parsing upstream URL: %w", err)
	}

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "progress-sync",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(sctx)
	}()

	table := router.DefaultTable()
	if c.Routes != "" {
		if table, err = router.LoadTableFile(c.Routes); err != nil {
			return err
		}
	}
	rt, err := router.New(table)
	if err != nil {
		return fmt.Errorf("compiling route table: %w", err)
	}

	// Storage
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	storeOpts := []store.Option{
		store.WithLogger(logger),
		store.WithDefaultQuota(c.Quota),
	}
	if c.QueueQuota > 0 {
		storeOpts = append(storeOpts, store.WithQuota(queue.Namespace, c.QueueQuota))
	}
	bs := store.New(storeOpts...)
	if err := bs.Open(filepath.Join(c.DataDir, "progress-sync.db")); err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = bs.Close() }()

	q, err := queue.Open(ctx, bs, queue.WithLogger(logger))
	if err != nil {
		return err
	}
	snaps := snapshot.New(bs, snapshot.WithLogger(logger))
	state, err := syncstate.Load(ctx, bs, syncstate.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := adoptIdentity(ctx, logger, bs, q, state, identity); err != nil {
		return err
	}

	// Connectivity
	probeURL := c.ProbeURL
	if probeURL == "" {
		probeURL = strings.TrimSuffix(upstream, "/") + "/health"
	}
	monitor := netstatus.New(netstatus.Config{
		ProbeURL:        probeURL,
		ProbeInterval:   c.ProbeInterval,
		Debounce:        c.Debounce,
		InitiallyOnline: state.State().Online,
		Logger:          logger,
	})
	defer monitor.Close()

	// API traffic doubles as connectivity samples between probes.
	apiTransport := telemetry.NewInstrumentedTransport(nil, "api", telemetry.WithObserver(monitor.Observe))
	api := remote.New(
		remote.WithBaseURL(upstream),
		remote.WithBearerToken(apiToken),
		remote.WithHTTPClient(&http.Client{Transport: apiTransport}),
	)

	a, err := agent.New(agent.Config{
		Store:     bs,
		Queue:     q,
		Snapshots: snaps,
		State:     state,
		Monitor:   monitor,
		Remote:    api,
		Reconcile: reconcile.Config{
			MaxAttempts: c.MaxAttempts,
			Concurrency: c.Concurrency,
			MaxBackoff:  c.MaxBackoff,
		},
		Reaper: store.NewExpiryReaper(bs,
			store.WithReaperInterval(c.ReapInterval),
			store.WithReaperLogger(logger.With("component", "reaper"))),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	client := a.Client()

	transport, err := intercept.New(intercept.Config{
		Base:      apiTransport,
		Router:    rt,
		BasePath:  upstreamURL.Path,
		Store:     bs,
		Snapshots: snaps,
		Queue:     q,
		Network:   monitor,
		Refresher: refresh.New(refresh.WithLogger(logger)),
		OnQueued: func(queue.Mutation) {
			tctx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			_ = client.Trigger(tctx)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Address:   c.Listen,
		Upstream:  upstream,
		APIToken:  apiToken,
		AuthToken: creds.AuthToken,
		Transport: transport,
		Agent:     client,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	go a.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("sync host started",
		"address", srv.Address(),
		"upstream", upstream,
		"identity", identity,
		"pending", state.State().PendingCount)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownWindow)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	transport.Wait()
	if !a.Wait(c.ShutdownWindow) {
		logger.Warn("agent did not stop in time")
	}
	return err
}

func (c *RunCmd) resolveCredentials(ctx context.Context, logger *slog.Logger) (*credentials.Credentials, error) {
	if c.Credentials == "" {
		return &credentials.Credentials{}, nil
	}
	opts := []credentials.ResolverOption{credentials.WithLogger(logger)}
	if c.OnePassword {
		opts = append(opts, credentials.WithCommand("op", "op", "read"))
	}
	creds, err := credentials.NewResolver(opts...).ResolveFile(ctx, c.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// adoptIdentity clears local data that belongs to a different account.
func adoptIdentity(ctx context.Context, logger *slog.Logger, bs *store.BoltStore, q *queue.Queue, state *syncstate.Tracker, identity string) error {
	current := state.State().Identity
	switch {
	case identity == "" || identity == current:
		return nil
	case current == "":
		return state.SetIdentity(ctx, identity)
	}

	logger.Warn("identity changed, clearing local data", "previous", current, "identity", identity)
	if err := q.Clear(ctx); err != nil {
		return err
	}
	if err := bs.Clear(ctx); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	return state.Reset(ctx, identity)
}
