// Package kanmon is the public API for embedding the Kanmon decision
// gate server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kanmon.New(
//	    kanmon.WithVersion(version),
//	    kanmon.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kanmon (root)
// imports internal/*, but internal/* never imports kanmon (root).
package kanmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kanmon-dev/kanmon/api"
	"github.com/kanmon-dev/kanmon/internal/auth"
	"github.com/kanmon-dev/kanmon/internal/config"
	"github.com/kanmon-dev/kanmon/internal/events"
	"github.com/kanmon-dev/kanmon/internal/observability"
	"github.com/kanmon-dev/kanmon/internal/policy"
	"github.com/kanmon-dev/kanmon/internal/ratelimit"
	"github.com/kanmon-dev/kanmon/internal/server"
	"github.com/kanmon-dev/kanmon/internal/service/gate"
	"github.com/kanmon-dev/kanmon/internal/storage"
	"github.com/kanmon-dev/kanmon/internal/telemetry"
	"github.com/kanmon-dev/kanmon/internal/worker"
	"github.com/kanmon-dev/kanmon/migrations"
)

// App is the Kanmon server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	srv          *server.Server
	broker       *server.Broker // nil when no notify connection
	expiration   *worker.Expiration
	limiter      ratelimit.Limiter
	mutLimiter   ratelimit.Limiter
	metrics      *observability.Metrics
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kanmon server. It connects to the database, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.policyPath != "" {
		cfg.PolicyPath = o.policyPath
	}
	if o.workerDisabled {
		cfg.WorkerEnabled = false
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kanmon starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	// Run migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate
	// real failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Create JWT manager.
	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("auth: %w", err)
	}

	// Prometheus metrics.
	metrics := observability.New()

	// Policy source: a bad or missing file logs and falls back to the
	// built-in default policy rather than refusing to start.
	policies := policy.NewSource(cfg.PolicyPath, logger)

	// Event publishers: always log, NOTIFY when a direct connection
	// exists, extras appended last. All wrapped for publish metrics.
	pubs := []events.Publisher{events.NewLogPublisher(logger)}
	if db.HasNotifyConn() {
		pubs = append(pubs, events.NewNotifyPublisher(db, storage.ChannelDecisions))
	}
	pubs = append(pubs, o.extraPublishers...)
	publisher := observability.InstrumentPublisher(
		events.NewCompositePublisher(logger, pubs...), metrics)

	// Gate service.
	gateSvc := gate.New(db, policies, publisher, logger)

	// Expiration worker.
	var expiration *worker.Expiration
	if cfg.WorkerEnabled {
		expiration = worker.NewExpiration(db, publisher, cfg.WorkerInterval, logger, metrics)
	} else {
		logger.Info("expiration worker: disabled")
	}

	// SSE broker (requires LISTEN/NOTIFY connection).
	var broker *server.Broker
	if db.HasNotifyConn() {
		broker = server.NewBroker(db, logger, metrics, cfg.EventBufferSize)
	} else {
		logger.Info("SSE broker: disabled (no notify connection)")
	}

	// Rate limiters: token issuance per IP, mutations per org.
	var limiter ratelimit.Limiter
	if cfg.TokenRatePerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(
			float64(cfg.TokenRatePerMinute)/60.0, cfg.TokenRatePerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("token rate limiting: disabled")
	}
	var mutLimiter ratelimit.Limiter
	if cfg.MutationRatePerMinute > 0 {
		mutLimiter = ratelimit.NewMemoryLimiter(
			float64(cfg.MutationRatePerMinute)/60.0, cfg.MutationRatePerMinute)
	} else {
		mutLimiter = ratelimit.NoopLimiter{}
		logger.Info("mutation rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		DB:                  db,
		JWTMgr:              jwtMgr,
		GateSvc:             gateSvc,
		Broker:              broker,
		Limiter:             limiter,
		MutationLimiter:     mutLimiter,
		Metrics:             metrics,
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		AdminAPIKey:         cfg.AdminAPIKey,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		db:           db,
		srv:          srv,
		broker:       broker,
		expiration:   expiration,
		limiter:      limiter,
		mutLimiter:   mutLimiter,
		metrics:      metrics,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Handler returns the root HTTP handler, for embedding or tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts all subsystems and blocks until ctx is cancelled or the
// HTTP server fails. It always releases resources before returning.
func (a *App) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	if a.broker != nil {
		g.Go(func() error {
			a.broker.Start(runCtx)
			return nil
		})
	}
	if a.expiration != nil {
		a.expiration.Start(runCtx)
	}

	errCh := make(chan error, 1)
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return err
		}
		return nil
	})

	select {
	case <-runCtx.Done():
	case err := <-errCh:
		a.shutdown()
		return err
	}

	a.shutdown()
	_ = g.Wait()
	return nil
}

// shutdown stops subsystems in dependency order: stop accepting HTTP
// requests and drain in-flight ones, stop the expiration worker (it may
// still be publishing), then close the database and flush telemetry.
func (a *App) shutdown() {
	a.logger.Info("kanmon shutting down")

	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	if a.expiration != nil {
		a.expiration.Stop()
	}
	_ = a.limiter.Close()
	_ = a.mutLimiter.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a.db.Close(closeCtx)
	if err := a.otelShutdown(closeCtx); err != nil {
		a.logger.Warn("telemetry shutdown error", "error", err)
	}
	cancel()

	a.logger.Info("kanmon stopped")
}
