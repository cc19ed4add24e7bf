// kanmon-worker runs the expiration sweep as a standalone process, for
// deployments that keep the API instances sweep-free
// (KANMON_WORKER_ENABLED=false on the API side).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kanmon-dev/kanmon/internal/config"
	"github.com/kanmon-dev/kanmon/internal/events"
	"github.com/kanmon-dev/kanmon/internal/observability"
	"github.com/kanmon-dev/kanmon/internal/storage"
	"github.com/kanmon-dev/kanmon/internal/telemetry"
	"github.com/kanmon-dev/kanmon/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("KANMON_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("kanmon-worker starting", "version", version, "interval", cfg.WorkerInterval)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName+"-worker", version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())

	pubs := []events.Publisher{events.NewLogPublisher(logger)}
	if db.HasNotifyConn() {
		pubs = append(pubs, events.NewNotifyPublisher(db, storage.ChannelDecisions))
	}
	metrics := observability.New()
	publisher := observability.InstrumentPublisher(
		events.NewCompositePublisher(logger, pubs...), metrics)

	w := worker.NewExpiration(db, publisher, cfg.WorkerInterval, logger, metrics)
	w.Start(ctx)

	<-ctx.Done()
	w.Stop()
	logger.Info("kanmon-worker stopped")
	return nil
}
