// Command stepflowd hosts an Engine against a configured store and keeps
// it alive so a process can register workflow handlers and run them.
// Defining and starting actual workflows is left to callers embedding
// the stepflow library; this binary exists so the engine has somewhere
// real to run, not to ship example workflows of its own.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/nevindra/stepflow"
	"github.com/nevindra/stepflow/config"
	"github.com/nevindra/stepflow/observability"
	"github.com/nevindra/stepflow/store/postgres"
	"github.com/nevindra/stepflow/store/sqlite"
)

func main() {
	cfgPath := os.Getenv("STEPFLOW_CONFIG")
	cfg := config.Load(cfgPath)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("stepflowd: open store: %v", err)
	}
	defer closeStore()

	if err := store.Init(ctx); err != nil {
		log.Fatalf("stepflowd: init store: %v", err)
	}

	opts := []stepflow.Option{
		stepflow.WithLogger(logger),
		stepflow.WithDefaultRetry(stepflow.RetryPolicy{
			MaxAttempts:        cfg.Retry.MaxAttempts,
			BackoffMs:          cfg.Retry.BackoffMs,
			ExponentialBackoff: cfg.Retry.ExponentialBackoff,
		}),
	}

	var shutdownObserver func(context.Context) error
	if cfg.Observer.Enabled {
		if cfg.Observer.Endpoint != "" {
			_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.Endpoint)
		}
		inst, shutdown, err := observability.Init(ctx, "stepflowd")
		if err != nil {
			log.Fatalf("stepflowd: init observability: %v", err)
		}
		shutdownObserver = shutdown
		opts = append(opts, stepflow.WithTracer(observability.NewTracer()))
		_ = inst // counters are read by callers that embed this engine directly
	}

	engine := stepflow.Open(store, opts...)

	logger.Info("stepflowd: started", "driver", cfg.Store.Driver)

	go engine.WatchInterrupted(ctx, 30*time.Second)

	<-ctx.Done()
	logger.Info("stepflowd: shutting down")

	if shutdownObserver != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownObserver(shutdownCtx)
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (stepflow.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.Store.PostgresDSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	case "sqlite", "":
		s, err := sqlite.Open(cfg.Store.SQLitePath, sqlite.WithLogger(logger))
		if err != nil {
			return nil, func() {}, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		log.Fatalf("stepflowd: unknown store driver %q", cfg.Store.Driver)
		return nil, func() {}, nil
	}
}
