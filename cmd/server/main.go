/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the referral engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (optional), then config file and environment
  2. Initialize the store (SQLite, or in-memory for demos)
  3. Seed the first reward config when none exists
  4. Start the fanout dispatcher (local registry or Kafka relay)
  5. Start the reconciliation scheduler
  6. Configure HTTP router and start the server

CONFIGURATION:
  REFERRAL_CONFIG_PATH  Optional YAML file; environment variables win.
  See config/config.go for every key and its default.

FANOUT MODES:
  local  The dispatcher delivers committed events straight to this
         process's websocket sessions. One process per database.
  kafka  The dispatcher publishes to a topic; every process consumes it
         in its own group and delivers to its own sessions.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop scheduler, dispatcher and consumer
  4. Close database connection

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/referral-engine/api"
	"github.com/warp/referral-engine/config"
	"github.com/warp/referral-engine/fanout"
	"github.com/warp/referral-engine/ledger"
	"github.com/warp/referral-engine/metrics"
	"github.com/warp/referral-engine/pipeline"
	"github.com/warp/referral-engine/projection"
	"github.com/warp/referral-engine/relay"
	"github.com/warp/referral-engine/rewards"
	"github.com/warp/referral-engine/store/memory"
	"github.com/warp/referral-engine/store/sqlite"
)

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	logger := config.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Fanout
	registry := fanout.NewRegistry(m, logger)
	var sink fanout.Sink = registry
	var consumer *relay.Consumer
	if cfg.Fanout.Mode == config.FanoutKafka {
		publisher := relay.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		sink = publisher

		host, _ := os.Hostname()
		consumer = relay.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupPrefix+"-"+host, registry, m, logger)
	}
	dispatcher := fanout.NewDispatcher(store, sink, m, logger)
	dispatcher.PollInterval = cfg.Fanout.PollInterval
	dispatcher.BatchSize = cfg.Fanout.BatchSize
	if err := dispatcher.Prime(ctx); err != nil {
		return err
	}

	// Domain services
	bonus, sale, err := cfg.Commission.Amounts()
	if err != nil {
		return err
	}
	retry := cfg.Retry.Policy()

	evaluator := rewards.NewEvaluator(time.Now, m, logger)
	machine := pipeline.NewMachine(store, evaluator, pipeline.Commission{
		ReferralBonus:  bonus,
		SaleCommission: sale,
	}, dispatcher, m, logger)
	machine.Retry = retry

	configs := rewards.NewConfigService(store, dispatcher, m, logger)
	configs.Retry = retry
	if seeded, created, err := configs.EnsureDefault(ctx, cfg.Reward.ReferralsRequired, cfg.Reward.SalesRequired); err != nil {
		return err
	} else if created {
		logger.Info("seeded reward config", "version", seeded.Version)
	}

	reconciler := rewards.NewReconciler(store, evaluator, dispatcher, logger)
	reconciler.Retry = retry
	scheduler := api.NewReconciliationScheduler(reconciler, logger)
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Enabled = cfg.Reconcile.Enabled

	handler := api.NewHandler(api.Services{
		Machine:    machine,
		Configs:    configs,
		Reconciler: reconciler,
		Views:      projection.NewService(store, time.Now),
		Registry:   registry,
		DB:         store,
	}, m, logger)
	handler.Scheduler = scheduler
	handler.SessionBuffer = cfg.Fanout.SessionBuffer

	// Background workers
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped", "error", err)
			}
		}()
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, cfg.HTTP.AllowedOrigins),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr, "fanout", cfg.Fanout.Mode, "db", cfg.DB.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// backend is what every storage driver provides.
type backend interface {
	ledger.TxStore
	ledger.Queries
	Ping(ctx context.Context) error
	Close() error
}

func openStore(cfg config.DB) (backend, error) {
	if cfg.Driver == config.DriverMemory {
		return memory.New(), nil
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}
	return sqlite.Open(cfg.Path, sqlite.Options{BusyTimeout: cfg.BusyTimeout})
}
