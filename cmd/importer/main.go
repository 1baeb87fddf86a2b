package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/broker"
	"github.com/Guizzs26/erp-table-sync/internal/config"
	"github.com/Guizzs26/erp-table-sync/internal/db"
	"github.com/Guizzs26/erp-table-sync/internal/processor"
	"github.com/Guizzs26/erp-table-sync/internal/service"
	"github.com/Guizzs26/erp-table-sync/pkg/infra"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// importer consumes CSV and manual row batches from RabbitMQ and runs them through the
// same executor as the daemon. Binary columns are not fetched for imported rows.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔥 Importer initializing...", "queue", cfg.ImportQueue)

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	if err := postgres.Migrate(ctx); err != nil {
		logger.Error("CRITICAL: control schema migration failed", "error", err)
		os.Exit(1)
	}

	link := broker.NewLink(cfg.RabbitMQURL, logger)
	defer link.Close()
	go link.Run(ctx)

	notifier := service.NewEventNotifier(link, logger)
	executor := service.NewExecutor(postgres, cfg.BatchSize, logger)
	runner := service.NewRunner(postgres, nil, executor, service.NewReconciler(postgres, logger), notifier, logger)
	handler := processor.NewImportHandler(runner, postgres, logger)

	go startObservabilityServer(cfg.ImporterHTTPAddr, postgres, logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)
	connected := false

	for {
		consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, cfg.ImportQueue, handler, logger)
		if err != nil {
			logger.Error("RabbitMQ connection failed, retrying...", "attempt", connBackoff.Attempts()+1, "error", err)
			if !connBackoff.Wait(ctx) {
				logger.Info("🛑 Shutdown signal received before connection")
				return
			}
			continue
		}

		if connected {
			metrics.RabbitMQReconnections.Inc()
		}
		connected = true
		connBackoff.Reset()
		logger.Info("✅ Connected to Broker. Listening for imports...")

		if err := consumer.Listen(ctx); err != nil {
			logger.Error("⚠️ Consumer connection lost", "error", err)
		}
		consumer.Close()

		if ctx.Err() != nil {
			logger.Info("✅ Importer shut down successfully")
			return
		}
	}
}

func startObservabilityServer(addr string, postgres *db.PostgresRepository, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := postgres.Ping(r.Context()); err != nil {
			http.Error(w, "POSTGRES UNREACHABLE", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("IMPORTER ALIVE"))
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("📊 Observability server online", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
