package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/broker"
	"github.com/Guizzs26/erp-table-sync/internal/config"
	"github.com/Guizzs26/erp-table-sync/internal/db"
	"github.com/Guizzs26/erp-table-sync/internal/handlers"
	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/scheduler"
	"github.com/Guizzs26/erp-table-sync/internal/service"
	"github.com/Guizzs26/erp-table-sync/pkg/infra"

	"github.com/gofrs/flock"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("CRITICAL: invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)
	defer infra.CloseLogger()

	// One daemon per host: two schedulers would race for the same tables
	lock := flock.New(cfg.LockFile)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		logger.Error("CRITICAL: another syncd instance holds the lock", "lock_file", cfg.LockFile, "error", err)
		os.Exit(1)
	}
	defer lock.Unlock()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("🔧 Initializing ERP table sync daemon...", "erp_driver", cfg.ERPDriver, "batch_size", cfg.BatchSize)

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

	erp, err := db.NewERPSource(cfg.ERPDriver, cfg.ERPDSN, logger)
	if err != nil {
		logger.Error("CRITICAL: ERP connection failed", "error", err)
		os.Exit(1)
	}
	defer erp.Close()

	link := broker.NewLink(cfg.RabbitMQURL, logger)
	defer link.Close()

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { link.Run(ctx) })

	// Core services
	notifier := service.NewEventNotifier(link, logger)
	executor := service.NewExecutor(postgres, cfg.BatchSize, logger).
		WithBinaryFetcher(service.NewBlobCopier(erp, postgres))
	reconciler := service.NewReconciler(postgres, logger)
	monitor := service.NewMonitor(postgres, cfg.LongRunningThreshold, notifier, logger)
	runner := service.NewRunner(postgres, erp, executor, reconciler, notifier, logger)
	schema := service.NewSchemaManager(postgres, logger)

	spawn(func() { monitor.RunJanitor(ctx, cfg.MaintenanceInterval) })

	trigger := func(ctx context.Context, tableID int64) error {
		_, err := runner.RunTable(ctx, tableID, models.SyncTypeScheduled)
		return err
	}
	sched := scheduler.New(postgres, trigger, cfg.CheckInterval, cfg.Location(), logger)
	spawn(func() { sched.Run(ctx) })

	api := handlers.NewAPI(ctx, handlers.Deps{
		Monitor:   monitor,
		Trigger:   runner,
		Repairer:  reconciler,
		Schema:    schema,
		Schedules: postgres,
		Location:  cfg.Location(),
		Checks: map[string]handlers.HealthCheck{
			"postgres": postgres.Ping,
			"erp":      erp.Ping,
			"rabbitmq": link.Check,
		},
	}, logger)

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api.Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	spawn(func() {
		logger.Info("📊 API server online", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API server failed", "error", err)
			stop()
		}
	})

	logger.Info("🚀 Sync daemon is running")

	<-ctx.Done()
	logger.Info("🛑 Shutdown signal received, draining...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown failed", "error", err)
	}

	wg.Wait()
	logger.Info("✅ Sync daemon shut down successfully")
}
