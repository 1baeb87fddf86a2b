// Command synctl is the operator CLI for the sync engine: onboarding tables, evolving their
// schema, scheduling and inspecting runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/Guizzs26/erp-table-sync/internal/broker"
	"github.com/Guizzs26/erp-table-sync/internal/config"
	"github.com/Guizzs26/erp-table-sync/internal/db"
	"github.com/Guizzs26/erp-table-sync/internal/service"
	"github.com/Guizzs26/erp-table-sync/pkg/infra"

	"github.com/spf13/cobra"
)

// app holds the connections opened for one command invocation
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	postgres *db.PostgresRepository
	rabbit   *broker.RabbitMQClient
	notifier *service.EventNotifier
}

var (
	current *app
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "synctl",
	Short:         "Operate the ERP table sync engine",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil {
			current.close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if current != nil {
			current.close()
		}
		os.Exit(1)
	}
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	// command output owns stdout, keep logs quiet unless asked
	cfg.LogFile = ""
	if !verbose {
		cfg.LogLevel = "WARN"
	}
	logger := infra.SetupLogger(cfg)

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := postgres.Migrate(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, postgres: postgres}

	// Run events are best effort from the CLI
	if rabbit, err := broker.NewRabbitMQClient(cfg.RabbitMQURL, logger); err != nil {
		logger.Warn("RabbitMQ unavailable, run events will not be published", "error", err)
	} else {
		a.rabbit = rabbit
		a.notifier = service.NewEventNotifier(rabbit, logger)
	}
	return a, nil
}

func (a *app) close() {
	if a.rabbit != nil {
		a.rabbit.Close()
	}
	a.postgres.Close()
	current = nil
}

func (a *app) monitor() *service.Monitor {
	return service.NewMonitor(a.postgres, a.cfg.LongRunningThreshold, a.notifier, a.logger)
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
