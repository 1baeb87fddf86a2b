package main

import (
	"fmt"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/db"
	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/service"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync <table-id>",
	Short: "Run a manual sync of one table and wait for it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		erp, err := db.NewERPSource(current.cfg.ERPDriver, current.cfg.ERPDSN, current.logger)
		if err != nil {
			return err
		}
		defer erp.Close()

		executor := service.NewExecutor(current.postgres, current.cfg.BatchSize, current.logger).
			WithBinaryFetcher(service.NewBlobCopier(erp, current.postgres))
		reconciler := service.NewReconciler(current.postgres, current.logger)
		runner := service.NewRunner(current.postgres, erp, executor, reconciler, current.notifier, current.logger)

		run, err := runner.RunTable(cmd.Context(), tableID, models.SyncTypeManual)
		if run != nil {
			if perr := printJSON(cmd, run); perr != nil {
				return perr
			}
		}
		return err
	},
}

type runView struct {
	*models.SyncRun
	LongRunning bool   `json:"long_running"`
	Elapsed     string `json:"elapsed"`
}

var latestCmd = &cobra.Command{
	Use:   "latest <table-id>",
	Short: "Show the most recent run of a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		m := current.monitor()
		run, err := m.PollLatest(cmd.Context(), tableID)
		if err != nil {
			return err
		}
		if run == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "no runs yet")
			return nil
		}

		now := time.Now()
		return printJSON(cmd, runView{
			SyncRun:     run,
			LongRunning: m.IsLongRunning(run, now),
			Elapsed:     run.Duration(now).Round(time.Second).String(),
		})
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate <run-id>",
	Short: "Force-terminate a running run",
	Long: `Force-terminate a running run.

The run is marked failed with "terminated by operator". A run that already
finished is left untouched. The worker notices the termination between
batches and stops writing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}

		run, err := current.monitor().ForceTerminate(cmd.Context(), runID)
		if err != nil {
			return err
		}
		return printJSON(cmd, run)
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair <table-id>",
	Short: "Clear is_new_record flags left by superseded runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		res, err := service.NewReconciler(current.postgres, current.logger).Repair(cmd.Context(), tableID)
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd, latestCmd, terminateCmd, repairCmd)
}
