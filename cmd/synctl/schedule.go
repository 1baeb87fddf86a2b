package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/scheduler"

	"github.com/spf13/cobra"
)

// scheduleFlags mirrors the schedule set flags
type scheduleFlags struct {
	mode     string
	every    int
	unit     string
	weekdays string
	at       string
	cron     string
	disabled bool
}

var schedFlags scheduleFlags

// build turns the flags into a validated configuration
func (f scheduleFlags) build(tableID int64) (models.SyncScheduleConfig, error) {
	cfg := models.SyncScheduleConfig{
		TargetTableID: tableID,
		Mode:          models.ScheduleMode(strings.ToLower(f.mode)),
		Enabled:       !f.disabled,
	}

	switch cfg.Mode {
	case models.ModeInterval:
		cfg.IntervalValue = f.every
		cfg.IntervalUnit = models.IntervalUnit(strings.ToLower(f.unit))
	case models.ModeSchedule:
		for _, d := range strings.Split(f.weekdays, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.Weekdays = append(cfg.Weekdays, strings.ToLower(d))
			}
		}
		cfg.TimeOfDay = f.at
	case models.ModeCron:
		cfg.CronExpression = f.cron
	}

	if err := scheduler.Validate(cfg); err != nil {
		return models.SyncScheduleConfig{}, err
	}
	return cfg, nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage sync schedules",
}

var scheduleSetCmd = &cobra.Command{
	Use:   "set <table-id>",
	Short: "Create or replace the schedule of a table",
	Long: `Create or replace the schedule of a table.

Examples:
  synctl schedule set 3 --mode interval --every 30 --unit minutes
  synctl schedule set 3 --mode schedule --weekdays mon,wed,fri --at 06:30
  synctl schedule set 3 --mode cron --cron "0 */2 * * *"
  synctl schedule set 3 --mode interval --every 1 --unit hours --disabled`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		cfg, err := schedFlags.build(tableID)
		if err != nil {
			return err
		}
		if err := current.postgres.UpsertSchedule(cmd.Context(), cfg); err != nil {
			return err
		}
		return printJSON(cmd, cfg)
	},
}

var nextDueCmd = &cobra.Command{
	Use:   "next-due <table-id>",
	Short: "Show when a table is next due for a scheduled sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		cfg, err := current.postgres.GetSchedule(cmd.Context(), tableID)
		if err != nil {
			return err
		}
		if cfg == nil {
			return fmt.Errorf("table %d has no schedule", tableID)
		}

		latest, err := current.postgres.LatestRun(cmd.Context(), tableID)
		if err != nil {
			return err
		}
		var last *time.Time
		if latest != nil {
			last = &latest.StartedAt
		}

		now := time.Now().In(current.cfg.Location())
		out := cmd.OutOrStdout()
		if !cfg.Enabled {
			fmt.Fprintln(out, "schedule is disabled")
		}
		next := scheduler.NextDue(*cfg, last, now)
		if next == nil {
			fmt.Fprintln(out, "no upcoming occurrence")
			return nil
		}
		fmt.Fprintf(out, "next due: %s (in %s)\n", next.Format(time.RFC3339), next.Sub(now).Round(time.Second))
		return nil
	},
}

func init() {
	f := scheduleSetCmd.Flags()
	f.StringVar(&schedFlags.mode, "mode", "", "Schedule mode (interval, schedule, cron)")
	f.IntVar(&schedFlags.every, "every", 0, "Interval length for interval mode")
	f.StringVar(&schedFlags.unit, "unit", "minutes", "Interval unit (seconds, minutes, hours, days)")
	f.StringVar(&schedFlags.weekdays, "weekdays", "", "Comma separated weekdays for schedule mode")
	f.StringVar(&schedFlags.at, "at", "", "Time of day HH:MM for schedule mode")
	f.StringVar(&schedFlags.cron, "cron", "", "Five-field cron expression for cron mode")
	f.BoolVar(&schedFlags.disabled, "disabled", false, "Store the schedule without activating it")
	scheduleSetCmd.MarkFlagRequired("mode")

	scheduleCmd.AddCommand(scheduleSetCmd)
	rootCmd.AddCommand(scheduleCmd, nextDueCmd)
}
