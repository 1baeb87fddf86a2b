package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Guizzs26/erp-table-sync/internal/broker"
	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/processor"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <table-id> <file.csv>",
	Short: "Queue a CSV export as an import run",
	Long: `Queue a CSV export as an import run.

The header must contain the table's source key column. The importer service
consumes the request and syncs the rows exactly like a scheduled run, so
records missing from the file are flagged for deletion.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}
		if current.rabbit == nil {
			return fmt.Errorf("rabbitmq is unavailable")
		}

		table, err := current.postgres.GetTargetTable(cmd.Context(), tableID)
		if err != nil {
			return err
		}

		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()

		rows, err := processor.ParseCSV(f, table)
		if err != nil {
			return fmt.Errorf("%s: %w", args[1], err)
		}

		raw, err := json.Marshal(rows)
		if err != nil {
			return err
		}
		req := models.ImportRequest{
			CorrelationID: uuid.NewString(),
			TargetTableID: tableID,
			SyncType:      models.SyncTypeCSV,
			Rows:          raw,
		}

		key := fmt.Sprintf("%s%d", broker.ImportKeyPrefix, tableID)
		if err := current.rabbit.Publish(cmd.Context(), key, req); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "queued %d rows for table %d (correlation id %s)\n", len(rows), tableID, req.CorrelationID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
}
