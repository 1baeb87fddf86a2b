package main

import (
	"fmt"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/internal/service"

	"github.com/spf13/cobra"
)

var onboardKey string

var onboardCmd = &cobra.Command{
	Use:   "onboard <source-table> <local-table>",
	Short: "Register an ERP table and create its local mirror",
	Long: `Register an ERP table and create its local mirror.

The local table starts with the bookkeeping columns only. Declare business
fields with register-field and add them with apply-fields.

Examples:
  synctl onboard CLIENTES customers --key CODIGO`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		schema := service.NewSchemaManager(current.postgres, current.logger)
		t, err := schema.OnboardTable(cmd.Context(), args[0], args[1], onboardKey)
		if err != nil {
			return err
		}
		return printJSON(cmd, t)
	},
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List onboarded target tables",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tables, err := current.postgres.ListTargetTables(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, tables)
	},
}

var (
	fieldDefault  string
	fieldRequired bool
)

var registerFieldCmd = &cobra.Command{
	Use:   "register-field <table-id> <field-name> <type>",
	Short: "Declare a business field to add to a local table",
	Long: `Declare a business field to add to a local table.

Types: text, short-text, integer, decimal, boolean, date, timestamp, json, binary.
Required fields need a default so existing rows stay valid.

Examples:
  synctl register-field 3 region text
  synctl register-field 3 credit_limit decimal --default 0 --required`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}
		bt, ok := models.ParseBusinessType(args[2])
		if !ok {
			return fmt.Errorf("unknown field type %q", args[2])
		}

		def := models.PendingFieldDefinition{FieldName: args[1], BusinessType: bt, Required: fieldRequired}
		if cmd.Flags().Changed("default") {
			def.DefaultValue = &fieldDefault
		}

		schema := service.NewSchemaManager(current.postgres, current.logger)
		f, err := schema.RegisterField(cmd.Context(), tableID, def)
		if err != nil {
			return err
		}
		return printJSON(cmd, f)
	},
}

var applyFieldsCmd = &cobra.Command{
	Use:   "apply-fields <table-id>",
	Short: "Add every pending field to the local table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tableID, err := parseID(args[0], "table id")
		if err != nil {
			return err
		}

		schema := service.NewSchemaManager(current.postgres, current.logger)
		res, err := schema.ApplyPendingFields(cmd.Context(), tableID)
		if err != nil {
			return err
		}
		if err := printJSON(cmd, res); err != nil {
			return err
		}
		if len(res.Errors) > 0 {
			return fmt.Errorf("%d field(s) failed and stay pending", len(res.Errors))
		}
		return nil
	},
}

func init() {
	onboardCmd.Flags().StringVar(&onboardKey, "key", "", "ERP column holding the business key")
	onboardCmd.MarkFlagRequired("key")

	registerFieldCmd.Flags().StringVar(&fieldDefault, "default", "", "Default value for existing rows")
	registerFieldCmd.Flags().BoolVar(&fieldRequired, "required", false, "Add the column as NOT NULL")

	rootCmd.AddCommand(onboardCmd, tablesCmd, registerFieldCmd, applyFieldsCmd)
}
