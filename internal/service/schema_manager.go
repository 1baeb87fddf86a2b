package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Guizzs26/erp-table-sync/internal/mapper"
	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

// SchemaRepository defines the persistence contract of schema evolution
type SchemaRepository interface {
	GetTargetTable(ctx context.Context, id int64) (*models.TargetTable, error)
	CreateTargetTable(ctx context.Context, sourceTable, localTable, keyColumn string) (*models.TargetTable, error)
	UpsertPendingField(ctx context.Context, def models.PendingFieldDefinition) (*models.PendingFieldDefinition, error)
	ListUnappliedFields(ctx context.Context, tableID int64) ([]models.PendingFieldDefinition, error)
	ApplyField(ctx context.Context, table *models.TargetTable, def models.PendingFieldDefinition) error
	RecordFieldError(ctx context.Context, fieldID int64, msg string) error
}

type FieldError struct {
	FieldName string `json:"field_name"`
	Error     string `json:"error"`
}

type ApplyResult struct {
	AppliedCount int          `json:"applied_count"`
	Errors       []FieldError `json:"errors"`
}

// SchemaManager evolves local tables additively from declared fields
type SchemaManager struct {
	repo   SchemaRepository
	locks  tableLocks
	logger *slog.Logger
}

func NewSchemaManager(repo SchemaRepository, logger *slog.Logger) *SchemaManager {
	return &SchemaManager{repo: repo, logger: logger}
}

// OnboardTable registers an ERP table and creates its local mirror
func (m *SchemaManager) OnboardTable(ctx context.Context, sourceTable, localTable, keyColumn string) (*models.TargetTable, error) {
	localTable = strings.ToLower(strings.TrimSpace(localTable))
	if !mapper.ValidIdentifier(localTable) {
		return nil, fmt.Errorf("%w: local table name %q", models.ErrInvalidField, localTable)
	}
	if strings.TrimSpace(sourceTable) == "" || strings.TrimSpace(keyColumn) == "" {
		return nil, fmt.Errorf("%w: source table and key column are required", models.ErrInvalidField)
	}

	t, err := m.repo.CreateTargetTable(ctx, strings.TrimSpace(sourceTable), localTable, strings.TrimSpace(keyColumn))
	if err != nil {
		return nil, err
	}
	m.logger.Info("Target table onboarded", "table_id", t.ID, "source", t.SourceTableName, "local", t.LocalTableName)
	return t, nil
}

// RegisterField records a field declaration. Declaring an existing field again returns the
// stored declaration.
func (m *SchemaManager) RegisterField(ctx context.Context, tableID int64, def models.PendingFieldDefinition) (*models.PendingFieldDefinition, error) {
	def.TargetTableID = tableID
	def.FieldName = strings.ToLower(strings.TrimSpace(def.FieldName))

	if err := validateField(def); err != nil {
		return nil, err
	}
	if _, err := m.repo.GetTargetTable(ctx, tableID); err != nil {
		return nil, err
	}

	f, err := m.repo.UpsertPendingField(ctx, def)
	if err != nil {
		return nil, err
	}
	m.logger.Info("Field registered", "table_id", tableID, "field", f.FieldName, "type", f.BusinessType, "applied", f.Applied())
	return f, nil
}

func validateField(def models.PendingFieldDefinition) error {
	if !mapper.ValidIdentifier(def.FieldName) {
		return fmt.Errorf("%w: field name %q must be a lower-case identifier", models.ErrInvalidField, def.FieldName)
	}
	if mapper.IsReservedColumn(def.FieldName) {
		return fmt.Errorf("%w: %q is a bookkeeping column", models.ErrInvalidField, def.FieldName)
	}
	if !def.BusinessType.Valid() {
		return fmt.Errorf("%w: unknown business type %q", models.ErrInvalidField, def.BusinessType)
	}
	if def.Required && def.DefaultValue == nil {
		return fmt.Errorf("%w: required field %q needs a default value", models.ErrInvalidField, def.FieldName)
	}
	return nil
}

// ApplyPendingFields adds every unapplied field to the local table. Each field succeeds or
// fails on its own; failures stay pending with their error recorded.
func (m *SchemaManager) ApplyPendingFields(ctx context.Context, tableID int64) (ApplyResult, error) {
	unlock, ok := m.locks.tryLock(tableID)
	if !ok {
		return ApplyResult{}, models.ErrApplyInProgress
	}
	defer unlock()

	table, err := m.repo.GetTargetTable(ctx, tableID)
	if err != nil {
		return ApplyResult{}, err
	}

	pending, err := m.repo.ListUnappliedFields(ctx, tableID)
	if err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{Errors: []FieldError{}}
	l := m.logger.With("table_id", tableID, "local_table", table.LocalTableName)

	for _, def := range pending {
		if err := m.repo.ApplyField(ctx, table, def); err != nil {
			l.Error("Field application failed", "field", def.FieldName, "error", err)
			metrics.FieldsApplied.WithLabelValues("failed", table.LocalTableName).Inc()
			result.Errors = append(result.Errors, FieldError{FieldName: def.FieldName, Error: err.Error()})

			if recErr := m.repo.RecordFieldError(ctx, def.ID, err.Error()); recErr != nil {
				l.Error("CRITICAL: could not record field error", "field", def.FieldName, "error", recErr)
			}
			continue
		}

		result.AppliedCount++
		table.Columns = append(table.Columns, models.Column{Name: def.FieldName, Type: def.BusinessType})
		metrics.FieldsApplied.WithLabelValues("applied", table.LocalTableName).Inc()
		l.Info("Field applied", "field", def.FieldName, "type", def.BusinessType)
	}

	return result, nil
}
