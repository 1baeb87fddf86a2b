package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

// RowSource defines the contract of the upstream row producer
type RowSource interface {
	FetchRows(ctx context.Context, table *models.TargetTable) ([]models.SourceRecord, error)
}

type TableLookup interface {
	GetTargetTable(ctx context.Context, id int64) (*models.TargetTable, error)
	LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error)
}

// Runner chains one complete sync: rows are executed, stale flags repaired, the outcome
// announced on the broker
type Runner struct {
	tables     TableLookup
	source     RowSource
	executor   *Executor
	reconciler *Reconciler
	events     *EventNotifier
	logger     *slog.Logger
}

func NewRunner(tables TableLookup, source RowSource, executor *Executor, reconciler *Reconciler, events *EventNotifier, logger *slog.Logger) *Runner {
	return &Runner{
		tables:     tables,
		source:     source,
		executor:   executor,
		reconciler: reconciler,
		events:     events,
		logger:     logger,
	}
}

// RunTable pulls a full snapshot from the row source and syncs it
func (r *Runner) RunTable(ctx context.Context, tableID int64, syncType models.SyncType) (*models.SyncRun, error) {
	if r.source == nil {
		return nil, fmt.Errorf("no row source configured")
	}

	table, err := r.tables.GetTargetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	// fail fast before reading a full snapshot; the executor still holds the real guard
	if latest, err := r.tables.LatestRun(ctx, tableID); err == nil && latest != nil && latest.Status == models.RunStatusRunning {
		return nil, models.ErrRunInProgress
	}

	rows, err := r.source.FetchRows(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("row source failure: %w", err)
	}

	return r.ImportRows(ctx, tableID, rows, syncType)
}

// ImportRows syncs an already materialized batch
func (r *Runner) ImportRows(ctx context.Context, tableID int64, rows []models.SourceRecord, syncType models.SyncType) (*models.SyncRun, error) {
	run, err := r.executor.Execute(ctx, tableID, rows, syncType)
	if err != nil {
		return run, err
	}

	if run.Status == models.RunStatusCompleted {
		if _, err := r.reconciler.Repair(ctx, tableID); err != nil {
			r.logger.Error("Post-run flag repair failed", "table_id", tableID, "run_id", run.ID, "error", err)
		}
	}

	// a force-terminated run was already announced by the monitor
	if run.ErrorMessage == nil || *run.ErrorMessage != models.TerminatedByOperator {
		r.events.Notify(ctx, run)
	}
	return run, nil
}
