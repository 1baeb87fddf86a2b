package service

import (
	"context"
	"log/slog"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

// RepairRepository defines the data access contract for flag repair
type RepairRepository interface {
	GetTargetTable(ctx context.Context, id int64) (*models.TargetTable, error)
	LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error)
	LatestCompletedRunID(ctx context.Context, tableID int64) (int64, bool, error)
	ClearStaleNewFlags(ctx context.Context, localTable string, latestRunID int64) (int64, error)
}

type RepairResult struct {
	FixedNewRecordCount int64 `json:"fixed_new_record_count"`
	LatestSyncID        int64 `json:"latest_sync_id,omitempty"`
}

// Reconciler clears lifecycle flags left behind by superseded or terminated runs
type Reconciler struct {
	repo   RepairRepository
	logger *slog.Logger
}

func NewReconciler(repo RepairRepository, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, logger: logger}
}

// Repair clears is_new_record on every record not written by the latest completed run.
// Tables without a completed run are left alone. A table with a running run is rejected, the
// in-flight inserts would otherwise lose their flags.
func (r *Reconciler) Repair(ctx context.Context, tableID int64) (RepairResult, error) {
	table, err := r.repo.GetTargetTable(ctx, tableID)
	if err != nil {
		return RepairResult{}, err
	}

	current, err := r.repo.LatestRun(ctx, tableID)
	if err != nil {
		return RepairResult{}, err
	}
	if current != nil && current.Status == models.RunStatusRunning {
		return RepairResult{}, models.ErrRunInProgress
	}

	latest, ok, err := r.repo.LatestCompletedRunID(ctx, tableID)
	if err != nil {
		return RepairResult{}, err
	}
	if !ok {
		r.logger.Debug("No completed run yet, nothing to repair", "table_id", tableID)
		return RepairResult{}, nil
	}

	fixed, err := r.repo.ClearStaleNewFlags(ctx, table.LocalTableName, latest)
	if err != nil {
		return RepairResult{}, err
	}

	if fixed > 0 {
		metrics.FlagsRepaired.WithLabelValues(table.LocalTableName).Add(float64(fixed))
		r.logger.Info("Cleared stale new-record flags", "table_id", tableID, "latest_sync_id", latest, "count", fixed)
	}
	return RepairResult{FixedNewRecordCount: fixed, LatestSyncID: latest}, nil
}
