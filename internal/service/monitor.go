package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

const DefaultLongRunning = 10 * time.Minute

// MonitorRepository defines the read and terminate contract of the run monitor
type MonitorRepository interface {
	LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error)
	GetRun(ctx context.Context, id int64) (*models.SyncRun, error)
	TerminateRun(ctx context.Context, id int64, msg string, now time.Time) (*models.SyncRun, bool, error)
	ListRunningRuns(ctx context.Context) ([]models.SyncRun, error)
}

// Monitor exposes run state to polling clients and operators. It holds no per-table state;
// every call names the table or run it is about.
type Monitor struct {
	repo      MonitorRepository
	events    *EventNotifier
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewMonitor(repo MonitorRepository, threshold time.Duration, events *EventNotifier, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultLongRunning
	}
	return &Monitor{
		repo:      repo,
		events:    events,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// PollLatest returns the most recent run of a table, nil when it never ran
func (m *Monitor) PollLatest(ctx context.Context, tableID int64) (*models.SyncRun, error) {
	return m.repo.LatestRun(ctx, tableID)
}

func (m *Monitor) GetRun(ctx context.Context, runID int64) (*models.SyncRun, error) {
	return m.repo.GetRun(ctx, runID)
}

func (m *Monitor) IsLongRunning(run *models.SyncRun, now time.Time) bool {
	if run == nil || run.Status != models.RunStatusRunning {
		return false
	}
	return now.Sub(run.StartedAt) > m.threshold
}

// ForceTerminate fails a running run. Calling it on a terminal run returns that run unchanged.
func (m *Monitor) ForceTerminate(ctx context.Context, runID int64) (*models.SyncRun, error) {
	run, changed, err := m.repo.TerminateRun(ctx, runID, models.TerminatedByOperator, m.now())
	if err != nil {
		return nil, err
	}

	l := m.logger.With("run_id", runID, "table_id", run.TargetTableID)
	if !changed {
		l.Info("Force-terminate ignored, run already terminal", "status", run.Status)
		return run, nil
	}

	metrics.ForcedTerminations.Inc()
	l.Warn("Run terminated by operator")
	m.events.Notify(ctx, run)
	return run, nil
}

// StuckRuns lists running runs older than the threshold
func (m *Monitor) StuckRuns(ctx context.Context, now time.Time) ([]models.SyncRun, error) {
	running, err := m.repo.ListRunningRuns(ctx)
	if err != nil {
		return nil, err
	}

	var stuck []models.SyncRun
	for i := range running {
		if m.IsLongRunning(&running[i], now) {
			stuck = append(stuck, running[i])
		}
	}
	return stuck, nil
}

// RunJanitor periodically reports stuck runs. It never terminates anything by itself.
func (m *Monitor) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Stuck-run janitor started", "interval", interval, "threshold", m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkStuck(ctx)
		}
	}
}

func (m *Monitor) checkStuck(ctx context.Context) {
	now := m.now()
	stuck, err := m.StuckRuns(ctx, now)
	if err != nil {
		m.logger.Error("Janitor failed to list running runs", "error", err)
		return
	}

	metrics.StuckRuns.Set(float64(len(stuck)))
	for _, run := range stuck {
		m.logger.Warn("Long-running sync detected, consider force-terminating",
			"run_id", run.ID,
			"table_id", run.TargetTableID,
			"running_for", now.Sub(run.StartedAt).Round(time.Second),
			"processed", run.RecordsProcessed,
			"total", run.TotalRecords,
		)
	}
}
