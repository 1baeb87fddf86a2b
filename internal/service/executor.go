package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/hasher"
	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

const MaxBatchMemoryThresholdMB = 20

// ExecutorRepository defines the persistence contract of the sync executor
type ExecutorRepository interface {
	GetTargetTable(ctx context.Context, id int64) (*models.TargetTable, error)
	CreateRun(ctx context.Context, run models.SyncRun) (*models.SyncRun, error)
	GetRun(ctx context.Context, id int64) (*models.SyncRun, error)
	RunStatus(ctx context.Context, id int64) (models.RunStatus, error)
	UpdateRunProgress(ctx context.Context, run *models.SyncRun) error
	FinishRun(ctx context.Context, run *models.SyncRun) (bool, error)

	ExistingRecords(ctx context.Context, localTable string, keys []string) (map[string]models.StoredRecord, error)
	WriteBatch(ctx context.Context, table *models.TargetTable, runID int64, syncedAt time.Time, writes []models.RecordWrite) error
	MarkAbsent(ctx context.Context, localTable string, runID int64, now time.Time) (int64, error)
}

// BinaryFetcher retrieves blob columns outside the row path. Failures are only counted.
type BinaryFetcher interface {
	Fetch(ctx context.Context, table *models.TargetTable, businessKey, field string) error
}

// Executor reconciles a materialized batch of source rows into a table's local mirror
type Executor struct {
	repo      ExecutorRepository
	binary    BinaryFetcher
	batchSize int
	locks     tableLocks
	logger    *slog.Logger
	now       func() time.Time
}

func NewExecutor(repo ExecutorRepository, batchSize int, logger *slog.Logger) *Executor {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Executor{
		repo:      repo,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
	}
}

// WithBinaryFetcher enables the blob side channel for written records
func (e *Executor) WithBinaryFetcher(f BinaryFetcher) *Executor {
	e.binary = f
	return e
}

// Execute runs one sync of rows against the table. A non-nil error means no run was opened
// (or its outcome could not be read back); write failures end up on the returned run instead.
func (e *Executor) Execute(ctx context.Context, tableID int64, rows []models.SourceRecord, syncType models.SyncType) (*models.SyncRun, error) {
	if !syncType.Valid() {
		return nil, fmt.Errorf("unknown sync type %q", syncType)
	}

	unlock, ok := e.locks.tryLock(tableID)
	if !ok {
		return nil, models.ErrRunInProgress
	}
	defer unlock()

	table, err := e.repo.GetTargetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	run, err := e.repo.CreateRun(ctx, models.SyncRun{
		TargetTableID:        tableID,
		Status:               models.RunStatusRunning,
		SyncType:             syncType,
		StartedAt:            e.now(),
		TotalRecords:         len(rows),
		ExcludedBinaryFields: table.BinaryColumns(),
	})
	if err != nil {
		return nil, err
	}

	l := e.logger.With("table_id", tableID, "run_id", run.ID, "sync_type", syncType)
	l.Info("Sync run started", "rows", len(rows), "excluded_binary_fields", run.ExcludedBinaryFields)

	if mb := estimateBytes(rows) / (1024 * 1024); mb > MaxBatchMemoryThresholdMB {
		l.Warn("Heavy batch detected: memory pressure risk", "size_mb", mb, "threshold_mb", MaxBatchMemoryThresholdMB)
	}

	return e.process(ctx, l, table, run, rows)
}

func (e *Executor) process(ctx context.Context, l *slog.Logger, table *models.TargetTable, run *models.SyncRun, rows []models.SourceRecord) (*models.SyncRun, error) {
	var problems []string
	unique := dedupe(rows)

	keys := make([]string, 0, len(unique))
	for _, r := range unique {
		keys = append(keys, r.BusinessKey)
	}

	existing, err := e.repo.ExistingRecords(ctx, table.LocalTableName, keys)
	if err != nil {
		l.Error("Existence lookup failed, aborting run", "error", err)
		return e.finish(ctx, l, table, run, models.RunStatusFailed, []string{err.Error()})
	}

	writes, rejected, unhashed := classify(unique, existing, table.BusinessColumns())
	if len(rejected) > 0 {
		l.Warn("Rows without business key rejected", "count", len(rejected))
		problems = append(problems, fmt.Sprintf("%d row(s) without business key rejected", len(rejected)))
	}
	problems = append(problems, unhashed...)

	batches := chunk(writes, e.batchSize)
	committed := 0

	for i, batch := range batches {
		if ctx.Err() != nil {
			problems = append(problems, fmt.Sprintf("interrupted after %d of %d batches: %v", i, len(batches), ctx.Err()))
			l.Warn("Shutdown signal received, stopping run", "committed_batches", committed)
			break
		}

		if i > 0 {
			status, err := e.repo.RunStatus(ctx, run.ID)
			if err == nil && status.Terminal() {
				l.Warn("Run was terminated externally, stopping", "status", status, "committed_batches", committed)
				return e.repo.GetRun(ctx, run.ID)
			}
		}

		syncedAt := e.now()
		if err := e.repo.WriteBatch(ctx, table, run.ID, syncedAt, batch); err != nil {
			l.Error("Batch failed, skipping", "batch", i+1, "size", len(batch), "error", err)
			metrics.BatchFailures.WithLabelValues(table.LocalTableName).Inc()
			problems = append(problems, fmt.Sprintf("batch %d: %v", i+1, err))
			continue
		}

		committed++
		metrics.BatchSize.Observe(float64(len(batch)))
		for _, w := range batch {
			run.RecordsProcessed++
			switch w.Kind {
			case models.WriteInsert:
				run.RecordsCreated++
			case models.WriteUpdate:
				run.RecordsUpdated++
			}
		}

		if err := e.repo.UpdateRunProgress(ctx, run); err != nil {
			l.Warn("Failed to persist run progress", "error", err)
		}

		e.fetchBinaries(ctx, l, table, run, batch)
	}

	status := models.RunStatusCompleted
	if len(batches) > 0 && committed == 0 {
		status = models.RunStatusFailed
	}

	// soft-delete marking needs every keyed row written; key-less rows never match a record
	complete := committed == len(batches) && len(unhashed) == 0 && (len(writes) > 0 || len(rejected) == 0)
	if complete {
		deleted, err := e.repo.MarkAbsent(ctx, table.LocalTableName, run.ID, e.now())
		if err != nil {
			l.Error("Soft-delete marking failed", "error", err)
			problems = append(problems, err.Error())
		} else {
			run.RecordsDeleted = int(deleted)
		}
	} else if status == models.RunStatusCompleted {
		l.Warn("Skipping soft-delete marking after partial failure", "committed_batches", committed, "batches", len(batches))
	}

	return e.finish(ctx, l, table, run, status, problems)
}

// finish persists the terminal state. When the run was force-terminated meanwhile, the
// stored run wins and is returned instead.
func (e *Executor) finish(ctx context.Context, l *slog.Logger, table *models.TargetTable, run *models.SyncRun, status models.RunStatus, problems []string) (*models.SyncRun, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	finishedAt := e.now()
	run.Status = status
	run.FinishedAt = &finishedAt
	if len(problems) > 0 {
		msg := strings.Join(problems, "; ")
		run.ErrorMessage = &msg
	} else if status == models.RunStatusFailed {
		msg := "no batch could be committed"
		run.ErrorMessage = &msg
	}

	applied, err := e.repo.FinishRun(ctx, run)
	if err != nil {
		l.Error("CRITICAL: failed to persist run outcome", "error", err)
		return run, err
	}
	if !applied {
		l.Info("Run already terminal, discarding natural completion")
		return e.repo.GetRun(ctx, run.ID)
	}

	tableLabel := table.LocalTableName
	metrics.RunsTotal.WithLabelValues(string(run.Status), string(run.SyncType), tableLabel).Inc()
	metrics.RunDuration.WithLabelValues(tableLabel).Observe(run.Duration(finishedAt).Seconds())
	metrics.RecordsTotal.WithLabelValues("created", tableLabel).Add(float64(run.RecordsCreated))
	metrics.RecordsTotal.WithLabelValues("updated", tableLabel).Add(float64(run.RecordsUpdated))
	metrics.RecordsTotal.WithLabelValues("unchanged", tableLabel).Add(float64(run.RecordsProcessed - run.RecordsCreated - run.RecordsUpdated))
	metrics.RecordsTotal.WithLabelValues("deleted", tableLabel).Add(float64(run.RecordsDeleted))

	l.Info("Sync run finished",
		"status", run.Status,
		"processed", run.RecordsProcessed,
		"created", run.RecordsCreated,
		"updated", run.RecordsUpdated,
		"deleted", run.RecordsDeleted,
		"binary_errors", run.BinaryDownloadErrors,
		"duration_ms", run.Duration(finishedAt).Milliseconds(),
	)
	return run, nil
}

func (e *Executor) fetchBinaries(ctx context.Context, l *slog.Logger, table *models.TargetTable, run *models.SyncRun, batch []models.RecordWrite) {
	if e.binary == nil || len(run.ExcludedBinaryFields) == 0 {
		return
	}
	for _, w := range batch {
		if w.Kind == models.WriteTouch {
			continue
		}
		for _, field := range run.ExcludedBinaryFields {
			if err := e.binary.Fetch(ctx, table, w.BusinessKey, field); err != nil {
				run.BinaryDownloadErrors++
				metrics.BinaryDownloadErrors.WithLabelValues(table.LocalTableName).Inc()
				l.Debug("Binary retrieval failed", "business_key", w.BusinessKey, "field", field, "error", err)
			}
		}
	}
}

// dedupe keeps the last occurrence of every business key, in first-seen order
func dedupe(rows []models.SourceRecord) []models.SourceRecord {
	index := make(map[string]int, len(rows))
	out := make([]models.SourceRecord, 0, len(rows))
	for _, r := range rows {
		if i, seen := index[r.BusinessKey]; seen {
			out[i] = r
			continue
		}
		index[r.BusinessKey] = len(out)
		out = append(out, r)
	}
	return out
}

// classify turns rows into inserts, updates and touches. Rows without a business key are
// rejected; keyed rows that cannot be hashed are reported as unhashed. Both are left out.
func classify(rows []models.SourceRecord, existing map[string]models.StoredRecord, cols []models.Column) (writes []models.RecordWrite, rejected []models.SourceRecord, unhashed []string) {
	writes = make([]models.RecordWrite, 0, len(rows))

	for _, r := range rows {
		if strings.TrimSpace(r.BusinessKey) == "" {
			rejected = append(rejected, r)
			continue
		}

		hash, err := hasher.Hash(r.Fields, cols)
		if err != nil {
			unhashed = append(unhashed, fmt.Sprintf("key %s: %v", r.BusinessKey, err))
			continue
		}

		w := models.RecordWrite{BusinessKey: r.BusinessKey, Hash: hash}
		stored, found := existing[r.BusinessKey]
		switch {
		case !found:
			w.Kind = models.WriteInsert
		case stored.RecordHash != hash:
			w.Kind = models.WriteUpdate
		default:
			w.Kind = models.WriteTouch
		}

		if w.Kind != models.WriteTouch {
			w.Values = make(map[string]any, len(cols))
			for _, c := range cols {
				if v, ok := r.Fields[c.Name]; ok {
					w.Values[c.Name] = v
				}
			}
		}
		writes = append(writes, w)
	}
	return writes, rejected, unhashed
}

func chunk(writes []models.RecordWrite, size int) [][]models.RecordWrite {
	var batches [][]models.RecordWrite
	for start := 0; start < len(writes); start += size {
		end := min(start+size, len(writes))
		batches = append(batches, writes[start:end])
	}
	return batches
}

func estimateBytes(rows []models.SourceRecord) int {
	var n int
	for _, r := range rows {
		n += len(r.BusinessKey)
		for k, v := range r.Fields {
			n += len(k)
			switch val := v.(type) {
			case string:
				n += len(val)
			case []byte:
				n += len(val)
			default:
				n += 8
			}
		}
	}
	return n
}

// IsConflict reports whether err means the table is busy
func IsConflict(err error) bool {
	return errors.Is(err, models.ErrRunInProgress) || errors.Is(err, models.ErrApplyInProgress)
}
