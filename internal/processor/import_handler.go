package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/metrics"
)

const MaxImportMemoryThresholdMB = 50

// Importer runs a materialized batch through the executor and reconciliation
type Importer interface {
	ImportRows(ctx context.Context, tableID int64, rows []models.SourceRecord, syncType models.SyncType) (*models.SyncRun, error)
}

// ImportLedger remembers which correlation ids already produced a run
type ImportLedger interface {
	IsImportProcessed(ctx context.Context, correlationID string) (bool, error)
	MarkImportProcessed(ctx context.Context, correlationID string, runID int64) error
}

// ImportHandler orchestrates the consumption of CSV and manual import batches
type ImportHandler struct {
	importer Importer
	ledger   ImportLedger
	logger   *slog.Logger
}

func NewImportHandler(importer Importer, ledger ImportLedger, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{
		importer: importer,
		ledger:   ledger,
		logger:   logger,
	}
}

// ProcessImport executes one import. Errors prefixed with "FATAL:" will never succeed on retry;
// any other error is transient.
func (h *ImportHandler) ProcessImport(ctx context.Context, req models.ImportRequest) (err error) {
	start := time.Now()
	if req.SyncType == "" {
		req.SyncType = models.SyncTypeCSV
	}

	defer func() {
		status := "success"
		if err != nil {
			if strings.HasPrefix(err.Error(), "FATAL:") {
				status = "fatal_error"
			} else {
				status = "transient_error"
			}
		}
		metrics.ImportDuration.WithLabelValues(status, string(req.SyncType)).Observe(time.Since(start).Seconds())
	}()

	l := h.logger.With(
		"correlation_id", req.CorrelationID,
		"table_id", req.TargetTableID,
		"sync_type", req.SyncType,
	)

	if req.CorrelationID == "" {
		metrics.ImportMessages.WithLabelValues("fatal").Inc()
		return fmt.Errorf("FATAL: import without correlation_id")
	}
	if req.TargetTableID <= 0 || !req.SyncType.Valid() {
		metrics.ImportMessages.WithLabelValues("fatal").Inc()
		return fmt.Errorf("FATAL: invalid import metadata (table %d, type %q)", req.TargetTableID, req.SyncType)
	}

	if mb := req.EstimateBytes() / (1024 * 1024); mb > MaxImportMemoryThresholdMB {
		l.Warn("Heavy import detected: memory pressure risk", "size_mb", mb, "threshold_mb", MaxImportMemoryThresholdMB)
	}

	rows, err := req.DecodeRows()
	if err != nil {
		l.Error("Fatal: failed to parse rows", "error", err)
		metrics.ImportMessages.WithLabelValues("fatal").Inc()
		return fmt.Errorf("FATAL: rows unmarshal error: %v", err)
	}

	// Idempotency Check (Fast check, short timeout)
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	alreadyProcessed, err := h.ledger.IsImportProcessed(checkCtx, req.CorrelationID)
	cancel()

	if err != nil {
		metrics.ImportMessages.WithLabelValues("transient").Inc()
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	if alreadyProcessed {
		l.Info("Import already processed, skipping to ACK")
		metrics.ImportMessages.WithLabelValues("duplicate").Inc()
		return nil
	}

	run, err := h.importer.ImportRows(ctx, req.TargetTableID, rows, req.SyncType)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrTableNotFound):
			metrics.ImportMessages.WithLabelValues("fatal").Inc()
			return fmt.Errorf("FATAL: %v", err)
		case errors.Is(err, models.ErrRunInProgress):
			l.Warn("Table busy, import will be retried")
		}
		metrics.ImportMessages.WithLabelValues("transient").Inc()
		return fmt.Errorf("import failed: %w", err)
	}

	// the run log keeps the outcome, a failed run is not replayed under the same id
	if err := h.ledger.MarkImportProcessed(ctx, req.CorrelationID, run.ID); err != nil {
		l.Error("Run finished but failed to record import", "run_id", run.ID, "error", err)
		metrics.ImportMessages.WithLabelValues("transient").Inc()
		return fmt.Errorf("ledger checkpoint failure: %w", err)
	}

	l.Info("Import synchronized", "run_id", run.ID, "status", run.Status, "rows", len(rows))
	metrics.ImportMessages.WithLabelValues("success").Inc()
	return nil
}
