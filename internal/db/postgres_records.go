package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/mapper"
	"github.com/Guizzs26/erp-table-sync/internal/models"

	"github.com/jackc/pgx/v5"
)

// ExistingRecords resolves the stored hashes of a key set with a single query
func (r *PostgresRepository) ExistingRecords(ctx context.Context, localTable string, keys []string) (map[string]models.StoredRecord, error) {
	found := make(map[string]models.StoredRecord, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	query, args := r.builder.BuildLookup(localTable, keys)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("existence lookup on %s failed: %w", localTable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec models.StoredRecord
		if err := rows.Scan(&rec.BusinessKey, &rec.RecordHash, &rec.PendingDeletion); err != nil {
			return nil, fmt.Errorf("existence scan failed: %w", err)
		}
		found[rec.BusinessKey] = rec
	}
	return found, rows.Err()
}

// WriteBatch applies one batch of classified writes in a single transaction. Inserts and
// updates are pipelined through a pgx.Batch; unchanged records are touched with one statement.
func (r *PostgresRepository) WriteBatch(ctx context.Context, table *models.TargetTable, runID int64, syncedAt time.Time, writes []models.RecordWrite) error {
	cols := table.BusinessColumns()
	batch := &pgx.Batch{}
	var touched []string

	for _, w := range writes {
		switch w.Kind {
		case models.WriteInsert:
			query, args := r.builder.BuildInsert(table.LocalTableName, cols, runID, syncedAt, w)
			batch.Queue(query, args...)
		case models.WriteUpdate:
			query, args := r.builder.BuildUpdate(table.LocalTableName, cols, runID, syncedAt, w)
			batch.Queue(query, args...)
		case models.WriteTouch:
			touched = append(touched, w.BusinessKey)
		}
	}
	if len(touched) > 0 {
		query, args := r.builder.BuildTouch(table.LocalTableName, runID, syncedAt, touched)
		batch.Queue(query, args...)
	}
	if batch.Len() == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("batch statement %d on %s failed: %w", i, table.LocalTableName, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// MarkAbsent soft-deletes every record not written by runID and returns how many were flagged
func (r *PostgresRepository) MarkAbsent(ctx context.Context, localTable string, runID int64, now time.Time) (int64, error) {
	query, args := r.builder.BuildMarkAbsent(localTable, runID, now)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("soft-delete marking on %s failed: %w", localTable, err)
	}
	return tag.RowsAffected(), nil
}

// ClearStaleNewFlags removes is_new_record from records not written by latestRunID
func (r *PostgresRepository) ClearStaleNewFlags(ctx context.Context, localTable string, latestRunID int64) (int64, error) {
	query, args := r.builder.BuildClearStaleNewFlags(localTable, latestRunID)
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("flag repair on %s failed: %w", localTable, err)
	}
	return tag.RowsAffected(), nil
}

// StoreBinary writes a blob fetched through the side channel into its local column
func (r *PostgresRepository) StoreBinary(ctx context.Context, localTable, businessKey, field string, data []byte) error {
	query := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE business_key = $2",
		mapper.QuoteIdent(localTable), mapper.QuoteIdent(field))
	if _, err := r.pool.Exec(ctx, query, data, businessKey); err != nil {
		return fmt.Errorf("failed to store %s for %s: %w", field, businessKey, err)
	}
	return nil
}
