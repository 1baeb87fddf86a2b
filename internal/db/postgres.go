package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/mapper"
	"github.com/Guizzs26/erp-table-sync/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresRepository owns the control tables and the mirrored local tables
type PostgresRepository struct {
	pool    *pgxpool.Pool
	builder *mapper.SQLBuilder
	logger  *slog.Logger
}

func NewPostgresRepository(ctx context.Context, connString string, logger *slog.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresRepository{pool: p, builder: mapper.NewSQLBuilder(), logger: logger}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS target_tables (
		id BIGSERIAL PRIMARY KEY,
		source_table_name TEXT NOT NULL,
		local_table_name TEXT NOT NULL UNIQUE,
		source_key_column TEXT NOT NULL DEFAULT '',
		column_set JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS pending_fields (
		id BIGSERIAL PRIMARY KEY,
		target_table_id BIGINT NOT NULL REFERENCES target_tables(id),
		field_name TEXT NOT NULL,
		business_type TEXT NOT NULL,
		default_value TEXT,
		required BOOLEAN NOT NULL DEFAULT FALSE,
		applied_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (target_table_id, field_name)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_runs (
		id BIGSERIAL PRIMARY KEY,
		target_table_id BIGINT NOT NULL REFERENCES target_tables(id),
		status TEXT NOT NULL CHECK (status IN ('running', 'completed', 'failed')),
		sync_type TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		finished_at TIMESTAMPTZ,
		total_records INT NOT NULL DEFAULT 0,
		records_processed INT NOT NULL DEFAULT 0,
		records_created INT NOT NULL DEFAULT 0,
		records_updated INT NOT NULL DEFAULT 0,
		records_deleted INT NOT NULL DEFAULT 0,
		error_message TEXT,
		excluded_binary_fields TEXT[] NOT NULL DEFAULT '{}',
		binary_download_errors INT NOT NULL DEFAULT 0
	)`,
	// at most one running run per table
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_runs_running
		ON sync_runs (target_table_id) WHERE status = 'running'`,
	`CREATE INDEX IF NOT EXISTS idx_sync_runs_table_started
		ON sync_runs (target_table_id, started_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS sync_schedules (
		target_table_id BIGINT PRIMARY KEY REFERENCES target_tables(id),
		mode TEXT NOT NULL,
		interval_value INT NOT NULL DEFAULT 0,
		interval_unit TEXT NOT NULL DEFAULT '',
		weekdays TEXT[] NOT NULL DEFAULT '{}',
		time_of_day TEXT NOT NULL DEFAULT '00:00',
		cron_expression TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS sync_imports (
		correlation_id TEXT PRIMARY KEY,
		run_id BIGINT,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the control tables. Safe to run on every start.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	r.logger.Info("Control tables are up to date")
	return nil
}

// --- target tables ---

const targetTableColumns = `id, source_table_name, local_table_name, source_key_column, column_set, created_at`

func scanTargetTable(row pgx.Row) (*models.TargetTable, error) {
	var t models.TargetTable
	var rawCols []byte
	if err := row.Scan(&t.ID, &t.SourceTableName, &t.LocalTableName, &t.SourceKeyColumn, &rawCols, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rawCols, &t.Columns); err != nil {
		return nil, fmt.Errorf("corrupt column_set on table %d: %w", t.ID, err)
	}
	return &t, nil
}

// CreateTargetTable registers a table and creates its local mirror in a single transaction.
// Onboarding the same local table twice returns the existing registration.
func (r *PostgresRepository) CreateTargetTable(ctx context.Context, sourceTable, localTable, keyColumn string) (*models.TargetTable, error) {
	ddl, err := r.builder.BuildCreateTable(localTable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidField, err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range ddl {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create local table %s: %w", localTable, err)
		}
	}

	query := `
		INSERT INTO target_tables (source_table_name, local_table_name, source_key_column)
		VALUES ($1, $2, $3)
		ON CONFLICT (local_table_name) DO UPDATE
		SET source_table_name = EXCLUDED.source_table_name,
		    source_key_column = EXCLUDED.source_key_column
		RETURNING ` + targetTableColumns

	t, err := scanTargetTable(tx.QueryRow(ctx, query, sourceTable, localTable, keyColumn))
	if err != nil {
		return nil, fmt.Errorf("failed to register target table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit onboarding: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) GetTargetTable(ctx context.Context, id int64) (*models.TargetTable, error) {
	query := `SELECT ` + targetTableColumns + ` FROM target_tables WHERE id = $1`
	t, err := scanTargetTable(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrTableNotFound
		}
		return nil, fmt.Errorf("failed to load target table %d: %w", id, err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTargetTables(ctx context.Context) ([]models.TargetTable, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+targetTableColumns+` FROM target_tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list target tables: %w", err)
	}
	defer rows.Close()

	var tables []models.TargetTable
	for rows.Next() {
		t, err := scanTargetTable(rows)
		if err != nil {
			return nil, fmt.Errorf("target table scan failed: %w", err)
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

// --- pending fields ---

const pendingFieldColumns = `id, target_table_id, field_name, business_type, default_value, required, applied_at, last_error, created_at`

func scanPendingField(row pgx.Row) (*models.PendingFieldDefinition, error) {
	var f models.PendingFieldDefinition
	err := row.Scan(&f.ID, &f.TargetTableID, &f.FieldName, &f.BusinessType, &f.DefaultValue,
		&f.Required, &f.AppliedAt, &f.LastError, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// UpsertPendingField stores a declaration. A second declaration of the same field returns
// the stored one untouched.
func (r *PostgresRepository) UpsertPendingField(ctx context.Context, def models.PendingFieldDefinition) (*models.PendingFieldDefinition, error) {
	insert := `
		INSERT INTO pending_fields (target_table_id, field_name, business_type, default_value, required)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (target_table_id, field_name) DO NOTHING`
	if _, err := r.pool.Exec(ctx, insert, def.TargetTableID, def.FieldName, def.BusinessType, def.DefaultValue, def.Required); err != nil {
		return nil, fmt.Errorf("failed to register field %s: %w", def.FieldName, err)
	}

	query := `SELECT ` + pendingFieldColumns + ` FROM pending_fields WHERE target_table_id = $1 AND field_name = $2`
	f, err := scanPendingField(r.pool.QueryRow(ctx, query, def.TargetTableID, def.FieldName))
	if err != nil {
		return nil, fmt.Errorf("failed to reload field %s: %w", def.FieldName, err)
	}
	return f, nil
}

func (r *PostgresRepository) ListUnappliedFields(ctx context.Context, tableID int64) ([]models.PendingFieldDefinition, error) {
	query := `SELECT ` + pendingFieldColumns + `
		FROM pending_fields
		WHERE target_table_id = $1 AND applied_at IS NULL
		ORDER BY id`
	rows, err := r.pool.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending fields: %w", err)
	}
	defer rows.Close()

	var fields []models.PendingFieldDefinition
	for rows.Next() {
		f, err := scanPendingField(rows)
		if err != nil {
			return nil, fmt.Errorf("pending field scan failed: %w", err)
		}
		fields = append(fields, *f)
	}
	return fields, rows.Err()
}

// ApplyField runs the column DDL, marks the field applied and appends it to the column set.
// Either all three happen or none does.
func (r *PostgresRepository) ApplyField(ctx context.Context, table *models.TargetTable, def models.PendingFieldDefinition) error {
	ddl, err := r.builder.BuildAddColumn(table.LocalTableName, def)
	if err != nil {
		return err
	}

	col, err := json.Marshal([]models.Column{{Name: def.FieldName, Type: def.BusinessType}})
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("add column %s failed: %w", def.FieldName, err)
	}

	_, err = tx.Exec(ctx, `UPDATE pending_fields SET applied_at = now(), last_error = NULL WHERE id = $1`, def.ID)
	if err != nil {
		return fmt.Errorf("failed to mark field %s applied: %w", def.FieldName, err)
	}

	_, err = tx.Exec(ctx, `UPDATE target_tables SET column_set = column_set || $2::jsonb WHERE id = $1`, table.ID, string(col))
	if err != nil {
		return fmt.Errorf("failed to extend column set: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *PostgresRepository) RecordFieldError(ctx context.Context, fieldID int64, msg string) error {
	_, err := r.pool.Exec(ctx, `UPDATE pending_fields SET last_error = $2 WHERE id = $1`, fieldID, msg)
	return err
}

// --- sync runs ---

const syncRunColumns = `id, target_table_id, status, sync_type, started_at, finished_at, total_records,
	records_processed, records_created, records_updated, records_deleted, error_message,
	excluded_binary_fields, binary_download_errors`

func scanRun(row pgx.Row) (*models.SyncRun, error) {
	var run models.SyncRun
	err := row.Scan(&run.ID, &run.TargetTableID, &run.Status, &run.SyncType, &run.StartedAt, &run.FinishedAt,
		&run.TotalRecords, &run.RecordsProcessed, &run.RecordsCreated, &run.RecordsUpdated, &run.RecordsDeleted,
		&run.ErrorMessage, &run.ExcludedBinaryFields, &run.BinaryDownloadErrors)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun opens a running run. The partial unique index turns a concurrent start on the
// same table into ErrRunInProgress.
func (r *PostgresRepository) CreateRun(ctx context.Context, run models.SyncRun) (*models.SyncRun, error) {
	if run.ExcludedBinaryFields == nil {
		run.ExcludedBinaryFields = []string{}
	}

	query := `
		INSERT INTO sync_runs (target_table_id, status, sync_type, started_at, total_records, excluded_binary_fields)
		VALUES ($1, 'running', $2, $3, $4, $5)
		RETURNING ` + syncRunColumns

	created, err := scanRun(r.pool.QueryRow(ctx, query, run.TargetTableID, run.SyncType, run.StartedAt,
		run.TotalRecords, run.ExcludedBinaryFields))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, models.ErrRunInProgress
		}
		return nil, fmt.Errorf("failed to open sync run: %w", err)
	}
	return created, nil
}

func (r *PostgresRepository) GetRun(ctx context.Context, id int64) (*models.SyncRun, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to load run %d: %w", id, err)
	}
	return run, nil
}

// LatestRun returns the most recently started run of a table, or nil when it never ran
func (r *PostgresRepository) LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error) {
	query := `SELECT ` + syncRunColumns + `
		FROM sync_runs
		WHERE target_table_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT 1`
	run, err := scanRun(r.pool.QueryRow(ctx, query, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest run: %w", err)
	}
	return run, nil
}

// LatestCompletedRunID returns the id of the newest completed run. ok is false when the
// table has none.
func (r *PostgresRepository) LatestCompletedRunID(ctx context.Context, tableID int64) (int64, bool, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM sync_runs WHERE target_table_id = $1 AND status = 'completed' ORDER BY id DESC LIMIT 1`,
		tableID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to load latest completed run: %w", err)
	}
	return id, true, nil
}

func (r *PostgresRepository) RunStatus(ctx context.Context, id int64) (models.RunStatus, error) {
	var status models.RunStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM sync_runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrRunNotFound
		}
		return "", err
	}
	return status, nil
}

// UpdateRunProgress persists the counters of a run that is still running
func (r *PostgresRepository) UpdateRunProgress(ctx context.Context, run *models.SyncRun) error {
	query := `
		UPDATE sync_runs
		SET records_processed = $2, records_created = $3, records_updated = $4
		WHERE id = $1 AND status = 'running'`
	_, err := r.pool.Exec(ctx, query, run.ID, run.RecordsProcessed, run.RecordsCreated, run.RecordsUpdated)
	return err
}

// FinishRun writes the terminal state of a run. It reports false when the run was no longer
// running, in which case nothing is written.
func (r *PostgresRepository) FinishRun(ctx context.Context, run *models.SyncRun) (bool, error) {
	query := `
		UPDATE sync_runs
		SET status = $2, finished_at = $3, records_processed = $4, records_created = $5,
		    records_updated = $6, records_deleted = $7, error_message = $8, binary_download_errors = $9
		WHERE id = $1 AND status = 'running'`
	tag, err := r.pool.Exec(ctx, query, run.ID, run.Status, run.FinishedAt, run.RecordsProcessed,
		run.RecordsCreated, run.RecordsUpdated, run.RecordsDeleted, run.ErrorMessage, run.BinaryDownloadErrors)
	if err != nil {
		return false, fmt.Errorf("failed to finish run %d: %w", run.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TerminateRun moves a running run to failed. changed is false when the run had already
// reached a terminal state; the stored run is returned either way.
func (r *PostgresRepository) TerminateRun(ctx context.Context, id int64, msg string, now time.Time) (*models.SyncRun, bool, error) {
	query := `
		UPDATE sync_runs
		SET status = 'failed', error_message = $2, finished_at = $3
		WHERE id = $1 AND status = 'running'
		RETURNING ` + syncRunColumns
	run, err := scanRun(r.pool.QueryRow(ctx, query, id, msg, now))
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to terminate run %d: %w", id, err)
	}

	run, err = r.GetRun(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return run, false, nil
}

func (r *PostgresRepository) ListRunningRuns(ctx context.Context) ([]models.SyncRun, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+syncRunColumns+` FROM sync_runs WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("run scan failed: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// --- schedules ---

const scheduleColumns = `target_table_id, mode, interval_value, interval_unit, weekdays, time_of_day, cron_expression, enabled`

func scanSchedule(row pgx.Row) (*models.SyncScheduleConfig, error) {
	var c models.SyncScheduleConfig
	err := row.Scan(&c.TargetTableID, &c.Mode, &c.IntervalValue, &c.IntervalUnit, &c.Weekdays,
		&c.TimeOfDay, &c.CronExpression, &c.Enabled)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *PostgresRepository) UpsertSchedule(ctx context.Context, cfg models.SyncScheduleConfig) error {
	if cfg.Weekdays == nil {
		cfg.Weekdays = []string{}
	}
	if cfg.TimeOfDay == "" {
		cfg.TimeOfDay = "00:00"
	}

	query := `
		INSERT INTO sync_schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (target_table_id) DO UPDATE
		SET mode = EXCLUDED.mode, interval_value = EXCLUDED.interval_value,
		    interval_unit = EXCLUDED.interval_unit, weekdays = EXCLUDED.weekdays,
		    time_of_day = EXCLUDED.time_of_day, cron_expression = EXCLUDED.cron_expression,
		    enabled = EXCLUDED.enabled, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, cfg.TargetTableID, cfg.Mode, cfg.IntervalValue, cfg.IntervalUnit,
		cfg.Weekdays, cfg.TimeOfDay, cfg.CronExpression, cfg.Enabled)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.ErrTableNotFound
		}
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	return nil
}

// GetSchedule returns nil when the table has no schedule
func (r *PostgresRepository) GetSchedule(ctx context.Context, tableID int64) (*models.SyncScheduleConfig, error) {
	cfg, err := scanSchedule(r.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM sync_schedules WHERE target_table_id = $1`, tableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return cfg, nil
}

func (r *PostgresRepository) ListEnabledSchedules(ctx context.Context) ([]models.SyncScheduleConfig, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+scheduleColumns+` FROM sync_schedules WHERE enabled ORDER BY target_table_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var cfgs []models.SyncScheduleConfig
	for rows.Next() {
		cfg, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("schedule scan failed: %w", err)
		}
		cfgs = append(cfgs, *cfg)
	}
	return cfgs, rows.Err()
}

// --- import idempotency ---

// IsImportProcessed checks if a correlation_id has already been imported
func (r *PostgresRepository) IsImportProcessed(ctx context.Context, correlationID string) (bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var exists bool
	err := r.pool.QueryRow(opCtx, `SELECT EXISTS (SELECT 1 FROM sync_imports WHERE correlation_id = $1)`, correlationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return exists, nil
}

// MarkImportProcessed records the correlation_id together with the run it produced
func (r *PostgresRepository) MarkImportProcessed(ctx context.Context, correlationID string, runID int64) error {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := r.pool.Exec(opCtx,
		`INSERT INTO sync_imports (correlation_id, run_id) VALUES ($1, $2) ON CONFLICT (correlation_id) DO NOTHING`,
		correlationID, runID)
	if err != nil {
		return fmt.Errorf("failed to mark import as processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Idempotency race detected: correlation_id already exists in DB", "id", correlationID)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() {
	r.pool.Close()
}
