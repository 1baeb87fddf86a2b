package mapper

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/jackc/pgx/v5"
)

// Bookkeeping columns present on every mirrored table
const (
	ColBusinessKey        = "business_key"
	ColRecordHash         = "record_hash"
	ColPreviousRecordHash = "previous_record_hash"
	ColIsNewRecord        = "is_new_record"
	ColWasUpdated         = "was_updated_last_sync"
	ColLastSyncID         = "last_sync_id"
	ColLastSyncedAt       = "last_synced_at"
	ColPendingDeletion    = "pending_deletion"
	ColPendingDeletionAt  = "pending_deletion_at"
)

var reservedColumns = map[string]bool{
	"id":                  true,
	ColBusinessKey:        true,
	ColRecordHash:         true,
	ColPreviousRecordHash: true,
	ColIsNewRecord:        true,
	ColWasUpdated:         true,
	ColLastSyncID:         true,
	ColLastSyncedAt:       true,
	ColPendingDeletion:    true,
	ColPendingDeletionAt:  true,
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// SQLBuilder translates table definitions and classified writes into PostgreSQL statements
type SQLBuilder struct{}

// NewSQLBuilder initializes a new mapper instance
func NewSQLBuilder() *SQLBuilder {
	return &SQLBuilder{}
}

// ValidIdentifier reports whether name is a lower-case PostgreSQL identifier we accept for
// local tables and business columns
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

// IsReservedColumn reports whether name collides with a bookkeeping column
func IsReservedColumn(name string) bool {
	return reservedColumns[strings.ToLower(name)]
}

// QuoteIdent quotes a single identifier
func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// ColumnType maps a business type to its PostgreSQL column type
func ColumnType(t models.BusinessType) (string, error) {
	switch t {
	case models.TypeText:
		return "TEXT", nil
	case models.TypeShortText:
		return "VARCHAR(255)", nil
	case models.TypeInteger:
		return "BIGINT", nil
	case models.TypeDecimal:
		return "NUMERIC", nil
	case models.TypeBoolean:
		return "BOOLEAN", nil
	case models.TypeDate:
		return "DATE", nil
	case models.TypeTimestamp:
		return "TIMESTAMPTZ", nil
	case models.TypeJSON:
		return "JSONB", nil
	case models.TypeBinary:
		return "BYTEA", nil
	}
	return "", fmt.Errorf("unsupported business type %q", t)
}

// BuildCreateTable returns the statements that create a mirrored table with its bookkeeping
// columns and indexes. Every statement is idempotent.
func (b *SQLBuilder) BuildCreateTable(localTable string) ([]string, error) {
	if !ValidIdentifier(localTable) {
		return nil, fmt.Errorf("invalid local table name %q", localTable)
	}
	table := QuoteIdent(localTable)

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	business_key TEXT NOT NULL UNIQUE,
	record_hash TEXT NOT NULL,
	previous_record_hash TEXT,
	is_new_record BOOLEAN NOT NULL DEFAULT TRUE,
	was_updated_last_sync BOOLEAN NOT NULL DEFAULT TRUE,
	last_sync_id BIGINT,
	last_synced_at TIMESTAMPTZ,
	pending_deletion BOOLEAN NOT NULL DEFAULT FALSE,
	pending_deletion_at TIMESTAMPTZ
)`, table)

	return []string{
		create,
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (last_sync_id)",
			QuoteIdent("idx_"+localTable+"_last_sync"), table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (last_sync_id) WHERE is_new_record",
			QuoteIdent("idx_"+localTable+"_new"), table),
	}, nil
}

// BuildAddColumn generates the additive DDL for one pending field
func (b *SQLBuilder) BuildAddColumn(localTable string, def models.PendingFieldDefinition) (string, error) {
	if !ValidIdentifier(def.FieldName) || IsReservedColumn(def.FieldName) {
		return "", fmt.Errorf("%w: column name %q", models.ErrInvalidField, def.FieldName)
	}
	colType, err := ColumnType(def.BusinessType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidField, err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ALTER TABLE %s ADD COLUMN %s %s",
		QuoteIdent(localTable), QuoteIdent(def.FieldName), colType)

	if def.DefaultValue != nil {
		fmt.Fprintf(&sb, " DEFAULT %s::%s", quoteLiteral(*def.DefaultValue), colType)
	}
	if def.Required {
		// existing rows need a value to satisfy NOT NULL
		if def.DefaultValue == nil {
			return "", fmt.Errorf("%w: required field %q needs a default value", models.ErrInvalidField, def.FieldName)
		}
		sb.WriteString(" NOT NULL")
	}

	return sb.String(), nil
}

// BuildInsert generates the INSERT for a brand new local record. Declared columns missing
// from the row are left to their column default.
func (b *SQLBuilder) BuildInsert(localTable string, cols []models.Column, runID int64, syncedAt time.Time, w models.RecordWrite) (string, []any) {
	columns := []string{ColBusinessKey}
	args := []any{w.BusinessKey}
	for _, c := range cols {
		v, ok := w.Values[c.Name]
		if !ok || c.Type == models.TypeBinary {
			continue
		}
		columns = append(columns, QuoteIdent(c.Name))
		args = append(args, b.formatValue(c.Type, v))
	}
	columns = append(columns, ColRecordHash, ColPreviousRecordHash, ColIsNewRecord, ColWasUpdated,
		ColLastSyncID, ColLastSyncedAt, ColPendingDeletion, ColPendingDeletionAt)
	args = append(args, w.Hash, nil, true, true, runID, syncedAt, false, nil)

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		QuoteIdent(localTable),
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return query, args
}

// BuildUpdate generates the UPDATE for a record whose hash changed. The stored hash moves to
// previous_record_hash in the same statement; declared columns missing from the row are reset
// to their default.
func (b *SQLBuilder) BuildUpdate(localTable string, cols []models.Column, runID int64, syncedAt time.Time, w models.RecordWrite) (string, []any) {
	var setClauses []string
	var args []any
	for _, c := range cols {
		if c.Type == models.TypeBinary {
			continue
		}
		v, ok := w.Values[c.Name]
		if !ok {
			setClauses = append(setClauses, QuoteIdent(c.Name)+" = DEFAULT")
			continue
		}
		args = append(args, b.formatValue(c.Type, v))
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", QuoteIdent(c.Name), len(args)))
	}

	args = append(args, w.Hash, runID, syncedAt)
	n := len(args)
	setClauses = append(setClauses,
		ColPreviousRecordHash+" = "+ColRecordHash,
		fmt.Sprintf("%s = $%d", ColRecordHash, n-2),
		ColIsNewRecord+" = FALSE",
		ColWasUpdated+" = TRUE",
		fmt.Sprintf("%s = $%d", ColLastSyncID, n-1),
		fmt.Sprintf("%s = $%d", ColLastSyncedAt, n),
		ColPendingDeletion+" = FALSE",
		ColPendingDeletionAt+" = NULL",
	)

	args = append(args, w.BusinessKey)
	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d",
		QuoteIdent(localTable),
		strings.Join(setClauses, ", "),
		ColBusinessKey,
		len(args),
	)

	return query, args
}

// BuildTouch refreshes the sync markers of unchanged records in one statement
func (b *SQLBuilder) BuildTouch(localTable string, runID int64, syncedAt time.Time, keys []string) (string, []any) {
	query := fmt.Sprintf(`UPDATE %s SET
		is_new_record = FALSE,
		was_updated_last_sync = FALSE,
		last_sync_id = $1,
		last_synced_at = $2,
		pending_deletion = FALSE,
		pending_deletion_at = NULL
	WHERE business_key = ANY($3)`, QuoteIdent(localTable))

	return query, []any{runID, syncedAt, keys}
}

// BuildMarkAbsent flags every record the run did not touch. Records already flagged keep
// their original pending_deletion_at.
func (b *SQLBuilder) BuildMarkAbsent(localTable string, runID int64, now time.Time) (string, []any) {
	query := fmt.Sprintf(`UPDATE %s SET
		pending_deletion = TRUE,
		pending_deletion_at = $2
	WHERE last_sync_id IS DISTINCT FROM $1
	  AND pending_deletion = FALSE`, QuoteIdent(localTable))

	return query, []any{runID, now}
}

// BuildClearStaleNewFlags clears is_new_record on records not written by the latest run
func (b *SQLBuilder) BuildClearStaleNewFlags(localTable string, latestRunID int64) (string, []any) {
	query := fmt.Sprintf(`UPDATE %s SET is_new_record = FALSE
	WHERE is_new_record = TRUE
	  AND last_sync_id IS DISTINCT FROM $1`, QuoteIdent(localTable))

	return query, []any{latestRunID}
}

// BuildLookup selects the stored hashes of the given business keys
func (b *SQLBuilder) BuildLookup(localTable string, keys []string) (string, []any) {
	query := fmt.Sprintf(
		"SELECT business_key, record_hash, pending_deletion FROM %s WHERE business_key = ANY($1)",
		QuoteIdent(localTable),
	)
	return query, []any{keys}
}

// formatValue adapts loosely typed values (JSON-decoded CSV payloads, ERP driver values)
// to the column they are written to. Strings are sent as text and cast by the server.
func (b *SQLBuilder) formatValue(t models.BusinessType, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case models.TypeText, models.TypeShortText:
		switch val := v.(type) {
		case string:
			return val
		case []byte:
			return string(val)
		default:
			return fmt.Sprint(val)
		}
	case models.TypeInteger:
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case models.TypeBoolean:
		switch val := v.(type) {
		case int64:
			return val != 0
		case int:
			return val != 0
		case float64:
			return val != 0
		}
	case models.TypeJSON:
		if s, ok := v.(string); ok && json.Valid([]byte(s)) {
			return s
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(raw)
	}
	return v
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
