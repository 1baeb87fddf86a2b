package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/encoding"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/nakagami/firebirdsql"
)

const (
	DriverFirebird = "firebirdsql"
	DriverMySQL    = "mysql"
)

var erpIdentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]{0,62}$`)

// ERPSource reads full snapshots of ERP tables. It is the row producer of scheduled runs.
type ERPSource struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// NewERPSource opens a connection pool for the legacy ERP database
func NewERPSource(driver, connString string, logger *slog.Logger) (*ERPSource, error) {
	if driver != DriverFirebird && driver != DriverMySQL {
		return nil, fmt.Errorf("unsupported ERP driver %q", driver)
	}

	db, err := sql.Open(driver, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", driver, err)
	}

	// Connection pool settings optimized for legacy systems
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s ping failed: %w", driver, err)
	}

	logger.Info("Connected to ERP database successfully", "driver", driver)

	return &ERPSource{db: db, driver: driver, logger: logger}, nil
}

// quote renders an ERP identifier. Firebird folds unquoted names to upper case, so names are
// emitted unquoted after validation; MySQL gets backticks.
func (s *ERPSource) quote(name string) (string, error) {
	if !erpIdentPattern.MatchString(name) {
		return "", fmt.Errorf("invalid ERP identifier %q", name)
	}
	if s.driver == DriverMySQL {
		return "`" + name + "`", nil
	}
	return strings.ToUpper(name), nil
}

// FetchRows reads every row of the table's source with its non-binary columns
func (s *ERPSource) FetchRows(ctx context.Context, table *models.TargetTable) ([]models.SourceRecord, error) {
	if table.SourceKeyColumn == "" {
		return nil, fmt.Errorf("table %s has no source key column", table.SourceTableName)
	}

	cols := table.BusinessColumns()
	selectList := make([]string, 0, len(cols)+1)

	keyCol, err := s.quote(table.SourceKeyColumn)
	if err != nil {
		return nil, err
	}
	selectList = append(selectList, keyCol)
	for _, c := range cols {
		q, err := s.quote(c.Name)
		if err != nil {
			return nil, err
		}
		selectList = append(selectList, q)
	}

	source, err := s.quote(table.SourceTableName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectList, ", "), source)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table.SourceTableName, err)
	}
	defer rows.Close()

	var records []models.SourceRecord
	values := make([]any, len(selectList))
	ptrs := make([]any, len(selectList))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed on %s: %w", table.SourceTableName, err)
		}

		key := encoding.NormalizeValue(values[0])
		if key == nil {
			s.logger.Warn("Skipping ERP row without business key", "table", table.SourceTableName)
			continue
		}

		fields := make(map[string]any, len(cols))
		for i, c := range cols {
			fields[c.Name] = encoding.NormalizeValue(values[i+1])
		}
		records = append(records, models.SourceRecord{
			BusinessKey: fmt.Sprint(key),
			Fields:      fields,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cursor failed on %s: %w", table.SourceTableName, err)
	}

	s.logger.Debug("ERP snapshot read", "table", table.SourceTableName, "rows", len(records))
	return records, nil
}

// FetchBlob reads one binary column of one ERP row
func (s *ERPSource) FetchBlob(ctx context.Context, table *models.TargetTable, businessKey, field string) ([]byte, error) {
	opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	col, err := s.quote(field)
	if err != nil {
		return nil, err
	}
	keyCol, err := s.quote(table.SourceKeyColumn)
	if err != nil {
		return nil, err
	}
	source, err := s.quote(table.SourceTableName)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", col, source, keyCol)

	var data []byte
	if err := s.db.QueryRowContext(opCtx, query, businessKey).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("row %s vanished from %s", businessKey, table.SourceTableName)
		}
		return nil, fmt.Errorf("blob read failed: %w", err)
	}
	return data, nil
}

func (s *ERPSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close gracefully shuts down the database connection pool
func (s *ERPSource) Close() error {
	s.logger.Info("Closing ERP connection pool")
	return s.db.Close()
}
