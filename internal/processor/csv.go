package processor

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/Guizzs26/erp-table-sync/pkg/encoding"
)

// ParseCSV reads an ERP export into source records. The header names columns
// case-insensitively; the key column is the table's source key. Columns that are not
// declared on the table are ignored and empty cells become NULL.
func ParseCSV(r io.Reader, table *models.TargetTable) ([]models.SourceRecord, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv is empty")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(encoding.ToUTF8([]byte(h))))] = i
	}

	keyIdx, ok := index[strings.ToLower(table.SourceKeyColumn)]
	if !ok {
		return nil, fmt.Errorf("csv has no key column %q", table.SourceKeyColumn)
	}

	var records []models.SourceRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		key := cell(row, keyIdx)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty business key", line)
		}

		fields := make(map[string]any)
		for _, c := range table.BusinessColumns() {
			i, ok := index[c.Name]
			if !ok {
				continue
			}
			v, err := convertCell(c.Type, cell(row, i))
			if err != nil {
				return nil, fmt.Errorf("line %d, column %s: %w", line, c.Name, err)
			}
			fields[c.Name] = v
		}
		records = append(records, models.SourceRecord{BusinessKey: key, Fields: fields})
	}
	return records, nil
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(encoding.ToUTF8([]byte(row[i])))
}

func convertCell(t models.BusinessType, s string) (any, error) {
	if s == "" {
		return nil, nil
	}
	switch t {
	case models.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case models.TypeDecimal:
		// ERP exports use a decimal comma
		return strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	case models.TypeBoolean:
		return strconv.ParseBool(strings.ToLower(s))
	}
	return s, nil
}
