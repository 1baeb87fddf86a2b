// Package hasher computes the content hash used for change detection.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

// Hash returns a hex SHA-256 digest over the declared non-binary columns of a row.
// Field order in the map is irrelevant and undeclared fields are ignored; a declared
// column missing from the row hashes as null.
func Hash(fields map[string]any, columns []models.Column) (string, error) {
	names := make([]string, 0, len(columns))
	for _, c := range columns {
		if c.Type == models.TypeBinary {
			continue
		}
		names = append(names, c.Name)
	}
	sort.Strings(names)

	pairs := make([][2]any, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]any{name, normalize(fields[name])})
	}

	canonical, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("failed to encode canonical row: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// normalize maps driver-specific representations to a stable JSON form
func normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(val)
	case json.Number:
		return val.String()
	case float32:
		return float64(val)
	default:
		return val
	}
}
