package mapper

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

var testCols = []models.Column{
	{Name: "name", Type: models.TypeText},
	{Name: "credit", Type: models.TypeDecimal},
	{Name: "photo", Type: models.TypeBinary},
	{Name: "active", Type: models.TypeBoolean},
}

func strPtr(s string) *string { return &s }

func TestBuildAddColumn(t *testing.T) {
	b := NewSQLBuilder()

	tests := []struct {
		name    string
		def     models.PendingFieldDefinition
		want    string
		wantErr bool
	}{
		{
			name: "plain nullable column",
			def:  models.PendingFieldDefinition{FieldName: "city", BusinessType: models.TypeShortText},
			want: `ALTER TABLE "customers" ADD COLUMN "city" VARCHAR(255)`,
		},
		{
			name: "required with escaped default",
			def: models.PendingFieldDefinition{
				FieldName: "region", BusinessType: models.TypeText, DefaultValue: strPtr("d'oeste"), Required: true,
			},
			want: `ALTER TABLE "customers" ADD COLUMN "region" TEXT DEFAULT 'd''oeste'::TEXT NOT NULL`,
		},
		{
			name:    "required without default",
			def:     models.PendingFieldDefinition{FieldName: "code", BusinessType: models.TypeInteger, Required: true},
			wantErr: true,
		},
		{
			name:    "bookkeeping collision",
			def:     models.PendingFieldDefinition{FieldName: "record_hash", BusinessType: models.TypeText},
			wantErr: true,
		},
		{
			name:    "unsafe identifier",
			def:     models.PendingFieldDefinition{FieldName: "x; DROP TABLE y", BusinessType: models.TypeText},
			wantErr: true,
		},
		{
			name:    "unknown type",
			def:     models.PendingFieldDefinition{FieldName: "blob", BusinessType: "xml"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.BuildAddColumn("customers", tt.def)
			if tt.wantErr {
				if !errors.Is(err, models.ErrInvalidField) {
					t.Fatalf("BuildAddColumn() error = %v, want ErrInvalidField", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildAddColumn() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("BuildAddColumn() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuildInsertSkipsBinaryAndAbsentColumns(t *testing.T) {
	b := NewSQLBuilder()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	query, args := b.BuildInsert("customers", testCols, 7, now, models.RecordWrite{
		Kind:        models.WriteInsert,
		BusinessKey: "C-1",
		Values:      map[string]any{"name": "ACME", "photo": []byte{1}},
		Hash:        "abc",
	})

	if strings.Contains(query, `"photo"`) || strings.Contains(query, `"credit"`) {
		t.Errorf("insert wrote excluded columns: %s", query)
	}
	if !strings.HasPrefix(query, `INSERT INTO "customers" (business_key, "name", record_hash`) {
		t.Errorf("unexpected column list: %s", query)
	}
	// business_key, name + 8 bookkeeping values
	if len(args) != 10 {
		t.Fatalf("len(args) = %d, want 10", len(args))
	}
	if args[0] != "C-1" || args[2] != "abc" || args[4] != true || args[6] != int64(7) {
		t.Errorf("unexpected args: %v", args)
	}
}

func TestBuildUpdateMovesHashAndResetsAbsent(t *testing.T) {
	b := NewSQLBuilder()

	query, args := b.BuildUpdate("customers", testCols, 9, time.Now(), models.RecordWrite{
		Kind:        models.WriteUpdate,
		BusinessKey: "C-1",
		Values:      map[string]any{"name": "ACME", "active": float64(1)},
		Hash:        "def",
	})

	for _, want := range []string{
		`"credit" = DEFAULT`,
		"previous_record_hash = record_hash",
		"was_updated_last_sync = TRUE",
		"pending_deletion = FALSE",
		"WHERE business_key = $6",
	} {
		if !strings.Contains(query, want) {
			t.Errorf("update missing %q:\n%s", want, query)
		}
	}
	if strings.Contains(query, `"photo"`) {
		t.Errorf("update touched a binary column: %s", query)
	}
	if args[1] != true {
		t.Errorf("boolean from JSON number = %v, want true", args[1])
	}
	if args[len(args)-1] != "C-1" {
		t.Errorf("last arg = %v, want business key", args[len(args)-1])
	}
}

func TestFormatValue(t *testing.T) {
	b := NewSQLBuilder()

	tests := []struct {
		name string
		typ  models.BusinessType
		in   any
		want any
	}{
		{"nil stays nil", models.TypeText, nil, nil},
		{"number into text", models.TypeText, 42, "42"},
		{"whole float into integer", models.TypeInteger, float64(12), int64(12)},
		{"fractional float untouched", models.TypeInteger, 1.5, 1.5},
		{"json object", models.TypeJSON, map[string]any{"a": 1}, `{"a":1}`},
		{"json text kept", models.TypeJSON, `[1,2]`, `[1,2]`},
		{"plain string into json", models.TypeJSON, "hello", `"hello"`},
		{"date string passthrough", models.TypeDate, "2024-01-31", "2024-01-31"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := b.formatValue(tt.typ, tt.in); got != tt.want {
				t.Errorf("formatValue(%s, %v) = %#v, want %#v", tt.typ, tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildCreateTableRejectsBadNames(t *testing.T) {
	b := NewSQLBuilder()
	if _, err := b.BuildCreateTable("Customers"); err == nil {
		t.Error("BuildCreateTable accepted an upper-case name")
	}

	stmts, err := b.BuildCreateTable("erp_customers")
	if err != nil {
		t.Fatalf("BuildCreateTable() error = %v", err)
	}
	if len(stmts) != 3 || !strings.Contains(stmts[0], `CREATE TABLE IF NOT EXISTS "erp_customers"`) {
		t.Errorf("unexpected DDL: %v", stmts)
	}
}
