package models

import (
	"strings"
	"time"
)

// BusinessType is the declared type of a mirrored ERP column
type BusinessType string

const (
	TypeText      BusinessType = "text"
	TypeShortText BusinessType = "short-text"
	TypeInteger   BusinessType = "integer"
	TypeDecimal   BusinessType = "decimal"
	TypeBoolean   BusinessType = "boolean"
	TypeDate      BusinessType = "date"
	TypeTimestamp BusinessType = "timestamp"
	TypeJSON      BusinessType = "json"
	// TypeBinary columns exist physically but never travel through the row path
	TypeBinary BusinessType = "binary"
)

func (t BusinessType) Valid() bool {
	switch t {
	case TypeText, TypeShortText, TypeInteger, TypeDecimal, TypeBoolean,
		TypeDate, TypeTimestamp, TypeJSON, TypeBinary:
		return true
	}
	return false
}

// ParseBusinessType accepts the canonical names case-insensitively
func ParseBusinessType(s string) (BusinessType, bool) {
	t := BusinessType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Column is one applied entry of a table's column set
type Column struct {
	Name string       `json:"name"`
	Type BusinessType `json:"type"`
}

// TargetTable is an ERP table mirrored into a local table
type TargetTable struct {
	ID              int64     `db:"id" json:"id"`
	SourceTableName string    `db:"source_table_name" json:"source_table_name"`
	LocalTableName  string    `db:"local_table_name" json:"local_table_name"`
	SourceKeyColumn string    `db:"source_key_column" json:"source_key_column"`
	Columns         []Column  `db:"column_set" json:"column_set"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// BusinessColumns returns the columns that are hashed and written by the executor
func (t *TargetTable) BusinessColumns() []Column {
	cols := make([]Column, 0, len(t.Columns))
	for _, c := range t.Columns {
		if c.Type != TypeBinary {
			cols = append(cols, c)
		}
	}
	return cols
}

// BinaryColumns returns the names of blob columns excluded from the row path
func (t *TargetTable) BinaryColumns() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Type == TypeBinary {
			names = append(names, c.Name)
		}
	}
	return names
}

func (t *TargetTable) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

// PendingFieldDefinition is a declared column waiting to be added to the local table.
// Once AppliedAt is set the field belongs to the column set for good.
type PendingFieldDefinition struct {
	ID            int64        `db:"id" json:"id"`
	TargetTableID int64        `db:"target_table_id" json:"target_table_id"`
	FieldName     string       `db:"field_name" json:"field_name"`
	BusinessType  BusinessType `db:"business_type" json:"business_type"`
	DefaultValue  *string      `db:"default_value" json:"default_value,omitempty"`
	Required      bool         `db:"required" json:"required"`
	AppliedAt     *time.Time   `db:"applied_at" json:"applied_at,omitempty"`
	LastError     *string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

func (f *PendingFieldDefinition) Applied() bool {
	return f.AppliedAt != nil
}
