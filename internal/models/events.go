package models

import (
	"encoding/json"
	"time"
)

// SyncRunEvent is published to the broker whenever a run reaches a terminal state
type SyncRunEvent struct {
	EventID        string    `json:"event_id"`
	RunID          int64     `json:"run_id"`
	TargetTableID  int64     `json:"target_table_id"`
	Status         RunStatus `json:"status"`
	SyncType       SyncType  `json:"sync_type"`
	RecordsCreated int       `json:"records_created"`
	RecordsUpdated int       `json:"records_updated"`
	RecordsDeleted int       `json:"records_deleted"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ImportRequest carries a materialized batch (CSV upload or manual push) through the broker
type ImportRequest struct {
	CorrelationID string          `json:"correlation_id"`
	TargetTableID int64           `json:"target_table_id"`
	SyncType      SyncType        `json:"sync_type"`
	Rows          json.RawMessage `json:"rows"`
}

// EstimateBytes approximates the memory held by the request payload
func (r *ImportRequest) EstimateBytes() int {
	return len(r.Rows) + len(r.CorrelationID)
}

// DecodeRows parses the raw rows payload
func (r *ImportRequest) DecodeRows() ([]SourceRecord, error) {
	var rows []SourceRecord
	if len(r.Rows) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(r.Rows, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
