package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

type SyncType string

const (
	SyncTypeManual    SyncType = "manual"
	SyncTypeScheduled SyncType = "scheduled"
	SyncTypeCSV       SyncType = "csv"
)

func (t SyncType) Valid() bool {
	return t == SyncTypeManual || t == SyncTypeScheduled || t == SyncTypeCSV
}

// TerminatedByOperator is the error message left on force-terminated runs
const TerminatedByOperator = "terminated by operator"

// SyncRun is the log record of one execution attempt against a target table
type SyncRun struct {
	ID                   int64      `db:"id" json:"id"`
	TargetTableID        int64      `db:"target_table_id" json:"target_table_id"`
	Status               RunStatus  `db:"status" json:"status"`
	SyncType             SyncType   `db:"sync_type" json:"sync_type"`
	StartedAt            time.Time  `db:"started_at" json:"started_at"`
	FinishedAt           *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	TotalRecords         int        `db:"total_records" json:"total_records"`
	RecordsProcessed     int        `db:"records_processed" json:"records_processed"`
	RecordsCreated       int        `db:"records_created" json:"records_created"`
	RecordsUpdated       int        `db:"records_updated" json:"records_updated"`
	RecordsDeleted       int        `db:"records_deleted" json:"records_deleted"`
	ErrorMessage         *string    `db:"error_message" json:"error_message,omitempty"`
	ExcludedBinaryFields []string   `db:"excluded_binary_fields" json:"excluded_binary_fields"`
	BinaryDownloadErrors int        `db:"binary_download_errors" json:"binary_download_errors"`
}

// Duration reports how long the run took, or has been running so far
func (r *SyncRun) Duration(now time.Time) time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}
