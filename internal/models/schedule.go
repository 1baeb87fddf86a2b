package models

import "time"

type ScheduleMode string

const (
	ModeInterval ScheduleMode = "interval"
	ModeSchedule ScheduleMode = "schedule"
	ModeCron     ScheduleMode = "cron"
)

type IntervalUnit string

const (
	UnitSeconds IntervalUnit = "seconds"
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
)

// Duration converts the unit to its length, zero for unknown units
func (u IntervalUnit) Duration() time.Duration {
	switch u {
	case UnitSeconds:
		return time.Second
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	}
	return 0
}

// SyncScheduleConfig holds the schedule of one target table. Only the fields of
// the selected mode are read.
type SyncScheduleConfig struct {
	TargetTableID  int64        `db:"target_table_id" json:"target_table_id"`
	Mode           ScheduleMode `db:"mode" json:"mode"`
	IntervalValue  int          `db:"interval_value" json:"interval_value,omitempty"`
	IntervalUnit   IntervalUnit `db:"interval_unit" json:"interval_unit,omitempty"`
	Weekdays       []string     `db:"weekdays" json:"weekdays,omitempty"`
	TimeOfDay      string       `db:"time_of_day" json:"time_of_day,omitempty"` // HH:MM
	CronExpression string       `db:"cron_expression" json:"cron_expression,omitempty"`
	Enabled        bool         `db:"enabled" json:"enabled"`
}
