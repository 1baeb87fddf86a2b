package main

import (
	"reflect"
	"testing"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

func TestScheduleFlagsBuild(t *testing.T) {
	tests := []struct {
		name    string
		flags   scheduleFlags
		want    models.SyncScheduleConfig
		wantErr bool
	}{
		{
			name:  "interval",
			flags: scheduleFlags{mode: "interval", every: 30, unit: "Minutes"},
			want:  models.SyncScheduleConfig{TargetTableID: 3, Mode: models.ModeInterval, IntervalValue: 30, IntervalUnit: models.UnitMinutes, Enabled: true},
		},
		{
			name:  "weekday schedule",
			flags: scheduleFlags{mode: "schedule", weekdays: "Mon, wed,,fri", at: "06:30"},
			want:  models.SyncScheduleConfig{TargetTableID: 3, Mode: models.ModeSchedule, Weekdays: []string{"mon", "wed", "fri"}, TimeOfDay: "06:30", Enabled: true},
		},
		{
			name:  "disabled cron",
			flags: scheduleFlags{mode: "cron", cron: "0 */2 * * *", disabled: true},
			want:  models.SyncScheduleConfig{TargetTableID: 3, Mode: models.ModeCron, CronExpression: "0 */2 * * *"},
		},
		{name: "interval without length", flags: scheduleFlags{mode: "interval", unit: "minutes"}, wantErr: true},
		{name: "unknown weekday", flags: scheduleFlags{mode: "schedule", weekdays: "funday"}, wantErr: true},
		{name: "bad cron", flags: scheduleFlags{mode: "cron", cron: "every tuesday"}, wantErr: true},
		{name: "unknown mode", flags: scheduleFlags{mode: "hourly"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.build(3)
			if (err != nil) != tt.wantErr {
				t.Fatalf("build() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("build() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID("42", "table id"); err != nil || id != 42 {
		t.Errorf("parseID(42) = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-1", "x"} {
		if _, err := parseID(bad, "table id"); err == nil {
			t.Errorf("parseID(%q) succeeded", bad)
		}
	}
}
