// Package scheduler decides when a target table is due for a sync and drives the
// per-table timer loops.
package scheduler

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
	"github.com/robfig/cron/v3"
)

var weekdayNames = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

// ParseWeekdays accepts full or three-letter English day names in any case
func ParseWeekdays(names []string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown weekday %q", n)
		}
		days[d] = true
	}
	return days, nil
}

// ParseTimeOfDay parses "HH:MM". An empty string means midnight.
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	h, m, found := strings.Cut(s, ":")
	if !found {
		return 0, 0, fmt.Errorf("time of day %q is not HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// Validate reports why a configuration cannot produce due times
func Validate(cfg models.SyncScheduleConfig) error {
	switch cfg.Mode {
	case models.ModeInterval:
		unit := cfg.IntervalUnit.Duration()
		if cfg.IntervalValue <= 0 || unit == 0 {
			return fmt.Errorf("interval mode needs a positive value and a unit (seconds, minutes, hours, days)")
		}
		if int64(cfg.IntervalValue) > math.MaxInt64/int64(unit) {
			return fmt.Errorf("interval of %d %s is too long", cfg.IntervalValue, cfg.IntervalUnit)
		}
	case models.ModeSchedule:
		if len(cfg.Weekdays) == 0 {
			return fmt.Errorf("schedule mode needs at least one weekday")
		}
		if _, err := ParseWeekdays(cfg.Weekdays); err != nil {
			return err
		}
		if _, _, err := ParseTimeOfDay(cfg.TimeOfDay); err != nil {
			return err
		}
	case models.ModeCron:
		if strings.TrimSpace(cfg.CronExpression) == "" {
			return fmt.Errorf("cron mode needs an expression")
		}
		if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
	default:
		return fmt.Errorf("unknown schedule mode %q", cfg.Mode)
	}
	return nil
}

// NextDue returns the next time the table should sync, strictly after now except for a table
// that never synced in interval mode, which is due immediately. Weekday schedules are evaluated
// in now's location. Invalid configurations yield nil.
func NextDue(cfg models.SyncScheduleConfig, lastSyncAt *time.Time, now time.Time) *time.Time {
	if Validate(cfg) != nil {
		return nil
	}

	if cfg.Mode == models.ModeInterval {
		if lastSyncAt == nil {
			return &now
		}
		step := intervalStep(cfg)
		next := lastSyncAt.Add(step)
		if !next.After(now) {
			// skip missed slots: a single fire, then the regular cadence
			missed := now.Sub(*lastSyncAt) / step
			next = lastSyncAt.Add((missed + 1) * step)
		}
		return &next
	}

	return nextAfter(cfg, now)
}

// IsDue reports whether a sync should start now. Interval mode fires once when the step
// has elapsed, or right away when the table never synced; schedule and cron fire when an
// occurrence fell in (lastSyncAt, now] and never without a lastSyncAt to measure from.
func IsDue(cfg models.SyncScheduleConfig, lastSyncAt *time.Time, now time.Time) bool {
	if Validate(cfg) != nil {
		return false
	}

	if cfg.Mode == models.ModeInterval {
		if lastSyncAt == nil {
			return true
		}
		return !lastSyncAt.Add(intervalStep(cfg)).After(now)
	}
	if lastSyncAt == nil {
		return false
	}

	next := nextAfter(cfg, lastSyncAt.In(now.Location()))
	return next != nil && !next.After(now)
}

// intervalStep is only meaningful for configurations that passed Validate
func intervalStep(cfg models.SyncScheduleConfig) time.Duration {
	return time.Duration(cfg.IntervalValue) * cfg.IntervalUnit.Duration()
}

// nextAfter computes the first schedule or cron occurrence strictly after t
func nextAfter(cfg models.SyncScheduleConfig, t time.Time) *time.Time {
	switch cfg.Mode {
	case models.ModeSchedule:
		days, err := ParseWeekdays(cfg.Weekdays)
		if err != nil || len(days) == 0 {
			return nil
		}
		hour, minute, err := ParseTimeOfDay(cfg.TimeOfDay)
		if err != nil {
			return nil
		}
		// eight days covers today's slot having passed on a single-day schedule
		for d := 0; d <= 7; d++ {
			candidate := time.Date(t.Year(), t.Month(), t.Day()+d, hour, minute, 0, 0, t.Location())
			if days[candidate.Weekday()] && candidate.After(t) {
				return &candidate
			}
		}
		return nil

	case models.ModeCron:
		sched, err := cron.ParseStandard(cfg.CronExpression)
		if err != nil {
			return nil
		}
		next := sched.Next(t)
		if next.IsZero() {
			return nil
		}
		return &next
	}
	return nil
}
