package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Guizzs26/erp-table-sync/internal/models"
)

const minWait = time.Second

// Store defines the data the scheduler needs to compute due times
type Store interface {
	ListEnabledSchedules(ctx context.Context) ([]models.SyncScheduleConfig, error)
	LatestRun(ctx context.Context, tableID int64) (*models.SyncRun, error)
}

// Trigger starts a scheduled sync of one table and blocks until it ends
type Trigger func(ctx context.Context, tableID int64) error

type worker struct {
	cfg    models.SyncScheduleConfig
	cancel context.CancelFunc
}

// Scheduler keeps one timer loop per enabled table schedule
type Scheduler struct {
	store         Store
	trigger       Trigger
	checkInterval time.Duration
	loc           *time.Location
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	workers map[int64]*worker
	loops   sync.WaitGroup
}

func New(store Store, trigger Trigger, checkInterval time.Duration, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		store:         store,
		trigger:       trigger,
		checkInterval: checkInterval,
		loc:           loc,
		logger:        logger,
		now:           time.Now,
		workers:       map[int64]*worker{},
	}
}

// Run supervises the table loops until ctx is cancelled. The set of schedules is reloaded
// every check interval; changed schedules restart their loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler started", "check_interval", s.checkInterval, "timezone", s.loc.String())

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	s.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// Active returns the ids of tables with a running loop
func (s *Scheduler) Active() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Scheduler) refresh(ctx context.Context) {
	cfgs, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("Failed to load schedules", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool, len(cfgs))
	for _, cfg := range cfgs {
		seen[cfg.TargetTableID] = true

		if w, ok := s.workers[cfg.TargetTableID]; ok {
			if sameSchedule(w.cfg, cfg) {
				continue
			}
			s.logger.Info("Schedule changed, restarting table loop", "table_id", cfg.TargetTableID)
			// not awaited: the loop may be mid-sync, stopAll waits for it
			w.cancel()
			delete(s.workers, cfg.TargetTableID)
		}

		if err := Validate(cfg); err != nil {
			s.logger.Warn("Ignoring invalid schedule", "table_id", cfg.TargetTableID, "error", err)
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		w := &worker{cfg: cfg, cancel: cancel}
		s.workers[cfg.TargetTableID] = w
		s.loops.Add(1)
		go func() {
			defer s.loops.Done()
			s.tableLoop(wctx, w.cfg)
		}()
	}

	for id, w := range s.workers {
		if !seen[id] {
			s.logger.Info("Schedule removed or disabled, stopping table loop", "table_id", id)
			w.cancel()
			delete(s.workers, id)
		}
	}
}

// stopAll cancels every loop and waits for all of them, retired ones included
func (s *Scheduler) stopAll() {
	s.mu.Lock()
	for id, w := range s.workers {
		w.cancel()
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.loops.Wait()
}

func (s *Scheduler) tableLoop(ctx context.Context, cfg models.SyncScheduleConfig) {
	l := s.logger.With("table_id", cfg.TargetTableID, "mode", cfg.Mode)
	l.Debug("Table loop started")

	// a never-synced schedule or cron table waits for the first occurrence after the loop start
	started := s.now().In(s.loc)

	for {
		wait := s.checkInterval

		last, err := s.lastSyncAt(ctx, cfg.TargetTableID)
		if err != nil {
			l.Error("Failed to read last run", "error", err)
		} else {
			now := s.now().In(s.loc)
			if last == nil && cfg.Mode != models.ModeInterval {
				last = &started
			}
			if IsDue(cfg, last, now) {
				err := s.trigger(ctx, cfg.TargetTableID)
				switch {
				case err == nil:
					if ctx.Err() != nil {
						return
					}
					// recompute from the run that just happened
					continue
				case errors.Is(err, models.ErrRunInProgress):
					l.Info("Table busy, retrying at next check")
				case ctx.Err() != nil:
					return
				default:
					l.Error("Scheduled sync failed", "error", err)
				}
			} else if next := NextDue(cfg, last, now); next != nil {
				wait = min(wait, next.Sub(now))
			}
		}

		wait = max(wait, minWait)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) lastSyncAt(ctx context.Context, tableID int64) (*time.Time, error) {
	run, err := s.store.LatestRun(ctx, tableID)
	if err != nil || run == nil {
		return nil, err
	}
	return &run.StartedAt, nil
}

func sameSchedule(a, b models.SyncScheduleConfig) bool {
	return a.Mode == b.Mode &&
		a.IntervalValue == b.IntervalValue &&
		a.IntervalUnit == b.IntervalUnit &&
		slices.Equal(a.Weekdays, b.Weekdays) &&
		a.TimeOfDay == b.TimeOfDay &&
		a.CronExpression == b.CronExpression &&
		a.Enabled == b.Enabled
}
