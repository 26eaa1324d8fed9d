// Package scheduler runs the periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrInvalidSchedule is returned when a cron expression does not parse.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Entry pairs a named job with its cron expression. Expressions include a seconds field.
type Entry struct {
	Name     string
	Schedule string
	Job      func()
}

// Scheduler wraps a UTC cron instance.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// New registers every entry; an empty schedule disables that entry.
func New(entries []Entry, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	instance := cron.New(cron.WithLocation(time.UTC), cron.WithSeconds())
	for _, entry := range entries {
		if entry.Schedule == "" {
			logger.Info("job disabled", zap.String("job", entry.Name))
			continue
		}
		if entry.Job == nil {
			return nil, fmt.Errorf("%w: %s has no job", ErrInvalidSchedule, entry.Name)
		}
		if _, err := instance.AddFunc(entry.Schedule, entry.Job); err != nil {
			return nil, fmt.Errorf("%w: %s %q: %v", ErrInvalidSchedule, entry.Name, entry.Schedule, err)
		}
		logger.Info("job scheduled", zap.String("job", entry.Name), zap.String("schedule", entry.Schedule))
	}
	return &Scheduler{cron: instance, logger: logger}, nil
}

// Start begins running jobs in the background.
func (scheduler *Scheduler) Start() {
	scheduler.logger.Info("scheduler started", zap.Int("jobs", len(scheduler.cron.Entries())))
	scheduler.cron.Start()
}

// Stop prevents new runs and waits for running jobs or ctx cancellation.
func (scheduler *Scheduler) Stop(ctx context.Context) error {
	stopped := scheduler.cron.Stop()
	select {
	case <-stopped.Done():
		scheduler.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of registered entries.
func (scheduler *Scheduler) Len() int {
	return len(scheduler.cron.Entries())
}
