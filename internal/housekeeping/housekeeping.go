// Package housekeeping runs the periodic maintenance jobs: store backups,
// the health heartbeat and the hourly error window.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mileusna/crontab"
	"github.com/rs/zerolog"

	"lead-agent/internal/repository"
)

const (
	jobTimeout = 5 * time.Minute

	// ErrorWindowSchedule resets the error counter at the top of every hour.
	ErrorWindowSchedule = "0 * * * *"
)

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

type Housekeeper struct {
	ctab *crontab.Crontab
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Housekeeper {
	return &Housekeeper{
		ctab: crontab.New(),
		log:  log.With().Str("component", "housekeeping").Logger(),
	}
}

// Schedule registers job under a cron expression.
func (h *Housekeeper) Schedule(name, schedule string, job Job) error {
	if job == nil {
		return errors.New("housekeeping: job must not be nil")
	}
	if err := h.ctab.AddJob(schedule, h.run, name, job); err != nil {
		return fmt.Errorf("housekeeping: schedule %s (%q): %w", name, schedule, err)
	}
	h.log.Info().Str("job", name).Str("schedule", schedule).Msg("job scheduled")
	return nil
}

// Run blocks until ctx is cancelled, then stops the scheduler.
func (h *Housekeeper) Run(ctx context.Context) error {
	<-ctx.Done()
	h.ctab.Shutdown()
	return nil
}

func (h *Housekeeper) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error().Str("job", name).Interface("panic", r).Msg("job panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	if err := job(ctx); err != nil {
		h.log.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	h.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job done")
}

// BackupJob snapshots the store into dir, keeping the newest keep copies.
func BackupJob(store *repository.Store, dir string, keep int, now func() time.Time, log zerolog.Logger) Job {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) error {
		path, err := repository.Backup(store, dir, now(), keep)
		if err != nil {
			return err
		}
		log.Info().Str("path", path).Msg("backup written")
		return nil
	}
}

// Func adapts a plain function into a Job.
func Func(fn func()) Job {
	return func(context.Context) error {
		fn()
		return nil
	}
}
