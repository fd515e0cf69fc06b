/**
 * @description
 * Cron scheduling for the release-service's background work. Today that is the
 * reservation sweeper, which expires reservations whose hold ran out without a
 * confirm so their challenge slots reopen.
 *
 * @dependencies
 * - log/slog: Structured logging for job runs.
 * - github.com/robfig/cron/v3: Cron scheduling with panic recovery.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 30s"

// ReservationSweeper is the part of Service the jobs drive.
type ReservationSweeper interface {
	SweepExpiredReservations(ctx context.Context) (int, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper ReservationSweeper
	logger  *slog.Logger
	timeout time.Duration
}

func NewJobs(sweeper ReservationSweeper, logger *slog.Logger) *Jobs {
	return &Jobs{sweeper: sweeper, logger: logger, timeout: time.Minute}
}

// ExpireReservations runs one sweep.
func (j *Jobs) ExpireReservations() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	expired, err := j.sweeper.SweepExpiredReservations(ctx)
	if err != nil {
		j.logger.Error("reservation sweep finished with errors", "expired", expired, "error", err)
		return
	}
	if expired > 0 {
		j.logger.Info("reservation sweep finished", "expired", expired)
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron          *cron.Cron
	jobs          *Jobs
	logger        *slog.Logger
	sweepSchedule string
}

func NewScheduler(jobs *Jobs, logger *slog.Logger, sweepSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if sweepSchedule == "" {
		sweepSchedule = DefaultSweepSchedule
	}

	return &Scheduler{
		cron:          c,
		jobs:          jobs,
		logger:        logger,
		sweepSchedule: sweepSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.sweepSchedule, s.jobs.ExpireReservations); err != nil {
		s.logger.Error("failed to schedule reservation sweep job", "schedule", s.sweepSchedule, "error", err)
		return err
	}
	s.logger.Info("scheduled reservation sweep job", "schedule", s.sweepSchedule)

	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
