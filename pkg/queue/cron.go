package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/lock"
)

const (
	// sweepLockKey guards the registry sweep so one instance runs it per
	// tick.
	sweepLockKey = "registry_sweep"

	// sweepLockTTL bounds how long a crashed sweeper blocks the next one.
	sweepLockTTL = time.Minute
)

// SetupCron creates a cron instance in the queue.
func (q *Queue) SetupCron(ctx context.Context, timezone *time.Location) {
	var opts []cron.Option
	if timezone != nil {
		opts = append(opts, cron.WithLocation(timezone))
	}

	q.cron = cron.New(opts...)

	zerolog.Ctx(ctx).
		Info().
		Msg("cron setup complete")
}

// AddSweepCronJob adds a job that reaps expired registry entries. The
// locker arbitrates which instance sweeps; losing the try-lock skips the
// tick.
func (q *Queue) AddSweepCronJob(ctx context.Context, schedule cron.Schedule, locker lock.Locker) {
	zerolog.Ctx(ctx).
		Info().
		Time("next-run", schedule.Next(time.Now())).
		Msg("adding a cronjob for the registry sweep")

	q.cron.Schedule(schedule, cron.FuncJob(q.runSweep(ctx, locker)))
}

// StartCron starts the cron scheduler in its own go-routine, or no-op if already started.
func (q *Queue) StartCron(ctx context.Context) {
	zerolog.Ctx(ctx).
		Info().
		Msg("starting the cron scheduler")

	q.cron.Start()
}

// StopCron stops the scheduler. A sweep already running finishes on its
// own.
func (q *Queue) StopCron() {
	if q.cron != nil {
		q.cron.Stop()
	}
}

func (q *Queue) runSweep(ctx context.Context, locker lock.Locker) func() {
	return func() {
		log := zerolog.Ctx(ctx).With().Str("op", "sweep").Logger()

		acquired, err := locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			log.Error().Err(err).Msg("error acquiring the sweep lock")

			return
		}

		if !acquired {
			log.Debug().Msg("another instance holds the sweep lock, skipping this run")

			return
		}

		defer func() {
			if err := locker.Unlock(ctx, sweepLockKey); err != nil {
				log.Warn().Err(err).Msg("failed to release the sweep lock")
			}
		}()

		if _, err := q.Sweep(ctx); err != nil {
			log.Error().Err(err).Msg("error sweeping the registries")
		}
	}
}
