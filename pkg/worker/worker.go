// Package worker runs the execution tier: a pool of goroutines that block
// on the shared queue, open device sessions through the driver, and record
// results on the job.
//
// The failure taxonomy is security-sensitive. Authentication failures are
// charged to the submitting user and never advance the device's circuit
// breaker; connection failures are charged to the device and do. Getting
// this wrong would let an attacker take devices out of service with bad
// passwords, or mask a dying device behind credential noise.
package worker

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/netauto/naas/pkg/audit"
	"github.com/netauto/naas/pkg/breaker"
	"github.com/netauto/naas/pkg/driver"
	"github.com/netauto/naas/pkg/helper"
	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/payload"
	"github.com/netauto/naas/pkg/queue"
)

//nolint:gochecknoglobals // swapped by tests via SetTimeNow.
var timeNow = time.Now

// SetTimeNow replaces the clock and returns a restore function.
func SetTimeNow(f func() time.Time) func() {
	old := timeNow
	timeNow = f

	return func() { timeNow = old }
}

const (
	// DefaultCount is how many workers a pool runs when unconfigured.
	DefaultCount = 100

	// DefaultMaxAttempts bounds device session attempts per job,
	// including the first.
	DefaultMaxAttempts = 5

	// DefaultShutdownTimeout is how long an in-flight job may keep
	// running after the pool is told to stop.
	DefaultShutdownTimeout = 30 * time.Second

	// heartbeatInterval is how often a worker refreshes its census entry.
	heartbeatInterval = 15 * time.Second

	// dequeueTimeout bounds each blocking wait for work so the loop can
	// observe cancellation.
	dequeueTimeout = 5 * time.Second

	// dequeueBackoff is the pause after a dequeue error before trying
	// again.
	dequeueBackoff = time.Second

	// nameSuffixLen is the length of the random suffix shared by all
	// workers of one pool launch.
	nameSuffixLen = 5
)

// Config tunes a pool. Zero fields take the defaults.
type Config struct {
	// Count is the number of worker goroutines.
	Count int

	// MaxAttempts is the total number of device session attempts per
	// job, including the first.
	MaxAttempts int

	// ShutdownTimeout is the grace given to in-flight jobs after the
	// pool context is cancelled.
	ShutdownTimeout time.Duration
}

// Pool executes queued jobs against network devices.
type Pool struct {
	queue     *queue.Queue
	breaker   *breaker.Breaker
	lockout   *lockout.Tracker
	connector driver.Connector
	census    *Census
	retry     kv.RetryConfig
	cfg       Config
}

// New returns a pool. The breaker decides whether sessions may be
// attempted at all; the tracker records user and device failures.
func New(
	store *kv.Store,
	q *queue.Queue,
	brk *breaker.Breaker,
	tracker *lockout.Tracker,
	connector driver.Connector,
	cfg Config,
) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	return &Pool{
		queue:     q,
		breaker:   brk,
		lockout:   tracker,
		connector: connector,
		census:    NewCensus(store),
		retry:     kv.JobRetryConfig(cfg.MaxAttempts),
		cfg:       cfg,
	}
}

// Run launches the workers and blocks until the context is cancelled and
// every worker has drained. Worker names share one random suffix per
// launch so a fleet's logs group by process.
func (p *Pool) Run(ctx context.Context) error {
	suffix, err := helper.RandLetters(nameSuffixLen, rand.Reader)
	if err != nil {
		return fmt.Errorf("error generating worker name suffix: %w", err)
	}

	zerolog.Ctx(ctx).Info().
		Int("workers", p.cfg.Count).
		Msg("starting worker pool")

	g, ctx := errgroup.WithContext(ctx)

	for i := 1; i <= p.cfg.Count; i++ {
		name := fmt.Sprintf("naas_%d_%s", i, suffix)

		g.Go(func() error { return p.runWorker(ctx, name) })
	}

	return g.Wait()
}

// runWorker is one worker's life: register in the census, keep a
// heartbeat alive, and loop on dequeue until cancelled.
func (p *Pool) runWorker(ctx context.Context, name string) error {
	log := zerolog.Ctx(ctx).With().Str("worker", name).Logger()
	ctx = log.WithContext(ctx)

	if err := p.census.register(ctx, name); err != nil {
		return fmt.Errorf("registering worker %s: %w", name, err)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	hbDone := make(chan struct{})

	go func() {
		defer close(hbDone)

		p.heartbeatLoop(hbCtx, name)
	}()

	defer func() {
		hbCancel()
		<-hbDone

		p.census.remove(context.WithoutCancel(ctx), name)
		log.Info().Msg("worker stopped")
	}()

	log.Info().Msg("worker started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		job, err := p.queue.Dequeue(ctx, dequeueTimeout)

		switch {
		case errors.Is(err, queue.ErrNoJob):
			continue
		case ctx.Err() != nil:
			return nil
		case err != nil:
			log.Error().Err(err).Msg("error dequeuing job")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}

			continue
		}

		p.handle(ctx, name, job)
	}
}

func (p *Pool) heartbeatLoop(ctx context.Context, name string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.census.heartbeat(ctx, name)
		}
	}
}

// jobContext derives the context a job runs under. It survives pool
// cancellation so an in-flight job, including its retry waits, gets the
// shutdown grace before its context dies.
func (p *Pool) jobContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(p.cfg.ShutdownTimeout)
		defer timer.Stop()

		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})

	return ctx, func() {
		stop()
		cancel()
	}
}

// handle takes one dequeued job through start, execution, and the final
// transition, updating the census and metrics around it.
func (p *Pool) handle(parent context.Context, name string, job *queue.Job) {
	ctx, cancel := p.jobContext(parent)
	defer cancel()

	log := zerolog.Ctx(ctx).With().
		Str("job_id", job.ID).
		Str("ip", job.Task.IP).
		Logger()
	ctx = log.WithContext(ctx)

	err := p.queue.MarkStarted(ctx, job.ID)
	if errors.Is(err, queue.ErrTerminalState) {
		log.Debug().Msg("job was cancelled before it started")

		return
	}

	if err != nil {
		log.Error().Err(err).Msg("failed to mark job started")

		return
	}

	p.census.setBusy(ctx, name, job.ID)
	defer p.census.setIdle(ctx, name)

	RecordWorkerBusy(ctx, 1)
	defer RecordWorkerBusy(ctx, -1)

	start := timeNow()
	status := p.execute(ctx, job)
	elapsed := timeNow().Sub(start)

	RecordJobProcessed(ctx, status)
	RecordJobDuration(ctx, status, elapsed)

	log.Info().
		Str("status", string(status)).
		Dur("elapsed", elapsed).
		Msg("job executed")
}

// execute runs the session attempts for one started job and applies the
// final transition. Authentication failures and an open circuit end the
// job immediately as Finished with an error; connection failures retry
// with backoff and exhaust into Failed.
func (p *Pool) execute(ctx context.Context, job *queue.Job) queue.Status {
	ip := job.Task.IP

	var lastErr error

	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := kv.CalculateBackoff(p.retry, attempt)

			zerolog.Ctx(ctx).Debug().
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Msg("retrying device session")

			select {
			case <-ctx.Done():
				p.fail(ctx, job, finalError(ip, lastErr), attempt-1)

				return queue.StatusFailed
			case <-time.After(delay):
			}
		}

		results, err := p.attempt(ctx, job)

		switch {
		case errors.Is(err, breaker.ErrCircuitOpen):
			p.recordFailure(ctx, lockout.Device(ip))
			p.finish(ctx, job, nil,
				fmt.Sprintf("Circuit breaker open for device %s - too many recent failures", ip),
				attempt)

			return queue.StatusFinished

		case driver.IsAuthErr(err):
			p.recordFailure(ctx, lockout.User(job.Credentials.Username))
			p.finish(ctx, job, nil, err.Error(), attempt)

			return queue.StatusFinished

		case err != nil:
			p.recordFailure(ctx, lockout.Device(ip))

			lastErr = err

			continue

		default:
			p.finish(ctx, job, results, "", attempt)

			return queue.StatusFinished
		}
	}

	p.fail(ctx, job, finalError(ip, lastErr), p.retry.MaxAttempts-1)

	return queue.StatusFailed
}

// finalError renders the error stored on a job whose attempts are
// exhausted. Timeouts keep the driver's text; anything else is labelled
// an unknown SSH error.
func finalError(ip string, err error) string {
	if err == nil {
		return "job aborted during shutdown"
	}

	if driver.IsTimeoutErr(err) {
		return err.Error()
	}

	return fmt.Sprintf("Unknown SSH error connecting to device %s: %v", ip, err)
}

// attempt runs one device session under the circuit breaker.
// Authentication failures return from the breaker's callback as success:
// the device answered and refused the credentials, which says nothing
// about the device's health and must not push the circuit toward open.
func (p *Pool) attempt(ctx context.Context, job *queue.Job) (map[string]string, error) {
	var (
		results map[string]string
		authErr error
	)

	err := p.breaker.Execute(ctx, job.Task.IP, func() error {
		res, err := p.session(ctx, job)
		if driver.IsAuthErr(err) {
			authErr = err

			return nil
		}

		if err != nil {
			return err
		}

		results = res

		return nil
	})
	if err != nil {
		return nil, err
	}

	if authErr != nil {
		return nil, authErr
	}

	return results, nil
}

// session times one attempt and emits its job.completed audit event.
// Every attempt that actually ran is audited, including failed ones that
// will be retried; a rejected attempt (open circuit) never reaches here.
func (p *Pool) session(ctx context.Context, job *queue.Job) (map[string]string, error) {
	start := timeNow()

	results, err := p.runSession(ctx, job)

	status := queue.StatusFinished
	if err != nil {
		status = queue.StatusFailed
	}

	audit.Emit(ctx, audit.JobCompleted, audit.Fields{
		"request_id":  job.ID,
		"status":      string(status),
		"duration_ms": timeNow().Sub(start).Milliseconds(),
	})

	return results, err
}

func (p *Pool) runSession(ctx context.Context, job *queue.Job) (map[string]string, error) {
	log := zerolog.Ctx(ctx)

	log.Debug().Msg("establishing connection")

	drv, err := p.connector.Connect(ctx, job.Task.Target(), job.Credentials)
	if err != nil {
		return nil, err
	}

	results, err := p.runTask(ctx, drv, job.Task)
	if err != nil {
		_ = drv.Disconnect()

		return nil, err
	}

	if err := drv.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("error closing device session")
	}

	return results, nil
}

// runTask pushes the task's commands through an open session. Command
// mode maps each command to its output; config mode stores the aggregate
// under config_set_output. Save and commit requests on platforms without
// the operation are logged and skipped.
func (p *Pool) runTask(ctx context.Context, drv driver.Driver, task payload.Task) (map[string]string, error) {
	log := zerolog.Ctx(ctx)

	if task.Mode == payload.ModeConfig {
		log.Debug().Strs("config", task.Config).Msg("sending configuration set")

		out, err := drv.SendConfigSet(ctx, task.Config)
		if err != nil {
			return nil, err
		}

		results := map[string]string{"config_set_output": out}

		if task.SaveConfig {
			log.Debug().Msg("saving configuration")

			if _, err := drv.SaveConfig(ctx); err != nil {
				if !errors.Is(err, driver.ErrNotSupported) {
					return nil, err
				}

				log.Debug().
					Str("platform", task.Platform).
					Msg("platform does not support saving configuration")
			}
		}

		if task.Commit {
			log.Debug().Msg("committing configuration")

			if _, err := drv.Commit(ctx); err != nil {
				if !errors.Is(err, driver.ErrNotSupported) {
					return nil, err
				}

				log.Debug().
					Str("platform", task.Platform).
					Msg("platform does not support the commit operation")
			}
		}

		return results, nil
	}

	results := make(map[string]string, len(task.Commands))

	for _, command := range task.Commands {
		log.Debug().Str("command", command).Msg("sending command")

		out, err := drv.SendCommand(ctx, command)
		if err != nil {
			return nil, err
		}

		results[command] = out
	}

	return results, nil
}

func (p *Pool) recordFailure(ctx context.Context, subject lockout.Subject) {
	if _, _, err := p.lockout.Check(ctx, subject, true); err != nil {
		zerolog.Ctx(ctx).Warn().
			Err(err).
			Stringer("subject", subject).
			Msg("failed to record lockout failure")
	}
}

func (p *Pool) finish(ctx context.Context, job *queue.Job, results map[string]string, jobErr string, retries int) {
	if err := p.queue.MarkFinished(ctx, job.ID, results, jobErr, retries); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark job finished")
	}
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, jobErr string, retries int) {
	if retries < 0 {
		retries = 0
	}

	if err := p.queue.MarkFailed(ctx, job.ID, jobErr, retries); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark job failed")
	}
}
