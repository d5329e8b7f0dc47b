// Package queue stores jobs in Redis and moves them through their
// lifecycle: a pending list feeds workers, a hash per job is the single
// source of truth for state, and per-state registries support enumeration.
//
// Terminal jobs expire by TTL rather than explicit deletion, so results
// stay readable for a day (a week for failures) without any reaper beyond
// the registry sweep.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/kv"
)

//nolint:gochecknoglobals // swapped by tests via SetTimeNow.
var timeNow = time.Now

// SetTimeNow replaces the clock and returns a restore function. Tests use
// it to control transition timestamps and registry scores.
func SetTimeNow(f func() time.Time) func() {
	old := timeNow
	timeNow = f

	return func() { timeNow = old }
}

const (
	// DefaultName names the queue all NAAS instances share.
	DefaultName = "naas"

	// DefaultSuccessTTL keeps finished and cancelled jobs readable.
	DefaultSuccessTTL = 24 * time.Hour

	// DefaultFailedTTL keeps failed jobs readable longer for debugging.
	DefaultFailedTTL = 7 * 24 * time.Hour

	// watchRetries bounds optimistic-transaction retries under contention.
	watchRetries = 10
)

var (
	// ErrNotFound means no job hash exists for the id.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateJob means a job with the id already exists.
	ErrDuplicateJob = errors.New("job id already exists")

	// ErrNoJob means the pending list stayed empty for the whole wait.
	ErrNoJob = errors.New("no job available")

	// ErrNotCancellable means the job is already running.
	ErrNotCancellable = errors.New("job already started")

	// ErrTerminalState means the job already finished, failed, or was
	// cancelled.
	ErrTerminalState = errors.New("job already in a terminal state")
)

// Config tunes a queue. Zero fields take the defaults.
type Config struct {
	Name       string
	SuccessTTL time.Duration
	FailedTTL  time.Duration
}

// Queue is the Redis-backed job queue shared by the API and the workers.
type Queue struct {
	store      *kv.Store
	name       string
	successTTL time.Duration
	failedTTL  time.Duration

	cron *cron.Cron
}

// New returns a queue over the store.
func New(store *kv.Store, cfg Config) *Queue {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}

	if cfg.SuccessTTL <= 0 {
		cfg.SuccessTTL = DefaultSuccessTTL
	}

	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = DefaultFailedTTL
	}

	return &Queue{
		store:      store,
		name:       cfg.Name,
		successTTL: cfg.SuccessTTL,
		failedTTL:  cfg.FailedTTL,
	}
}

func (q *Queue) queueKey() string { return "naas:queue:" + q.name }

func (q *Queue) jobKey(id string) string { return "naas:job:" + id }

func (q *Queue) registryKey(s Status) string {
	return fmt.Sprintf("naas:registry:%s:%s", q.name, s)
}

// Enqueue writes the job hash and pushes the id onto the pending list in
// one transaction: after it returns, either both exist or neither does.
// The job is stamped Queued with the current time; owner hash and
// credentials must already be set by the caller.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	job.Status = StatusQueued
	job.CreatedAt = timeNow().UTC()

	fields, err := toHash(job)
	if err != nil {
		return err
	}

	key := q.jobKey(job.ID)
	client := q.store.Client()

	for attempt := 0; attempt < watchRetries; attempt++ {
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("checking job %s: %w", job.ID, err)
			}

			if n > 0 {
				return ErrDuplicateJob
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields)
				pipe.RPush(ctx, q.queueKey(), job.ID)

				return nil
			})

			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		if err != nil {
			return err
		}

		RecordJobEnqueued(ctx)
		q.recordDepth(ctx)

		return nil
	}

	return fmt.Errorf("enqueue transaction for job %s kept failing", job.ID)
}

// Fetch loads the job by id.
func (q *Queue) Fetch(ctx context.Context, id string) (*Job, error) {
	data, err := q.store.Client().HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching job %s: %w", id, err)
	}

	if len(data) == 0 {
		return nil, ErrNotFound
	}

	return fromHash(id, data)
}

// Exists reports whether a job hash is present for the id.
func (q *Queue) Exists(ctx context.Context, id string) (bool, error) {
	n, err := q.store.Client().Exists(ctx, q.jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("checking job %s: %w", id, err)
	}

	return n > 0, nil
}

// Dequeue blocks up to timeout for the next runnable job. Jobs cancelled
// while queued are consumed and skipped. ErrNoJob means the wait elapsed
// with nothing to run.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	client := q.store.Client()

	for {
		res, err := client.BLPop(ctx, timeout, q.queueKey()).Result()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}

		if err != nil {
			return nil, fmt.Errorf("waiting for job: %w", err)
		}

		id := res[1]
		q.recordDepth(ctx)

		job, err := q.Fetch(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired while queued; nothing to run.
			zerolog.Ctx(ctx).Debug().Str("job_id", id).Msg("dequeued job no longer exists")

			continue
		}

		if err != nil {
			return nil, err
		}

		if job.Status == StatusCancelled {
			zerolog.Ctx(ctx).Debug().Str("job_id", id).Msg("skipping cancelled job")

			continue
		}

		return job, nil
	}
}

// MarkStarted transitions a queued job to Started. A job cancelled between
// dequeue and start surfaces as ErrTerminalState so the worker drops it.
func (q *Queue) MarkStarted(ctx context.Context, id string) error {
	now := timeNow().UTC()

	return q.transition(ctx, id,
		func(cur *Job) error {
			if cur.Status == StatusQueued {
				return nil
			}

			if cur.Status.Terminal() {
				return fmt.Errorf("job %s is %s: %w", id, cur.Status, ErrTerminalState)
			}

			return fmt.Errorf("job %s is already %s", id, cur.Status)
		},
		func(pipe redis.Pipeliner, _ *Job) {
			pipe.HSet(ctx, q.jobKey(id),
				fieldState, string(StatusStarted),
				fieldStartedAt, now.Format(time.RFC3339Nano),
			)
			pipe.ZAdd(ctx, q.registryKey(StatusStarted), redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: id,
			})
		},
	)
}

// MarkFinished transitions a started job to Finished with its results (or
// a job-level error such as an open circuit), drops the stored
// credentials, and starts the success TTL.
func (q *Queue) MarkFinished(
	ctx context.Context,
	id string,
	results map[string]string,
	jobErr string,
	retriesUsed int,
) error {
	return q.markTerminal(ctx, id, StatusFinished, results, jobErr, retriesUsed, q.successTTL)
}

// MarkFailed transitions a started job to Failed with the final error,
// drops the stored credentials, and starts the failure TTL.
func (q *Queue) MarkFailed(ctx context.Context, id, jobErr string, retriesUsed int) error {
	return q.markTerminal(ctx, id, StatusFailed, nil, jobErr, retriesUsed, q.failedTTL)
}

func (q *Queue) markTerminal(
	ctx context.Context,
	id string,
	to Status,
	results map[string]string,
	jobErr string,
	retriesUsed int,
	ttl time.Duration,
) error {
	now := timeNow().UTC()

	var encoded string

	if results != nil {
		raw, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encoding job %s results: %w", id, err)
		}

		encoded = string(raw)
	}

	return q.transition(ctx, id,
		func(cur *Job) error {
			if cur.Status == StatusStarted {
				return nil
			}

			if cur.Status.Terminal() {
				return fmt.Errorf("job %s is %s: %w", id, cur.Status, ErrTerminalState)
			}

			return fmt.Errorf("job %s is %s, not started", id, cur.Status)
		},
		func(pipe redis.Pipeliner, _ *Job) {
			key := q.jobKey(id)

			fields := []any{
				fieldState, string(to),
				fieldEndedAt, now.Format(time.RFC3339Nano),
				fieldRetries, strconv.Itoa(retriesUsed),
			}

			if encoded != "" {
				fields = append(fields, fieldResults, encoded)
			}

			if jobErr != "" {
				fields = append(fields, fieldError, jobErr)
			}

			pipe.HSet(ctx, key, fields...)
			pipe.HDel(ctx, key, fieldCredentials)
			pipe.ZRem(ctx, q.registryKey(StatusStarted), id)
			pipe.ZAdd(ctx, q.registryKey(to), redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: id,
			})
			pipe.Expire(ctx, key, ttl)
		},
	)
}

// Cancel transitions a queued job to Cancelled. The pending-list entry is
// discarded lazily at dequeue. Returns the job's status after the call:
// Cancelled on success, the blocking status alongside ErrNotCancellable or
// ErrTerminalState otherwise.
func (q *Queue) Cancel(ctx context.Context, id string) (Status, error) {
	now := timeNow().UTC()

	var observed Status

	err := q.transition(ctx, id,
		func(cur *Job) error {
			observed = cur.Status

			if cur.Status == StatusStarted {
				return ErrNotCancellable
			}

			if cur.Status.Terminal() {
				return ErrTerminalState
			}

			return nil
		},
		func(pipe redis.Pipeliner, _ *Job) {
			key := q.jobKey(id)

			pipe.HSet(ctx, key,
				fieldState, string(StatusCancelled),
				fieldEndedAt, now.Format(time.RFC3339Nano),
			)
			pipe.HDel(ctx, key, fieldCredentials)
			pipe.Expire(ctx, key, q.successTTL)
		},
	)
	if err != nil {
		return observed, err
	}

	return StatusCancelled, nil
}

// transition runs guard and apply inside a WATCH on the job key so
// concurrent transitions converge: losers re-read the new state and their
// guard decides again.
func (q *Queue) transition(
	ctx context.Context,
	id string,
	guard func(cur *Job) error,
	apply func(pipe redis.Pipeliner, cur *Job),
) error {
	key := q.jobKey(id)
	client := q.store.Client()

	for attempt := 0; attempt < watchRetries; attempt++ {
		err := client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("reading job %s: %w", id, err)
			}

			if len(data) == 0 {
				return ErrNotFound
			}

			cur, err := fromHash(id, data)
			if err != nil {
				return err
			}

			if err := guard(cur); err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				apply(pipe, cur)

				return nil
			})

			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("transition for job %s kept failing", id)
}

// Depth reports how many jobs wait in the pending list.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.store.Client().LLen(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}

	return n, nil
}

func (q *Queue) recordDepth(ctx context.Context) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return
	}

	RecordQueueDepth(ctx, depth)
}
