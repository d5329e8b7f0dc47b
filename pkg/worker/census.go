package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/kv"
)

const (
	censusPrefix = "naas:worker:"

	// censusTTL reaps entries of workers that died without cleaning up.
	// Live workers refresh well inside it.
	censusTTL = time.Minute

	// scanBatch is the COUNT hint for census scans.
	scanBatch = 100
)

// Worker states recorded in the census.
const (
	StateIdle = "idle"
	StateBusy = "busy"
)

// Entry is one live worker's census record.
type Entry struct {
	Name      string
	State     string
	JobID     string
	Heartbeat time.Time
}

// Census tracks live workers in Redis so the health endpoint can count
// the fleet without any direct link to worker processes. Each worker
// owns one hash keyed by its name; the hash expires a minute after the
// worker stops refreshing it.
type Census struct {
	store *kv.Store
}

// NewCensus returns a census over the store.
func NewCensus(store *kv.Store) *Census {
	return &Census{store: store}
}

func censusKey(name string) string { return censusPrefix + name }

// register creates the worker's entry in the idle state.
func (c *Census) register(ctx context.Context, name string) error {
	return c.write(ctx, name, StateIdle, "")
}

// setBusy marks the worker as executing the given job.
func (c *Census) setBusy(ctx context.Context, name, jobID string) {
	if err := c.write(ctx, name, StateBusy, jobID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("worker", name).Msg("failed to update worker census")
	}
}

// setIdle marks the worker as waiting for work.
func (c *Census) setIdle(ctx context.Context, name string) {
	if err := c.write(ctx, name, StateIdle, ""); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("worker", name).Msg("failed to update worker census")
	}
}

func (c *Census) write(ctx context.Context, name, state, jobID string) error {
	key := censusKey(name)

	_, err := c.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"state", state,
			"job_id", jobID,
			"heartbeat", timeNow().UTC().Format(time.RFC3339),
		)
		pipe.Expire(ctx, key, censusTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("error writing census entry for %s: %w", name, err)
	}

	return nil
}

// heartbeat refreshes the entry's timestamp and TTL without touching the
// state, so a worker deep in a long device session stays visible.
func (c *Census) heartbeat(ctx context.Context, name string) {
	key := censusKey(name)

	_, err := c.store.Client().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "heartbeat", timeNow().UTC().Format(time.RFC3339))
		pipe.Expire(ctx, key, censusTTL)

		return nil
	})
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("worker", name).Msg("failed to refresh worker heartbeat")
	}
}

// remove deletes the worker's entry. Called on clean shutdown; the TTL
// covers everything else.
func (c *Census) remove(ctx context.Context, name string) {
	if err := c.store.Client().Del(ctx, censusKey(name)).Err(); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("worker", name).Msg("failed to remove worker census entry")
	}
}

// Scan returns the census entries of every live worker.
func (c *Census) Scan(ctx context.Context) ([]Entry, error) {
	client := c.store.Client()

	var (
		entries []Entry
		cursor  uint64
	)

	for {
		keys, next, err := client.Scan(ctx, cursor, censusPrefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("error scanning worker census: %w", err)
		}

		for _, key := range keys {
			vals, err := client.HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("error reading census entry %s: %w", key, err)
			}

			if len(vals) == 0 {
				// Expired between the scan and the read.
				continue
			}

			entry := Entry{
				Name:  strings.TrimPrefix(key, censusPrefix),
				State: vals["state"],
				JobID: vals["job_id"],
			}

			if entry.State == "" {
				entry.State = StateIdle
			}

			if raw := vals["heartbeat"]; raw != "" {
				if t, err := time.Parse(time.RFC3339, raw); err == nil {
					entry.Heartbeat = t
				}
			}

			entries = append(entries, entry)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return entries, nil
}
