package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Registry enumerates jobs that entered one lifecycle state. Queued
// enumeration reads the pending list; the other states read their sorted
// set, ordered by transition time. Cancelled jobs are not enumerable: they
// leave the pending list lazily and join no registry.
type Registry struct {
	q      *Queue
	status Status
}

// Registry returns the enumerator for a state.
func (q *Queue) Registry(status Status) *Registry {
	return &Registry{q: q, status: status}
}

// Page returns up to count job ids starting at offset, oldest first.
func (r *Registry) Page(ctx context.Context, offset, count int64) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}

	client := r.q.store.Client()
	stop := offset + count - 1

	if r.status == StatusQueued {
		ids, err := client.LRange(ctx, r.q.queueKey(), offset, stop).Result()
		if err != nil {
			return nil, fmt.Errorf("listing queued jobs: %w", err)
		}

		return ids, nil
	}

	ids, err := client.ZRange(ctx, r.q.registryKey(r.status), offset, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s jobs: %w", r.status, err)
	}

	return ids, nil
}

// Count reports how many ids the registry holds.
func (r *Registry) Count(ctx context.Context) (int64, error) {
	client := r.q.store.Client()

	if r.status == StatusQueued {
		n, err := client.LLen(ctx, r.q.queueKey()).Result()
		if err != nil {
			return 0, fmt.Errorf("counting queued jobs: %w", err)
		}

		return n, nil
	}

	n, err := client.ZCard(ctx, r.q.registryKey(r.status)).Result()
	if err != nil {
		return 0, fmt.Errorf("counting %s jobs: %w", r.status, err)
	}

	return n, nil
}

// Sweep drops registry members whose job hash has expired and reports how
// many were removed. Job hashes expire by TTL; their registry entries do
// not, so something has to reap them. Run it under a distributed try-lock
// so one instance sweeps per tick.
func (q *Queue) Sweep(ctx context.Context) (int64, error) {
	client := q.store.Client()

	var removed int64

	for _, status := range []Status{StatusStarted, StatusFinished, StatusFailed} {
		key := q.registryKey(status)

		ids, err := client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("sweeping %s registry: %w", status, err)
		}

		for _, id := range ids {
			n, err := client.Exists(ctx, q.jobKey(id)).Result()
			if err != nil {
				return removed, fmt.Errorf("sweeping %s registry: %w", status, err)
			}

			if n > 0 {
				continue
			}

			dropped, err := client.ZRem(ctx, key, id).Result()
			if err != nil {
				return removed, fmt.Errorf("sweeping %s registry: %w", status, err)
			}

			removed += dropped
		}
	}

	if removed > 0 {
		zerolog.Ctx(ctx).Info().
			Int64("removed", removed).
			Msg("swept expired jobs from registries")
	}

	q.recordDepth(ctx)

	return removed, nil
}
