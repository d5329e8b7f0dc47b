// Package breaker implements a per-device circuit breaker whose state
// lives in the shared store, so consecutive connection failures seen by
// any worker open the circuit for all of them.
//
// The machine has three states. Closed passes calls through and counts
// failures; at the threshold it opens. Open rejects calls without
// touching the device until the reset timeout elapses, then flips to
// half-open and admits a probe. A successful probe closes the circuit,
// a failed one re-opens it.
//
// Authentication failures must not reach Execute's failure accounting:
// a bad password says nothing about device health. The worker routes
// them around the breaker.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/netauto/naas/pkg/audit"
	"github.com/netauto/naas/pkg/kv"
)

// timeNow allows mocking time.Now for testing purposes
//
//nolint:gochecknoglobals // This is used for testing purposes
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to restore it.
// This is intended for testing purposes only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

// Circuit states as stored in Redis.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

const (
	// DefaultThreshold is the number of consecutive failures that opens
	// the circuit.
	DefaultThreshold = 5

	// DefaultResetTimeout is how long an open circuit rejects calls
	// before admitting a probe.
	DefaultResetTimeout = 5 * time.Minute
)

const keyPrefix = "circuit_breaker:device_"

// watchRetries bounds optimistic-transaction retries when concurrent
// workers race a state transition.
const watchRetries = 10

// ErrCircuitOpen is returned by Execute when the circuit rejects the
// call without attempting it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the breaker policy.
type Config struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int64

	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration

	// Enabled gates the whole mechanism; when false, Execute calls
	// through without reading or writing any state.
	Enabled bool
}

// DefaultConfig returns the production policy: 5 failures, 5 minutes.
func DefaultConfig() Config {
	return Config{
		Threshold:    DefaultThreshold,
		ResetTimeout: DefaultResetTimeout,
		Enabled:      true,
	}
}

// Breaker drives per-device circuits stored in Redis hashes.
type Breaker struct {
	store *kv.Store
	cfg   Config
}

// New creates a Breaker, filling zero config fields with defaults.
func New(store *kv.Store, cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}

	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}

	return &Breaker{store: store, cfg: cfg}
}

// state is a decoded snapshot of a device's circuit hash.
type state struct {
	name           string
	counter        int64
	successCounter int64
	openedAt       time.Time
}

func stateKey(ip string) string { return keyPrefix + ip }

func parseState(vals map[string]string) (state, error) {
	st := state{name: StateClosed}

	if v := vals["state"]; v != "" {
		st.name = v
	}

	if v := vals["counter"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("error parsing circuit counter %q: %w", v, err)
		}

		st.counter = n
	}

	if v := vals["success_counter"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("error parsing circuit success counter %q: %w", v, err)
		}

		st.successCounter = n
	}

	if v := vals["opened_at"]; v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return st, fmt.Errorf("error parsing circuit opened_at %q: %w", v, err)
		}

		st.openedAt = t
	}

	return st, nil
}

// State returns the device's current circuit state name.
func (b *Breaker) State(ctx context.Context, ip string) (string, error) {
	vals, err := b.store.Client().HGetAll(ctx, stateKey(ip)).Result()
	if err != nil {
		return "", fmt.Errorf("error reading circuit state for %s: %w", ip, err)
	}

	st, err := parseState(vals)
	if err != nil {
		return "", err
	}

	return st.name, nil
}

// Execute runs fn under the device's circuit. When the circuit is open
// and the reset timeout has not elapsed, fn is never called and
// ErrCircuitOpen is returned. Otherwise fn runs and its outcome drives
// the state machine. fn's own error is always returned as-is.
func (b *Breaker) Execute(ctx context.Context, ip string, fn func() error) error {
	if !b.cfg.Enabled {
		return fn()
	}

	allowed, err := b.beforeCall(ctx, ip)
	if err != nil {
		return fmt.Errorf("error checking circuit for %s: %w", ip, err)
	}

	if !allowed {
		zerolog.Ctx(ctx).Warn().
			Str("ip", ip).
			Msg("circuit breaker open, rejecting connection attempt")

		return ErrCircuitOpen
	}

	if err := fn(); err != nil {
		// The call's own failure outranks bookkeeping errors.
		if recErr := b.recordFailure(ctx, ip); recErr != nil {
			zerolog.Ctx(ctx).Warn().
				Err(recErr).
				Str("ip", ip).
				Msg("failed to record circuit breaker failure")
		}

		return err
	}

	if recErr := b.recordSuccess(ctx, ip); recErr != nil {
		zerolog.Ctx(ctx).Warn().
			Err(recErr).
			Str("ip", ip).
			Msg("failed to record circuit breaker success")
	}

	return nil
}

// beforeCall decides whether a call may proceed, flipping an expired
// open circuit to half-open. The WATCH ensures only one worker performs
// the flip; losers see the new state on retry.
func (b *Breaker) beforeCall(ctx context.Context, ip string) (bool, error) {
	key := stateKey(ip)

	var allowed bool

	for attempt := 0; attempt < watchRetries; attempt++ {
		err := b.store.Client().Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}

			st, err := parseState(vals)
			if err != nil {
				return err
			}

			if st.name != StateOpen {
				allowed = true

				return nil
			}

			if timeNow().Sub(st.openedAt) < b.cfg.ResetTimeout {
				allowed = false

				return nil
			}

			// Reset timeout elapsed: admit this call as the probe.
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "state", StateHalfOpen)

				return nil
			})
			if err != nil {
				return err
			}

			zerolog.Ctx(ctx).Debug().
				Str("ip", ip).
				Msg("circuit breaker entering half-open state")

			allowed = true

			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}

		return allowed, err
	}

	return false, fmt.Errorf("circuit check transaction for %s kept failing", ip)
}

// recordFailure advances the machine after a failed call.
func (b *Breaker) recordFailure(ctx context.Context, ip string) error {
	key := stateKey(ip)

	var opened bool

	for attempt := 0; attempt < watchRetries; attempt++ {
		opened = false

		err := b.store.Client().Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}

			st, err := parseState(vals)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, key, "counter", 1)

				switch st.name {
				case StateHalfOpen:
					// The probe failed.
					pipe.HSet(ctx, key,
						"state", StateOpen,
						"opened_at", timeNow().Format(time.RFC3339),
					)

					opened = true
				case StateClosed:
					if st.counter+1 >= b.cfg.Threshold {
						pipe.HSet(ctx, key,
							"state", StateOpen,
							"opened_at", timeNow().Format(time.RFC3339),
							"success_counter", "0",
						)

						opened = true
					}
				case StateOpen:
					// A straggler finishing after someone else opened
					// the circuit. The count is enough.
				}

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

		if opened {
			zerolog.Ctx(ctx).Warn().
				Str("ip", ip).
				Msg("circuit breaker opened")

			audit.Emit(ctx, audit.CircuitOpened, audit.Fields{"ip": ip})
		}

		return nil
	}

	return fmt.Errorf("circuit failure transaction for %s kept failing", ip)
}

// recordSuccess advances the machine after a successful call.
func (b *Breaker) recordSuccess(ctx context.Context, ip string) error {
	key := stateKey(ip)

	var closed bool

	for attempt := 0; attempt < watchRetries; attempt++ {
		closed = false

		err := b.store.Client().Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}

			st, err := parseState(vals)
			if err != nil {
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, key, "success_counter", 1)
				pipe.HSet(ctx, key, "counter", "0")

				if st.name != StateClosed {
					pipe.HSet(ctx, key, "state", StateClosed)
					pipe.HDel(ctx, key, "opened_at")

					closed = true
				}

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

		if closed {
			zerolog.Ctx(ctx).Info().
				Str("ip", ip).
				Msg("circuit breaker closed")

			audit.Emit(ctx, audit.CircuitClosed, audit.Fields{"ip": ip})
		}

		return nil
	}

	return fmt.Errorf("circuit success transaction for %s kept failing", ip)
}
