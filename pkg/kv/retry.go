package kv

import (
	"time"

	mathrand "math/rand"
)

// DefaultJitterFactor is the default proportion of delay added as random jitter.
const DefaultJitterFactor = 0.5

// RetryConfig describes a bounded exponential backoff policy. It is shared
// by the distributed locker (short, jittered delays) and the job execution
// retry loop (long, deterministic delays).
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter adds randomness to delays to prevent thundering herd.
	Jitter bool

	// JitterFactor is the maximum proportion of delay added as jitter.
	// Only used if Jitter is true. Defaults to DefaultJitterFactor.
	JitterFactor float64
}

// GetJitterFactor returns JitterFactor when set and valid (> 0),
// otherwise DefaultJitterFactor.
func (c RetryConfig) GetJitterFactor() float64 {
	if c.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return c.JitterFactor
}

// DefaultRetryConfig returns the policy used for distributed lock acquisition.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}

// JobRetryConfig returns the policy used when re-dialing a device after a
// transient failure: 1s, 2s, 4s, 8s, 16s, deterministic.
func JobRetryConfig(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     16 * time.Second,
	}
}

// CalculateBackoff returns the delay before the given retry. The attempt
// number is 1-indexed for retries: attempt 1 waits InitialDelay, and each
// subsequent attempt doubles the wait up to MaxDelay. Attempt 0 (the first
// try) waits nothing.
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	delay := cfg.InitialDelay
	for i := 1; i < attempt && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		// The global math/rand is safe for concurrent use and avoids
		// creating a new source on every call.
		//nolint:gosec // G404: jitter doesn't need crypto-grade randomness
		jitter := mathrand.Float64() * float64(delay) * cfg.GetJitterFactor()
		delay += time.Duration(jitter)
	}

	return delay
}
