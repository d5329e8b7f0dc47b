package kv_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/kv"
)

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	t.Run("first attempt waits nothing", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(0), kv.CalculateBackoff(kv.JobRetryConfig(5), 0))
	})

	t.Run("doubles per retry up to the cap", func(t *testing.T) {
		t.Parallel()

		cfg := kv.JobRetryConfig(5)

		want := []time.Duration{
			1 * time.Second,
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
		}

		for attempt, expected := range want {
			assert.Equal(t, expected, kv.CalculateBackoff(cfg, attempt+1))
		}

		// Past the cap it stays at MaxDelay.
		assert.Equal(t, 16*time.Second, kv.CalculateBackoff(cfg, 8))
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		t.Parallel()

		cfg := kv.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
			JitterFactor: 0.5,
		}

		for i := 0; i < 100; i++ {
			delay := kv.CalculateBackoff(cfg, 1)
			require.GreaterOrEqual(t, delay, 100*time.Millisecond)
			require.LessOrEqual(t, delay, 150*time.Millisecond)
		}
	})
}

func TestRetryConfig_GetJitterFactor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, kv.DefaultJitterFactor, kv.RetryConfig{}.GetJitterFactor())
	assert.Equal(t, kv.DefaultJitterFactor, kv.RetryConfig{JitterFactor: -1}.GetJitterFactor())
	assert.Equal(t, 0.25, kv.RetryConfig{JitterFactor: 0.25}.GetJitterFactor())
}

func TestJobRetryConfig(t *testing.T) {
	t.Parallel()

	cfg := kv.JobRetryConfig(5)

	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.InitialDelay)
	assert.Equal(t, 16*time.Second, cfg.MaxDelay)
	assert.False(t, cfg.Jitter)
}
