package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/audit"
)

func auditContext(t *testing.T) (context.Context, *bytes.Buffer) {
	t.Helper()

	var buf bytes.Buffer

	logger := zerolog.New(&buf)

	return logger.WithContext(context.Background()), &buf
}

func TestEmit(t *testing.T) {
	t.Parallel()

	t.Run("logs the event with all fields", func(t *testing.T) {
		t.Parallel()

		ctx, buf := auditContext(t)

		audit.Emit(ctx, audit.JobSubmitted, audit.Fields{
			"ip":            "10.0.0.1",
			"platform":      "cisco_ios",
			"port":          22,
			"command_count": 2,
			"user_hash":     "deadbeef",
			"request_id":    "8f7a1f31-95b2-4b62-b1c6-7a1b07d3a9c4",
		})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

		assert.Equal(t, "Audit event", line["message"])
		assert.Equal(t, "info", line["level"])
		assert.Equal(t, "job.submitted", line["event_type"])
		assert.Equal(t, "10.0.0.1", line["ip"])
		assert.Equal(t, "cisco_ios", line["platform"])
		assert.Equal(t, float64(2), line["command_count"])
	})

	t.Run("allows extra fields beyond the schema", func(t *testing.T) {
		t.Parallel()

		ctx, buf := auditContext(t)

		audit.Emit(ctx, audit.JobCompleted, audit.Fields{
			"request_id":  "some-id",
			"status":      "failed",
			"duration_ms": 1200,
			"attempt":     3,
		})

		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, float64(3), line["attempt"])
	})

	t.Run("panics on an unknown event type", func(t *testing.T) {
		t.Parallel()

		ctx, _ := auditContext(t)

		assert.Panics(t, func() {
			audit.Emit(ctx, "job.rebooted", audit.Fields{})
		})
	})

	t.Run("panics when a required field is missing", func(t *testing.T) {
		t.Parallel()

		ctx, _ := auditContext(t)

		assert.Panics(t, func() {
			audit.Emit(ctx, audit.DeviceLockedOut, audit.Fields{"ip": "10.0.0.1"})
		})
	})
}
