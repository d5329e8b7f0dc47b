package naas_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/netauto/naas/pkg/telemetry"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	// This test ensures that the semconv version used in this package (which should match serve.go)
	// is compatible with the resource creation logic in pkg/telemetry.
	// If pkg/telemetry imports a different incompatible version of semconv
	// for their attribute keys, this test should ideally fail if OTel SDK enforces schema checks.

	t.Run("telemetry: ensure semconv points to the same version", func(t *testing.T) {
		t.Parallel()

		_, err := telemetry.NewResource(context.Background(), "naas", "0.0.1", semconv.SchemaURL)
		require.NoError(t, err)
	})
}
