package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/netauto/naas/pkg/telemetry"
)

func TestNewResource(t *testing.T) {
	t.Parallel()

	t.Run("ensure semconv points to the same version", func(t *testing.T) {
		_, err := telemetry.NewResource(context.Background(), "naas", "0.0.1", semconv.SchemaURL)
		require.NoError(t, err)
	})
}
