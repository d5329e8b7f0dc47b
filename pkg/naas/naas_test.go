package naas_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/naas"
)

func TestNew(t *testing.T) {
	t.Parallel()

	app, err := naas.New()
	require.NoError(t, err)

	assert.Equal(t, "naas", app.Name)

	names := make([]string, 0, len(app.Commands))
	for _, cmd := range app.Commands {
		names = append(names, cmd.Name)
	}

	assert.ElementsMatch(t, []string{"serve", "work"}, names)
}

func TestFlagValidation(t *testing.T) {
	t.Parallel()

	t.Run("log-level must parse as a zerolog level", func(t *testing.T) {
		t.Parallel()

		app, err := naas.New()
		require.NoError(t, err)

		err = app.Run(context.Background(), []string{"naas", "--log-level", "noisy"})
		assert.Error(t, err)
	})

	t.Run("otel-grpc-url must be a valid URL", func(t *testing.T) {
		t.Parallel()

		app, err := naas.New()
		require.NoError(t, err)

		err = app.Run(context.Background(), []string{"naas", "--otel-grpc-url", "://nope"})
		assert.Error(t, err)
	})

	t.Run("redis-port must be within range", func(t *testing.T) {
		t.Parallel()

		app, err := naas.New()
		require.NoError(t, err)

		err = app.Run(context.Background(), []string{"naas", "--redis-port", "70000"})
		assert.Error(t, err)
	})
}
