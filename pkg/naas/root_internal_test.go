package naas

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		env  string
		want string
	}{
		{env: "dev", want: envDev},
		{env: "staging", want: envStaging},
		{env: "production", want: envProduction},
		{env: "", want: envDev},
		{env: "prod", want: envDev},
		{env: "Production", want: envDev},
	}

	for _, test := range tests {
		t.Run("env="+test.env, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, test.want, normalizeEnvironment(test.env))
		})
	}
}
