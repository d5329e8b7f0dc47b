package payload_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netauto/naas/pkg/payload"
)

func validCommand() *payload.CommandRequest {
	return &payload.CommandRequest{
		IP:       "10.0.0.1",
		Commands: []string{"show version"},
	}
}

func validConfig() *payload.ConfigRequest {
	return &payload.ConfigRequest{
		IP:     "10.0.0.1",
		Config: []string{"logging host 10.9.9.9"},
	}
}

// normalize runs Normalize with a discard logger for tests that do not
// inspect the log output.
func normalize(r interface{ Normalize(context.Context) }) {
	r.Normalize(zerolog.Nop().WithContext(context.Background()))
}

func TestCommandRequest_NormalizeDefaults(t *testing.T) {
	t.Parallel()

	req := validCommand()
	normalize(req)

	assert.Equal(t, 22, req.Port)
	assert.Equal(t, "cisco_ios", req.Platform)
	assert.Equal(t, 1, req.DelayFactor)

	explicit := &payload.CommandRequest{
		IP:          "10.0.0.1",
		Port:        2222,
		Platform:    "arista_eos",
		Commands:    []string{"show version"},
		DelayFactor: 4,
	}
	normalize(explicit)

	assert.Equal(t, 2222, explicit.Port)
	assert.Equal(t, "arista_eos", explicit.Platform)
	assert.Equal(t, 4, explicit.DelayFactor)
}

func TestCommandRequest_DeviceTypeAlias(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	ctx := zerolog.New(&buf).WithContext(context.Background())

	req := validCommand()
	req.DeviceType = "juniper_junos"
	req.Normalize(ctx)

	assert.Equal(t, "juniper_junos", req.Platform)
	assert.Contains(t, buf.String(), "device_type is deprecated")

	// An explicit platform wins over the alias.
	buf.Reset()

	both := validCommand()
	both.Platform = "cisco_nxos"
	both.DeviceType = "juniper_junos"
	both.Normalize(ctx)

	assert.Equal(t, "cisco_nxos", both.Platform)
	assert.Empty(t, buf.String())
}

func TestCommandRequest_Validate(t *testing.T) {
	t.Parallel()

	t.Run("valid request", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		normalize(req)

		assert.Nil(t, req.Validate())
	})

	t.Run("ipv6 target", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.IP = "fd00::1"
		normalize(req)

		assert.Nil(t, req.Validate())
	})

	t.Run("invalid ip", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.IP = "300.1.2.3"
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "ip", errs[0].Field)
		assert.Equal(t, "Invalid IPv4 address in 'ip' field of payload", errs[0].Message)
	})

	t.Run("missing commands", func(t *testing.T) {
		t.Parallel()

		req := &payload.CommandRequest{IP: "10.0.0.1"}
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "commands", errs[0].Field)
		assert.Equal(t, "required", errs[0].Rule)
	})

	t.Run("blank command", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.Commands = []string{"show version", "   "}
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.True(t, strings.HasPrefix(errs[0].Field, "commands"))
		assert.Equal(t, "notblank", errs[0].Rule)
		assert.Contains(t, errs[0].Message, "Blank command")
	})

	t.Run("unsupported platform", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.Platform = "linux"
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "platform", errs[0].Field)
		assert.Contains(t, errs[0].Message, "cisco_ios")
		assert.Contains(t, errs[0].Message, "juniper_junos")
	})

	t.Run("port out of range", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.Port = 70000
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "port", errs[0].Field)
		assert.Equal(t, "Port must be between 1 and 65535", errs[0].Message)
	})

	t.Run("negative delay factor", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.DelayFactor = -1
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "delay_factor", errs[0].Field)
		assert.Equal(t, "delay_factor must be at least 1", errs[0].Message)
	})
}

func TestConfigRequest_CommandsAlias(t *testing.T) {
	t.Parallel()

	t.Run("commands folds into config", func(t *testing.T) {
		t.Parallel()

		req := &payload.ConfigRequest{
			IP:       "10.0.0.1",
			Commands: []string{"logging host 10.9.9.9"},
		}
		normalize(req)

		assert.Equal(t, []string{"logging host 10.9.9.9"}, req.Config)
		assert.Nil(t, req.Validate())
	})

	t.Run("config wins when both set", func(t *testing.T) {
		t.Parallel()

		req := &payload.ConfigRequest{
			IP:       "10.0.0.1",
			Config:   []string{"no ip http server"},
			Commands: []string{"logging host 10.9.9.9"},
		}
		normalize(req)

		assert.Equal(t, []string{"no ip http server"}, req.Config)
	})

	t.Run("neither config nor commands", func(t *testing.T) {
		t.Parallel()

		req := &payload.ConfigRequest{IP: "10.0.0.1"}
		normalize(req)

		errs := req.Validate()
		require.Len(t, errs, 1)
		assert.Equal(t, "config", errs[0].Field)
		assert.Equal(t, "Either 'config' or 'commands' field is required", errs[0].Message)
	})
}

func TestTask(t *testing.T) {
	t.Parallel()

	t.Run("command task", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.Enable = "super-secret"
		normalize(req)

		task := req.Task()

		assert.Equal(t, payload.ModeCommand, task.Mode)
		assert.Equal(t, "10.0.0.1", task.IP)
		assert.Equal(t, 22, task.Port)
		assert.Equal(t, []string{"show version"}, task.Commands)
		assert.Equal(t, 1, task.CommandCount())

		target := task.Target()
		assert.Equal(t, "10.0.0.1:22", target.Addr())
		assert.Equal(t, "cisco_ios", target.Platform)
	})

	t.Run("config task", func(t *testing.T) {
		t.Parallel()

		req := validConfig()
		req.SaveConfig = true
		req.Commit = true
		normalize(req)

		task := req.Task()

		assert.Equal(t, payload.ModeConfig, task.Mode)
		assert.Equal(t, []string{"logging host 10.9.9.9"}, task.Config)
		assert.True(t, task.SaveConfig)
		assert.True(t, task.Commit)
		assert.Equal(t, 1, task.CommandCount())
	})

	t.Run("task never carries enable", func(t *testing.T) {
		t.Parallel()

		req := validCommand()
		req.Enable = "super-secret"
		normalize(req)

		raw, err := json.Marshal(req.Task())
		require.NoError(t, err)

		assert.NotContains(t, string(raw), "enable")
		assert.NotContains(t, string(raw), "super-secret")
	})
}
