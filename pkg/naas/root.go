// Package naas wires the NAAS command line: the root command carries the
// shared Redis, logging and telemetry configuration, `serve` runs the HTTP
// API tier and `work` runs the worker pool. Both tiers are stateless; any
// number of each can point at the same Redis.
package naas

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	altsrc "github.com/urfave/cli-altsrc/v3"

	"github.com/netauto/naas/pkg/otelzerolog"
	"github.com/netauto/naas/pkg/queue"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// Deployment environments. Anything unrecognized falls back to dev.
const (
	envDev        = "dev"
	envStaging    = "staging"
	envProduction = "production"
)

type flagSourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

type registerShutdownFn func(name string, sfn shutdownFn)

type shutdownFn func(context.Context) error

func New() (*cli.Command, error) {
	var (
		configPath  string
		shutdownFns = make(map[string]shutdownFn)
	)

	flagSources := func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(&configPath)),
			cli.EnvVar(envVar),
		)
	}

	registerShutdown := func(name string, sfn shutdownFn) { shutdownFns[name] = sfn }

	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("unable to determine user config directory: %w", err)
	}

	c := &cli.Command{
		Name:    "naas",
		Usage:   "Netmiko As A Service",
		Version: Version,
		After: func(ctx context.Context, _ *cli.Command) error {
			var wg sync.WaitGroup

			for name, sfn := range shutdownFns {
				if sfn != nil {
					wg.Go(func() {
						if err := sfn(ctx); err != nil {
							zerolog.Ctx(ctx).
								Error().
								Err(err).
								Str("shutdown name", name).
								Msg("error calling the shutting down function")
						}
					})
				}
			}

			wg.Wait()

			return nil
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			var err error

			ctx, err = getZeroLogger(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			return ctx, nil
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "environment",
				//nolint:lll
				Usage:   "The deployment environment (dev, staging, production). Unrecognized values fall back to dev.",
				Sources: flagSources("environment", "APP_ENVIRONMENT"),
				Value:   envDev,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Set the log level. Defaults to debug in dev and info everywhere else.",
				Sources: flagSources("log.level", "LOG_LEVEL"),
				Value:   "",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)

					return err
				},
			},
			&cli.BoolFlag{
				Name:  "log-console-writer-enabled",
				Usage: "Enable console writer for zerolog. This is useful when running in terminal.",
				Value: term.IsTerminal(int(os.Stdout.Fd())),
			},
			&cli.StringFlag{
				Name: "log-console-writer-prefix",
				//nolint:lll
				Usage: "Prefix for console writer for zerolog. This is useful when running multiple naas instances in the same terminal.",
				Value: "",
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Enable Open-Telemetry logs, metrics and tracing.",
				Sources: flagSources("opentelemetry.enabled", "OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name: "otel-grpc-url",
				Usage: "Configure OpenTelemetry gRPC URL; Missing or https " +
					"scheme enable secure gRPC, insecure otherwize. Omit to emit Telemetry to stdout.",
				Sources: flagSources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
				Value:   "",
				Validator: func(colURL string) error {
					_, err := url.Parse(colURL)

					return err
				},
			},
			&cli.StringFlag{
				Name:        "config",
				Usage:       "Path to the configuration file (json, toml, yaml)",
				Sources:     cli.EnvVars("NAAS_CONFIG_FILE"),
				Value:       filepath.Join(configDir, "naas", "config.yaml"),
				Destination: &configPath,
			},
			&cli.BoolFlag{
				Name:    "prometheus-enabled",
				Usage:   "Enable Prometheus metrics endpoint at /metrics",
				Sources: flagSources("prometheus.enabled", "PROMETHEUS_ENABLED"),
				Value:   true,
			},
			&cli.StringFlag{
				Name:    "redis-host",
				Usage:   "The hostname or IP address of the Redis server backing all shared state",
				Sources: flagSources("redis.host", "REDIS_HOST"),
				Value:   "localhost",
			},
			&cli.IntFlag{
				Name:    "redis-port",
				Usage:   "The port of the Redis server",
				Sources: flagSources("redis.port", "REDIS_PORT"),
				Value:   6379,
				Validator: func(port int) error {
					if port < 1 || port > 65535 {
						return fmt.Errorf("port %d is outside the range 1-65535", port)
					}

					return nil
				},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password for authentication; empty disables AUTH",
				Sources: flagSources("redis.password", "REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database number (0-15)",
				Sources: flagSources("redis.db", "REDIS_DB"),
				Value:   0,
			},
			&cli.IntFlag{
				Name:    "redis-pool-size",
				Usage:   "Redis connection pool size",
				Sources: flagSources("redis.pool-size", "REDIS_POOL_SIZE"),
				Value:   10,
			},
			&cli.StringFlag{
				Name:    "queue-name",
				Usage:   "The name of the job queue shared by the API and worker tiers",
				Sources: flagSources("queue.name", "QUEUE_NAME"),
				Value:   queue.DefaultName,
			},
			&cli.IntFlag{
				Name:    "job-ttl-success",
				Usage:   "Seconds finished and cancelled job records stay readable",
				Sources: flagSources("job.ttl.success", "JOB_TTL_SUCCESS"),
				Value:   86400,
			},
			&cli.IntFlag{
				Name:    "job-ttl-failed",
				Usage:   "Seconds failed job records stay readable",
				Sources: flagSources("job.ttl.failed", "JOB_TTL_FAILED"),
				Value:   604800,
			},
		},
		Commands: []*cli.Command{
			serveCommand(flagSources, registerShutdown),
			workCommand(flagSources, registerShutdown),
		},
	}

	return c, nil
}

// normalizeEnvironment maps the flag value onto a known environment,
// falling back to dev rather than erroring: a typo in APP_ENVIRONMENT
// must never take the service down.
func normalizeEnvironment(env string) string {
	switch env {
	case envDev, envStaging, envProduction:
		return env
	default:
		return envDev
	}
}

func getZeroLogger(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	env := normalizeEnvironment(cmd.String("environment"))

	logLvl := cmd.String("log-level")
	if logLvl == "" {
		logLvl = "info"
		if env == envDev {
			logLvl = "debug"
		}
	}

	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
	}

	var output io.Writer = os.Stdout

	if cmd.Bool("log-console-writer-enabled") {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		if prefix := cmd.String("log-console-writer-prefix"); prefix != "" {
			writer.FormatTimestamp = func(i any) string {
				return fmt.Sprintf("[%s] %s", prefix, i)
			}
		}

		output = writer
	}

	// Internally this calls global.GetLoggerProvider() which returns the
	// logger once and that logger is updated in place anytime it gets updated
	// (with global.SetLoggerProvider) so no need to re-create this logger if
	// the otel logger was ever updated. In our case, we create the logger
	// early (see Before above) once and it will just work due to this
	// behavior.
	otelWriter, err := otelzerolog.NewOtelWriter(nil)
	if err != nil {
		return ctx, err
	}

	output = zerolog.MultiLevelWriter(output, otelWriter)

	logger := zerolog.New(output).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	logger.
		Info().
		Str("log_level", lvl.String()).
		Str("environment", env).
		Msg("logger created")

	return logger.WithContext(ctx), nil
}
