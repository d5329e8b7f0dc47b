package naas

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	lockredis "github.com/netauto/naas/pkg/lock/redis"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/netauto/naas/pkg/breaker"
	"github.com/netauto/naas/pkg/driver"
	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/queue"
	"github.com/netauto/naas/pkg/telemetry"
	"github.com/netauto/naas/pkg/worker"
)

func workCommand(
	flagSources flagSourcesFn,
	registerShutdown registerShutdownFn,
) *cli.Command {
	return &cli.Command{
		Name:    "work",
		Aliases: []string{"w"},
		Usage:   "run the worker pool that executes queued jobs over ssh",
		Action:  workAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "The number of worker goroutines executing jobs",
				Sources: flagSources("worker.count", "WORKERS"),
				Value:   worker.DefaultCount,
			},
			&cli.IntFlag{
				Name:    "job-max-retries",
				Usage:   "Total device session attempts per job, including the first",
				Sources: flagSources("job.max-retries", "JOB_MAX_RETRIES"),
				Value:   5,
			},
			&cli.IntFlag{
				Name:    "shutdown-timeout",
				Usage:   "Seconds in-flight jobs get to finish after a shutdown signal",
				Sources: flagSources("worker.shutdown-timeout", "SHUTDOWN_TIMEOUT"),
				Value:   30,
			},
			&cli.BoolFlag{
				Name:    "circuit-breaker-enabled",
				Usage:   "Enable the per-device circuit breaker",
				Sources: flagSources("circuit-breaker.enabled", "CIRCUIT_BREAKER_ENABLED"),
				Value:   true,
			},
			&cli.IntFlag{
				Name:    "circuit-breaker-threshold",
				Usage:   "Consecutive failures that open a device's circuit",
				Sources: flagSources("circuit-breaker.threshold", "CIRCUIT_BREAKER_THRESHOLD"),
				Value:   5,
			},
			&cli.IntFlag{
				Name:    "circuit-breaker-timeout",
				Usage:   "Seconds an open circuit waits before probing the device again",
				Sources: flagSources("circuit-breaker.timeout", "CIRCUIT_BREAKER_TIMEOUT"),
				Value:   300,
			},
		},
	}
}

func workAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "work").Logger()

		ctx = logger.WithContext(ctx)

		ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)

		g, ctx := errgroup.WithContext(ctx)

		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()

		// NOTE: Reminder that defer statements run last to first so the first
		// thing that happens here is the context is canceled which triggers the
		// errgroup 'g' to start exiting.
		defer stop()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		store, err := kv.New(ctx, kvConfig(cmd))
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error connecting to the Redis store")

			return err
		}

		registerShutdown("kv store", func(context.Context) error { return store.Close() })

		// Workers never hash credentials themselves, but ensuring the salt
		// here means a worker-first boot leaves the store ready for the API
		// tier.
		locker := lockredis.NewLocker(store, kv.DefaultRetryConfig())

		if _, err := store.EnsureSalt(ctx, locker); err != nil {
			logger.
				Error().
				Err(err).
				Msg("error ensuring the credential salt")

			return err
		}

		otelResource, err := telemetry.NewResource(
			ctx,
			cmd.Root().Name,
			Version,
			semconv.SchemaURL,
			extraResourceAttrs(cmd)...,
		)
		if err != nil {
			logger.
				Error().
				Err(err).
				Msg("error creating a new otel resource")

			return err
		}

		otelShutdown, err := setupOTelSDK(
			ctx,
			cmd.Root().Bool("otel-enabled"),
			cmd.Root().String("otel-grpc-url"),
			otelResource,
		)
		if err != nil {
			return err
		}

		registerShutdown("open telemetry", otelShutdown)

		q := queue.New(store, queueConfig(cmd))

		tracker := lockout.NewTracker(store, lockout.DefaultConfig())

		brk := breaker.New(store, breaker.Config{
			Threshold:    int64(cmd.Int("circuit-breaker-threshold")),
			ResetTimeout: time.Duration(cmd.Int("circuit-breaker-timeout")) * time.Second,
			Enabled:      cmd.Bool("circuit-breaker-enabled"),
		})

		pool := worker.New(store, q, brk, tracker, driver.NewSSHConnector(), worker.Config{
			Count:           cmd.Int("workers"),
			MaxAttempts:     cmd.Int("job-max-retries"),
			ShutdownTimeout: time.Duration(cmd.Int("shutdown-timeout")) * time.Second,
		})

		if err := pool.Run(ctx); err != nil {
			return fmt.Errorf("error running the worker pool: %w", err)
		}

		return nil
	}
}
