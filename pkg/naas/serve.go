package naas

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	lockredis "github.com/netauto/naas/pkg/lock/redis"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/netauto/naas/pkg/credentials"
	"github.com/netauto/naas/pkg/healthcheck"
	"github.com/netauto/naas/pkg/kv"
	"github.com/netauto/naas/pkg/lock"
	"github.com/netauto/naas/pkg/lockout"
	"github.com/netauto/naas/pkg/prometheus"
	"github.com/netauto/naas/pkg/queue"
	"github.com/netauto/naas/pkg/server"
	"github.com/netauto/naas/pkg/telemetry"
	"github.com/netauto/naas/pkg/worker"
)

// serverDrainTimeout is the grace given to in-flight requests once a
// shutdown signal arrives.
const serverDrainTimeout = 30 * time.Second

func serveCommand(
	flagSources flagSourcesFn,
	registerShutdown registerShutdownFn,
) *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve the job submission API over http",
		Action:  serveAction(registerShutdown),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-addr",
				Usage:   "The address of the server",
				Sources: flagSources("server.addr", "SERVER_ADDR"),
				Value:   ":5000",
			},
			&cli.StringFlag{
				Name: "registry-sweep-schedule",
				//nolint:lll
				Usage:   "The cron spec for reaping expired job ids from the registries. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
				Sources: flagSources("registry-sweep.schedule", "REGISTRY_SWEEP_SCHEDULE"),
				Value:   "@every 5m",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
			&cli.StringFlag{
				Name:    "registry-sweep-timezone",
				Usage:   "The name of the timezone to use for the cron",
				Sources: flagSources("registry-sweep.timezone", "REGISTRY_SWEEP_TZ"),
				Value:   "Local",
			},
		},
	}
}

func serveAction(registerShutdown registerShutdownFn) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()

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

		if cmd.Root().Bool("prometheus-enabled") {
			gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(otelResource)
			if err != nil {
				return fmt.Errorf("error setting up Prometheus metrics: %w", err)
			}

			registerShutdown("prometheus", shutdown)

			server.SetPrometheusGatherer(gatherer)

			logger.
				Info().
				Msg("Prometheus metrics enabled at /metrics")
		}

		q := queue.New(store, queueConfig(cmd))

		if err := setupRegistrySweep(ctx, cmd, q, locker); err != nil {
			return err
		}

		registerShutdown("registry sweeper", func(context.Context) error {
			q.StopCron()

			return nil
		})

		tracker := lockout.NewTracker(store, lockout.DefaultConfig())
		hasher := credentials.NewHasher(store)

		monitor := healthcheck.New(store, q, worker.NewCensus(store), healthcheck.DefaultInterval)
		monitor.Start(ctx)

		srv := server.New(Version, q, tracker, hasher, monitor)

		server := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("server-addr"),
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverDrainTimeout)
			defer cancel()

			//nolint:contextcheck // the listener context is already done here.
			return server.Shutdown(drainCtx)
		})

		logger.Info().
			Str("server_addr", cmd.String("server-addr")).
			Msg("Server started")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

// setupRegistrySweep schedules the registry sweeper on the queue's cron.
// An empty schedule disables sweeping on this instance.
func setupRegistrySweep(ctx context.Context, cmd *cli.Command, q *queue.Queue, locker lock.Locker) error {
	spec := cmd.String("registry-sweep-schedule")
	if spec == "" {
		return nil
	}

	var (
		loc *time.Location
		err error
	)

	if cronTimezone := cmd.String("registry-sweep-timezone"); cronTimezone != "" {
		loc, err = time.LoadLocation(cronTimezone)
		if err != nil {
			return fmt.Errorf("error parsing the timezone %q: %w", cronTimezone, err)
		}
	}

	q.SetupCron(ctx, loc)

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("error parsing the cron spec %q: %w", spec, err)
	}

	q.AddSweepCronJob(ctx, schedule, locker)

	q.StartCron(ctx)

	return nil
}

// kvConfig reads the root Redis flags shared by both tiers.
func kvConfig(cmd *cli.Command) kv.Config {
	return kv.Config{
		Host:     cmd.Root().String("redis-host"),
		Port:     cmd.Root().Int("redis-port"),
		Password: cmd.Root().String("redis-password"),
		DB:       cmd.Root().Int("redis-db"),
		PoolSize: cmd.Root().Int("redis-pool-size"),
	}
}

// queueConfig reads the root queue flags shared by both tiers.
func queueConfig(cmd *cli.Command) queue.Config {
	return queue.Config{
		Name:       cmd.Root().String("queue-name"),
		SuccessTTL: time.Duration(cmd.Root().Int("job-ttl-success")) * time.Second,
		FailedTTL:  time.Duration(cmd.Root().Int("job-ttl-failed")) * time.Second,
	}
}

func extraResourceAttrs(cmd *cli.Command) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("naas.environment", normalizeEnvironment(cmd.Root().String("environment"))),
		attribute.String("naas.queue_name", cmd.Root().String("queue-name")),
	}
}
