// Package kv provides access to the Redis key-value store backing all
// shared state: queued jobs, job records, failure windows, circuit
// breaker state and the credential salt. Every API and worker instance
// connects to the same store; nothing is kept in process memory.
package kv

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the Redis connection settings.
type Config struct {
	// Host is the Redis server hostname or IP address.
	Host string

	// Port is the Redis server port.
	Port int

	// Password authenticates the connection; empty means no AUTH.
	Password string

	// DB selects the Redis logical database.
	DB int

	// PoolSize caps the connection pool; zero uses the client default.
	PoolSize int
}

// Addr returns the host:port address of the Redis server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Store wraps the Redis client shared by every package that persists state.
type Store struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("error pinging Redis at %s: %w", cfg.Addr(), err)
	}

	zerolog.Ctx(ctx).Info().
		Str("addr", cfg.Addr()).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return &Store{client: client}, nil
}

// Client exposes the underlying Redis client to sibling packages.
func (s *Store) Client() *redis.Client { return s.client }

// Ping checks the connection and returns the round-trip latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("error pinging Redis: %w", err)
	}

	return time.Since(start), nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.client.Close() }

// IsConnectionError reports whether err looks like a transport failure
// rather than an application-level error. Transport failures are the
// retryable class: the peer may come back.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "no such host")
}
