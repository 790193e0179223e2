// Package redis implements store.Store on Redis for deployments that
// already run Redis as the transport and want no second database.
//
// Runs are hashes holding the JSON record next to a plain status field, so
// the compare-and-set transitions run as a single Lua script. Schedules
// keep their next_run in a sorted set for the due query. Fan-out barriers
// record batch results with HSETNX, which makes redelivered batches no-ops.
// Progress counters use HINCRBY on a hash with a TTL.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nerdfunk-net/datenschleuder-sub000/cluster"
	"github.com/nerdfunk-net/datenschleuder-sub000/fanout"
	"github.com/nerdfunk-net/datenschleuder-sub000/progress"
	"github.com/nerdfunk-net/datenschleuder-sub000/run"
	"github.com/nerdfunk-net/datenschleuder-sub000/schedule"
	"github.com/nerdfunk-net/datenschleuder-sub000/template"
)

// Compile-time interface checks.
var (
	_ run.Store      = (*Store)(nil)
	_ template.Store = (*Store)(nil)
	_ schedule.Store = (*Store)(nil)
	_ fanout.Store   = (*Store)(nil)
	_ progress.Store = (*Store)(nil)
	_ cluster.Store  = (*Store)(nil)
)

const defaultBarrierTTL = 7 * 24 * time.Hour

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces every key the store touches.
func WithKeyPrefix(p string) Option {
	return func(s *Store) { s.keys = keys{prefix: p} }
}

// WithBarrierTTL bounds how long an abandoned fan-out barrier survives.
func WithBarrierTTL(d time.Duration) Option {
	return func(s *Store) { s.barrierTTL = d }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client     goredis.Cmdable
	keys       keys
	barrierTTL time.Duration
	logger     *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:     client,
		keys:       keys{prefix: defaultPrefix},
		barrierTTL: defaultBarrierTTL,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Migrate is a no-op for Redis (schemaless).
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op; the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ── helpers ──

func isRedisNil(err error) bool {
	return errors.Is(err, goredis.Nil)
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if isRedisNil(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func nanos(t time.Time) float64 {
	return float64(t.UnixNano())
}
