package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"

	audithook "github.com/nerdfunk-net/datenschleuder-sub000/audit_hook"
	"github.com/nerdfunk-net/datenschleuder-sub000/engine"
	"github.com/nerdfunk-net/datenschleuder-sub000/executor"
	"github.com/nerdfunk-net/datenschleuder-sub000/jobtypes"
	"github.com/nerdfunk-net/datenschleuder-sub000/store"
	"github.com/nerdfunk-net/datenschleuder-sub000/store/memory"
	pgstore "github.com/nerdfunk-net/datenschleuder-sub000/store/postgres"
	redisstore "github.com/nerdfunk-net/datenschleuder-sub000/store/redis"
	"github.com/nerdfunk-net/datenschleuder-sub000/transport"
	memtransport "github.com/nerdfunk-net/datenschleuder-sub000/transport/memory"
	natstransport "github.com/nerdfunk-net/datenschleuder-sub000/transport/nats"
	redistransport "github.com/nerdfunk-net/datenschleuder-sub000/transport/redis"
)

func newLogger(cfg logConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("log.format: unknown format %q", cfg.Format)
	}
}

// deps holds the backends of one process and closes them in reverse
// order of opening.
type deps struct {
	store  store.Store
	broker transport.Broker
	logger *slog.Logger

	redis   *goredis.Client
	closers []func() error
}

func (d *deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	return errors.Join(errs...)
}

func (d *deps) redisClient(cfg redisConfig) (*goredis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis.url: %w", err)
	}
	d.redis = goredis.NewClient(opts)
	d.closers = append(d.closers, d.redis.Close)
	return d.redis, nil
}

// openDeps connects the configured store and transport.
func openDeps(ctx context.Context, cfg fileConfig, logger *slog.Logger) (*deps, error) {
	d := &deps{logger: logger}
	if err := d.openStore(ctx, cfg); err != nil {
		_ = d.Close()
		return nil, err
	}
	if err := d.openBroker(ctx, cfg); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *deps) openStore(ctx context.Context, cfg fileConfig) error {
	switch cfg.Store.Backend {
	case "redis":
		client, err := d.redisClient(cfg.Redis)
		if err != nil {
			return err
		}
		opts := []redisstore.Option{redisstore.WithLogger(d.logger)}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		d.store = redisstore.New(client, opts...)
	case "postgres":
		s, err := pgstore.New(ctx, cfg.Postgres.URL, pgstore.WithLogger(d.logger))
		if err != nil {
			return err
		}
		d.store = s
		d.closers = append(d.closers, s.Close)
	default:
		d.store = memory.New()
	}

	if err := d.store.Ping(ctx); err != nil {
		return fmt.Errorf("store %s: ping: %w", cfg.Store.Backend, err)
	}
	if err := d.store.Migrate(ctx); err != nil {
		return fmt.Errorf("store %s: migrate: %w", cfg.Store.Backend, err)
	}
	return nil
}

func (d *deps) openBroker(ctx context.Context, cfg fileConfig) error {
	switch cfg.Transport.Backend {
	case "redis":
		client, err := d.redisClient(cfg.Redis)
		if err != nil {
			return err
		}
		opts := []redistransport.Option{redistransport.WithLogger(d.logger)}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, redistransport.WithKeyPrefix(cfg.Redis.KeyPrefix))
		}
		d.broker = redistransport.New(client, opts...)
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("datenschleuder"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					d.logger.Warn("nats disconnected", slog.String("error", err.Error()))
				}
			}),
			nats.ReconnectHandler(func(*nats.Conn) {
				d.logger.Info("nats reconnected", slog.String("url", cfg.NATS.URL))
			}),
		)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		d.closers = append(d.closers, func() error { nc.Close(); return nil })

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		opts := []natstransport.Option{natstransport.WithLogger(d.logger)}
		if cfg.NATS.Stream != "" {
			opts = append(opts, natstransport.WithStreamName(cfg.NATS.Stream))
		}
		if cfg.NATS.AckWait > 0 {
			opts = append(opts, natstransport.WithAckWait(cfg.NATS.AckWait))
		}
		br, err := natstransport.New(ctx, js, opts...)
		if err != nil {
			return err
		}
		d.broker = br
	default:
		d.broker = memtransport.New()
	}
	d.closers = append(d.closers, d.broker.Close)
	return nil
}

// newRegistry registers the built-in job types. The process has no
// device, git or monitoring integration of its own; those job types fail
// their runs with jobtypes.ErrMissingCollaborator until an embedding
// program supplies collaborators.
func newRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	jobtypes.RegisterAll(reg, jobtypes.Collaborators{})
	return reg
}

// newEngine wires an engine over d for the given roles.
func newEngine(cfg fileConfig, d *deps, roles []engine.Role) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithConfig(cfg.engineSettings()),
		engine.WithLogger(d.logger),
		engine.WithTopology(cfg.Topology),
		engine.WithRoles(roles...),
	}
	if len(cfg.Worker.Queues) > 0 {
		opts = append(opts, engine.WithWorkerQueues(cfg.Worker.Queues...))
	}
	if cfg.Worker.Concurrency > 0 {
		opts = append(opts, engine.WithConcurrency(cfg.Worker.Concurrency))
	}
	if cfg.Audit {
		opts = append(opts, engine.WithExtension(audithook.New(auditLogger(d.logger))))
	}
	return engine.New(d.store, d.broker, newRegistry(), opts...)
}

// auditLogger records audit events as structured log lines.
func auditLogger(logger *slog.Logger) audithook.Recorder {
	return audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("severity", evt.Severity),
			slog.String("reason", evt.Reason),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
}
