package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	datenschleuder "github.com/nerdfunk-net/datenschleuder-sub000"
	"github.com/nerdfunk-net/datenschleuder-sub000/queue"
)

const envPrefix = "DATENSCHLEUDER"

// fileConfig is the process configuration as read from YAML and the
// environment.
type fileConfig struct {
	Log       logConfig       `mapstructure:"log"`
	Store     storeConfig     `mapstructure:"store"`
	Transport transportConfig `mapstructure:"transport"`
	Redis     redisConfig     `mapstructure:"redis"`
	Postgres  postgresConfig  `mapstructure:"postgres"`
	NATS      natsConfig      `mapstructure:"nats"`
	Engine    engineConfig    `mapstructure:"engine"`
	Worker    workerConfig    `mapstructure:"worker"`
	Topology  queue.Topology  `mapstructure:"topology"`
	Audit     bool            `mapstructure:"audit"`
}

type logConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type storeConfig struct {
	// Backend is one of memory, redis or postgres.
	Backend string `mapstructure:"backend"`
}

type transportConfig struct {
	// Backend is one of memory, redis or nats.
	Backend string `mapstructure:"backend"`
}

type redisConfig struct {
	URL       string `mapstructure:"url"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type postgresConfig struct {
	URL string `mapstructure:"url"`
}

type natsConfig struct {
	URL     string        `mapstructure:"url"`
	Stream  string        `mapstructure:"stream"`
	AckWait time.Duration `mapstructure:"ack_wait"`
}

type engineConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ReapInterval      time.Duration `mapstructure:"reap_interval"`
	RunningCeiling    time.Duration `mapstructure:"running_ceiling"`
	PendingCeiling    time.Duration `mapstructure:"pending_ceiling"`
	RetentionTTL      time.Duration `mapstructure:"retention_ttl"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	ProgressTTL       time.Duration `mapstructure:"progress_ttl"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout"`
	LeaderTTL         time.Duration `mapstructure:"leader_ttl"`
	JoinLease         time.Duration `mapstructure:"join_lease"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	DefaultQueue      string        `mapstructure:"default_queue"`
}

type workerConfig struct {
	Queues      []string `mapstructure:"queues"`
	Concurrency int      `mapstructure:"concurrency"`
}

// setDefaults seeds v with the engine defaults so that a missing file or
// a partial one still yields a complete configuration.
func setDefaults(v *viper.Viper) {
	d := datenschleuder.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("transport.backend", "memory")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("postgres.url", "postgres://localhost:5432/datenschleuder?sslmode=disable")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "")
	v.SetDefault("nats.ack_wait", 3*time.Hour)
	v.SetDefault("redis.key_prefix", "")
	v.SetDefault("worker.queues", []string{})
	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("audit", false)

	v.SetDefault("engine.tick_interval", d.TickInterval)
	v.SetDefault("engine.reap_interval", d.ReapInterval)
	v.SetDefault("engine.running_ceiling", d.RunningCeiling)
	v.SetDefault("engine.pending_ceiling", d.PendingCeiling)
	v.SetDefault("engine.retention_ttl", d.RetentionTTL)
	v.SetDefault("engine.retention_interval", d.RetentionInterval)
	v.SetDefault("engine.progress_ttl", d.ProgressTTL)
	v.SetDefault("engine.poll_interval", d.PollInterval)
	v.SetDefault("engine.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("engine.task_timeout", d.TaskTimeout)
	v.SetDefault("engine.leader_ttl", d.LeaderTTL)
	v.SetDefault("engine.join_lease", d.JoinLease)
	v.SetDefault("engine.shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("engine.default_queue", d.DefaultQueue)
}

// loadConfig reads path (optional) and DATENSCHLEUDER_* variables.
// Nested keys map to variables with dots replaced by underscores, e.g.
// DATENSCHLEUDER_STORE_BACKEND.
func loadConfig(v *viper.Viper, path string) (fileConfig, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fileConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg fileConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if len(cfg.Topology.Queues) == 0 {
		cfg.Topology = queue.DefaultTopology()
	}
	if cfg.Topology.Fallback == "" {
		cfg.Topology.Fallback = cfg.Engine.DefaultQueue
	}
	if err := cfg.validate(); err != nil {
		return fileConfig{}, err
	}
	return cfg, nil
}

func (c fileConfig) validate() error {
	switch c.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return datenschleuder.Invalid("store.backend", "unknown backend %q", c.Store.Backend)
	}
	switch c.Transport.Backend {
	case "memory", "redis", "nats":
	default:
		return datenschleuder.Invalid("transport.backend", "unknown backend %q", c.Transport.Backend)
	}
	return c.Topology.Validate()
}

// engineSettings converts the file settings into the engine Config.
func (c fileConfig) engineSettings() datenschleuder.Config {
	e := c.Engine
	return datenschleuder.Config{
		TickInterval:      e.TickInterval,
		ReapInterval:      e.ReapInterval,
		RunningCeiling:    e.RunningCeiling,
		PendingCeiling:    e.PendingCeiling,
		RetentionTTL:      e.RetentionTTL,
		RetentionInterval: e.RetentionInterval,
		ProgressTTL:       e.ProgressTTL,
		PollInterval:      e.PollInterval,
		HeartbeatInterval: e.HeartbeatInterval,
		TaskTimeout:       e.TaskTimeout,
		LeaderTTL:         e.LeaderTTL,
		JoinLease:         e.JoinLease,
		ShutdownTimeout:   e.ShutdownTimeout,
		DefaultQueue:      e.DefaultQueue,
	}
}
