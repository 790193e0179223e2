package datenschleuder

import "time"

// Config holds the timing and sizing knobs of the engine.
type Config struct {
	// TickInterval is the period of the schedule tick.
	TickInterval time.Duration

	// ReapInterval is how often the stale-run sweep runs.
	ReapInterval time.Duration

	// RunningCeiling is how long a run may stay running before the reaper
	// checks its task handles against the transport.
	RunningCeiling time.Duration

	// PendingCeiling is how long a run may stay pending before it is
	// considered lost.
	PendingCeiling time.Duration

	// RetentionTTL is the age after which terminal runs are pruned.
	// Zero disables retention cleanup.
	RetentionTTL time.Duration

	// RetentionInterval is how often retention cleanup runs.
	RetentionInterval time.Duration

	// ProgressTTL bounds the lifetime of run-scoped progress counters.
	ProgressTTL time.Duration

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration

	// HeartbeatInterval is how often workers report liveness and check
	// for revoked tasks.
	HeartbeatInterval time.Duration

	// TaskTimeout is the hard limit for one task on a worker. Zero
	// disables it; executors still apply their own timeouts.
	TaskTimeout time.Duration

	// LeaderTTL is the lease duration for scheduler leadership.
	LeaderTTL time.Duration

	// JoinLease is how long a join task owns the join of a fan-out run
	// without renewing. A running join renews at a third of it; a crashed
	// one is taken over by the next delivery once it expires.
	JoinLease time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// DefaultQueue receives job types without an explicit route.
	DefaultQueue string
}

// DefaultConfig returns a Config with the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      time.Minute,
		ReapInterval:      10 * time.Minute,
		RunningCeiling:    2 * time.Hour,
		PendingCeiling:    time.Hour,
		RetentionTTL:      30 * 24 * time.Hour,
		RetentionInterval: time.Hour,
		ProgressTTL:       24 * time.Hour,
		PollInterval:      time.Second,
		HeartbeatInterval: 10 * time.Second,
		LeaderTTL:         30 * time.Second,
		JoinLease:         2 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		DefaultQueue:      "default",
	}
}
