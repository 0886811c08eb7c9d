package config

import "time"

// QueueConfig controls how messages are polled, leased, and processed.
type QueueConfig struct {
	// PollInterval is the base interval for checking pending work.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// HeartbeatInterval is how often a processor refreshes the lease on
	// the entry it is working. A lease is considered dead after three
	// missed heartbeats.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// MaxAttempts is the number of processing attempts before an entry
	// is dead-lettered.
	MaxAttempts int `yaml:"max_attempts"`

	// MaxConcurrentWorlds caps world tasks running in this process.
	MaxConcurrentWorlds int `yaml:"max_concurrent_worlds"`

	// IdleWaitTimeout bounds how long the processor waits for a world
	// to report idle after a message is handed to it.
	IdleWaitTimeout time.Duration `yaml:"idle_wait_timeout"`

	// GracefulShutdownTimeout is the max time to wait for in-flight
	// world tasks during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`

	// BackoffBase and BackoffCap shape the retry delay:
	// min(cap, 2^attempts × base).
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffCap  time.Duration `yaml:"backoff_cap"`
}

// HeartbeatTTL is the lease liveness window: a lease whose heartbeat is
// older than this is considered dead and may be reclaimed.
func (c *QueueConfig) HeartbeatTTL() time.Duration {
	return 3 * c.HeartbeatInterval
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      200 * time.Millisecond,
		HeartbeatInterval:       5 * time.Second,
		MaxAttempts:             3,
		MaxConcurrentWorlds:     5,
		IdleWaitTimeout:         60 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		BackoffBase:             1 * time.Second,
		BackoffCap:              30 * time.Second,
	}
}
