package queue

import "time"

// Config holds the queue manager configuration. Fields carry env tags
// so the whole struct can be loaded through the config package.
type Config struct {
	MaxQueueSize   int           `env:"QUEUE_MAX_SIZE" envDefault:"1000"`
	MaxConcurrency int           `env:"QUEUE_MAX_CONCURRENCY" envDefault:"4"`
	PollInterval   time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"50ms"`

	DefaultTimeout    time.Duration `env:"QUEUE_DEFAULT_TIMEOUT" envDefault:"5m"`
	DefaultMaxRetries int           `env:"QUEUE_DEFAULT_MAX_RETRIES" envDefault:"3"`

	DedupEnabled bool          `env:"QUEUE_DEDUP_ENABLED" envDefault:"true"`
	DedupWindow  time.Duration `env:"QUEUE_DEDUP_WINDOW" envDefault:"1m"`

	Strategy Strategy `env:"QUEUE_STRATEGY" envDefault:"priority"`

	// CircuitRetryDelay is the short fixed reschedule applied when a
	// zone's breaker denies execution.
	CircuitRetryDelay time.Duration `env:"QUEUE_CIRCUIT_RETRY_DELAY" envDefault:"5s"`

	MaintenanceInterval time.Duration `env:"QUEUE_MAINTENANCE_INTERVAL" envDefault:"30s"`
	Retention           time.Duration `env:"QUEUE_RETENTION" envDefault:"1h"`
	ShutdownTimeout     time.Duration `env:"QUEUE_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	Backoff   BackoffConfig   `envPrefix:""`
	Breaker   BreakerConfig   `envPrefix:""`
	Batching  BatchConfig     `envPrefix:""`
	Scheduler SchedulerTuning `envPrefix:""`
	BatchTune BatchTuning     `envPrefix:""`
}

// BackoffConfig configures the retry backoff policy.
type BackoffConfig struct {
	BaseDelay    time.Duration `env:"QUEUE_BACKOFF_BASE_DELAY" envDefault:"1s"`
	MaxDelay     time.Duration `env:"QUEUE_BACKOFF_MAX_DELAY" envDefault:"30s"`
	Multiplier   float64       `env:"QUEUE_BACKOFF_MULTIPLIER" envDefault:"2"`
	Jitter       bool          `env:"QUEUE_BACKOFF_JITTER" envDefault:"true"`
	JitterFactor float64       `env:"QUEUE_BACKOFF_JITTER_FACTOR" envDefault:"0.1"`
}

// Policy builds the BackoffPolicy described by the config.
func (c BackoffConfig) Policy() BackoffPolicy {
	return ExponentialBackoff{
		BaseDelay:    c.BaseDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
		JitterFactor: c.JitterFactor,
	}
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        1000,
		MaxConcurrency:      4,
		PollInterval:        50 * time.Millisecond,
		DefaultTimeout:      5 * time.Minute,
		DefaultMaxRetries:   3,
		DedupEnabled:        true,
		DedupWindow:         time.Minute,
		Strategy:            StrategyPriority,
		CircuitRetryDelay:   5 * time.Second,
		MaintenanceInterval: 30 * time.Second,
		Retention:           time.Hour,
		ShutdownTimeout:     30 * time.Second,
		Backoff: BackoffConfig{
			BaseDelay:    time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
			Jitter:       true,
			JitterFactor: 0.1,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
			MaxTimeoutFactor: 8,
		},
		Batching: BatchConfig{
			Enabled:      false,
			MaxBatchSize: 10,
			BatchTimeout: time.Second,
		},
		Scheduler: DefaultSchedulerTuning(),
		BatchTune: DefaultBatchTuning(),
	}
}
