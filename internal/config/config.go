// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"

	"github.com/roach88/ivm/internal/fanout"
	"github.com/roach88/ivm/internal/outbox"
)

// Config is the full process configuration. Every field has an IVM_*
// environment variable and a default.
type Config struct {
	DBPath       string `env:"IVM_DB" envDefault:"ivm.db" validate:"required"`
	ContractsDir string `env:"IVM_CONTRACTS" envDefault:"contracts"`
	MetricsAddr  string `env:"IVM_METRICS_ADDR" validate:"omitempty,hostname_port"`
	LogLevel     string `env:"IVM_LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	Outbox OutboxConfig `envPrefix:"IVM_OUTBOX_"`
	Fanout FanoutConfig `envPrefix:"IVM_FANOUT_"`
}

// OutboxConfig tunes the delivery coordinator.
type OutboxConfig struct {
	Workers           int           `env:"WORKERS" envDefault:"4" validate:"min=1,max=256"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"10" validate:"min=1,max=1000"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"500ms" validate:"gt=0"`
	VisibilityTimeout time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"15m" validate:"gt=0"`
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"5" validate:"min=0"`
	Ordered           bool          `env:"ORDERED" envDefault:"true"`
	JanitorInterval   time.Duration `env:"JANITOR_INTERVAL" envDefault:"30s" validate:"gt=0"`
	Retention         time.Duration `env:"RETENTION" envDefault:"0s" validate:"min=0"`
}

// FanoutConfig tunes the fanout workflow.
type FanoutConfig struct {
	Enabled           bool          `env:"ENABLED" envDefault:"true"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"100" validate:"min=1,max=10000"`
	BatchDelay        time.Duration `env:"BATCH_DELAY" envDefault:"50ms" validate:"min=0"`
	RatePerSecond     float64       `env:"RATE_PER_SECOND" envDefault:"0" validate:"min=0"`
	MaxConcurrent     int64         `env:"MAX_CONCURRENT" envDefault:"8" validate:"min=1"`
	DependencyTimeout time.Duration `env:"DEPENDENCY_TIMEOUT" envDefault:"5m" validate:"min=0"`
	DedupWindow       time.Duration `env:"DEDUP_WINDOW" envDefault:"30s" validate:"min=0"`
	DedupMaxEntries   int           `env:"DEDUP_MAX_ENTRIES" envDefault:"10000" validate:"min=1"`
	CircuitAction     string        `env:"CIRCUIT_ACTION" envDefault:"SKIP" validate:"oneof=SKIP ERROR ASYNC"`
	DefaultMaxFanout  int           `env:"DEFAULT_MAX_FANOUT" envDefault:"10000" validate:"min=0"`
	MaxJobs           int           `env:"MAX_JOBS" envDefault:"256" validate:"min=1"`
}

var validate = validator.New()

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints. Call it again after flags override
// env-derived values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if d := c.Fanout.DependencyTimeout; d > 0 && c.Outbox.VisibilityTimeout <= d {
		return fmt.Errorf("invalid config: outbox visibility timeout %s must exceed fanout dependency timeout %s",
			c.Outbox.VisibilityTimeout, d)
	}
	return nil
}

// OutboxOptions converts the outbox section to coordinator options.
func (c Config) OutboxOptions() outbox.Options {
	o := c.Outbox
	return outbox.Options{
		Workers:           o.Workers,
		BatchSize:         o.BatchSize,
		PollInterval:      o.PollInterval,
		VisibilityTimeout: o.VisibilityTimeout,
		MaxRetries:        o.MaxRetries,
		Ordered:           o.Ordered,
		JanitorInterval:   o.JanitorInterval,
		Retention:         o.Retention,
	}
}

// WorkflowConfig converts the fanout section to workflow configuration.
func (c Config) WorkflowConfig() fanout.Config {
	f := c.Fanout
	return fanout.Config{
		Enabled:           f.Enabled,
		BatchSize:         f.BatchSize,
		BatchDelay:        f.BatchDelay,
		RatePerSecond:     f.RatePerSecond,
		MaxConcurrent:     f.MaxConcurrent,
		DependencyTimeout: f.DependencyTimeout,
		DedupWindow:       f.DedupWindow,
		DedupMaxEntries:   f.DedupMaxEntries,
		CircuitAction:     fanout.CircuitAction(f.CircuitAction),
		DefaultMaxFanout:  f.DefaultMaxFanout,
		MaxJobs:           f.MaxJobs,
	}
}

// Level returns the slog level named by LogLevel.
func (c Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
