package types

import (
	"context"
	"time"

	"github.com/mcuadros/go-defaults"
)

func NewOptions() *Options {
	opts := &Options{Ctx: context.Background()}
	defaults.SetDefaults(opts)
	return opts
}

type Options struct {
	Ctx context.Context

	/**
	 * default: 8
	 * upper bound on nodes executing concurrently within one wave.
	 * excess ready nodes queue until a slot frees.
	 */
	MaxParallel int `default:"8"`
	/**
	 * default: 300s, applied to every node execution that does not
	 * carry its own timeout.
	 */
	NodeTimeout time.Duration `default:"300s"`

	// retry defaults, overridable per node via RetryPolicy
	RetryAttempts   int           `default:"3"`
	BackoffStrategy string        `default:"exponential"`
	BackoffBase     time.Duration `default:"1s"`
	BackoffMax      time.Duration `default:"60s"`
	BackoffFactor   float64       `default:"2"`
	BackoffJitter   bool          `default:"true"`

	// circuit breaker defaults, overridable per node via BreakerPolicy
	BreakerFailureThreshold int           `default:"5"`
	BreakerSuccessThreshold int           `default:"3"`
	BreakerCooldown         time.Duration `default:"30s"`

	// ledger capacity and health probe interval
	LedgerCapacity int           `default:"1000"`
	HealthInterval time.Duration `default:"30s"`

	/**
	 * default: false, only set it to true when doing testing or developing.
	 */
	MemStore bool `default:"false"`

	// PostgreSQL store configuration.
	// If both MemStore and PostgresConfig are set, PostgresConfig takes precedence.
	PostgresConfig *PostgresConfig

	// DefaultHandler runs task nodes that resolve no handler of their own.
	DefaultHandler TaskHandler
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

type Option func(*Options)

func WithContext(ctx context.Context) Option {
	return func(opts *Options) {
		opts.Ctx = ctx
	}
}

func SetMaxParallel(n int) Option {
	return func(opts *Options) {
		opts.MaxParallel = n
	}
}

func SetNodeTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.NodeTimeout = d
	}
}

func SetRetryAttempts(n int) Option {
	return func(opts *Options) {
		opts.RetryAttempts = n
	}
}

func SetBackoff(strategy string, base, max time.Duration, factor float64, jitter bool) Option {
	return func(opts *Options) {
		opts.BackoffStrategy = strategy
		opts.BackoffBase = base
		opts.BackoffMax = max
		opts.BackoffFactor = factor
		opts.BackoffJitter = jitter
	}
}

func SetBreakerThresholds(failure, success int, cooldown time.Duration) Option {
	return func(opts *Options) {
		opts.BreakerFailureThreshold = failure
		opts.BreakerSuccessThreshold = success
		opts.BreakerCooldown = cooldown
	}
}

func SetHealthInterval(d time.Duration) Option {
	return func(opts *Options) {
		opts.HealthInterval = d
	}
}

func EnableMemStore() Option {
	return func(opts *Options) {
		opts.MemStore = true
	}
}

// WithPostgresConfig configures the engine to persist snapshots in PostgreSQL
func WithPostgresConfig(config *PostgresConfig) Option {
	return func(opts *Options) {
		opts.PostgresConfig = config
	}
}

func WithDefaultHandler(h TaskHandler) Option {
	return func(opts *Options) {
		opts.DefaultHandler = h
	}
}
