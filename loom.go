package loom

import (
	"github.com/juju/errors"

	"github.com/loomflow/loom/engine"
	"github.com/loomflow/loom/health"
	"github.com/loomflow/loom/resilience"
	"github.com/loomflow/loom/store"
	"github.com/loomflow/loom/store/mem"
	"github.com/loomflow/loom/store/postgres"
	"github.com/loomflow/loom/types"
)

// New creates a workflow engine with the given options
func New(opts ...types.Option) (types.Engine, error) {
	options := types.NewOptions()
	for _, opt := range opts {
		opt(options)
	}

	s, err := newStore(options)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ledger := resilience.NewLedger(options.LedgerCapacity)
	res := resilience.NewManager(resilienceConfig(options), ledger)

	return engine.NewEngine(s, res, options), nil
}

// NewHealthChecker creates a health checker over the engine's resilience
// manager so probe failures land in the same ledger as node failures.
func NewHealthChecker(e types.Engine, opts ...types.Option) (*health.Checker, error) {
	options := types.NewOptions()
	for _, opt := range opts {
		opt(options)
	}

	eng, ok := e.(*engine.Engine)
	if !ok {
		return nil, errors.BadRequestf("engine does not expose a resilience manager")
	}
	return health.NewChecker(eng.Resilience(), options.HealthInterval), nil
}

func newStore(options *types.Options) (store.Store, error) {
	// PostgresConfig takes precedence over MemStore
	if options.PostgresConfig != nil {
		pgConfig := &postgres.Config{
			Host:     options.PostgresConfig.Host,
			Port:     options.PostgresConfig.Port,
			User:     options.PostgresConfig.User,
			Password: options.PostgresConfig.Password,
			Database: options.PostgresConfig.Database,
			SSLMode:  options.PostgresConfig.SSLMode,
		}

		s, err := postgres.NewPostgresStore(pgConfig)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to create PostgreSQL store")
		}
		return s, nil
	}
	// Default to mem store if not specified
	return mem.NewMemStore(), nil
}

func resilienceConfig(options *types.Options) resilience.Config {
	return resilience.Config{
		Timeout:  options.NodeTimeout,
		Attempts: options.RetryAttempts,
		Backoff: resilience.Backoff{
			Strategy: options.BackoffStrategy,
			Base:     options.BackoffBase,
			Max:      options.BackoffMax,
			Factor:   options.BackoffFactor,
			Jitter:   options.BackoffJitter,
		},
		Breaker: resilience.BreakerConfig{
			FailureThreshold: options.BreakerFailureThreshold,
			SuccessThreshold: options.BreakerSuccessThreshold,
			Cooldown:         options.BreakerCooldown,
		},
	}
}
