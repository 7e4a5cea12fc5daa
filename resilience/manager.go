package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/types"
)

// Operation is any named unit of work the manager can wrap: a node
// execution, a health probe, or a caller-supplied function. The operation
// must honour ctx cancellation.
type Operation func(ctx context.Context) (types.Data, error)

// Fallback produces a substitute result once attempts are exhausted or the
// breaker rejects outright. cause carries the final error.
type Fallback func(ctx context.Context, cause error) (types.Data, error)

// Config carries the manager-wide defaults. Every field can be overridden
// per call through ExecOptions.
type Config struct {
	Timeout  time.Duration
	Attempts int
	Backoff  Backoff
	Breaker  BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = Backoff{Strategy: StrategyExponential, Base: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	}
	return c
}

// Manager composes timeout, circuit breaking, retry and fallback around
// named operations. Breakers are keyed by operation name, shared by every
// caller of that name, and live until Reset. Construct one per engine and
// inject it; tests get isolated breaker state by constructing their own.
type Manager struct {
	config Config
	ledger *Ledger

	mu        sync.Mutex
	breakers  map[string]*Breaker
	fallbacks map[string]Fallback
}

func NewManager(config Config, ledger *Ledger) *Manager {
	if ledger == nil {
		ledger = NewLedger(0)
	}
	return &Manager{
		config:    config.withDefaults(),
		ledger:    ledger,
		breakers:  make(map[string]*Breaker),
		fallbacks: make(map[string]Fallback),
	}
}

func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// RegisterFallback binds a fallback to an operation name. A per-call
// fallback passed through ExecOptions takes precedence.
func (m *Manager) RegisterFallback(name string, fb Fallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallbacks[name] = fb
}

// BreakerFor returns the breaker for an operation name, creating it with
// the given config (or the manager default) on first use. The config of an
// existing breaker is never changed.
func (m *Manager) BreakerFor(name string, config *BreakerConfig) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if br, exists := m.breakers[name]; exists {
		return br
	}
	cfg := m.config.Breaker
	if config != nil {
		cfg = *config
	}
	br := NewBreaker(name, cfg)
	m.breakers[name] = br
	return br
}

type ExecOptions struct {
	Timeout   time.Duration
	Attempts  int
	Backoff   *Backoff
	Breaker   *BreakerConfig
	Retryable func(error) bool
	Fallback  Fallback
	// OnFailure observes each failed attempt (1-based) before any retry
	// decision. Used by the executor to track retry counts.
	OnFailure func(attempt int, err error)
}

type ExecOption func(*ExecOptions)

func WithTimeout(d time.Duration) ExecOption {
	return func(o *ExecOptions) { o.Timeout = d }
}

func WithAttempts(n int) ExecOption {
	return func(o *ExecOptions) { o.Attempts = n }
}

func WithBackoff(b Backoff) ExecOption {
	return func(o *ExecOptions) { o.Backoff = &b }
}

func WithBreakerConfig(c BreakerConfig) ExecOption {
	return func(o *ExecOptions) { o.Breaker = &c }
}

func WithRetryable(f func(error) bool) ExecOption {
	return func(o *ExecOptions) { o.Retryable = f }
}

func WithFallback(fb Fallback) ExecOption {
	return func(o *ExecOptions) { o.Fallback = fb }
}

func WithFailureObserver(f func(attempt int, err error)) ExecOption {
	return func(o *ExecOptions) { o.OnFailure = f }
}

func (m *Manager) execOptions(opts []ExecOption) *ExecOptions {
	o := &ExecOptions{
		Timeout:   m.config.Timeout,
		Attempts:  m.config.Attempts,
		Retryable: types.IsRetryable,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Backoff == nil {
		b := m.config.Backoff
		o.Backoff = &b
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	return o
}

/**
 * Execute runs op under the composed resilience policy:
 * the breaker gates whether an attempt is allowed at all, the timeout
 * bounds each attempt, retry governs how many gated attempts are made,
 * and the fallback is consulted only after attempts are exhausted or the
 * breaker rejects outright. Every failed attempt lands in the ledger.
 */
func (m *Manager) Execute(ctx context.Context, name string, op Operation, opts ...ExecOption) (types.Data, error) {
	o := m.execOptions(opts)
	br := m.BreakerFor(name, o.Breaker)

	var lastErr error
	attempted := 0
	for attempt := 1; attempt <= o.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}

		if !br.Allow() {
			err := types.NewCircuitOpenError(name)
			m.ledger.Append(name, err)
			return m.finish(ctx, name, o, err)
		}

		result, err := m.attempt(ctx, name, op, o.Timeout)
		if err == nil {
			br.Success()
			return result, nil
		}

		br.Failure()
		m.ledger.Append(name, err)
		lastErr = err
		attempted = attempt
		if o.OnFailure != nil {
			o.OnFailure(attempt, err)
		}

		log.Debugf("operation %s attempt %d/%d failed: %v", name, attempt, o.Attempts, err)

		if !o.Retryable(err) {
			break
		}
		if attempt < o.Attempts {
			if werr := o.Backoff.Wait(ctx, attempt); werr != nil {
				return nil, errors.Trace(werr)
			}
		}
	}

	final := lastErr
	if o.Attempts > 1 && attempted >= o.Attempts && o.Retryable(lastErr) {
		final = types.NewExhaustedError(name, attempted, lastErr)
	}
	return m.finish(ctx, name, o, final)
}

// attempt runs op once under its own deadline. The deadline context is
// handed to op, so cancellation reaches the underlying call instead of
// merely abandoning the wait.
func (m *Manager) attempt(ctx context.Context, name string, op Operation, timeout time.Duration) (types.Data, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		data types.Data
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := op(attemptCtx)
		done <- outcome{data, err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-attemptCtx.Done():
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, types.NewTimeoutError(name, timeout)
		}
		return nil, errors.Trace(attemptCtx.Err())
	}
}

func (m *Manager) finish(ctx context.Context, name string, o *ExecOptions, cause error) (types.Data, error) {
	fb := o.Fallback
	if fb == nil {
		m.mu.Lock()
		fb = m.fallbacks[name]
		m.mu.Unlock()
	}
	if fb == nil {
		return nil, errors.Trace(cause)
	}

	log.Debugf("operation %s falling back: %v", name, cause)
	result, err := fb(ctx, cause)
	if err != nil {
		m.ledger.Append(name, err)
		return nil, errors.Trace(err)
	}
	return result, nil
}
