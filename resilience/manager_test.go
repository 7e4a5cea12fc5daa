package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"

	"github.com/loomflow/loom/types"
)

func fastConfig() Config {
	return Config{
		Timeout:  time.Second,
		Attempts: 3,
		Backoff:  Backoff{Strategy: StrategyFixed, Base: time.Millisecond},
	}
}

func TestExecuteSuccess(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	calls := 0
	result, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		calls++
		return types.Data{"ok": true}, nil
	})

	assert.Nil(t, err)
	assert.Equal(t, 1, calls)
	v, _ := result.GetBool("ok")
	assert.True(t, v)
	assert.Equal(t, 0, m.Ledger().Len())
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	calls := 0
	var observed []int
	result, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return types.Data{"done": true}, nil
	}, WithFailureObserver(func(attempt int, err error) {
		observed = append(observed, attempt)
	}))

	assert.Nil(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, observed)
	v, _ := result.GetBool("done")
	assert.True(t, v)
	// both failed attempts were ledgered
	assert.Equal(t, 2, m.Ledger().Len())
}

func TestExecuteExhaustsRetries(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	calls := 0
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		calls++
		return nil, errors.New("always fails")
	})

	assert.NotNil(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, types.IsExhausted(err))
	assert.Equal(t, "retries_exhausted", types.ErrKind(err))
	assert.Equal(t, 3, m.Ledger().Len())
}

func TestExecuteNonRetryableStopsEarly(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	calls := 0
	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		calls++
		return nil, types.NewFatalErrorf("broken config")
	})

	assert.NotNil(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, types.IsFatal(err))
	assert.False(t, types.IsExhausted(err))
}

func TestExecuteTimeout(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		select {
		case <-time.After(time.Second):
			return types.Data{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, WithTimeout(10*time.Millisecond), WithAttempts(1))

	assert.NotNil(t, err)
	assert.True(t, types.IsTimeout(err))
}

func TestExecuteBreakerOpens(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(20))
	breaker := BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: time.Hour}

	calls := 0
	fail := func(ctx context.Context) (types.Data, error) {
		calls++
		return nil, errors.New("down")
	}

	// two failed attempts trip the breaker, the third is rejected unrun
	_, err := m.Execute(context.Background(), "op", fail, WithBreakerConfig(breaker))
	assert.NotNil(t, err)
	assert.True(t, types.IsCircuitOpen(err))
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateOpen, m.BreakerFor("op", nil).State())

	// subsequent calls fail fast without invoking the operation
	_, err = m.Execute(context.Background(), "op", fail, WithBreakerConfig(breaker))
	assert.True(t, types.IsCircuitOpen(err))
	assert.Equal(t, 2, calls)
}

func TestExecuteBreakerRecovers(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(20))
	breaker := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: 10 * time.Millisecond}

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return nil, types.NewFatalErrorf("down")
	}, WithBreakerConfig(breaker))
	assert.NotNil(t, err)
	assert.Equal(t, StateOpen, m.BreakerFor("op", nil).State())

	time.Sleep(20 * time.Millisecond)

	// the trial call succeeds and closes the breaker again
	result, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return types.Data{"up": true}, nil
	}, WithBreakerConfig(breaker))
	assert.Nil(t, err)
	v, _ := result.GetBool("up")
	assert.True(t, v)
	assert.Equal(t, StateClosed, m.BreakerFor("op", nil).State())
}

func TestExecuteBreakerRecoversOverMultipleTrials(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(20))
	breaker := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: 5 * time.Millisecond, MaxTrialCalls: 1}

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return nil, types.NewFatalErrorf("down")
	}, WithBreakerConfig(breaker))
	assert.NotNil(t, err)
	assert.Equal(t, StateOpen, m.BreakerFor("op", nil).State())

	// closing needs two consecutive successful trials; each one must be
	// admitted, with the half-open slot freed between them
	up := func(ctx context.Context) (types.Data, error) {
		return types.Data{"up": true}, nil
	}
	for i := 0; i < 2; i++ {
		time.Sleep(10 * time.Millisecond)
		_, err = m.Execute(context.Background(), "op", up, WithBreakerConfig(breaker))
		assert.Nil(t, err, "trial call %d was rejected", i+1)
	}
	assert.Equal(t, StateClosed, m.BreakerFor("op", nil).State())

	// and once closed, calls flow without waiting out a cooldown
	_, err = m.Execute(context.Background(), "op", up, WithBreakerConfig(breaker))
	assert.Nil(t, err)
}

func TestExecuteFallback(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	result, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return nil, errors.New("always fails")
	}, WithFallback(func(ctx context.Context, cause error) (types.Data, error) {
		assert.True(t, types.IsExhausted(cause))
		return types.Data{"fallback": true}, nil
	}))

	assert.Nil(t, err)
	v, _ := result.GetBool("fallback")
	assert.True(t, v)
	// the fallback result does not erase the attempt failures
	assert.Equal(t, 3, m.Ledger().Len())
}

func TestExecuteRegisteredFallback(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))
	m.RegisterFallback("op", func(ctx context.Context, cause error) (types.Data, error) {
		return types.Data{"registered": true}, nil
	})

	result, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return nil, types.NewFatalErrorf("down")
	})

	assert.Nil(t, err)
	v, _ := result.GetBool("registered")
	assert.True(t, v)
}

func TestExecuteFallbackFailure(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (types.Data, error) {
		return nil, types.NewFatalErrorf("down")
	}, WithFallback(func(ctx context.Context, cause error) (types.Data, error) {
		return nil, errors.New("fallback also down")
	}))

	assert.NotNil(t, err)
	// one entry for the attempt, one for the failed fallback
	assert.Equal(t, 2, m.Ledger().Len())
}

func TestExecuteCancelledContext(t *testing.T) {
	m := NewManager(fastConfig(), NewLedger(10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := m.Execute(ctx, "op", func(ctx context.Context) (types.Data, error) {
		calls++
		return types.Data{}, nil
	})

	assert.NotNil(t, err)
	assert.Equal(t, 0, calls)
}
