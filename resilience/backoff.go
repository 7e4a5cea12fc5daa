package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/juju/errors"
)

const (
	StrategyFixed       = "fixed"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
)

// Backoff computes the wait before retry attempt n (1-based: the delay
// after the first failed attempt is Delay(1)).
type Backoff struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter scales the computed delay by a uniform factor in [0.5, 1.0)
	// so concurrent retries spread out.
	Jitter bool
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	var d time.Duration
	switch b.Strategy {
	case StrategyLinear:
		d = time.Duration(int64(base) * int64(attempt))
	case StrategyExponential:
		factor := b.Factor
		if factor <= 1 {
			factor = 2
		}
		d = time.Duration(float64(base) * math.Pow(factor, float64(attempt-1)))
	default:
		d = base
	}

	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	if b.Jitter {
		d = time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
	}
	return d
}

// Wait sleeps for the attempt's delay, returning early with the context's
// error if ctx is cancelled. A cancelled instance never runs its pending
// backoff to completion.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
