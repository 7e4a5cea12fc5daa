// Package health runs named probes on demand or on an interval and folds
// their results into one aggregate system status.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/resilience"
	"github.com/loomflow/loom/types"
)

type Level int32

const (
	Healthy Level = iota
	Degraded
	Unhealthy
	Critical
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	case Critical:
		return "critical"
	}
	return "unknown"
}

// Probe is a boolean check: nil means Healthy, an error means Unhealthy.
type Probe func(ctx context.Context) error

// LeveledProbe reports its own level, for components that can degrade
// without being down.
type LeveledProbe func(ctx context.Context) (Level, error)

type Result struct {
	Component string    `json:"component"`
	Level     Level     `json:"level"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type probeEntry struct {
	name  string
	probe LeveledProbe
}

// Checker tracks the last-known result of every registered probe. Probe
// calls run through the resilience manager so a flaky probe cannot crash
// the checker; a probe that panics or errors records Critical/Unhealthy
// for that component instead of propagating.
type Checker struct {
	res      *resilience.Manager
	interval time.Duration

	mu      sync.Mutex
	probes  []probeEntry
	results map[string]Result

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewChecker(res *resilience.Manager, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Checker{
		res:      res,
		interval: interval,
		results:  make(map[string]Result),
		stopCh:   make(chan struct{}),
	}
}

func (c *Checker) Register(name string, probe Probe) {
	c.RegisterLeveled(name, func(ctx context.Context) (Level, error) {
		if err := probe(ctx); err != nil {
			return Unhealthy, err
		}
		return Healthy, nil
	})
}

func (c *Checker) RegisterLeveled(name string, probe LeveledProbe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes = append(c.probes, probeEntry{name: name, probe: probe})
}

// RunChecks executes every probe once and returns the fresh results.
func (c *Checker) RunChecks(ctx context.Context) map[string]Result {
	c.mu.Lock()
	probes := append([]probeEntry(nil), c.probes...)
	c.mu.Unlock()

	out := make(map[string]Result, len(probes))
	for _, entry := range probes {
		r := c.runProbe(ctx, entry)
		out[entry.name] = r

		c.mu.Lock()
		c.results[entry.name] = r
		c.mu.Unlock()
	}
	return out
}

// probeError carries a probe's level alongside its error through the
// resilience manager.
type probeError struct {
	level Level
	err   error
}

func (e *probeError) Error() string {
	return e.err.Error()
}

func (e *probeError) Unwrap() error {
	return e.err
}

func (c *Checker) runProbe(ctx context.Context, entry probeEntry) Result {
	result := Result{Component: entry.name, Level: Healthy, CheckedAt: time.Now()}

	probe := entry.probe
	data, err := c.res.Execute(ctx, "health."+entry.name, func(ctx context.Context) (types.Data, error) {
		level, perr := runRecovered(ctx, probe)
		if perr != nil {
			if level < Unhealthy {
				level = Unhealthy
			}
			return nil, &probeError{level: level, err: perr}
		}
		return types.Data{"level": int32(level)}, nil
	}, resilience.WithAttempts(1))

	if err != nil {
		result.Level = Unhealthy
		var pe *probeError
		if errors.As(err, &pe) {
			result.Level = pe.level
		}
		result.Detail = err.Error()
		return result
	}
	if v, ok := data.GetInt("level"); ok {
		result.Level = Level(v)
	}
	return result
}

// runRecovered turns a probe panic into a Critical result.
func runRecovered(ctx context.Context, probe LeveledProbe) (level Level, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			level = Critical
			retErr = errors.Errorf("probe panic: %v", r)
		}
	}()
	return probe(ctx)
}

// Results returns the last-known result per component.
func (c *Checker) Results() map[string]Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Aggregate is the worst individual level across last-known results. An
// empty checker is Healthy.
func (c *Checker) Aggregate() Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	worst := Healthy
	for _, r := range c.results {
		if r.Level > worst {
			worst = r.Level
		}
	}
	return worst
}

func (c *Checker) String() string {
	return fmt.Sprintf("health[%s]", c.Aggregate())
}

// Start launches the interval loop. Stop or ctx cancellation ends it.
func (c *Checker) Start(ctx context.Context) {
	c.doneCh = make(chan struct{})
	go func() {
		defer close(c.doneCh)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				results := c.RunChecks(ctx)
				if level := c.Aggregate(); level > Healthy {
					log.Warnf("health degraded to %v across %d probes", level, len(results))
				}
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
		}
	}()
}

func (c *Checker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	if c.doneCh != nil {
		<-c.doneCh
	}
}
