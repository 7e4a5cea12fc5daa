package resilience

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// BreakerConfig controls one breaker's state machine.
type BreakerConfig struct {
	// consecutive failures in Closed that trip the breaker
	FailureThreshold int
	// consecutive successes in HalfOpen that close it again
	SuccessThreshold int
	// how long Open lasts before the next call is allowed as a trial
	Cooldown time.Duration
	// trial calls admitted while HalfOpen
	MaxTrialCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxTrialCalls <= 0 {
		c.MaxTrialCalls = 1
	}
	return c
}

// Breaker is a per-operation-name circuit breaker. State transitions are
// atomic with respect to the counters they depend on: every decision runs
// under the one mutex.
type Breaker struct {
	name   string
	config BreakerConfig

	mu                 sync.Mutex
	state              BreakerState
	consecutiveFailure int
	consecutiveSuccess int
	halfOpenCalls      int
	lastStateChange    time.Time
	nextTrial          time.Time
}

func NewBreaker(name string, config BreakerConfig) *Breaker {
	return &Breaker{
		name:            name,
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call may proceed right now. An Open breaker whose
// cooldown has elapsed transitions to HalfOpen and admits the trial call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Now().After(b.nextTrial) {
		b.setState(StateHalfOpen)
	}

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenCalls < b.config.MaxTrialCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// Success reports a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccess++
	b.consecutiveFailure = 0

	if b.state == StateHalfOpen {
		if b.consecutiveSuccess >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		} else if b.halfOpenCalls > 0 {
			// release the trial slot so the next call is admitted
			b.halfOpenCalls--
		}
	}
}

// Failure reports a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailure++
	b.consecutiveSuccess = 0

	switch b.state {
	case StateClosed:
		if b.consecutiveFailure >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) setState(newState BreakerState) {
	oldState := b.state
	if oldState == newState {
		return
	}

	log.Infof("breaker %s: %v -> %v (failures=%d successes=%d)",
		b.name, oldState, newState, b.consecutiveFailure, b.consecutiveSuccess)

	b.state = newState
	b.lastStateChange = time.Now()

	switch newState {
	case StateOpen:
		b.nextTrial = time.Now().Add(b.config.Cooldown)
		b.consecutiveSuccess = 0
	case StateHalfOpen:
		b.halfOpenCalls = 0
		b.consecutiveFailure = 0
	case StateClosed:
		b.nextTrial = time.Time{}
		b.consecutiveFailure = 0
		b.halfOpenCalls = 0
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset returns the breaker to Closed and clears every counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailure = 0
	b.consecutiveSuccess = 0
	b.halfOpenCalls = 0
	b.setState(StateClosed)
}
