package engine

import (
	"context"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/guard"
	"github.com/loomflow/loom/resilience"
	"github.com/loomflow/loom/types"
	"github.com/loomflow/loom/utils"
)

/**
 * executeNode dispatches one ready node to the behaviour of its kind and
 * produces the finalized NodeExecution. Every invocation runs through the
 * resilience manager under the node's timeout; task nodes additionally get
 * the retry/breaker/fallback policy.
 */
func (e *Engine) executeNode(ctx context.Context, instanceID string, def *types.Definition, node *types.Node, input types.Data) *types.NodeExecution {
	exec := &types.NodeExecution{
		NodeID:    node.ID,
		Status:    types.ExecutionRunning,
		StartTime: time.Now(),
		Input:     input.Clone(),
	}

	opName := def.ID + "." + node.ID
	opts := e.execOptionsFor(node, exec, instanceID)

	output, err := e.res.Execute(ctx, opName, func(ctx context.Context) (types.Data, error) {
		return e.runKind(ctx, instanceID, node, input)
	}, opts...)

	exec.EndTime = time.Now()
	if err != nil {
		exec.Status = types.ExecutionFailed
		exec.Error = errors.ErrorStack(err)
		exec.ErrorKind = types.ErrKind(err)
		e.countRun(opName, false)
		log.Debugf("%s node %s failed: %v", instanceID, node.ID, err)
		return exec
	}

	exec.Status = types.ExecutionCompleted
	exec.Output = output
	e.countRun(opName, true)
	return exec
}

// execOptionsFor maps a node's overrides onto resilience exec options.
// Non-task kinds evaluate locally and get a single attempt.
func (e *Engine) execOptionsFor(node *types.Node, exec *types.NodeExecution, instanceID string) []resilience.ExecOption {
	timeout := node.Timeout
	if timeout <= 0 {
		timeout = e.opts.NodeTimeout
	}

	opts := []resilience.ExecOption{
		resilience.WithTimeout(timeout),
		// RetryCount is the number of failed attempts recorded for the node
		resilience.WithFailureObserver(func(attempt int, err error) {
			exec.RetryCount = attempt
		}),
	}

	if node.Kind != types.KindTask {
		return append(opts, resilience.WithAttempts(1))
	}

	attempts := e.opts.RetryAttempts
	backoff := resilience.Backoff{
		Strategy: e.opts.BackoffStrategy,
		Base:     e.opts.BackoffBase,
		Max:      e.opts.BackoffMax,
		Factor:   e.opts.BackoffFactor,
		Jitter:   e.opts.BackoffJitter,
	}
	if p := node.Retry; p != nil {
		if p.Attempts > 0 {
			attempts = p.Attempts
		}
		if p.Strategy != "" {
			backoff.Strategy = p.Strategy
		}
		if p.BaseDelay > 0 {
			backoff.Base = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			backoff.Max = p.MaxDelay
		}
		if p.Factor > 0 {
			backoff.Factor = p.Factor
		}
		backoff.Jitter = p.Jitter
	}
	opts = append(opts, resilience.WithAttempts(attempts), resilience.WithBackoff(backoff))

	if p := node.Breaker; p != nil {
		opts = append(opts, resilience.WithBreakerConfig(resilience.BreakerConfig{
			FailureThreshold: p.FailureThreshold,
			SuccessThreshold: p.SuccessThreshold,
			Cooldown:         p.Cooldown,
		}))
	}

	if node.Fallback != nil {
		fb := node.Fallback
		opts = append(opts, resilience.WithFallback(func(ctx context.Context, cause error) (types.Data, error) {
			return fb(newExecContext(ctx, instanceID, node.ID), cause)
		}))
	}
	return opts
}

// runKind is the per-kind behaviour. A panicking handler is converted to a
// fatal error instead of taking the scheduler down.
func (e *Engine) runKind(ctx context.Context, instanceID string, node *types.Node, input types.Data) (output types.Data, retErr error) {
	defer func() {
		if r := recover(); r != nil {
			output = nil
			retErr = types.NewFatalErrorf("panic in node %s: %v", node.ID, r)
		}
	}()

	switch node.Kind {
	case types.KindStart:
		// start echoes its input
		return input.Clone(), nil

	case types.KindEnd:
		// end captures the accumulated payload as the instance's final output
		return input.Clone(), nil

	case types.KindJoin:
		return joinOutputs(node, input)

	case types.KindCondition:
		return runCondition(node, input)

	case types.KindDecision:
		return runDecision(node, input)

	case types.KindTask:
		handler := e.resolveHandler(node)
		if handler == nil {
			return nil, types.NewFatalErrorf("task node %s resolves no handler", node.ID)
		}
		out, err := handler(newExecContext(ctx, instanceID, node.ID), input, node.Config)
		if err != nil {
			if !types.IsRetryable(err) {
				return nil, errors.Trace(err)
			}
			return nil, types.NewExecutionError(node.ID, err)
		}
		return out, nil
	}
	return nil, types.NewFatalErrorf("unknown node kind %q", node.Kind)
}

// joinOutputs merges every upstream output present in the input payload
// into one map. Dependency gating already provided the barrier.
func joinOutputs(node *types.Node, input types.Data) (types.Data, error) {
	merged := types.Data{}
	for _, dep := range node.DependsOn {
		if out, ok := input.GetData(dep); ok {
			m, err := utils.MergeMaps(merged, out)
			if err != nil {
				return nil, errors.Trace(err)
			}
			merged = m
		}
	}
	return merged, nil
}

// runCondition evaluates the node's single guard. An evaluation error is a
// node failure, never a silent false.
func runCondition(node *types.Node, input types.Data) (types.Data, error) {
	result, err := guard.Evaluate(node.Expression, input)
	if err != nil {
		return nil, types.NewConditionError(node.Expression, err)
	}
	return types.Data{"result": result}, nil
}

// runDecision evaluates every named guard and reports the map of results
// plus an aggregate "any" flag. No external handler is involved.
func runDecision(node *types.Node, input types.Data) (types.Data, error) {
	results := make(map[string]bool, len(node.Conditions))
	any := false
	for name, expr := range node.Conditions {
		ok, err := guard.Evaluate(expr, input)
		if err != nil {
			return nil, types.NewConditionError(expr, err)
		}
		results[name] = ok
		any = any || ok
	}
	return types.Data{"results": results, "any": any}, nil
}

func (e *Engine) countRun(opName string, success bool) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	s, exists := e.stats[opName]
	if !exists {
		s = &types.NodeStats{NodeID: opName}
		e.stats[opName] = s
	}
	if success {
		s.SuccessTimes++
	} else {
		s.FailedTimes++
	}
}

// NodeStats returns run counters for every node this engine has executed.
func (e *Engine) NodeStats() []types.NodeStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	out := make([]types.NodeStats, 0, len(e.stats))
	for _, s := range e.stats {
		out = append(out, *s)
	}
	return out
}
