package types

import (
	"context"
	"time"

	"github.com/juju/errors"
)

var (
	_ error = &TimeoutError{}
	_ error = &ExecutionError{}
	_ error = &ConditionError{}
	_ error = &CircuitOpenError{}
	_ error = &ExhaustedError{}
	_ error = &FatalError{}
)

// NewTimeoutError marks an operation that exceeded its deadline. Timeouts
// are retryable unless the retry classifier says otherwise.
func NewTimeoutError(operation string, timeout time.Duration) error {
	return &TimeoutError{
		baseError: newBaseErr(errors.Errorf("operation %s timed out after %v", operation, timeout)),
		Operation: operation,
		Timeout:   timeout,
	}
}

// NewExecutionError wraps a task handler failure.
func NewExecutionError(node string, otherErr error) error {
	return &ExecutionError{baseError: newBaseErr(otherErr), Node: node}
}

// NewConditionError marks a guard expression that failed to evaluate.
// Evaluation failures are never coerced to a boolean result.
func NewConditionError(expression string, otherErr error) error {
	return &ConditionError{baseError: newBaseErr(otherErr), Expression: expression}
}

// NewCircuitOpenError marks a call rejected without any attempt because the
// operation's breaker is open.
func NewCircuitOpenError(operation string) error {
	return &CircuitOpenError{
		baseError: newBaseErr(errors.Errorf("circuit open for operation %s", operation)),
		Operation: operation,
	}
}

// NewExhaustedError carries the last error after all retry attempts failed.
func NewExhaustedError(operation string, attempts int, lastErr error) error {
	return &ExhaustedError{baseError: newBaseErr(lastErr), Operation: operation, Attempts: attempts}
}

func NewFatalError(otherErr error) error {
	return &FatalError{baseError: newBaseErr(otherErr)}
}

func NewFatalErrorf(format string, args ...interface{}) error {
	return NewFatalError(errors.Errorf(format, args...))
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

func (e *baseError) Unwrap() error {
	return e.BaseErr
}

type TimeoutError struct {
	*baseError
	Operation string
	Timeout   time.Duration
}

type ExecutionError struct {
	*baseError
	Node string
}

type ConditionError struct {
	*baseError
	Expression string
}

func (e *ConditionError) Error() string {
	return "condition evaluation failed: " + e.baseError.Error()
}

type CircuitOpenError struct {
	*baseError
	Operation string
}

type ExhaustedError struct {
	*baseError
	Operation string
	Attempts  int
}

type FatalError struct {
	*baseError
}

func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

func IsCircuitOpen(err error) bool {
	var e *CircuitOpenError
	return errors.As(err, &e)
}

func IsExhausted(err error) bool {
	var e *ExhaustedError
	return errors.As(err, &e)
}

func IsConditionError(err error) bool {
	var e *ConditionError
	return errors.As(err, &e)
}

func IsFatal(err error) bool {
	var e *FatalError
	return errors.As(err, &e)
}

// IsRetryable is the default retry classifier: timeouts and plain handler
// failures retry; fatal, condition and breaker rejections do not, and
// neither does caller cancellation.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsFatal(err) || IsConditionError(err) || IsCircuitOpen(err) || IsExhausted(err) {
		return false
	}
	return true
}

// ErrKind names the taxonomy bucket an error belongs to, for ledger and
// health aggregation.
func ErrKind(err error) string {
	switch {
	case IsExhausted(err):
		return "retries_exhausted"
	case IsCircuitOpen(err):
		return "circuit_open"
	case IsConditionError(err):
		return "condition"
	case IsFatal(err):
		return "fatal"
	case IsTimeout(err):
		return "timeout"
	default:
		var e *ExecutionError
		if errors.As(err, &e) {
			return "execution"
		}
		return "error"
	}
}
