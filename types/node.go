package types

import "time"

type NodeKind string

const (
	KindStart     NodeKind = "start"
	KindEnd       NodeKind = "end"
	KindTask      NodeKind = "task"
	KindDecision  NodeKind = "decision"
	KindCondition NodeKind = "condition"
	KindJoin      NodeKind = "join"
)

func (k NodeKind) Valid() bool {
	switch k {
	case KindStart, KindEnd, KindTask, KindDecision, KindCondition, KindJoin:
		return true
	}
	return false
}

// TaskHandler is the external collaborator invoked for task nodes. It must
// honour ctx cancellation: the engine cancels the context on timeout and
// on instance cancellation.
type TaskHandler func(ctx Context, input Data, config Data) (Data, error)

// FallbackHandler produces a substitute result once an operation's retries
// are exhausted or its circuit is open. cause is the final error.
type FallbackHandler func(ctx Context, cause error) (Data, error)

// RetryPolicy overrides the engine-level retry defaults for one node.
type RetryPolicy struct {
	Attempts    int           `json:"attempts,omitempty"`
	Strategy    string        `json:"strategy,omitempty"` // fixed, linear, exponential
	BaseDelay   time.Duration `json:"base_delay,omitempty"`
	MaxDelay    time.Duration `json:"max_delay,omitempty"`
	Factor      float64       `json:"factor,omitempty"`
	Jitter      bool          `json:"jitter,omitempty"`
}

// BreakerPolicy overrides the engine-level circuit breaker defaults for one
// node's operation name.
type BreakerPolicy struct {
	FailureThreshold int           `json:"failure_threshold,omitempty"`
	SuccessThreshold int           `json:"success_threshold,omitempty"`
	Cooldown         time.Duration `json:"cooldown,omitempty"`
}

// Node is one unit of work inside a definition. Handler is resolved at
// execution time: Node.Handler, then the engine registry by HandlerName,
// then the engine-wide default.
type Node struct {
	ID        string   `json:"id" validate:"required"`
	Name      string   `json:"name,omitempty"`
	Kind      NodeKind `json:"kind" validate:"required"`
	Config    Data     `json:"config,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`

	// Conditions holds named guard expressions for decision nodes.
	Conditions map[string]string `json:"conditions,omitempty"`
	// Expression is the single guard of a condition node.
	Expression string `json:"expression,omitempty"`

	Timeout time.Duration  `json:"timeout,omitempty"`
	Retry   *RetryPolicy   `json:"retry,omitempty"`
	Breaker *BreakerPolicy `json:"breaker,omitempty"`

	HandlerName string `json:"handler_name,omitempty"`

	Handler  TaskHandler     `json:"-"`
	Fallback FallbackHandler `json:"-"`
}

// Edge is a directed relation between two nodes, optionally guarded. A
// guarded edge is traversable only when Guard evaluates true against the
// source node's output merged over the instance variables.
type Edge struct {
	From  string `json:"from" validate:"required"`
	To    string `json:"to" validate:"required"`
	Guard string `json:"guard,omitempty"`
}

// NodeStats carries per-node run counters across instances.
type NodeStats struct {
	NodeID       string `json:"node_id"`
	SuccessTimes int64  `json:"success_times"`
	FailedTimes  int64  `json:"failed_times"`
}
