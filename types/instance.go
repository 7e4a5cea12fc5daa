package types

import "time"

// NodeExecution records one node's run within one instance. It is created
// when the node becomes ready and finalized when its resilience-wrapped
// call returns or exhausts retries.
type NodeExecution struct {
	NodeID     string          `json:"node_id"`
	Status     ExecutionStatus `json:"status"`
	StartTime  time.Time       `json:"start_time,omitempty"`
	EndTime    time.Time       `json:"end_time,omitempty"`
	Input      Data            `json:"input,omitempty"`
	Output     Data            `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// Instance is one execution of a definition. Callers receive deep-copied
// snapshots; the live value is mutated only by the owning scheduling loop.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	Status       InstanceStatus `json:"status"`

	Input     Data `json:"input,omitempty"`
	Variables Data `json:"variables,omitempty"`

	Ready     []string `json:"ready,omitempty"`
	Completed []string `json:"completed,omitempty"`
	Failed    []string `json:"failed,omitempty"`

	Executions map[string]*NodeExecution `json:"executions,omitempty"`

	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns a copy safe to hand to callers while the scheduling
// loop keeps mutating the original.
func (in *Instance) Snapshot() *Instance {
	cp := *in
	cp.Input = in.Input.DeepClone()
	cp.Variables = in.Variables.DeepClone()
	cp.Ready = append([]string(nil), in.Ready...)
	cp.Completed = append([]string(nil), in.Completed...)
	cp.Failed = append([]string(nil), in.Failed...)
	cp.Executions = make(map[string]*NodeExecution, len(in.Executions))
	for id, exec := range in.Executions {
		e := *exec
		e.Input = exec.Input.DeepClone()
		e.Output = exec.Output.DeepClone()
		cp.Executions[id] = &e
	}
	return &cp
}
