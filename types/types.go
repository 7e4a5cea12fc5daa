package types

import (
	"context"
)

// InstanceStatus is the lifecycle state of one workflow instance.
type InstanceStatus int32

const (
	InstanceCreated   InstanceStatus = 0
	InstanceRunning   InstanceStatus = 1
	InstancePaused    InstanceStatus = 2
	InstanceCompleted InstanceStatus = 10
	InstanceFailed    InstanceStatus = 11
	InstanceCancelled InstanceStatus = 12
)

func (s InstanceStatus) String() string {
	switch s {
	case InstanceCreated:
		return "created"
	case InstanceRunning:
		return "running"
	case InstancePaused:
		return "paused"
	case InstanceCompleted:
		return "completed"
	case InstanceFailed:
		return "failed"
	case InstanceCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// ExecutionStatus is the lifecycle state of one node run within an instance.
type ExecutionStatus int32

const (
	ExecutionPending   ExecutionStatus = 0
	ExecutionRunning   ExecutionStatus = 1
	ExecutionCompleted ExecutionStatus = 2
	ExecutionFailed    ExecutionStatus = 3
	ExecutionSkipped   ExecutionStatus = 4
)

func (s ExecutionStatus) String() string {
	switch s {
	case ExecutionPending:
		return "pending"
	case ExecutionRunning:
		return "running"
	case ExecutionCompleted:
		return "completed"
	case ExecutionFailed:
		return "failed"
	case ExecutionSkipped:
		return "skipped"
	}
	return "unknown"
}

type Context interface {
	context.Context

	GetInstanceID() string
}
