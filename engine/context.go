package engine

import (
	"context"

	"github.com/loomflow/loom/types"
)

var (
	_ types.Context = &execContext{}
)

// execContext is the types.Context handed to task handlers. It derives from
// the attempt context, so deadline and cancellation flow through to the
// handler call.
type execContext struct {
	context.Context

	instanceID string
	nodeID     string
}

func newExecContext(ctx context.Context, instanceID, nodeID string) *execContext {
	return &execContext{Context: ctx, instanceID: instanceID, nodeID: nodeID}
}

func (c *execContext) GetInstanceID() string {
	return c.instanceID
}

func (c *execContext) GetNodeID() string {
	return c.nodeID
}
