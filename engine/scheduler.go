package engine

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/guard"
	"github.com/loomflow/loom/types"
	"github.com/loomflow/loom/utils"
)

func newInstance(id string, def *types.Definition, input types.Data) *types.Instance {
	inst := &types.Instance{
		ID:           id,
		DefinitionID: def.ID,
		Status:       types.InstanceCreated,
		Input:        input.Clone(),
		Variables:    def.Variables.Clone(),
		Executions:   make(map[string]*types.NodeExecution),
		CreatedAt:    time.Now(),
	}
	inst.Ready = initialReady(def)
	return inst
}

// initialReady seeds the first wave: explicit start nodes when the
// definition has any, otherwise every node with an empty dependency set.
func initialReady(def *types.Definition) []string {
	starts := make([]string, 0, 1)
	for _, n := range def.Nodes {
		if n.Kind == types.KindStart {
			starts = append(starts, n.ID)
		}
	}
	if len(starts) > 0 {
		return starts
	}
	for _, n := range def.Nodes {
		if len(def.Dependencies(n.ID)) == 0 {
			starts = append(starts, n.ID)
		}
	}
	return starts
}

/**
 * instanceRunner drives one instance's scheduling loop. Instance state is
 * mutated only by this loop and the explicit pause/resume/cancel calls,
 * always under the instance-scoped mutex, so parallel node completions
 * within a wave serialize their effect on the instance.
 */
type instanceRunner struct {
	engine *Engine
	def    *types.Definition
	inst   *types.Instance

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	paused    bool
	resumeCh  chan struct{}
	completed map[string]bool
	failed    map[string]bool
	traversed map[string]bool // "from\x00to" for every traversable edge

	done      chan struct{}
	startOnce sync.Once
}

func newInstanceRunner(e *Engine, def *types.Definition, inst *types.Instance) *instanceRunner {
	r := &instanceRunner{
		engine:    e,
		def:       def,
		inst:      inst,
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
		traversed: make(map[string]bool),
		done:      make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(e.ctx)
	return r
}

// rebuild reconstructs traversal state from a persisted snapshot: the
// completed and failed sets come straight from the instance, and edge
// traversal is replayed over the stored executions so the ready set is
// recomputed rather than trusted.
func (r *instanceRunner) rebuild() {
	r.mu.Lock()
	for _, id := range r.inst.Completed {
		r.completed[id] = true
	}
	for _, id := range r.inst.Failed {
		r.failed[id] = true
	}
	r.paused = false
	if r.inst.Executions == nil {
		r.inst.Executions = make(map[string]*types.NodeExecution)
	}

	replay := make([]*types.NodeExecution, 0, len(r.inst.Completed))
	for _, id := range r.inst.Completed {
		if exec, exists := r.inst.Executions[id]; exists {
			replay = append(replay, exec)
		}
	}
	r.mu.Unlock()

	if len(replay) > 0 {
		r.advance(replay)
	} else if len(r.inst.Ready) == 0 {
		r.mu.Lock()
		r.inst.Ready = initialReady(r.def)
		r.mu.Unlock()
	}
}

func edgeKey(from, to string) string {
	return from + "\x00" + to
}

func (r *instanceRunner) start() {
	r.startOnce.Do(func() {
		go r.run()
	})
}

func (r *instanceRunner) run() {
	defer close(r.done)

	r.mu.Lock()
	if r.inst.Status == types.InstanceCreated {
		r.inst.Status = types.InstanceRunning
	}
	r.mu.Unlock()

	for {
		if !r.waitIfPaused() {
			r.finalizeInterrupted()
			return
		}

		r.mu.Lock()
		ready := append([]string(nil), r.inst.Ready...)
		r.mu.Unlock()

		if len(ready) == 0 {
			r.finalize()
			return
		}

		results := r.runWave(ready)

		if r.ctx.Err() != nil {
			// cancelled or shut down mid-wave: in-flight executions have
			// finished, no further wave starts
			r.recordWave(results)
			r.finalizeInterrupted()
			return
		}

		r.recordWave(results)
		r.advance(results)

		if err := r.persist(context.Background()); err != nil {
			log.Errorf("%s failed to persist instance: %v", r.inst.ID, err)
		}
	}
}

// waitIfPaused blocks while the instance is paused. It returns false when
// the run context ends, so a paused instance still cancels promptly.
func (r *instanceRunner) waitIfPaused() bool {
	for {
		r.mu.Lock()
		if !r.paused {
			r.mu.Unlock()
			return r.ctx.Err() == nil
		}
		ch := r.resumeCh
		r.mu.Unlock()

		select {
		case <-ch:
		case <-r.ctx.Done():
			return false
		}
	}
}

// runWave executes every ready node concurrently through the shared worker
// pool and waits for the whole wave before returning.
func (r *instanceRunner) runWave(ready []string) []*types.NodeExecution {
	results := make([]*types.NodeExecution, len(ready))

	var wg sync.WaitGroup
	for i, nodeID := range ready {
		node := r.def.NodeByID(nodeID)
		input := r.buildInput(node)

		r.mu.Lock()
		if _, exists := r.inst.Executions[nodeID]; !exists {
			r.inst.Executions[nodeID] = &types.NodeExecution{NodeID: nodeID, Status: types.ExecutionPending}
		}
		r.mu.Unlock()

		idx, id := i, nodeID
		wg.Add(1)
		r.engine.wp.Submit(func() {
			defer wg.Done()
			results[idx] = r.engine.executeNode(r.ctx, r.inst.ID, r.def, r.def.NodeByID(id), input)
		})
	}
	wg.Wait()
	return results
}

// buildInput assembles a node's input payload: instance input, then
// variables merged over it, then each completed dependency's output keyed
// by its node id.
func (r *instanceRunner) buildInput(node *types.Node) types.Data {
	r.mu.Lock()
	defer r.mu.Unlock()

	payload := r.inst.Input.DeepClone()
	merged, err := utils.MergeMaps(payload, r.inst.Variables.DeepClone())
	if err != nil {
		log.Errorf("%s failed to merge variables for node %s: %v", r.inst.ID, node.ID, err)
		merged = payload
	}
	payload = merged

	for _, dep := range r.def.Dependencies(node.ID) {
		if exec, exists := r.inst.Executions[dep]; exists && exec.Status == types.ExecutionCompleted {
			payload[dep] = map[string]any(exec.Output.DeepClone())
		}
	}
	return payload
}

// recordWave stores the wave's execution records and folds completed
// outputs into the variable store.
func (r *instanceRunner) recordWave(results []*types.NodeExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, exec := range results {
		if exec == nil {
			continue
		}
		r.inst.Executions[exec.NodeID] = exec

		switch exec.Status {
		case types.ExecutionCompleted:
			r.markCompleted(exec.NodeID)
			// merge a deep clone so later recursive merges into the
			// variable store cannot rewrite the finalized output
			merged, err := utils.MergeMaps(r.inst.Variables, exec.Output.DeepClone())
			if err != nil {
				log.Errorf("%s failed to merge output of %s: %v", r.inst.ID, exec.NodeID, err)
				continue
			}
			r.inst.Variables = merged
		case types.ExecutionFailed:
			r.markFailed(exec.NodeID)
		}
	}
}

func (r *instanceRunner) markCompleted(nodeID string) {
	if !r.completed[nodeID] {
		r.completed[nodeID] = true
		r.inst.Completed = append(r.inst.Completed, nodeID)
	}
}

func (r *instanceRunner) markFailed(nodeID string) {
	if !r.failed[nodeID] {
		r.failed[nodeID] = true
		r.inst.Failed = append(r.inst.Failed, nodeID)
	}
}

/**
 * advance evaluates outgoing edges of the wave's completed nodes and
 * computes the next ready set. Guard evaluation uses the source node's
 * final output merged over the instance variables; an evaluation error is
 * a real failure of the target, never a silent "do not traverse".
 */
func (r *instanceRunner) advance(results []*types.NodeExecution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, exec := range results {
		if exec == nil || exec.Status != types.ExecutionCompleted {
			continue
		}
		for _, edge := range r.def.OutEdges(exec.NodeID) {
			if edge.Guard == "" {
				r.traversed[edgeKey(edge.From, edge.To)] = true
				continue
			}

			guardCtx, err := utils.MergeMaps(r.inst.Variables.DeepClone(), exec.Output)
			var pass bool
			if err == nil {
				pass, err = guard.Evaluate(edge.Guard, guardCtx)
			}
			if err != nil {
				r.failEdgeTarget(edge, err)
				continue
			}
			if pass {
				r.traversed[edgeKey(edge.From, edge.To)] = true
			}
		}
	}

	next := make([]string, 0, 4)
	for _, node := range r.def.Nodes {
		if r.completed[node.ID] || r.failed[node.ID] {
			continue
		}
		if r.depsSatisfied(node.ID) {
			next = append(next, node.ID)
		}
	}
	r.inst.Ready = next
}

// depsSatisfied: every dependency completed, and when inbound edges exist
// at least one of them is traversable.
func (r *instanceRunner) depsSatisfied(nodeID string) bool {
	deps := r.def.Dependencies(nodeID)
	if len(deps) == 0 {
		return false
	}
	for _, dep := range deps {
		if !r.completed[dep] {
			return false
		}
	}

	hasEdge := false
	for _, e := range r.def.Edges {
		if e.To != nodeID {
			continue
		}
		hasEdge = true
		if r.traversed[edgeKey(e.From, e.To)] {
			return true
		}
	}
	return !hasEdge
}

// failEdgeTarget marks an edge's target failed with the guard's
// evaluation error.
func (r *instanceRunner) failEdgeTarget(edge *types.Edge, evalErr error) {
	condErr := types.NewConditionError(edge.Guard, evalErr)
	opName := r.def.ID + ".edge." + edge.From + "->" + edge.To
	r.engine.res.Ledger().Append(opName, condErr)

	log.Errorf("%s guard on edge %s -> %s failed to evaluate: %v", r.inst.ID, edge.From, edge.To, evalErr)

	r.inst.Executions[edge.To] = &types.NodeExecution{
		NodeID:    edge.To,
		Status:    types.ExecutionFailed,
		Error:     condErr.Error(),
		ErrorKind: types.ErrKind(condErr),
	}
	r.markFailed(edge.To)
}

// finalize runs once the ready set empties. Unvisited nodes are marked
// skipped so callers never see an ambiguous partial state.
func (r *instanceRunner) finalize() {
	r.mu.Lock()

	for _, node := range r.def.Nodes {
		if _, exists := r.inst.Executions[node.ID]; !exists {
			r.inst.Executions[node.ID] = &types.NodeExecution{NodeID: node.ID, Status: types.ExecutionSkipped}
		}
	}

	if len(r.inst.Failed) > 0 {
		r.inst.Status = types.InstanceFailed
		for _, id := range r.inst.Failed {
			if exec := r.inst.Executions[id]; exec != nil && exec.Error != "" {
				r.inst.Error = exec.Error
				break
			}
		}
	} else {
		r.inst.Status = types.InstanceCompleted
	}
	r.inst.EndedAt = time.Now()
	status := r.inst.Status
	r.mu.Unlock()

	log.Debugf("%s finished with status %v", r.inst.ID, status)
	if err := r.persist(context.Background()); err != nil {
		log.Errorf("%s failed to persist final state: %v", r.inst.ID, err)
	}
}

// finalizeInterrupted handles cancellation and engine shutdown. A
// cancelled instance becomes terminal; a shut-down engine leaves the
// instance paused so a reload can resume it.
func (r *instanceRunner) finalizeInterrupted() {
	r.mu.Lock()
	switch {
	case r.inst.Status == types.InstanceCancelled:
		r.inst.EndedAt = time.Now()
	case r.inst.Status.Terminal():
	default:
		r.paused = true
		r.inst.Status = types.InstancePaused
	}
	r.mu.Unlock()

	if err := r.persist(context.Background()); err != nil {
		log.Errorf("%s failed to persist interrupted state: %v", r.inst.ID, err)
	}
}

// pause freezes the loop before its next wave; in-flight executions finish.
// No-op when already paused or terminal.
func (r *instanceRunner) pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inst.Status.Terminal() || r.paused {
		return nil
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
	r.inst.Status = types.InstancePaused
	return nil
}

// resume restarts a paused loop. No-op otherwise.
func (r *instanceRunner) resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inst.Status.Terminal() || !r.paused {
		return nil
	}
	r.paused = false
	r.inst.Status = types.InstanceRunning
	close(r.resumeCh)
	return nil
}

// cancelRun cancels the run context so in-flight executions are signalled
// and no further wave starts. No-op when already terminal.
func (r *instanceRunner) cancelRun() error {
	r.mu.Lock()
	if r.inst.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}
	r.inst.Status = types.InstanceCancelled
	if r.paused {
		r.paused = false
		close(r.resumeCh)
	}
	r.mu.Unlock()

	r.cancel()
	return nil
}

func (r *instanceRunner) snapshot() *types.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inst.Snapshot()
}

func (r *instanceRunner) persist(ctx context.Context) error {
	snap := r.snapshot()
	return errors.Trace(r.engine.saveInstance(ctx, snap))
}
