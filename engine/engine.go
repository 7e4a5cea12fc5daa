package engine

import (
	"context"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/google/uuid"
	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/resilience"
	"github.com/loomflow/loom/store"
	"github.com/loomflow/loom/types"
)

var (
	_ types.Engine = &Engine{}
)

// Engine owns graph traversal and instance lifecycle. The resilience
// manager is injected at construction; tests inject isolated managers with
// independent breaker state.
type Engine struct {
	opts  *types.Options
	store store.Store
	res   *resilience.Manager

	ctx    context.Context
	cancel context.CancelFunc

	wp *workerpool.WorkerPool

	mu          sync.Mutex
	running     bool
	definitions map[string]*types.Definition
	handlers    map[string]types.TaskHandler
	runners     map[string]*instanceRunner

	statsMu sync.Mutex
	stats   map[string]*types.NodeStats
}

func NewEngine(s store.Store, res *resilience.Manager, opts *types.Options) *Engine {
	e := &Engine{
		opts:        opts,
		store:       s,
		res:         res,
		running:     true,
		wp:          workerpool.New(opts.MaxParallel),
		definitions: make(map[string]*types.Definition),
		handlers:    make(map[string]types.TaskHandler),
		runners:     make(map[string]*instanceRunner),
		stats:       make(map[string]*types.NodeStats),
	}
	e.ctx, e.cancel = context.WithCancel(opts.Ctx)
	return e
}

func (e *Engine) Resilience() *resilience.Manager {
	return e.res
}

// RegisterDefinition validates and stores an immutable workflow template.
// Re-registering an id fails; new versions are new definitions.
func (e *Engine) RegisterDefinition(def *types.Definition) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return errors.MethodNotAllowedf("engine closed")
	}
	e.mu.Unlock()

	if def == nil {
		return errors.BadRequestf("definition is nil")
	}
	if err := validateDefinition(def); err != nil {
		return errors.Trace(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.definitions[def.ID]; exists {
		return errors.AlreadyExistsf("definition id: %s", def.ID)
	}
	e.definitions[def.ID] = def

	if err := e.saveDefinition(e.ctx, def); err != nil {
		delete(e.definitions, def.ID)
		return errors.Trace(err)
	}

	log.Debugf("registered definition %s with %d nodes", def.ID, len(def.Nodes))
	return nil
}

func (e *Engine) GetDefinition(id string) (*types.Definition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, exists := e.definitions[id]
	return def, exists
}

func (e *Engine) ListDefinitionIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.definitions))
	for id := range e.definitions {
		ids = append(ids, id)
	}
	return ids
}

// RegisterHandler binds a task handler under a name nodes reference through
// Node.HandlerName.
func (e *Engine) RegisterHandler(name string, handler types.TaskHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = handler
}

// resolveHandler picks the handler for a task node: node-attached first,
// then the named registry, then the engine default.
func (e *Engine) resolveHandler(node *types.Node) types.TaskHandler {
	if node.Handler != nil {
		return node.Handler
	}
	if node.HandlerName != "" {
		e.mu.Lock()
		h := e.handlers[node.HandlerName]
		e.mu.Unlock()
		if h != nil {
			return h
		}
	}
	return e.opts.DefaultHandler
}

/**
 * StartInstance creates an instance of the definition, seeds the ready set
 * and launches its scheduling loop in the background. The instance handle
 * returns immediately; each call creates a new, independent instance and
 * never mutates the source definition.
 */
func (e *Engine) StartInstance(ctx context.Context, definitionID string, input types.Data) (string, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return "", errors.MethodNotAllowedf("engine closed")
	}
	def, exists := e.definitions[definitionID]
	e.mu.Unlock()
	if !exists {
		return "", errors.NotFoundf("definition: %s", definitionID)
	}

	inst := newInstance(uuid.NewString(), def, input)
	runner := newInstanceRunner(e, def, inst)

	e.mu.Lock()
	e.runners[inst.ID] = runner
	e.mu.Unlock()

	if err := runner.persist(ctx); err != nil {
		e.mu.Lock()
		delete(e.runners, inst.ID)
		e.mu.Unlock()
		return "", errors.Trace(err)
	}

	runner.start()
	return inst.ID, nil
}

func (e *Engine) runner(instanceID string) *instanceRunner {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runners[instanceID]
}

// GetInstanceStatus returns a snapshot of a live instance, falling back to
// the store for instances from earlier engine runs.
func (e *Engine) GetInstanceStatus(ctx context.Context, instanceID string) (*types.Instance, error) {
	if r := e.runner(instanceID); r != nil {
		return r.snapshot(), nil
	}

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return inst, nil
}

func (e *Engine) PauseInstance(ctx context.Context, instanceID string) error {
	r := e.runner(instanceID)
	if r == nil {
		return errors.NotFoundf("instance: %s", instanceID)
	}
	return r.pause()
}

func (e *Engine) ResumeInstance(ctx context.Context, instanceID string) error {
	r := e.runner(instanceID)
	if r == nil {
		return errors.NotFoundf("instance: %s", instanceID)
	}
	return r.resume()
}

func (e *Engine) CancelInstance(ctx context.Context, instanceID string) error {
	r := e.runner(instanceID)
	if r == nil {
		return errors.NotFoundf("instance: %s", instanceID)
	}
	return r.cancelRun()
}

// WaitInstance blocks until the instance reaches a terminal status or ctx
// is done.
func (e *Engine) WaitInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	r := e.runner(instanceID)
	if r == nil {
		inst, err := e.loadInstance(ctx, instanceID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return inst, nil
	}

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, errors.Trace(ctx.Err())
	}
}

// Close stops the engine: no new registrations or instances, live
// instances are paused and persisted, the worker pool drains.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	runners := make([]*instanceRunner, 0, len(e.runners))
	for _, r := range e.runners {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	var retErr error
	for _, r := range runners {
		if err := r.pause(); err != nil {
			retErr = errors.Wrapf(retErr, err, "failed to pause %s", r.inst.ID)
		}
	}

	e.cancel()
	e.wp.StopWait()
	return retErr
}
