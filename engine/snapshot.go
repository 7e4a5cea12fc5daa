package engine

import (
	"context"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"

	"github.com/loomflow/loom/types"
	"github.com/loomflow/loom/utils"
)

const (
	DefinitionPath = "/definition/"
	InstancePath   = "/instance/"
)

func (e *Engine) saveDefinition(ctx context.Context, def *types.Definition) error {
	b, err := utils.Serialize(def)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.store.Set(ctx, DefinitionPath, def.ID, b))
}

func (e *Engine) saveInstance(ctx context.Context, inst *types.Instance) error {
	b, err := utils.Serialize(inst)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.store.Set(ctx, InstancePath, inst.ID, b))
}

func (e *Engine) loadInstance(ctx context.Context, instanceID string) (*types.Instance, error) {
	b, err := e.store.Get(ctx, InstancePath, instanceID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("instance: %s", instanceID)
	}

	inst := &types.Instance{}
	if err := utils.Unserialize(b, inst); err != nil {
		return nil, errors.Trace(err)
	}
	return inst, nil
}

// ExportDefinition returns the JSON snapshot of a registered definition.
// Handlers are not part of the snapshot; importers rebind them by name.
func (e *Engine) ExportDefinition(id string) ([]byte, error) {
	def, exists := e.GetDefinition(id)
	if !exists {
		return nil, errors.NotFoundf("definition: %s", id)
	}
	b, err := utils.Serialize(def)
	return b, errors.Trace(err)
}

// ImportDefinition registers a definition from its JSON snapshot.
func (e *Engine) ImportDefinition(data []byte) error {
	def := &types.Definition{}
	if err := utils.Unserialize(data, def); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.RegisterDefinition(def))
}

// ExportInstance returns the JSON snapshot of an instance, live or stored.
func (e *Engine) ExportInstance(ctx context.Context, instanceID string) ([]byte, error) {
	inst, err := e.GetInstanceStatus(ctx, instanceID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	b, err := utils.Serialize(inst)
	return b, errors.Trace(err)
}

/**
 * ReloadInstances loads every non-terminal instance from the store and
 * restarts its scheduling loop. Traversal state is reconstructed by
 * replaying edge evaluation over the persisted executions, so guards see
 * the same outputs they saw before the interruption.
 */
func (e *Engine) ReloadInstances(ctx context.Context) (map[string]error, error) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil, errors.MethodNotAllowedf("engine closed")
	}
	e.mu.Unlock()

	results := make(map[string]error)
	err := e.store.List(ctx, InstancePath, func(instanceID string) bool {
		err := e.reloadInstance(ctx, instanceID)
		if err != nil {
			results[instanceID] = errors.Trace(err)
		} else {
			results[instanceID] = nil
		}
		return true
	})
	if len(results) == 0 {
		results = nil
	}
	return results, errors.Trace(err)
}

func (e *Engine) reloadInstance(ctx context.Context, instanceID string) error {
	if r := e.runner(instanceID); r != nil {
		return errors.AlreadyExistsf("instance already live: %s", instanceID)
	}

	inst, err := e.loadInstance(ctx, instanceID)
	if err != nil {
		return errors.Trace(err)
	}
	if inst.Status.Terminal() {
		return nil
	}

	e.mu.Lock()
	def, exists := e.definitions[inst.DefinitionID]
	e.mu.Unlock()
	if !exists {
		return errors.NotFoundf("definition %s for instance %s", inst.DefinitionID, instanceID)
	}

	inst.Status = types.InstanceRunning
	runner := newInstanceRunner(e, def, inst)
	runner.rebuild()

	e.mu.Lock()
	if _, exists := e.runners[instanceID]; exists {
		e.mu.Unlock()
		return errors.AlreadyExistsf("instance already live: %s", instanceID)
	}
	e.runners[instanceID] = runner
	e.mu.Unlock()

	log.Debugf("reloaded instance %s at %d completed nodes", instanceID, len(inst.Completed))
	runner.start()
	return nil
}
