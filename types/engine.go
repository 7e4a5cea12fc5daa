package types

import "context"

type Engine interface {
	RegisterDefinition(def *Definition) error
	GetDefinition(id string) (*Definition, bool)
	ListDefinitionIDs() []string
	/**
	 * RenderDefinition returns the DOT string generated from the
	 * registered definition with the given id.
	 */
	RenderDefinition(id string) (string, error)

	// RegisterHandler binds a task handler under a name nodes can
	// reference through Node.HandlerName. Imported definitions rebind
	// their handlers this way.
	RegisterHandler(name string, handler TaskHandler)

	StartInstance(ctx context.Context, definitionID string, input Data) (string, error)
	GetInstanceStatus(ctx context.Context, instanceID string) (*Instance, error)
	RenderInstance(ctx context.Context, instanceID string) (string, error)

	PauseInstance(ctx context.Context, instanceID string) error
	ResumeInstance(ctx context.Context, instanceID string) error
	CancelInstance(ctx context.Context, instanceID string) error

	// WaitInstance blocks until the instance reaches a terminal status or
	// ctx is done, and returns the final snapshot.
	WaitInstance(ctx context.Context, instanceID string) (*Instance, error)

	ExportDefinition(id string) ([]byte, error)
	ImportDefinition(data []byte) error

	/**
	 * ReloadInstances loads unfinished instances from the store and
	 * restarts their scheduling loops. Instances already live in this
	 * engine are skipped.
	 */
	ReloadInstances(ctx context.Context) (map[string]error, error)

	/**
	 * Close stops the engine and leaves all ongoing instances Paused.
	 */
	Close(ctx context.Context) error
}
