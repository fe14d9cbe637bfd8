package backend

import (
	"context"

	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

// Managed is a Backend whose environments live on this machine: the lifecycle manager
// owns build and teardown, the bridge runs executions.
type Managed struct {
	manager *lifecycle.Manager
	bridge  *execution.Bridge
}

func NewManaged(manager *lifecycle.Manager, bridge *execution.Bridge) *Managed {
	if bridge == nil {
		bridge = execution.NewBridge(execution.Options{})
	}
	return &Managed{manager: manager, bridge: bridge}
}

func (m *Managed) Name() string { return m.manager.Name() }

func (m *Managed) Acquire(ctx context.Context, def environment.Definition) (environment.Handle, error) {
	return m.manager.Acquire(ctx, def)
}

func (m *Managed) Release(ctx context.Context, handleID string) error {
	return m.manager.Release(ctx, handleID)
}

func (m *Managed) Destroy(ctx context.Context, handleID string) error {
	return m.manager.Destroy(ctx, handleID)
}

// Execute runs req in the environment behind handleID. The handle is resolved on every
// call, so a destroyed environment is never executed against.
func (m *Managed) Execute(ctx context.Context, handleID string, req execution.Request) (*execution.Stream, error) {
	h, err := m.manager.Lookup(handleID)
	if err != nil {
		return nil, err
	}
	if !h.Ready() {
		return nil, environment.NotReady(handleID, h.Status)
	}
	return m.bridge.Execute(ctx, h, req)
}

func (m *Managed) List(ctx context.Context) ([]environment.Handle, error) {
	_ = ctx
	return m.manager.List(), nil
}

func (m *Managed) Lookup(handleID string) (environment.Handle, error) {
	return m.manager.Lookup(handleID)
}

func (m *Managed) Close() error { return m.manager.Close() }

var _ Backend = (*Managed)(nil)
var _ Lister = (*Managed)(nil)
