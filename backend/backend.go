package backend

import (
	"context"
	"strings"

	"isolate/core/environment"
	"isolate/core/execution"
)

// Backend is the capability set every environment variant offers. Callers keep handle
// ids; the backend resolves them.
type Backend interface {
	Name() string
	Acquire(ctx context.Context, def environment.Definition) (environment.Handle, error)
	Release(ctx context.Context, handleID string) error
	Destroy(ctx context.Context, handleID string) error
	Execute(ctx context.Context, handleID string, req execution.Request) (*execution.Stream, error)
	Close() error
}

// Lister is implemented by backends that can enumerate their environments.
type Lister interface {
	List(ctx context.Context) ([]environment.Handle, error)
}

type ErrorList struct {
	Errors []string
}

func (e ErrorList) Error() string {
	return strings.Join(e.Errors, "; ")
}
