package fake

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
)

// ToolError mimics a failed build tool so tests see captured output on BuildError.
type ToolError struct {
	Output string
}

func (e *ToolError) Error() string       { return "fake tool exited 1" }
func (e *ToolError) Diagnostics() string { return e.Output }

// Builder is a counting lifecycle.Builder for contract tests. Builds succeed with a
// locator under Root unless BuildErr is set.
type Builder struct {
	Root     string
	BuildErr error
	// Gate, when non-nil, blocks every build until it is closed or the build ctx ends.
	Gate  chan struct{}
	Lines []string
	Salt  string
	// TeardownGate, when non-nil, blocks every teardown until it is closed.
	TeardownGate chan struct{}

	mu        sync.Mutex
	builds    int
	teardowns int
	started   chan struct{}
	tearing   chan struct{}
	live      map[string]bool
}

func New(root string) *Builder {
	return &Builder{Root: root}
}

func (b *Builder) Name() string { return "fake" }

func (b *Builder) Key(def environment.Definition) (environment.Key, error) {
	return environment.KeyOf(b.Name(), def, b.Salt), nil
}

// Started is closed when the first build begins.
func (b *Builder) Started() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started == nil {
		b.started = make(chan struct{})
	}
	return b.started
}

func (b *Builder) Build(ctx context.Context, req lifecycle.BuildRequest) (lifecycle.BuildResult, error) {
	b.mu.Lock()
	b.builds++
	if b.started == nil {
		b.started = make(chan struct{})
	}
	select {
	case <-b.started:
	default:
		close(b.started)
	}
	gate := b.Gate
	b.mu.Unlock()

	for _, line := range b.Lines {
		req.Log(line)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return lifecycle.BuildResult{}, ctx.Err()
		}
	}
	if b.BuildErr != nil {
		return lifecycle.BuildResult{}, b.BuildErr
	}
	locator := filepath.Join(b.Root, string(req.Key))
	b.mu.Lock()
	if b.live == nil {
		b.live = make(map[string]bool)
	}
	b.live[locator] = true
	b.mu.Unlock()
	meta := map[string]string{"requirements": fmt.Sprint(len(req.Definition.Requirements))}
	if python, err := exec.LookPath("python3"); err == nil {
		meta[execution.MetaPython] = python
	}
	return lifecycle.BuildResult{
		Locator: locator,
		Meta:    meta,
	}, nil
}

func (b *Builder) Teardown(ctx context.Context, h environment.Handle) error {
	b.mu.Lock()
	b.teardowns++
	if b.tearing == nil {
		b.tearing = make(chan struct{})
	}
	select {
	case <-b.tearing:
	default:
		close(b.tearing)
	}
	gate := b.TeardownGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}
	b.mu.Lock()
	delete(b.live, h.Locator)
	b.mu.Unlock()
	return nil
}

// TeardownStarted is closed when the first teardown begins.
func (b *Builder) TeardownStarted() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tearing == nil {
		b.tearing = make(chan struct{})
	}
	return b.tearing
}

// Live reports whether locator holds a built environment that was not torn down.
func (b *Builder) Live(locator string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.live[locator]
}

func (b *Builder) Builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.builds
}

func (b *Builder) Teardowns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.teardowns
}

// NewBackend wires a fake builder into a managed backend that runs on the host shell
// and python, for contract tests.
func NewBackend(b *Builder, opts lifecycle.Options, bridge *execution.Bridge) *backend.Managed {
	return backend.NewManaged(lifecycle.NewManager(b, opts), bridge)
}

var _ lifecycle.Builder = (*Builder)(nil)
var _ lifecycle.Diagnostic = (*ToolError)(nil)
