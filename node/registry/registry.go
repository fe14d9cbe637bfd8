package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"isolate/backend"
	"isolate/backend/conda"
	"isolate/backend/local"
	"isolate/backend/remote"
	"isolate/backend/virtualenv"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/lifecycle"
	"isolate/rpc/client"
)

// Config carries the settings a factory needs to build one backend.
type Config struct {
	CacheDir        string
	Python          string
	CondaExecutable string
	CondaHome       string
	Lifecycle       lifecycle.Options
	RemoteAddress   string
	RemoteToken     string
	RemoteTarget    string
}

// Deps are the shared collaborators handed to every factory.
type Deps struct {
	Logger   *zap.Logger
	Bridge   *execution.Bridge
	Observer lifecycle.Observer
	// WrapBuilder, when set, decorates the builder of every disk-backed backend.
	WrapBuilder func(lifecycle.Builder) lifecycle.Builder
	DialOptions []grpc.DialOption
}

// Factory creates a backend.
type Factory func(cfg Config, deps Deps) (backend.Backend, error)

// Registry maps backend names to factories.
type Registry struct {
	deps Deps

	mu        sync.RWMutex
	factories map[string]Factory
}

func New(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Bridge == nil {
		deps.Bridge = execution.NewBridge(execution.Options{Logger: deps.Logger})
	}
	return &Registry{deps: deps, factories: map[string]Factory{}}
}

// Builtin returns a registry holding every backend this module ships.
func Builtin(deps Deps) *Registry {
	r := New(deps)
	r.Register(local.Name, newLocal)
	r.Register(virtualenv.Name, newVirtualenv)
	r.Register(conda.Name, newConda)
	r.Register(remote.Name, newRemote)
	return r
}

// Register adds or replaces a factory under a given name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Resolve builds the named backend or fails with ErrUnknownBackend.
func (r *Registry) Resolve(name string, cfg Config) (backend.Backend, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", environment.ErrUnknownBackend, name)
	}
	b, err := factory(cfg, r.deps)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return b, nil
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Managed wires builder into a lifecycle manager and the shared bridge.
func Managed(builder lifecycle.Builder, cfg Config, deps Deps) *backend.Managed {
	opts := cfg.Lifecycle
	if opts.Logger == nil {
		opts.Logger = deps.Logger
	}
	if opts.Observer == nil {
		opts.Observer = deps.Observer
	}
	return backend.NewManaged(lifecycle.NewManager(builder, opts), deps.Bridge)
}

func wrap(builder lifecycle.Builder, deps Deps) lifecycle.Builder {
	if deps.WrapBuilder == nil {
		return builder
	}
	return deps.WrapBuilder(builder)
}

func newLocal(cfg Config, deps Deps) (backend.Backend, error) {
	return Managed(local.NewBuilder(local.Options{Python: cfg.Python}), cfg, deps), nil
}

func newVirtualenv(cfg Config, deps Deps) (backend.Backend, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory required")
	}
	b := virtualenv.NewBuilder(virtualenv.Options{CacheDir: cfg.CacheDir, Python: cfg.Python, Logger: deps.Logger})
	return Managed(wrap(b, deps), cfg, deps), nil
}

func newConda(cfg Config, deps Deps) (backend.Backend, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory required")
	}
	b := conda.NewBuilder(conda.Options{
		CacheDir:   cfg.CacheDir,
		Executable: cfg.CondaExecutable,
		Home:       cfg.CondaHome,
		Logger:     deps.Logger,
	})
	return Managed(wrap(b, deps), cfg, deps), nil
}

func newRemote(cfg Config, deps Deps) (backend.Backend, error) {
	return remote.New(remote.Options{
		Address: cfg.RemoteAddress,
		Target:  cfg.RemoteTarget,
		Client:  client.Options{Token: cfg.RemoteToken, DialOptions: deps.DialOptions, Logger: deps.Logger},
		Logger:  deps.Logger,
	})
}
