package remote

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/rpc/client"
)

const Name = "isolate-server"

// DefaultTarget is the server-side backend used when none is configured.
const DefaultTarget = "virtualenv"

type Options struct {
	Address string
	// Target is the backend kind the server builds environments with.
	Target string
	Client client.Options
	Logger *zap.Logger
}

// Backend forwards every operation to an isolate server. The server owns the
// environments; handle ids are the server's.
type Backend struct {
	opts   Options
	client *client.Client
	logger *zap.Logger
}

func New(opts Options) (*Backend, error) {
	if opts.Address == "" {
		return nil, errors.New("remote backend: address required")
	}
	if opts.Target == "" {
		opts.Target = DefaultTarget
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Client.Logger == nil {
		opts.Client.Logger = opts.Logger
	}
	c, err := client.Dial(opts.Address, opts.Client)
	if err != nil {
		return nil, err
	}
	return &Backend{
		opts:   opts,
		client: c,
		logger: opts.Logger.Named(Name).With(zap.String("address", opts.Address), zap.String("target", opts.Target)),
	}, nil
}

func (b *Backend) Name() string { return Name }

// Key identifies def on this server and target.
func (b *Backend) Key(def environment.Definition) environment.Key {
	return environment.KeyOf(Name, def, b.opts.Address, b.opts.Target)
}

func (b *Backend) Acquire(ctx context.Context, def environment.Definition) (environment.Handle, error) {
	if err := def.Validate(); err != nil {
		return environment.Handle{}, err
	}
	remote, err := b.client.CreateEnvironment(ctx, b.opts.Target, environment.Normalize(def))
	if err != nil {
		return environment.Handle{}, err
	}
	b.logger.Debug("remote environment acquired", zap.String("handle_id", remote.ID), zap.String("remote_key", remote.Key.Short()))
	return b.localize(remote, def), nil
}

// localize presents a server handle as one of this backend's handles. The id stays
// the server's so later calls resolve there.
func (b *Backend) localize(remote environment.Handle, def environment.Definition) environment.Handle {
	h := remote
	h.Backend = Name
	h.Key = b.Key(def)
	h.Locator = b.opts.Address + "/" + remote.ID
	h.Meta = make(map[string]string, len(remote.Meta)+2)
	for k, v := range remote.Meta {
		h.Meta[k] = v
	}
	h.Meta["target"] = b.opts.Target
	h.Meta["remote_key"] = string(remote.Key)
	return h
}

func (b *Backend) Release(ctx context.Context, handleID string) error {
	return b.client.ReleaseEnvironment(ctx, b.opts.Target, handleID)
}

func (b *Backend) Destroy(ctx context.Context, handleID string) error {
	return b.client.DestroyEnvironment(ctx, b.opts.Target, handleID)
}

func (b *Backend) Execute(ctx context.Context, handleID string, req execution.Request) (*execution.Stream, error) {
	return b.client.Run(ctx, b.opts.Target, handleID, req)
}

// List returns the server's environments for the target backend. Keys and locators are
// the server's own.
func (b *Backend) List(ctx context.Context) ([]environment.Handle, error) {
	return b.client.ListEnvironments(ctx, b.opts.Target)
}

func (b *Backend) Close() error { return b.client.Close() }

var _ backend.Backend = (*Backend)(nil)
var _ backend.Lister = (*Backend)(nil)
