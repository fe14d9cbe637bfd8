package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"isolate/backend"
	"isolate/core/environment"
	"isolate/core/lifecycle"
	"isolate/node/auth"
	"isolate/node/ledger"
	"isolate/node/pool"
	"isolate/node/registry"
	"isolate/rpc/wire"
)

type Options struct {
	Registry *registry.Registry
	// Backend is handed to the registry when a backend kind is first used.
	Backend registry.Config
	// Kinds limits which registry entries clients may use; empty allows all.
	Kinds             []string
	MaxConcurrentRuns int
	// History answers EnvironmentHistory; nil leaves the call unimplemented.
	History ledger.Store
	Logger  *zap.Logger
}

const defaultHistoryLimit = 50

// Server implements isolate.v1.Isolate on top of registry-resolved backends. Each kind
// is resolved once, on first use, and shared by every client.
type Server struct {
	opts   Options
	logger *zap.Logger
	pool   *pool.Pool
	health *health.Server

	mu       sync.Mutex
	closed   bool
	backends map[string]backend.Backend
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Registry == nil {
		opts.Registry = registry.Builtin(registry.Deps{Logger: opts.Logger})
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger.Named("server"),
		pool:     pool.New(opts.MaxConcurrentRuns),
		health:   health.NewServer(),
		backends: make(map[string]backend.Backend),
	}
}

// Register attaches the isolate and health services to g.
func (s *Server) Register(g *grpc.Server) {
	wire.RegisterIsolateServer(g, s)
	healthpb.RegisterHealthServer(g, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) backend(kind string) (backend.Backend, error) {
	if len(s.opts.Kinds) > 0 && !slices.Contains(s.opts.Kinds, kind) {
		return nil, fmt.Errorf("%w: %q is not served here", environment.ErrUnknownBackend, kind)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server shutting down")
	}
	if b, ok := s.backends[kind]; ok {
		return b, nil
	}
	b, err := s.opts.Registry.Resolve(kind, s.opts.Backend)
	if err != nil {
		return nil, err
	}
	s.backends[kind] = b
	s.logger.Info("backend started", zap.String("kind", kind))
	return b, nil
}

func (s *Server) CreateEnvironment(ctx context.Context, req *wire.CreateEnvironmentRequest) (*wire.EnvironmentResponse, error) {
	b, err := s.backend(req.Kind)
	if err != nil {
		return &wire.EnvironmentResponse{Error: wire.ErrorFrom(err)}, nil
	}
	logger := s.logger.With(zap.String("kind", req.Kind))
	ctx = lifecycle.WithBuildLog(ctx, func(line string) {
		logger.Debug("build output", zap.String("line", line))
	})
	h, err := b.Acquire(ctx, req.Definition)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, status.FromContextError(ctxErr).Err()
		}
		logger.Info("create environment failed", zap.Error(err))
		return &wire.EnvironmentResponse{Error: wire.ErrorFrom(err)}, nil
	}
	return &wire.EnvironmentResponse{Handle: &h}, nil
}

func (s *Server) ReleaseEnvironment(ctx context.Context, req *wire.HandleRequest) (*wire.Ack, error) {
	b, err := s.backend(req.Kind)
	if err != nil {
		return &wire.Ack{Error: wire.ErrorFrom(err)}, nil
	}
	return &wire.Ack{Error: wire.ErrorFrom(b.Release(ctx, req.HandleID))}, nil
}

func (s *Server) DestroyEnvironment(ctx context.Context, req *wire.HandleRequest) (*wire.Ack, error) {
	b, err := s.backend(req.Kind)
	if err != nil {
		return &wire.Ack{Error: wire.ErrorFrom(err)}, nil
	}
	return &wire.Ack{Error: wire.ErrorFrom(b.Destroy(ctx, req.HandleID))}, nil
}

func (s *Server) ListEnvironments(ctx context.Context, req *wire.ListRequest) (*wire.EnvironmentList, error) {
	var targets []backend.Backend
	if req.Kind != "" {
		b, err := s.backend(req.Kind)
		if err != nil {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		targets = append(targets, b)
	} else {
		s.mu.Lock()
		for _, b := range s.backends {
			targets = append(targets, b)
		}
		s.mu.Unlock()
	}
	out := &wire.EnvironmentList{Environments: []environment.Handle{}}
	for _, b := range targets {
		lister, ok := b.(backend.Lister)
		if !ok {
			continue
		}
		handles, err := lister.List(ctx)
		if err != nil {
			return nil, status.Error(codes.Unavailable, err.Error())
		}
		out.Environments = append(out.Environments, handles...)
	}
	sort.SliceStable(out.Environments, func(i, j int) bool {
		return out.Environments[i].CreatedAt.Before(out.Environments[j].CreatedAt)
	})
	return out, nil
}

func (s *Server) EnvironmentHistory(ctx context.Context, req *wire.HistoryRequest) (*wire.HistoryList, error) {
	if s.opts.History == nil {
		return nil, status.Error(codes.Unimplemented, "no environment ledger configured")
	}
	var (
		records []ledger.Record
		err     error
	)
	if req.HandleID != "" {
		records, err = s.opts.History.History(ctx, req.HandleID)
		if req.Limit > 0 && len(records) > req.Limit {
			records = records[len(records)-req.Limit:]
		}
	} else {
		limit := req.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		records, err = s.opts.History.Recent(ctx, limit)
	}
	if err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return &wire.HistoryList{Records: records}, nil
}

// Run executes one request. The run ends with a cancelled result when the client sends
// cancel or drops the stream.
func (s *Server) Run(stream wire.RunServerStream) error {
	msg, err := stream.Recv()
	if err != nil {
		return err
	}
	start := msg.Start
	if start == nil {
		return status.Error(codes.InvalidArgument, "first run message must be start")
	}
	b, err := s.backend(start.Kind)
	if err != nil {
		return stream.Send(&wire.RunEvent{Error: wire.ErrorFrom(err)})
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()
	go func() {
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil || msg.Cancel {
				cancel()
				return
			}
		}
	}()

	err = <-s.pool.Go(ctx, func(ctx context.Context) error {
		return s.run(ctx, cancel, stream, b, start)
	})
	if err != nil && ctx.Err() != nil {
		return status.FromContextError(ctx.Err()).Err()
	}
	return err
}

func (s *Server) run(ctx context.Context, cancel context.CancelFunc, stream wire.RunServerStream, b backend.Backend, start *wire.RunStart) error {
	st, err := b.Execute(ctx, start.HandleID, start.Request)
	if err != nil {
		return stream.Send(&wire.RunEvent{Error: wire.ErrorFrom(err)})
	}
	logger := s.logger.With(zap.String("execution_id", st.ID()), zap.String("kind", start.Kind))
	if id, ok := auth.FromContext(ctx); ok {
		logger = logger.With(zap.String("caller", id.Subject), zap.String("auth", id.Method))
	}
	logger.Debug("run started",
		zap.String("handle_id", start.HandleID),
		zap.Int("running", s.pool.InUse()),
		zap.Int("slots", s.pool.Size()))

	if err := stream.Send(&wire.RunEvent{Started: &wire.RunStarted{ExecutionID: st.ID()}}); err != nil {
		cancel()
		st.Result()
		return err
	}
	for chunk := range st.Logs() {
		chunk := chunk
		if err := stream.Send(&wire.RunEvent{Log: &chunk}); err != nil {
			cancel()
			st.Result()
			return err
		}
	}
	res := st.Result()
	if err := st.Err(); err != nil {
		logger.Warn("run aborted", zap.Error(err))
		return stream.Send(&wire.RunEvent{Error: wire.ErrorFrom(err)})
	}
	logger.Debug("run finished", zap.String("outcome", string(res.Outcome)))
	return stream.Send(&wire.RunEvent{Result: &res})
}

// Close marks the service unhealthy, waits for running executions and closes every
// started backend.
func (s *Server) Close() error {
	s.health.Shutdown()
	s.mu.Lock()
	s.closed = true
	backends := s.backends
	s.backends = map[string]backend.Backend{}
	s.mu.Unlock()

	s.pool.Wait()
	var errs backend.ErrorList
	for kind, b := range backends {
		if err := b.Close(); err != nil {
			errs.Errors = append(errs.Errors, fmt.Sprintf("%s: %v", kind, err))
		}
	}
	if len(errs.Errors) > 0 {
		return errs
	}
	return nil
}

var _ wire.IsolateServer = (*Server)(nil)
