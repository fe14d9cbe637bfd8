package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"isolate/core/environment"
	"isolate/core/execution"
	"isolate/core/version"
	"isolate/node/ledger"
	"isolate/rpc/wire"
)

type Options struct {
	// Token is sent as a bearer token on every call.
	Token string
	// CancelWait bounds how long a cancelled run waits for the server's own result.
	CancelWait  time.Duration
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Client talks to an isolate server.
type Client struct {
	address string
	conn    *grpc.ClientConn
	api     *wire.IsolateClient
	opts    Options
	logger  *zap.Logger
}

func Dial(address string, opts Options) (*Client, error) {
	if opts.CancelWait <= 0 {
		opts.CancelWait = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.UserAgent()),
	}
	if opts.Token != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer(opts.Token)))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, &environment.ProtocolError{Op: "dial " + address, Err: err}
	}
	return &Client{
		address: address,
		conn:    conn,
		api:     wire.NewIsolateClient(conn),
		opts:    opts,
		logger:  opts.Logger.Named("client").With(zap.String("address", address)),
	}, nil
}

func (c *Client) Address() string { return c.address }

func (c *Client) Close() error { return c.conn.Close() }

// Health reports whether the server answers its health check as serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: wire.ServiceName})
	if err != nil {
		return c.fail(ctx, "health", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return &environment.ProtocolError{Op: "health", Err: fmt.Errorf("server is %s", resp.GetStatus())}
	}
	return nil
}

func (c *Client) CreateEnvironment(ctx context.Context, kind string, def environment.Definition) (environment.Handle, error) {
	resp, err := c.api.CreateEnvironment(ctx, &wire.CreateEnvironmentRequest{Kind: kind, Definition: def})
	if err != nil {
		return environment.Handle{}, c.fail(ctx, "create environment", err)
	}
	if resp.Error != nil {
		return environment.Handle{}, resp.Error.Err()
	}
	if resp.Handle == nil {
		return environment.Handle{}, &environment.ProtocolError{Op: "create environment", Err: errors.New("response has neither handle nor error")}
	}
	return *resp.Handle, nil
}

func (c *Client) ReleaseEnvironment(ctx context.Context, kind, handleID string) error {
	ack, err := c.api.ReleaseEnvironment(ctx, &wire.HandleRequest{Kind: kind, HandleID: handleID})
	if err != nil {
		return c.fail(ctx, "release environment", err)
	}
	return ack.Error.Err()
}

func (c *Client) DestroyEnvironment(ctx context.Context, kind, handleID string) error {
	ack, err := c.api.DestroyEnvironment(ctx, &wire.HandleRequest{Kind: kind, HandleID: handleID})
	if err != nil {
		return c.fail(ctx, "destroy environment", err)
	}
	return ack.Error.Err()
}

func (c *Client) ListEnvironments(ctx context.Context, kind string) ([]environment.Handle, error) {
	list, err := c.api.ListEnvironments(ctx, &wire.ListRequest{Kind: kind})
	if err != nil {
		return nil, c.fail(ctx, "list environments", err)
	}
	return list.Environments, nil
}

// History returns the recorded transitions of handleID, or the latest transitions
// across the server when handleID is empty.
func (c *Client) History(ctx context.Context, handleID string, limit int) ([]ledger.Record, error) {
	list, err := c.api.EnvironmentHistory(ctx, &wire.HistoryRequest{HandleID: handleID, Limit: limit})
	if err != nil {
		return nil, c.fail(ctx, "environment history", err)
	}
	return list.Records, nil
}

type received struct {
	ev  *wire.RunEvent
	err error
}

// Run starts req against a server-side handle. Errors that prevent the start are
// returned directly. Once started, the stream ends with the server's Result, or with
// Fail and a ProtocolError when the transport breaks first. Cancelling ctx sends a
// cancel message and yields a cancelled result even if the server never answers.
func (c *Client) Run(ctx context.Context, kind, handleID string, req execution.Request) (*execution.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	// The stream outlives ctx so the cancel message can still be delivered.
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	rs, err := c.api.Run(runCtx)
	if err != nil {
		stop()
		return nil, c.fail(ctx, "run", err)
	}
	if err := rs.Send(&wire.RunMessage{Start: &wire.RunStart{Kind: kind, HandleID: handleID, Request: req}}); err != nil {
		stop()
		return nil, c.fail(ctx, "run", err)
	}

	first := make(chan received, 1)
	go func() {
		ev, err := rs.Recv()
		first <- received{ev: ev, err: err}
	}()
	var ev *wire.RunEvent
	select {
	case r := <-first:
		if r.err != nil {
			stop()
			return nil, c.fail(ctx, "run", r.err)
		}
		ev = r.ev
	case <-ctx.Done():
		stop()
		return nil, ctx.Err()
	}
	if ev.Error != nil {
		stop()
		return nil, ev.Error.Err()
	}
	if ev.Started == nil {
		stop()
		return nil, &environment.ProtocolError{Op: "run", Err: errors.New("stream did not start with a started event")}
	}

	stream := execution.NewStream(ev.Started.ExecutionID)
	go c.pump(ctx, runCtx, stop, rs, stream, start)
	return stream, nil
}

func (c *Client) pump(ctx, runCtx context.Context, stop context.CancelFunc, rs wire.RunClientStream, stream *execution.Stream, start time.Time) {
	defer stop()
	events := make(chan received)
	go func() {
		for {
			ev, err := rs.Recv()
			select {
			case events <- received{ev: ev, err: err}:
			case <-runCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	cancelled := func() {
		stream.Finish(execution.Result{Outcome: execution.OutcomeCancelled, ExitCode: -1, Duration: time.Since(start)})
	}
	ctxDone := ctx.Done()
	var giveUp <-chan time.Time
	for {
		select {
		case r := <-events:
			if r.err != nil {
				if ctx.Err() != nil {
					cancelled()
					return
				}
				if errors.Is(r.err, io.EOF) {
					r.err = errors.New("stream ended before a result")
				}
				perr := &environment.ProtocolError{Op: "run", Err: r.err}
				c.logger.Warn("run stream broken", zap.String("execution_id", stream.ID()), zap.Error(perr))
				stream.Fail(perr)
				return
			}
			switch {
			case r.ev.Log != nil:
				stream.Forward(*r.ev.Log)
			case r.ev.Result != nil:
				stream.Finish(*r.ev.Result)
				return
			case r.ev.Error != nil:
				err := r.ev.Error.Err()
				c.logger.Warn("server aborted run", zap.String("execution_id", stream.ID()), zap.Error(err))
				if !errors.Is(err, environment.ErrProtocol) {
					err = &environment.ProtocolError{Op: "run", Err: err}
				}
				stream.Fail(err)
				return
			}
		case <-ctxDone:
			ctxDone = nil
			if err := rs.Send(&wire.RunMessage{Cancel: true}); err != nil {
				cancelled()
				return
			}
			timer := time.NewTimer(c.opts.CancelWait)
			defer timer.Stop()
			giveUp = timer.C
		case <-giveUp:
			c.logger.Warn("server did not confirm cancellation", zap.String("execution_id", stream.ID()))
			cancelled()
			return
		}
	}
}

// fail maps a transport error to ctx's error when the caller gave up, else to a
// ProtocolError.
func (c *Client) fail(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return &environment.ProtocolError{Op: op, Err: err}
}

type bearer string

func (b bearer) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(b)}, nil
}

func (bearer) RequireTransportSecurity() bool { return false }
