package wire

import (
	"context"

	"google.golang.org/grpc"
)

const ServiceName = "isolate.v1.Isolate"

const (
	MethodCreateEnvironment  = "/" + ServiceName + "/CreateEnvironment"
	MethodReleaseEnvironment = "/" + ServiceName + "/ReleaseEnvironment"
	MethodDestroyEnvironment = "/" + ServiceName + "/DestroyEnvironment"
	MethodListEnvironments   = "/" + ServiceName + "/ListEnvironments"
	MethodEnvironmentHistory = "/" + ServiceName + "/EnvironmentHistory"
	MethodRun                = "/" + ServiceName + "/Run"
)

// IsolateServer is the server side of the isolate service.
type IsolateServer interface {
	CreateEnvironment(context.Context, *CreateEnvironmentRequest) (*EnvironmentResponse, error)
	ReleaseEnvironment(context.Context, *HandleRequest) (*Ack, error)
	DestroyEnvironment(context.Context, *HandleRequest) (*Ack, error)
	ListEnvironments(context.Context, *ListRequest) (*EnvironmentList, error)
	EnvironmentHistory(context.Context, *HistoryRequest) (*HistoryList, error)
	Run(RunServerStream) error
}

type RunServerStream interface {
	Send(*RunEvent) error
	Recv() (*RunMessage, error)
	grpc.ServerStream
}

type RunClientStream interface {
	Send(*RunMessage) error
	Recv() (*RunEvent, error)
	grpc.ClientStream
}

func RegisterIsolateServer(s grpc.ServiceRegistrar, srv IsolateServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes isolate.v1.Isolate for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IsolateServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateEnvironment", Handler: createEnvironmentHandler},
		{MethodName: "ReleaseEnvironment", Handler: releaseEnvironmentHandler},
		{MethodName: "DestroyEnvironment", Handler: destroyEnvironmentHandler},
		{MethodName: "ListEnvironments", Handler: listEnvironmentsHandler},
		{MethodName: "EnvironmentHistory", Handler: environmentHistoryHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Run", Handler: runHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "isolate/v1/isolate.proto",
}

func unary[Req any, Resp any](method string, call func(IsolateServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IsolateServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IsolateServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	createEnvironmentHandler  = unary(MethodCreateEnvironment, IsolateServer.CreateEnvironment)
	releaseEnvironmentHandler = unary(MethodReleaseEnvironment, IsolateServer.ReleaseEnvironment)
	destroyEnvironmentHandler = unary(MethodDestroyEnvironment, IsolateServer.DestroyEnvironment)
	listEnvironmentsHandler   = unary(MethodListEnvironments, IsolateServer.ListEnvironments)
	environmentHistoryHandler = unary(MethodEnvironmentHistory, IsolateServer.EnvironmentHistory)
)

func runHandler(srv any, stream grpc.ServerStream) error {
	return srv.(IsolateServer).Run(&runServerStream{stream})
}

type runServerStream struct {
	grpc.ServerStream
}

func (s *runServerStream) Send(ev *RunEvent) error { return s.ServerStream.SendMsg(ev) }

func (s *runServerStream) Recv() (*RunMessage, error) {
	m := new(RunMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// IsolateClient is the client side of the isolate service. Every call uses the JSON
// codec.
type IsolateClient struct {
	cc grpc.ClientConnInterface
}

func NewIsolateClient(cc grpc.ClientConnInterface) *IsolateClient {
	return &IsolateClient{cc: cc}
}

func (c *IsolateClient) CreateEnvironment(ctx context.Context, in *CreateEnvironmentRequest, opts ...grpc.CallOption) (*EnvironmentResponse, error) {
	out := new(EnvironmentResponse)
	if err := c.cc.Invoke(ctx, MethodCreateEnvironment, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IsolateClient) ReleaseEnvironment(ctx context.Context, in *HandleRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, MethodReleaseEnvironment, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IsolateClient) DestroyEnvironment(ctx context.Context, in *HandleRequest, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	if err := c.cc.Invoke(ctx, MethodDestroyEnvironment, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IsolateClient) ListEnvironments(ctx context.Context, in *ListRequest, opts ...grpc.CallOption) (*EnvironmentList, error) {
	out := new(EnvironmentList)
	if err := c.cc.Invoke(ctx, MethodListEnvironments, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IsolateClient) EnvironmentHistory(ctx context.Context, in *HistoryRequest, opts ...grpc.CallOption) (*HistoryList, error) {
	out := new(HistoryList)
	if err := c.cc.Invoke(ctx, MethodEnvironmentHistory, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IsolateClient) Run(ctx context.Context, opts ...grpc.CallOption) (RunClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodRun, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &runClientStream{stream}, nil
}

type runClientStream struct {
	grpc.ClientStream
}

func (s *runClientStream) Send(m *RunMessage) error { return s.ClientStream.SendMsg(m) }

func (s *runClientStream) Recv() (*RunEvent, error) {
	ev := new(RunEvent)
	if err := s.ClientStream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{CallOption()}, opts...)
}
