package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "plughub.v1.PluginService"

const (
	methodGetQuerySchemas       = "/" + ServiceName + "/GetQuerySchemas"
	methodSetConfiguration      = "/" + ServiceName + "/SetConfiguration"
	methodInitiateQueryProtocol = "/" + ServiceName + "/InitiateQueryProtocol"
)

// DialOptions returns the client options every hub connection uses: plaintext
// loopback transport, the CBOR codec and the message size limit.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(DefaultMaxMessageSize),
			grpc.MaxCallSendMsgSize(DefaultMaxMessageSize),
		),
	}
}

// ServerOptions returns the server options matching DialOptions.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(DefaultMaxMessageSize),
		grpc.MaxSendMsgSize(DefaultMaxMessageSize),
	}
}

// =========================================================================
// Client
// =========================================================================

// QueryStream is one end of the bidirectional query protocol stream.
type QueryStream interface {
	Send(*QueryMessage) error
	Recv() (*QueryMessage, error)
}

// ClientQueryStream is the hub end of the query protocol stream.
type ClientQueryStream interface {
	QueryStream
	CloseSend() error
}

// PluginServiceClient is the hub's view of a plugin.
type PluginServiceClient interface {
	GetQuerySchemas(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*QuerySchemas, error)
	SetConfiguration(ctx context.Context, in *Configuration, opts ...grpc.CallOption) (*ConfigurationResult, error)
	InitiateQueryProtocol(ctx context.Context, opts ...grpc.CallOption) (ClientQueryStream, error)
}

type pluginServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPluginServiceClient creates a client on an established connection.
func NewPluginServiceClient(cc grpc.ClientConnInterface) PluginServiceClient {
	return &pluginServiceClient{cc: cc}
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func (c *pluginServiceClient) GetQuerySchemas(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*QuerySchemas, error) {
	out := new(QuerySchemas)
	if err := c.cc.Invoke(ctx, methodGetQuerySchemas, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pluginServiceClient) SetConfiguration(ctx context.Context, in *Configuration, opts ...grpc.CallOption) (*ConfigurationResult, error) {
	out := new(ConfigurationResult)
	if err := c.cc.Invoke(ctx, methodSetConfiguration, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pluginServiceClient) InitiateQueryProtocol(ctx context.Context, opts ...grpc.CallOption) (ClientQueryStream, error) {
	stream, err := c.cc.NewStream(ctx, &pluginServiceDesc.Streams[0], methodInitiateQueryProtocol, withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &clientQueryStream{stream}, nil
}

type clientQueryStream struct {
	grpc.ClientStream
}

func (s *clientQueryStream) Send(m *QueryMessage) error {
	return s.ClientStream.SendMsg(m)
}

func (s *clientQueryStream) Recv() (*QueryMessage, error) {
	m := new(QueryMessage)
	if err := s.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// =========================================================================
// Server
// =========================================================================

// ServerQueryStream is the plugin end of the query protocol stream.
type ServerQueryStream interface {
	QueryStream
	Context() context.Context
}

// PluginServiceServer is implemented by plugins.
type PluginServiceServer interface {
	GetQuerySchemas(context.Context, *Empty) (*QuerySchemas, error)
	SetConfiguration(context.Context, *Configuration) (*ConfigurationResult, error)
	InitiateQueryProtocol(ServerQueryStream) error
}

// RegisterPluginServiceServer registers srv on a gRPC server.
func RegisterPluginServiceServer(s grpc.ServiceRegistrar, srv PluginServiceServer) {
	s.RegisterService(&pluginServiceDesc, srv)
}

func getQuerySchemasHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PluginServiceServer).GetQuerySchemas(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetQuerySchemas}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PluginServiceServer).GetQuerySchemas(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func setConfigurationHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Configuration)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PluginServiceServer).SetConfiguration(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetConfiguration}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PluginServiceServer).SetConfiguration(ctx, req.(*Configuration))
	}
	return interceptor(ctx, in, info, handler)
}

func initiateQueryProtocolHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PluginServiceServer).InitiateQueryProtocol(&serverQueryStream{stream})
}

type serverQueryStream struct {
	grpc.ServerStream
}

func (s *serverQueryStream) Send(m *QueryMessage) error {
	return s.ServerStream.SendMsg(m)
}

func (s *serverQueryStream) Recv() (*QueryMessage, error) {
	m := new(QueryMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var pluginServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PluginServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetQuerySchemas", Handler: getQuerySchemasHandler},
		{MethodName: "SetConfiguration", Handler: setConfigurationHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "InitiateQueryProtocol",
			Handler:       initiateQueryProtocolHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "plughub/v1/plugin.cbor",
}
