package transport

import (
	"context"

	"google.golang.org/grpc"
)

// serviceName is the fully-qualified gRPC service name, chosen to match
// what protoc-gen-go-grpc would have produced from a collector.proto file
// had one existed.
const serviceName = "svtrace.collector.v1.Collector"

// CollectorServer is the server-side contract for the Collector service.
// It is implemented by internal/server/collector.Server.
type CollectorServer interface {
	RegisterSession(context.Context, *RegisterSessionRequest) (*RegisterSessionResponse, error)
	StreamEvents(CollectorStreamEventsServer) error
}

// CollectorStreamEventsServer is the server-side stream handle for the
// bidirectional StreamEvents RPC: the agent sends a DecodedEventMessage
// per call and the collector acks each one, then sends a StreamSummary
// when the agent closes its send side.
type CollectorStreamEventsServer interface {
	Recv() (*DecodedEventMessage, error)
	Send(*StreamAck) error
	SendAndClose(*StreamSummary) error
	grpc.ServerStream
}

type collectorStreamEventsServer struct {
	grpc.ServerStream
}

func (s *collectorStreamEventsServer) Recv() (*DecodedEventMessage, error) {
	m := new(DecodedEventMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *collectorStreamEventsServer) Send(ack *StreamAck) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *collectorStreamEventsServer) SendAndClose(summary *StreamSummary) error {
	return s.ServerStream.SendMsg(summary)
}

func _Collector_RegisterSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(RegisterSessionRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CollectorServer).RegisterSession(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RegisterSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CollectorServer).RegisterSession(ctx, req.(*RegisterSessionRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func _Collector_StreamEvents_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(CollectorServer).StreamEvents(&collectorStreamEventsServer{stream})
}

// ServiceDesc is the hand-assembled grpc.ServiceDesc that a protoc-gen-go-grpc
// run would normally emit from collector.proto. RegisterSession is a plain
// unary RPC; StreamEvents streams in both directions (tuples from the agent,
// one StreamAck per tuple back) so the agent can keep a single stream open
// for the life of a decode session.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterSession",
			Handler:    _Collector_RegisterSession_Handler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       _Collector_StreamEvents_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "internal/transport/service.go",
}

// RegisterCollectorServer registers srv on s under ServiceDesc, mirroring
// the generated RegisterXServer function a .proto build would produce.
func RegisterCollectorServer(s grpc.ServiceRegistrar, srv CollectorServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// CollectorStreamEventsClient is the client-side stream handle returned by
// collectorStreamEvents.
type CollectorStreamEventsClient interface {
	Send(*DecodedEventMessage) error
	Recv() (*StreamAck, error)
	CloseAndRecv() (*StreamSummary, error)
	grpc.ClientStream
}

type collectorStreamEventsClient struct {
	grpc.ClientStream
}

func (c *collectorStreamEventsClient) Send(m *DecodedEventMessage) error {
	return c.ClientStream.SendMsg(m)
}

func (c *collectorStreamEventsClient) Recv() (*StreamAck, error) {
	ack := new(StreamAck)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

func (c *collectorStreamEventsClient) CloseAndRecv() (*StreamSummary, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	summary := new(StreamSummary)
	if err := c.ClientStream.RecvMsg(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

func collectorRegisterSession(ctx context.Context, cc grpc.ClientConnInterface, req *RegisterSessionRequest, opts ...grpc.CallOption) (*RegisterSessionResponse, error) {
	resp := new(RegisterSessionResponse)
	if err := cc.Invoke(ctx, "/"+serviceName+"/RegisterSession", req, resp, opts...); err != nil {
		return nil, err
	}
	return resp, nil
}

func collectorStreamEvents(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (CollectorStreamEventsClient, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+serviceName+"/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	return &collectorStreamEventsClient{stream}, nil
}
