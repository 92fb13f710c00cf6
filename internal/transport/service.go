// Package transport exposes the gateways over gRPC.
//
// The broker service is described by hand instead of generated from a
// .proto file: messages are the Go structs from pkg/command, encoded with
// the CBOR codec that clients select through the "cbor" content subtype.
// The standard gRPC health service runs on the same server with the
// default protobuf codec.
package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/rmacdonaldsmith/meshgate/pkg/codec"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "meshgate.Broker"

const (
	actionMethod = "/" + ServiceName + "/Action"
	fetchMethod  = "/" + ServiceName + "/Fetch"
	streamMethod = "/" + ServiceName + "/Stream"
)

func init() {
	encoding.RegisterCodec(codec.GRPC{})
}

// brokerService is implemented by Server and dispatched to by serviceDesc.
type brokerService interface {
	Action(ctx context.Context, cmd *command.Command) (*command.Response, error)
	Fetch(ctx context.Context, req *command.FetchRequest) (*command.Response, error)
	Stream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*brokerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Action", Handler: actionHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "meshgate/broker",
}

func actionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(command.Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(brokerService).Action(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: actionMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(brokerService).Action(ctx, req.(*command.Command))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(command.FetchRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(brokerService).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fetchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(brokerService).Fetch(ctx, req.(*command.FetchRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(brokerService).Stream(stream)
}
