package transport

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding/proto"
)

// grpcProtoSubtype overrides the client's default CBOR subtype for calls to
// protobuf services such as health.
func grpcProtoSubtype() grpc.CallOption {
	return grpc.CallContentSubtype(proto.Name)
}
