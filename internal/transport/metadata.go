package transport

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/rmacdonaldsmith/meshgate/internal/gateway"
)

// Metadata keys understood by the broker.
const (
	MDAuthorization = "authorization"
	MDStreamID      = "x-stream-id"
	MDCloudID       = "x-cloud-id"
	MDStreamKey     = "x-stream-key"
	MDServiceSecret = "x-service-secret"
)

// callInfo is what the broker reads from a call's incoming metadata.
type callInfo struct {
	token     string
	streamID  string
	streamKey string
	secret    string
	cloudID   string
	header    gateway.Header
}

func incoming(ctx context.Context) callInfo {
	md, _ := metadata.FromIncomingContext(ctx)

	info := callInfo{header: make(gateway.Header, len(md))}
	for key, values := range md {
		if len(values) > 0 {
			info.header[key] = values[0]
		}
	}

	info.token = strings.TrimPrefix(info.header[MDAuthorization], "Bearer ")
	info.streamID = info.header[MDStreamID]
	info.streamKey = info.header[MDStreamKey]
	info.secret = info.header[MDServiceSecret]
	info.cloudID = info.header[MDCloudID]

	// Credentials never reach the gateways' header
	delete(info.header, MDAuthorization)
	delete(info.header, MDStreamKey)
	delete(info.header, MDServiceSecret)
	return info
}
