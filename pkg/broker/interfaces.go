package broker

import (
	"context"
	"io"
)

// Node is a running broker.
type Node interface {
	io.Closer

	// Start brings the node up. Commands are accepted once it returns.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the node's services.
	Stop(ctx context.Context) error

	// Addr returns the address the transport listens on.
	Addr() string

	// Health returns a snapshot of the node's state.
	Health() HealthStatus
}

// HealthStatus represents the state of a broker node
type HealthStatus struct {
	// Ready is true once the gateways accept commands
	Ready bool

	// ConnectedStreams is the number of streams registered with the router
	ConnectedStreams int

	// Topics is the number of distinct subscribed topic patterns
	Topics int

	// CachedTokens is the number of validated tokens held in the cache
	CachedTokens int

	// Services is the number of announced services
	Services int

	// AuthMode is "local" or "delegated"
	AuthMode string
}
