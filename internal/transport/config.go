package transport

import (
	"errors"
	"time"
)

var (
	// ErrEmptyNodeID is returned when the node ID is empty
	ErrEmptyNodeID = errors.New("node ID cannot be empty")
	// ErrEmptyListenAddress is returned when the listen address is empty
	ErrEmptyListenAddress = errors.New("listen address cannot be empty")
)

// Config holds configuration for the gRPC transport
type Config struct {
	NodeID            string
	ListenAddress     string
	SendQueueSize     int
	HeartbeatInterval time.Duration
	MaxMessageSize    int
	ShutdownTimeout   time.Duration

	// PrivilegedStreamIDs may only be claimed by callers presenting
	// ServiceSecret. With no secret they cannot be claimed over the network.
	PrivilegedStreamIDs []string
	ServiceSecret       string
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrEmptyNodeID
	}
	if c.ListenAddress == "" {
		return ErrEmptyListenAddress
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4 * 1024 * 1024 // 4MB
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
}
