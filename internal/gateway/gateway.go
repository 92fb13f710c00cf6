package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

var (
	// ErrNotReady is returned when the broker does not finish starting in time
	ErrNotReady = errors.New("broker not ready")
	// ErrNilCommand is returned when the transport hands over no command
	ErrNilCommand = errors.New("command cannot be nil")
	// ErrNoRouter is returned when a gateway is built without a router
	ErrNoRouter = errors.New("router cannot be nil")
	// ErrNoTokens is returned when a gateway is built without a token cache
	ErrNoTokens = errors.New("token cache cannot be nil")
	// ErrEmptyBrokerID is returned when a gateway is built without a broker id
	ErrEmptyBrokerID = errors.New("broker ID cannot be empty")
	// ErrServiceTopic is returned when a client stream touches a topic
	// reserved for the privileged service streams
	ErrServiceTopic = errors.New("topic is reserved for service streams")
)

// TokenCache is the subset of *tokencache.Cache the gateways depend on.
type TokenCache interface {
	IsValid(ctx context.Context, token string) (*command.Principal, bool)
	Remember(principal *command.Principal)
	Forget(token string)
}

// Header carries transport metadata that accompanies a call.
type Header map[string]string

// recovered converts a recovered panic value into an error.
func recovered(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
