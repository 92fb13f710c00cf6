package tokencache

import (
	"context"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

// RouterValidator validates tokens by sending a Connect command to the
// auth service through the router and waiting for its reply.
type RouterValidator struct {
	router   routingtable.Router
	senderID string
	timeout  time.Duration
}

// NewRouterValidator creates a validator that sends requests as senderID.
func NewRouterValidator(router routingtable.Router, senderID string, timeout time.Duration) *RouterValidator {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &RouterValidator{
		router:   router,
		senderID: senderID,
		timeout:  timeout,
	}
}

// Validate implements Validator.
func (v *RouterValidator) Validate(ctx context.Context, principal *command.Principal) (*command.Principal, error) {
	if principal == nil {
		return nil, fmt.Errorf("%w: nil principal", ErrInvalidToken)
	}

	cmd, err := command.New(command.TopicConnect, *principal)
	if err != nil {
		return nil, fmt.Errorf("failed to build connect command: %w", err)
	}

	reply, err := v.router.ForwardByTopicAndWaitForResponse(ctx, v.senderID, cmd, command.TopicConnect, v.timeout)
	if err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}

	return PrincipalFromReply(reply)
}

// PrincipalFromReply extracts the confirmed principal from an auth
// service reply. Error payloads and empty tokens are rejections.
func PrincipalFromReply(reply *command.Command) (*command.Principal, error) {
	if reply == nil {
		return nil, fmt.Errorf("%w: empty reply", ErrInvalidToken)
	}
	if em, ok := reply.ErrorPayload(); ok {
		return nil, fmt.Errorf("%w: %s", ErrInvalidToken, em.Message)
	}

	var principal command.Principal
	if err := reply.DecodeFirst(&principal); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if principal.AuthenticationToken == "" {
		return nil, fmt.Errorf("%w: no token in reply", ErrInvalidToken)
	}
	return &principal, nil
}

var _ Validator = (*RouterValidator)(nil)
