package routingtable

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

var (
	// ErrNoResponse is returned when no correlated reply arrives before the timeout
	ErrNoResponse = errors.New("no response before timeout")
	// ErrStreamExists is returned when a stream id is registered twice
	ErrStreamExists = errors.New("stream already registered")
	// ErrUnknownStream is returned for operations on an unregistered stream
	ErrUnknownStream = errors.New("unknown stream")
	// ErrRouterClosed is returned after Close
	ErrRouterClosed = errors.New("router is closed")
)

// Stream represents a connected client or service.
type Stream interface {
	// ID returns the unique identifier of the stream
	ID() string

	// Enqueue places cmd on the stream's outbound queue without blocking.
	// It returns false when the queue is full or the stream is gone.
	Enqueue(cmd *command.Command) bool
}

// Router manages stream registration, topic subscriptions and delivery.
type Router interface {
	io.Closer

	// RegisterStream makes a stream addressable under id.
	RegisterStream(stream Stream, id string) error

	// UnregisterStream removes the stream and all of its subscriptions.
	UnregisterStream(id string)

	// SubscribeToTopic subscribes the stream to a topic pattern.
	SubscribeToTopic(streamID, topic string) error

	// UnsubscribeFromTopic removes a subscription; unknown subscriptions are ignored.
	UnsubscribeFromTopic(streamID, topic string)

	// ForwardByTopic delivers cmd to every stream subscribed to topic and
	// returns the number of streams it was enqueued on.
	ForwardByTopic(cmd *command.Command, topic string) int

	// ForwardByTopicAndWaitForResponse tags cmd with a new correlation id,
	// forwards it by topic and waits for the first reply with that id.
	// It returns ErrNoResponse once timeout elapses.
	ForwardByTopicAndWaitForResponse(ctx context.Context, senderID string, cmd *command.Command, topic string, timeout time.Duration) (*command.Command, error)
}
