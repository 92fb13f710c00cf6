package routingtable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

var (
	// ErrEmptyTopic is returned when subscribing to an empty topic
	ErrEmptyTopic = errors.New("topic cannot be empty")
	// ErrNilStream is returned when registering a nil stream
	ErrNilStream = errors.New("stream cannot be nil")
	// ErrEmptyStreamID is returned when a stream id is empty
	ErrEmptyStreamID = errors.New("stream ID cannot be empty")
)

// InMemoryRouter implements routingtable.Router with in-memory maps.
// It is safe for concurrent use.
type InMemoryRouter struct {
	mu       sync.RWMutex
	streams  map[string]routingtable.Stream
	topics   map[string]map[string]struct{} // topic pattern -> stream ids
	byStream map[string]map[string]struct{} // stream id -> topic patterns
	closed   bool

	pendingMu sync.Mutex
	pending   map[string]chan *command.Command // correlation id -> waiter

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures an InMemoryRouter.
type Option func(*InMemoryRouter)

// WithLogger sets the router's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *InMemoryRouter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records stream counts and forward-and-wait outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *InMemoryRouter) {
		r.metrics = m
	}
}

// NewInMemoryRouter creates an empty router.
func NewInMemoryRouter(opts ...Option) *InMemoryRouter {
	r := &InMemoryRouter{
		streams:  make(map[string]routingtable.Stream),
		topics:   make(map[string]map[string]struct{}),
		byStream: make(map[string]map[string]struct{}),
		pending:  make(map[string]chan *command.Command),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterStream makes stream addressable under id.
func (r *InMemoryRouter) RegisterStream(stream routingtable.Stream, id string) error {
	if stream == nil {
		return ErrNilStream
	}
	if id == "" {
		return ErrEmptyStreamID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return routingtable.ErrRouterClosed
	}
	if _, exists := r.streams[id]; exists {
		return fmt.Errorf("%w: %s", routingtable.ErrStreamExists, id)
	}

	r.streams[id] = stream
	r.byStream[id] = make(map[string]struct{})
	r.metrics.SetStreams(len(r.streams))
	return nil
}

// UnregisterStream removes the stream and every subscription it holds.
func (r *InMemoryRouter) UnregisterStream(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for topic := range r.byStream[id] {
		r.removeSubscriptionLocked(id, topic)
	}
	delete(r.byStream, id)
	delete(r.streams, id)
	r.metrics.SetStreams(len(r.streams))
}

// SubscribeToTopic subscribes a registered stream to a topic pattern.
func (r *InMemoryRouter) SubscribeToTopic(streamID, topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return routingtable.ErrRouterClosed
	}
	if _, ok := r.streams[streamID]; !ok {
		return fmt.Errorf("%w: %s", routingtable.ErrUnknownStream, streamID)
	}

	subscribers, ok := r.topics[topic]
	if !ok {
		subscribers = make(map[string]struct{})
		r.topics[topic] = subscribers
	}
	subscribers[streamID] = struct{}{}
	r.byStream[streamID][topic] = struct{}{}
	return nil
}

// UnsubscribeFromTopic removes a subscription. Unknown subscriptions are ignored.
func (r *InMemoryRouter) UnsubscribeFromTopic(streamID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeSubscriptionLocked(streamID, topic)
}

func (r *InMemoryRouter) removeSubscriptionLocked(streamID, topic string) {
	if subscribers, ok := r.topics[topic]; ok {
		delete(subscribers, streamID)
		if len(subscribers) == 0 {
			delete(r.topics, topic)
		}
	}
	if topics, ok := r.byStream[streamID]; ok {
		delete(topics, topic)
	}
}

// ForwardByTopic enqueues cmd on every stream subscribed to a pattern
// matching topic. A reply whose correlation id has a pending waiter resolves
// that waiter instead of being fanned out.
func (r *InMemoryRouter) ForwardByTopic(cmd *command.Command, topic string) int {
	if cmd == nil {
		return 0
	}

	if cmd.Type == command.Reply && cmd.CorrelationID != "" && r.resolve(cmd) {
		return 1
	}

	delivered := 0
	for _, stream := range r.matchingStreams(topic) {
		if stream.Enqueue(cmd) {
			delivered++
		} else {
			r.logger.Warn("outbound queue full, dropping command",
				"stream", stream.ID(), "topic", topic)
		}
	}
	return delivered
}

// ForwardByTopicAndWaitForResponse forwards a copy of cmd tagged with a new
// correlation id and waits for the first reply carrying it.
func (r *InMemoryRouter) ForwardByTopicAndWaitForResponse(ctx context.Context, senderID string, cmd *command.Command, topic string, timeout time.Duration) (*command.Command, error) {
	if cmd == nil {
		return nil, errors.New("command cannot be nil")
	}

	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, routingtable.ErrRouterClosed
	}

	out := cmd.Clone()
	out.Type = command.Action
	out.SenderID = senderID
	out.CorrelationID = uuid.NewString()

	waiter := make(chan *command.Command, 1)
	r.pendingMu.Lock()
	r.pending[out.CorrelationID] = waiter
	r.pendingMu.Unlock()
	defer r.forget(out.CorrelationID)

	if r.ForwardByTopic(out, topic) == 0 {
		r.metrics.ForwardWait("no_subscribers")
		return nil, fmt.Errorf("%w: no subscribers for topic %s", routingtable.ErrNoResponse, topic)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-waiter:
		r.metrics.ForwardWait("replied")
		return reply, nil
	case <-timer.C:
		r.metrics.ForwardWait("timeout")
		r.logger.Debug("forward-and-wait timed out", "topic", topic, "correlation_id", out.CorrelationID)
		return nil, fmt.Errorf("%w: topic %s after %s", routingtable.ErrNoResponse, topic, timeout)
	case <-ctx.Done():
		r.metrics.ForwardWait("cancelled")
		return nil, fmt.Errorf("%w: %w", routingtable.ErrNoResponse, ctx.Err())
	}
}

// resolve hands reply to its waiter. Only the first reply is accepted.
func (r *InMemoryRouter) resolve(reply *command.Command) bool {
	r.pendingMu.Lock()
	waiter, ok := r.pending[reply.CorrelationID]
	if ok {
		delete(r.pending, reply.CorrelationID)
	}
	r.pendingMu.Unlock()

	if !ok {
		return false
	}
	waiter <- reply
	return true
}

func (r *InMemoryRouter) forget(correlationID string) {
	r.pendingMu.Lock()
	delete(r.pending, correlationID)
	r.pendingMu.Unlock()
}

// matchingStreams returns each stream subscribed to topic once.
func (r *InMemoryRouter) matchingStreams(topic string) []routingtable.Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var matched []routingtable.Stream

	for pattern, subscribers := range r.topics {
		if !MatchTopic(pattern, topic) {
			continue
		}
		for id := range subscribers {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if stream, ok := r.streams[id]; ok {
				matched = append(matched, stream)
			}
		}
	}
	return matched
}

// Subscriptions returns the topic patterns a stream is subscribed to.
func (r *InMemoryRouter) Subscriptions(streamID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	topics := make([]string, 0, len(r.byStream[streamID]))
	for topic := range r.byStream[streamID] {
		topics = append(topics, topic)
	}
	return topics
}

// IsRegistered reports whether a stream id is registered.
func (r *InMemoryRouter) IsRegistered(streamID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.streams[streamID]
	return ok
}

// StreamCount returns the number of registered streams.
func (r *InMemoryRouter) StreamCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// TopicCount returns the number of distinct subscribed topic patterns.
func (r *InMemoryRouter) TopicCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.topics)
}

// PendingCount returns the number of forward-and-wait calls in flight.
func (r *InMemoryRouter) PendingCount() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Close drops all streams and subscriptions. Safe to call multiple times.
func (r *InMemoryRouter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.streams = make(map[string]routingtable.Stream)
	r.topics = make(map[string]map[string]struct{})
	r.byStream = make(map[string]map[string]struct{})
	r.metrics.SetStreams(0)
	return nil
}

// MatchTopic reports whether topic matches a subscription pattern.
// Segments are separated by "/" and "*" matches exactly one segment.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}

	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	if len(patternParts) != len(topicParts) {
		return false
	}
	for i, part := range patternParts {
		if part != "*" && part != topicParts[i] {
			return false
		}
	}
	return true
}

// Verify that InMemoryRouter implements the Router interface at compile time
var _ routingtable.Router = (*InMemoryRouter)(nil)
