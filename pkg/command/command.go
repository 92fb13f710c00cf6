package command

import (
	"errors"
	"fmt"
)

// Well-known topics handled by the gateway itself.
const (
	TopicConnect         = "Connect"
	TopicSubscribe       = "Subscribe"
	TopicUnsubscribe     = "Unsubscribe"
	TopicServiceMetaData = "ServiceMetaData"
	TopicGetData         = "GetData"
)

var (
	// ErrMissingPayload is returned when a command carries no data entry
	ErrMissingPayload = errors.New("command has no payload")
	// ErrTypeMismatch is returned when a payload holds a different model than requested
	ErrTypeMismatch = errors.New("payload type mismatch")
)

// CommandType distinguishes requests from correlated replies.
type CommandType int

const (
	// Action is a request or announcement routed by topic
	Action CommandType = iota
	// Reply answers an earlier Action that carried a CorrelationID
	Reply
)

func (t CommandType) String() string {
	switch t {
	case Action:
		return "Action"
	case Reply:
		return "Reply"
	default:
		return "Unknown"
	}
}

// Kind is the closed set of ways the gateway handles a command.
type Kind int

const (
	// KindForward is any application topic; forwarded by topic without waiting
	KindForward Kind = iota
	// KindConnect is the login / token validation handshake
	KindConnect
	// KindSubscribe adds a topic subscription for the sending stream
	KindSubscribe
	// KindUnsubscribe removes a topic subscription for the sending stream
	KindUnsubscribe
	// KindServiceMetaData announces a connected service
	KindServiceMetaData
	// KindReply resolves a pending forward-and-wait call
	KindReply
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "Forward"
	case KindConnect:
		return "Connect"
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindServiceMetaData:
		return "ServiceMetaData"
	case KindReply:
		return "Reply"
	default:
		return "Unknown"
	}
}

// Command is the unit routed through the mesh.
type Command struct {
	// Topic drives routing
	Topic string `cbor:"topic"`

	// Type marks the command as a request or a correlated reply
	Type CommandType `cbor:"type"`

	// SenderID identifies the originating stream or broker
	SenderID string `cbor:"sender_id,omitempty"`

	// TargetID, when set, addresses a single recipient as "{topic}/{targetId}"
	TargetID string `cbor:"target_id,omitempty"`

	// CorrelationID ties a reply to the request it answers
	CorrelationID string `cbor:"correlation_id,omitempty"`

	// Data is the ordered list of typed payload entries
	Data []Payload `cbor:"data,omitempty"`
}

// New creates an Action command on topic carrying the given models.
func New(topic string, models ...Model) (*Command, error) {
	data, err := PackAll(models...)
	if err != nil {
		return nil, err
	}
	return &Command{
		Topic: topic,
		Type:  Action,
		Data:  data,
	}, nil
}

// NewReply creates a Reply to req carrying the given models.
// The reply keeps the request's topic and correlation id.
func NewReply(req *Command, senderID string, models ...Model) (*Command, error) {
	if req == nil {
		return nil, errors.New("request cannot be nil")
	}
	data, err := PackAll(models...)
	if err != nil {
		return nil, err
	}
	return &Command{
		Topic:         req.Topic,
		Type:          Reply,
		SenderID:      senderID,
		TargetID:      req.SenderID,
		CorrelationID: req.CorrelationID,
		Data:          data,
	}, nil
}

// Kind classifies the command for dispatch.
func (c *Command) Kind() Kind {
	if c.Type == Reply {
		return KindReply
	}
	switch c.Topic {
	case TopicConnect:
		return KindConnect
	case TopicSubscribe:
		return KindSubscribe
	case TopicUnsubscribe:
		return KindUnsubscribe
	case TopicServiceMetaData:
		return KindServiceMetaData
	default:
		return KindForward
	}
}

// EffectiveTopic returns the routing topic, suffixed with "/{targetId}"
// when the command is addressed to a single recipient.
func (c *Command) EffectiveTopic() string {
	if c.TargetID == "" {
		return c.Topic
	}
	return c.Topic + "/" + c.TargetID
}

// First returns the first payload entry.
func (c *Command) First() (Payload, bool) {
	if len(c.Data) == 0 {
		return Payload{}, false
	}
	return c.Data[0], true
}

// DecodeFirst decodes the first payload entry into m.
func (c *Command) DecodeFirst(m Model) error {
	p, ok := c.First()
	if !ok {
		return fmt.Errorf("%s: %w", c.Topic, ErrMissingPayload)
	}
	return p.UnmarshalTo(m)
}

// ErrorPayload returns the embedded error model when the command carries one.
func (c *Command) ErrorPayload() (*ErrorModel, bool) {
	for _, p := range c.Data {
		if !p.IsError() {
			continue
		}
		var em ErrorModel
		if err := p.UnmarshalTo(&em); err != nil {
			return &ErrorModel{Message: "malformed error payload"}, true
		}
		return &em, true
	}
	return nil, false
}

// Clone returns a copy whose data slice can be modified independently.
// Payload bytes are shared; they are never mutated after packing.
func (c *Command) Clone() *Command {
	clone := *c
	if c.Data != nil {
		clone.Data = make([]Payload, len(c.Data))
		copy(clone.Data, c.Data)
	}
	return &clone
}
