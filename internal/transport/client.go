package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/rmacdonaldsmith/meshgate/pkg/codec"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

// ErrStreamRejected is returned when the broker closes a stream without accepting it
var ErrStreamRejected = errors.New("stream rejected by broker")

// Client calls a broker over gRPC.
type Client struct {
	conn *grpc.ClientConn

	mu            sync.RWMutex
	token         string
	streamID      string
	cloudID       string
	serviceSecret string

	// bound is the open stream unary calls act on behalf of
	boundID  string
	boundKey string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the token sent with every call.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithStreamID sets the id OpenStream asks the broker to register.
func WithStreamID(id string) ClientOption {
	return func(c *Client) { c.streamID = id }
}

// WithServiceSecret sets the credential that lets a service claim a
// privileged stream id.
func WithServiceSecret(secret string) ClientOption {
	return func(c *Client) { c.serviceSecret = secret }
}

// WithCloudID sets the cloud id sent with every call.
func WithCloudID(id string) ClientOption {
	return func(c *Client) { c.cloudID = id }
}

// Dial creates a client for the broker at target.
func Dial(target string, opts ...ClientOption) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codec.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
	}

	c := &Client{conn: conn}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Conn exposes the underlying connection, e.g. for health checks.
func (c *Client) Conn() *grpc.ClientConn {
	return c.conn
}

// SetToken replaces the token sent with later calls.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SetStreamID replaces the id requested by later OpenStream calls.
func (c *Client) SetStreamID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamID = id
}

// outgoing attaches call metadata. Unary calls name a stream only when the
// client has one open, or when it is a service holding the service secret.
func (c *Client) outgoing(ctx context.Context, opening bool) context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var kv []string
	if c.token != "" {
		kv = append(kv, MDAuthorization, "Bearer "+c.token)
	}
	if c.serviceSecret != "" {
		kv = append(kv, MDServiceSecret, c.serviceSecret)
	}
	switch {
	case opening:
		if c.streamID != "" {
			kv = append(kv, MDStreamID, c.streamID)
		}
	case c.boundKey != "":
		kv = append(kv, MDStreamID, c.boundID, MDStreamKey, c.boundKey)
	case c.serviceSecret != "" && c.streamID != "":
		kv = append(kv, MDStreamID, c.streamID)
	}
	if c.cloudID != "" {
		kv = append(kv, MDCloudID, c.cloudID)
	}
	if len(kv) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}

func (c *Client) bind(id, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundID, c.boundKey = id, key
}

func (c *Client) unbind(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boundID == id {
		c.boundID, c.boundKey = "", ""
	}
}

// Action sends one command and returns the broker's response.
func (c *Client) Action(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	resp := new(command.Response)
	if err := c.conn.Invoke(c.outgoing(ctx, false), actionMethod, cmd, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Fetch sends a fetch request and returns the broker's response.
func (c *Client) Fetch(ctx context.Context, req *command.FetchRequest) (*command.Response, error) {
	resp := new(command.Response)
	if err := c.conn.Invoke(c.outgoing(ctx, false), fetchMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Login performs the Connect handshake and keeps the issued token for
// later calls.
func (c *Client) Login(ctx context.Context, principal command.Principal) (*command.Principal, error) {
	cmd, err := command.New(command.TopicConnect, principal)
	if err != nil {
		return nil, err
	}

	resp, err := c.Action(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.IsOk() {
		return nil, fmt.Errorf("login failed: %s: %s", resp.Result, resp.Message)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("login failed: empty response")
	}

	var issued command.Principal
	if err := resp.Data[0].UnmarshalTo(&issued); err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	c.SetToken(issued.AuthenticationToken)
	return &issued, nil
}

// Stream is an open bidirectional command stream.
type Stream struct {
	cs     grpc.ClientStream
	id     string
	client *Client
}

// OpenStream opens a command stream. It returns once the broker has
// accepted the stream and assigned its id. Later Action and Fetch calls on
// the client act on behalf of this stream until it ends.
func (c *Client) OpenStream(ctx context.Context) (*Stream, error) {
	desc := &serviceDesc.Streams[0]
	cs, err := c.conn.NewStream(c.outgoing(ctx, true), desc, streamMethod)
	if err != nil {
		return nil, err
	}

	md, err := cs.Header()
	if err != nil {
		return nil, err
	}
	ids := md.Get(MDStreamID)
	if len(ids) == 0 {
		// The broker ended the call without accepting it; surface its status
		if err := cs.RecvMsg(new(command.Command)); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, ErrStreamRejected
	}

	if keys := md.Get(MDStreamKey); len(keys) > 0 {
		c.bind(ids[0], keys[0])
	}
	return &Stream{cs: cs, id: ids[0], client: c}, nil
}

// ID returns the id the broker registered the stream under.
func (s *Stream) ID() string {
	return s.id
}

// Send sends a command to the broker.
func (s *Stream) Send(cmd *command.Command) error {
	return s.cs.SendMsg(cmd)
}

// Recv blocks until the broker routes a command to this stream.
func (s *Stream) Recv() (*command.Command, error) {
	cmd := new(command.Command)
	if err := s.cs.RecvMsg(cmd); err != nil {
		s.client.unbind(s.id)
		return nil, err
	}
	return cmd, nil
}

// CloseSend ends the client side of the stream.
func (s *Stream) CloseSend() error {
	s.client.unbind(s.id)
	return s.cs.CloseSend()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
