package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/internal/servicemeta"
	"github.com/rmacdonaldsmith/meshgate/internal/tokencache"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

const (
	// DefaultConnectTimeout bounds the wait for the auth service during Connect
	DefaultConnectTimeout = 30 * time.Second
	// DefaultStartupTimeout bounds how long a command waits for readiness
	DefaultStartupTimeout = 30 * time.Second
)

// CommandGatewayConfig configures a CommandGateway.
type CommandGatewayConfig struct {
	// BrokerID is the sender id used for commands the broker originates
	BrokerID string

	// DataAccessStreamID and AuthServiceStreamID identify the privileged
	// streams that are never asked for a token
	DataAccessStreamID  string
	AuthServiceStreamID string

	ConnectTimeout time.Duration
	StartupTimeout time.Duration

	Router   routingtable.Router
	Tokens   TokenCache
	Registry *servicemeta.Registry

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SetDefaults fills zero values.
func (c *CommandGatewayConfig) SetDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.Registry == nil {
		c.Registry = servicemeta.NewRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Validate checks the required collaborators are present.
func (c *CommandGatewayConfig) Validate() error {
	if c.BrokerID == "" {
		return ErrEmptyBrokerID
	}
	if c.Router == nil {
		return ErrNoRouter
	}
	if c.Tokens == nil {
		return ErrNoTokens
	}
	return nil
}

// CommandGateway dispatches commands arriving on client streams.
type CommandGateway struct {
	cfg    CommandGatewayConfig
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// NewCommandGateway creates a gateway. It processes no command until
// MarkReady is called.
func NewCommandGateway(cfg CommandGatewayConfig) (*CommandGateway, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command gateway config: %w", err)
	}

	return &CommandGateway{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "command-gateway"),
		ready:  make(chan struct{}),
	}, nil
}

// MarkReady releases commands waiting for startup. Later calls are no-ops.
func (g *CommandGateway) MarkReady() {
	g.readyOnce.Do(func() {
		close(g.ready)
		g.logger.Info("command gateway ready")
	})
}

// IsReady reports whether MarkReady has been called.
func (g *CommandGateway) IsReady() bool {
	select {
	case <-g.ready:
		return true
	default:
		return false
	}
}

func (g *CommandGateway) waitReady(ctx context.Context) error {
	if g.IsReady() {
		return nil
	}

	timer := time.NewTimer(g.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case <-g.ready:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrNotReady, g.cfg.StartupTimeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
}

func (g *CommandGateway) privileged(streamID string) bool {
	return streamID != "" &&
		(streamID == g.cfg.DataAccessStreamID || streamID == g.cfg.AuthServiceStreamID)
}

// serviceTopic reports whether topic belongs to the auth or data-access
// exchange. Logins and their replies carry credentials on these topics.
func serviceTopic(topic string) bool {
	first, _, _ := strings.Cut(topic, "/")
	return first == command.TopicConnect || first == command.TopicGetData || first == "*"
}

func (g *CommandGateway) authorized(ctx context.Context, streamID, token string) bool {
	if g.privileged(streamID) {
		return true
	}
	_, ok := g.cfg.Tokens.IsValid(ctx, token)
	return ok
}

// StreamConnected registers a new client stream and replays the known
// service announcements to it.
func (g *CommandGateway) StreamConnected(ctx context.Context, stream routingtable.Stream, token string, header Header) *command.Response {
	if stream == nil {
		return command.BadRequest(errors.New("stream cannot be nil"))
	}
	id := stream.ID()

	if !g.authorized(ctx, id, token) {
		g.cfg.Metrics.AuthFailure("connect")
		g.logger.Warn("rejected stream with invalid token", "stream", id, "agent", header["user-agent"])
		return command.Unauthorized()
	}

	if err := g.cfg.Router.RegisterStream(stream, id); err != nil {
		g.logger.Warn("failed to register stream", "stream", id, "error", err)
		return command.BadRequest(err)
	}

	replayed := 0
	for _, md := range g.cfg.Registry.Snapshot() {
		announce, err := command.New(command.TopicServiceMetaData, md)
		if err != nil {
			g.logger.Error("failed to pack service metadata", "address", md.ServiceAddress, "error", err)
			continue
		}
		announce.SenderID = g.cfg.BrokerID
		if !stream.Enqueue(announce) {
			g.logger.Warn("outbound queue full during metadata replay", "stream", id)
			break
		}
		replayed++
	}

	g.logger.Info("stream connected", "stream", id, "replayed_services", replayed)
	return command.Ok()
}

// StreamDisconnected unregisters a stream. It always succeeds.
func (g *CommandGateway) StreamDisconnected(ctx context.Context, streamID string) *command.Response {
	g.cfg.Router.UnregisterStream(streamID)
	g.logger.Info("stream disconnected", "stream", streamID)
	return command.Ok()
}

// ProcessCommand handles one command received on streamID.
func (g *CommandGateway) ProcessCommand(ctx context.Context, cloudID string, cmd *command.Command, streamID, token string, header Header) (resp *command.Response) {
	start := time.Now()
	kind := "unknown"
	log := g.logger.With("stream", streamID, "cloud", cloudID)
	if cmd != nil {
		log = log.With("topic", cmd.Topic)
	}

	log.Debug("processing command")
	defer func() {
		if r := recover(); r != nil {
			err := recovered(r)
			log.Error("command handling panicked", "error", err)
			resp = command.BadRequest(err)
		}
		g.cfg.Metrics.ObserveCommand(kind, resp.Result.String(), time.Since(start))
		log.Debug("processed command", "result", resp.Result.String(), "elapsed", time.Since(start))
	}()

	if cmd == nil {
		return command.BadRequest(ErrNilCommand)
	}
	if err := g.waitReady(ctx); err != nil {
		log.Warn("command rejected before startup completed", "error", err)
		return command.BadRequest(err)
	}

	k := cmd.Kind()
	kind = k.String()

	if k != command.KindConnect && !g.authorized(ctx, streamID, token) {
		g.cfg.Metrics.AuthFailure("command")
		log.Info("unauthorized command")
		return command.Unauthorized()
	}

	resp, err := g.dispatch(ctx, k, cmd, streamID)
	if err != nil {
		log.Warn("command failed", "error", err)
		return command.BadRequest(err)
	}
	return resp
}

func (g *CommandGateway) dispatch(ctx context.Context, kind command.Kind, cmd *command.Command, streamID string) (*command.Response, error) {
	switch kind {
	case command.KindConnect:
		return g.connect(ctx, cmd)
	case command.KindServiceMetaData:
		return g.serviceMetaData(cmd)
	case command.KindSubscribe:
		return g.subscribe(cmd, streamID)
	case command.KindUnsubscribe:
		return g.unsubscribe(cmd, streamID)
	case command.KindReply, command.KindForward:
		topic := cmd.EffectiveTopic()
		if serviceTopic(topic) && !g.privileged(streamID) {
			return nil, fmt.Errorf("%w: %s", ErrServiceTopic, topic)
		}
		g.cfg.Router.ForwardByTopic(cmd, topic)
		return command.Ok(), nil
	default:
		return nil, fmt.Errorf("unsupported command kind %s", kind)
	}
}

// connect relays a login or token check to the auth service.
func (g *CommandGateway) connect(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	var principal command.Principal
	if err := cmd.DecodeFirst(&principal); err != nil {
		return nil, fmt.Errorf("failed to decode principal: %w", err)
	}

	reply, err := g.cfg.Router.ForwardByTopicAndWaitForResponse(ctx, g.cfg.BrokerID, cmd, command.TopicConnect, g.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if em, ok := reply.ErrorPayload(); ok {
		return command.BadRequest(em), nil
	}

	if confirmed, err := tokencache.PrincipalFromReply(reply); err == nil {
		// A rotated token replaces the one presented
		if old := principal.AuthenticationToken; old != "" && old != confirmed.AuthenticationToken {
			g.cfg.Tokens.Forget(old)
		}
		g.cfg.Tokens.Remember(confirmed)
	}
	return command.Ok(reply.Data...), nil
}

// serviceMetaData records a service announcement and passes it on to the
// streams that follow service discovery.
func (g *CommandGateway) serviceMetaData(cmd *command.Command) (*command.Response, error) {
	var md command.ServiceMetaData
	if err := cmd.DecodeFirst(&md); err != nil {
		return nil, fmt.Errorf("failed to decode service metadata: %w", err)
	}

	if _, err := g.cfg.Registry.Upsert(md); err != nil {
		return nil, err
	}

	g.cfg.Router.ForwardByTopic(cmd, command.TopicServiceMetaData)
	return command.Ok(), nil
}

func (g *CommandGateway) subscribe(cmd *command.Command, streamID string) (*command.Response, error) {
	topic, err := subscriptionTopic(cmd)
	if err != nil {
		return nil, err
	}
	if serviceTopic(topic) && !g.privileged(streamID) {
		return nil, fmt.Errorf("%w: %s", ErrServiceTopic, topic)
	}
	if err := g.cfg.Router.SubscribeToTopic(streamID, topic); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	g.logger.Debug("subscribed", "stream", streamID, "subscription", topic)
	return command.Ok(), nil
}

func (g *CommandGateway) unsubscribe(cmd *command.Command, streamID string) (*command.Response, error) {
	topic, err := subscriptionTopic(cmd)
	if err != nil {
		return nil, err
	}
	g.cfg.Router.UnsubscribeFromTopic(streamID, topic)
	g.logger.Debug("unsubscribed", "stream", streamID, "subscription", topic)
	return command.Ok(), nil
}

func subscriptionTopic(cmd *command.Command) (string, error) {
	var msg command.SubscriptionMessage
	if err := cmd.DecodeFirst(&msg); err != nil {
		return "", fmt.Errorf("failed to decode subscription: %w", err)
	}
	if msg.Topic == "" {
		return "", errors.New("subscription topic cannot be empty")
	}
	return msg.Topic, nil
}
