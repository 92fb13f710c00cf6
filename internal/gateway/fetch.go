package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

// DefaultFetchTimeout bounds the wait for a data-access reply
const DefaultFetchTimeout = 10 * time.Second

var (
	// ErrEmptyTypeDescription is returned for a fetch that names no type
	ErrEmptyTypeDescription = errors.New("fetch request type description cannot be empty")
	// ErrUnknownFetch is returned when no data-access service answered
	ErrUnknownFetch = errors.New("unknown fetch exception")
)

// FetchGatewayConfig configures a FetchGateway.
type FetchGatewayConfig struct {
	BrokerID string

	// AuthServiceStreamID is the only stream allowed to fetch without a token
	AuthServiceStreamID string

	FetchTimeout time.Duration

	Router routingtable.Router
	Tokens TokenCache

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// SetDefaults fills zero values.
func (c *FetchGatewayConfig) SetDefaults() {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Validate checks the required collaborators are present.
func (c *FetchGatewayConfig) Validate() error {
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

// FetchGateway forwards queries to the data-access service.
type FetchGateway struct {
	cfg    FetchGatewayConfig
	logger *slog.Logger
}

// NewFetchGateway creates a fetch gateway.
func NewFetchGateway(cfg FetchGatewayConfig) (*FetchGateway, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fetch gateway config: %w", err)
	}
	return &FetchGateway{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "fetch-gateway"),
	}, nil
}

// ProcessFetch authorizes req and waits for the data-access reply.
func (g *FetchGateway) ProcessFetch(ctx context.Context, req *command.FetchRequest, streamID, token string, header Header) (resp *command.Response) {
	log := g.logger.With("stream", streamID)
	defer func() {
		if r := recover(); r != nil {
			err := recovered(r)
			log.Error("fetch handling panicked", "error", err)
			resp = command.BadRequest(err)
		}
		g.cfg.Metrics.ObserveFetch(resp.Result.String())
	}()

	if streamID == "" || streamID != g.cfg.AuthServiceStreamID {
		if _, ok := g.cfg.Tokens.IsValid(ctx, token); !ok {
			g.cfg.Metrics.AuthFailure("fetch")
			log.Info("unauthorized fetch")
			return command.Unauthorized()
		}
	}

	if req == nil || req.TypeDescription == "" {
		return command.BadRequest(ErrEmptyTypeDescription)
	}
	log = log.With("type", req.TypeDescription)

	query, err := command.New(command.TopicGetData, *req)
	if err != nil {
		return command.BadRequest(err)
	}

	reply, err := g.cfg.Router.ForwardByTopicAndWaitForResponse(ctx, g.cfg.BrokerID, query, command.TopicGetData, g.cfg.FetchTimeout)
	if err != nil {
		log.Warn("fetch got no reply", "error", err)
		return command.BadRequest(ErrUnknownFetch)
	}

	if em, ok := reply.ErrorPayload(); ok {
		log.Info("data-access service reported an error", "error", em.Message)
		return command.Error(em.Message, reply.Data...)
	}

	log.Debug("fetch answered", "entries", len(reply.Data))
	return command.Ok(reply.Data...)
}
