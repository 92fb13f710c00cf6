package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/meshgate/internal/auth"
	"github.com/rmacdonaldsmith/meshgate/internal/config"
	"github.com/rmacdonaldsmith/meshgate/internal/gateway"
	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/internal/routingtable"
	"github.com/rmacdonaldsmith/meshgate/internal/servicemeta"
	"github.com/rmacdonaldsmith/meshgate/internal/tokencache"
	"github.com/rmacdonaldsmith/meshgate/internal/transport"
	brokerpkg "github.com/rmacdonaldsmith/meshgate/pkg/broker"
)

var (
	// ErrNodeClosed is returned when starting a closed node
	ErrNodeClosed = errors.New("broker node closed")
	// ErrNodeStopped is returned when restarting a stopped node
	ErrNodeStopped = errors.New("broker node cannot be restarted")
)

// Node wires the router, token cache, gateways, auth service and
// transport of one broker process.
type Node struct {
	mu     sync.Mutex
	config *config.Config
	logger *slog.Logger

	metrics   *metrics.Metrics
	router    *routingtable.InMemoryRouter
	registry  *servicemeta.Registry
	tokens    *tokencache.Cache
	commands  *gateway.CommandGateway
	fetches   *gateway.FetchGateway
	authority *auth.Authority
	server    *transport.Server

	metricsServer *http.Server
	metricsAddr   string

	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
	stopped bool
	closed  bool
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithMetrics replaces the node's metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		if m != nil {
			n.metrics = m
		}
	}
}

// New builds a node from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config: cfg,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	n.logger = n.logger.With("broker", cfg.Broker.ID)

	n.router = routingtable.NewInMemoryRouter(
		routingtable.WithLogger(n.logger),
		routingtable.WithMetrics(n.metrics))

	n.registry = servicemeta.NewRegistry(
		servicemeta.WithLogger(n.logger),
		servicemeta.WithMetrics(n.metrics))

	validator := tokencache.NewRouterValidator(n.router, cfg.Broker.ID, cfg.Tokens.ValidationTimeout)
	n.tokens = tokencache.New(validator,
		tokencache.WithSweepInterval(cfg.Tokens.SweepInterval),
		tokencache.WithValidationTimeout(cfg.Tokens.ValidationTimeout),
		tokencache.WithLogger(n.logger),
		tokencache.WithMetrics(n.metrics))

	var err error
	n.commands, err = gateway.NewCommandGateway(gateway.CommandGatewayConfig{
		BrokerID:            cfg.Broker.ID,
		DataAccessStreamID:  cfg.Broker.DataAccessStreamID,
		AuthServiceStreamID: cfg.Broker.AuthServiceStreamID,
		ConnectTimeout:      cfg.Broker.ConnectTimeout,
		StartupTimeout:      cfg.Broker.StartupTimeout,
		Router:              n.router,
		Tokens:              n.tokens,
		Registry:            n.registry,
		Logger:              n.logger,
		Metrics:             n.metrics,
	})
	if err != nil {
		return nil, err
	}

	n.fetches, err = gateway.NewFetchGateway(gateway.FetchGatewayConfig{
		BrokerID:            cfg.Broker.ID,
		AuthServiceStreamID: cfg.Broker.AuthServiceStreamID,
		FetchTimeout:        cfg.Broker.FetchTimeout,
		Router:              n.router,
		Tokens:              n.tokens,
		Logger:              n.logger,
		Metrics:             n.metrics,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Auth.Mode == config.AuthModeLocal {
		n.authority, err = auth.NewAuthority(auth.Config{
			Secret:       cfg.Auth.Secret,
			TokenTTL:     cfg.Auth.TokenTTL,
			RotateBefore: cfg.Auth.RotateBefore,
			Users:        cfg.Auth.Users,
			Logger:       n.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create local authority: %w", err)
		}
	}

	n.server, err = transport.NewServer(&transport.Config{
		NodeID:              cfg.Broker.ID,
		ListenAddress:       cfg.Transport.ListenAddress,
		SendQueueSize:       cfg.Transport.SendQueueSize,
		HeartbeatInterval:   cfg.Transport.HeartbeatInterval,
		MaxMessageSize:      cfg.Transport.MaxMessageSize,
		ShutdownTimeout:     cfg.Transport.ShutdownTimeout,
		PrivilegedStreamIDs: []string{cfg.Broker.DataAccessStreamID, cfg.Broker.AuthServiceStreamID},
		ServiceSecret:       cfg.Broker.ServiceSecret,
	}, n.commands, n.fetches, transport.WithLogger(n.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	if cfg.Broker.ServiceSecret == "" && cfg.Auth.Mode == config.AuthModeDelegated {
		n.logger.Warn("no service secret configured, remote auth and data-access services cannot connect")
	}

	if cfg.Metrics.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.metrics.Handler())
		n.metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return n, nil
}

// Start brings up the auth service, token sweep, metrics endpoint and
// transport, then marks the gateways ready.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.stopped {
		return ErrNodeStopped
	}
	if n.started {
		return nil // Already started, idempotent
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(runCtx)

	if n.authority != nil {
		svc, err := n.authority.Attach(n.router, n.config.Broker.AuthServiceStreamID, n.config.Transport.SendQueueSize)
		if err != nil {
			cancel()
			return err
		}
		group.Go(func() error { return svc.Run(groupCtx) })
	}

	if n.metricsServer != nil {
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", n.metricsServer.Addr)
		if err != nil {
			cancel()
			_ = group.Wait()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		n.metricsAddr = listener.Addr().String()
		group.Go(func() error {
			if err := n.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	n.tokens.Start(runCtx)

	if err := n.server.Start(ctx); err != nil {
		n.tokens.Stop()
		if n.metricsServer != nil {
			_ = n.metricsServer.Close()
		}
		cancel()
		_ = group.Wait()
		return err
	}

	n.cancel = cancel
	n.group = group
	n.started = true

	n.commands.MarkReady()
	n.server.SetServing(true)
	n.logger.Info("broker started",
		"address", n.server.Addr(),
		"auth_mode", n.config.Auth.Mode,
		"metrics", n.metricsAddr)
	return nil
}

// Stop shuts the node down in reverse start order. Safe to call multiple times.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return nil // Not started, idempotent
	}
	return n.stopLocked(ctx)
}

func (n *Node) stopLocked(ctx context.Context) error {
	var errs []error

	n.server.SetServing(false)
	if err := n.server.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop transport: %w", err))
	}

	n.tokens.Stop()

	if n.metricsServer != nil {
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}

	n.cancel()
	if err := n.group.Wait(); err != nil {
		errs = append(errs, err)
	}

	n.started = false
	n.stopped = true
	n.logger.Info("broker stopped")
	return errors.Join(errs...)
}

// Close stops the node if needed and releases the router.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil // Already closed, idempotent
	}

	var errs []error
	if n.started {
		if err := n.stopLocked(context.Background()); err != nil {
			errs = append(errs, err)
		}
	} else if !n.stopped {
		// Never started: the transport still holds a listener-less gRPC server
		_ = n.server.Stop(context.Background())
	}

	if err := n.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close router: %w", err))
	}

	n.closed = true
	return errors.Join(errs...)
}

// Addr returns the transport's listening address.
func (n *Node) Addr() string {
	return n.server.Addr()
}

// MetricsAddr returns the metrics endpoint's address, or "" when disabled.
func (n *Node) MetricsAddr() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.metricsAddr
}

// Router exposes the node's router so in-process services can attach.
func (n *Node) Router() *routingtable.InMemoryRouter {
	return n.router
}

// Tokens exposes the node's token cache.
func (n *Node) Tokens() *tokencache.Cache {
	return n.tokens
}

// Authority returns the in-process auth service, or nil in delegated mode.
func (n *Node) Authority() *auth.Authority {
	return n.authority
}

// Metrics returns the node's metrics registry.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// Health returns a snapshot of the node's state.
func (n *Node) Health() brokerpkg.HealthStatus {
	return brokerpkg.HealthStatus{
		Ready:            n.commands.IsReady(),
		ConnectedStreams: n.router.StreamCount(),
		Topics:           n.router.TopicCount(),
		CachedTokens:     n.tokens.Len(),
		Services:         n.registry.Len(),
		AuthMode:         n.config.Auth.Mode,
	}
}

// Verify that Node implements the broker.Node interface at compile time
var _ brokerpkg.Node = (*Node)(nil)
