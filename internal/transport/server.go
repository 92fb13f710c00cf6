package transport

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/meshgate/internal/gateway"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

// ErrServerClosed is returned when starting a closed server
var ErrServerClosed = errors.New("transport server closed")

// CommandHandler receives stream lifecycle events and commands.
// *gateway.CommandGateway implements it.
type CommandHandler interface {
	StreamConnected(ctx context.Context, stream routingtable.Stream, token string, header gateway.Header) *command.Response
	StreamDisconnected(ctx context.Context, streamID string) *command.Response
	ProcessCommand(ctx context.Context, cloudID string, cmd *command.Command, streamID, token string, header gateway.Header) *command.Response
}

// FetchHandler answers fetch requests. *gateway.FetchGateway implements it.
type FetchHandler interface {
	ProcessFetch(ctx context.Context, req *command.FetchRequest, streamID, token string, header gateway.Header) *command.Response
}

// Server serves the broker service over gRPC.
type Server struct {
	config   *Config
	commands CommandHandler
	fetches  FetchHandler
	logger   *slog.Logger

	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
	closed   bool

	// keys maps each open stream to the key its unary calls must present
	keysMu sync.Mutex
	keys   map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a server dispatching to the given handlers.
func NewServer(config *Config, commands CommandHandler, fetches FetchHandler, opts ...Option) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if commands == nil || fetches == nil {
		return nil, errors.New("command and fetch handlers are required")
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	s := &Server{
		config:   &configCopy,
		commands: commands,
		fetches:  fetches,
		logger:   slog.New(slog.DiscardHandler),
		health:   health.NewServer(),
		keys:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "transport", "node", configCopy.NodeID)

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(configCopy.MaxMessageSize),
		grpc.MaxSendMsgSize(configCopy.MaxMessageSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: configCopy.HeartbeatInterval}),
		grpc.ChainUnaryInterceptor(unaryLogging(s.logger)),
		grpc.ChainStreamInterceptor(streamLogging(s.logger)),
	)
	s.grpcServer.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(false)

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddress, err)
	}
	s.listener = listener
	s.serveErr = make(chan error, 1)

	go func() {
		s.serveErr <- s.grpcServer.Serve(listener)
	}()

	s.logger.Info("transport listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the address the server is listening on, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetServing updates the health status reported for the broker service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Stop drains in-flight calls, forcing the remaining ones closed once ctx
// or the shutdown timeout expires. Safe to call multiple times.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serveErr := s.serveErr
	s.mu.Unlock()

	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("graceful stop timed out, closing open streams")
		s.grpcServer.Stop()
		<-stopped
	}

	if serveErr != nil {
		if err := <-serveErr; err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
	}
	return nil
}

// Action handles a unary command.
func (s *Server) Action(ctx context.Context, cmd *command.Command) (*command.Response, error) {
	info := incoming(ctx)
	if err := s.checkStreamID(info, true); err != nil {
		return nil, err
	}
	return s.commands.ProcessCommand(ctx, info.cloudID, cmd, info.streamID, info.token, info.header), nil
}

// Fetch handles a unary fetch request.
func (s *Server) Fetch(ctx context.Context, req *command.FetchRequest) (*command.Response, error) {
	info := incoming(ctx)
	if err := s.checkStreamID(info, true); err != nil {
		return nil, err
	}
	return s.fetches.ProcessFetch(ctx, req, info.streamID, info.token, info.header), nil
}

// checkStreamID verifies the caller may act as the stream it names.
// Privileged ids need the service secret. On unary calls any other id needs
// the key handed out when that stream was opened.
func (s *Server) checkStreamID(info callInfo, unary bool) error {
	if info.streamID == "" {
		return nil
	}

	if slices.Contains(s.config.PrivilegedStreamIDs, info.streamID) {
		if s.config.ServiceSecret == "" || !equalSecret(info.secret, s.config.ServiceSecret) {
			s.logger.Warn("rejected call claiming a privileged stream id", "stream", info.streamID)
			return status.Error(codes.PermissionDenied, "stream id is reserved for service streams")
		}
		return nil
	}

	if !unary {
		return nil
	}
	s.keysMu.Lock()
	key, ok := s.keys[info.streamID]
	s.keysMu.Unlock()
	if !ok || !equalSecret(info.streamKey, key) {
		return status.Error(codes.PermissionDenied, "stream id is not bound to an open stream")
	}
	return nil
}

func equalSecret(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Stream registers the caller as a routable stream for the life of the call.
// Commands received are dispatched in order; commands routed to the stream
// are sent back to the caller.
func (s *Server) Stream(ss grpc.ServerStream) error {
	info := incoming(ss.Context())
	if err := s.checkStreamID(info, false); err != nil {
		return err
	}
	if info.streamID == "" {
		info.streamID = uuid.NewString()
	}
	log := s.logger.With("stream", info.streamID)

	out := routingtable.NewQueueStream(info.streamID, s.config.SendQueueSize)
	resp := s.commands.StreamConnected(ss.Context(), out, info.token, info.header)
	if !resp.IsOk() {
		out.Close()
		if resp.Result == command.ResultUnauthorized {
			return status.Error(codes.Unauthenticated, resp.Message)
		}
		return status.Error(codes.InvalidArgument, resp.Message)
	}

	key := uuid.NewString()
	s.keysMu.Lock()
	s.keys[info.streamID] = key
	s.keysMu.Unlock()

	ctx, cancel := context.WithCancel(ss.Context())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		s.keysMu.Lock()
		delete(s.keys, info.streamID)
		s.keysMu.Unlock()
		s.commands.StreamDisconnected(context.WithoutCancel(ss.Context()), info.streamID)
		out.Close()
	}()

	if err := ss.SendHeader(metadata.Pairs(MDStreamID, info.streamID, MDStreamKey, key)); err != nil {
		return err
	}

	sendErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr <- s.pump(ctx, ss, out)
		cancel()
	}()

	for {
		cmd := new(command.Command)
		if err := ss.RecvMsg(cmd); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				select {
				case err := <-sendErr:
					return err
				default:
				}
			}
			return err
		}

		resp := s.commands.ProcessCommand(ctx, info.cloudID, cmd, info.streamID, info.token, info.header)
		if !resp.IsOk() {
			log.Warn("stream command failed", "topic", cmd.Topic, "result", resp.Result.String(), "message", resp.Message)
			continue
		}

		// A successful login on the stream upgrades the token used for later commands
		if cmd.Kind() == command.KindConnect {
			for _, p := range resp.Data {
				var principal command.Principal
				if p.Is(principal) && p.UnmarshalTo(&principal) == nil && principal.AuthenticationToken != "" {
					info.token = principal.AuthenticationToken
				}
			}
		}
	}
}

// pump sends routed commands to the client until ctx ends or a send fails.
func (s *Server) pump(ctx context.Context, ss grpc.ServerStream, out *routingtable.QueueStream) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-out.Queue():
			if !ok {
				return nil
			}
			if err := ss.SendMsg(cmd); err != nil {
				return err
			}
		}
	}
}

var _ brokerService = (*Server)(nil)
