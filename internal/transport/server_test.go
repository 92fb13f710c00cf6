package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/rmacdonaldsmith/meshgate/internal/auth"
	"github.com/rmacdonaldsmith/meshgate/internal/gateway"
	"github.com/rmacdonaldsmith/meshgate/internal/routingtable"
	"github.com/rmacdonaldsmith/meshgate/internal/tokencache"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

const testServiceSecret = "service-secret"

type testBroker struct {
	server *Server
	router *routingtable.InMemoryRouter
	cache  *tokencache.Cache
}

// startTestBroker wires a router, the local authority, both gateways and a
// server listening on a random local port.
func startTestBroker(t *testing.T) *testBroker {
	t.Helper()

	router := routingtable.NewInMemoryRouter()

	hash, err := auth.HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)
	authority, err := auth.NewAuthority(auth.Config{Secret: "test-secret", Users: map[string]string{"alice": hash}})
	require.NoError(t, err)
	svc, err := authority.Attach(router, "auth-service", 16)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	authDone := make(chan struct{})
	go func() {
		defer close(authDone)
		_ = svc.Run(ctx)
	}()

	cache := tokencache.New(tokencache.NewRouterValidator(router, "broker-1", time.Second))

	commands, err := gateway.NewCommandGateway(gateway.CommandGatewayConfig{
		BrokerID:            "broker-1",
		DataAccessStreamID:  "data-access",
		AuthServiceStreamID: "auth-service",
		ConnectTimeout:      time.Second,
		Router:              router,
		Tokens:              cache,
	})
	require.NoError(t, err)
	fetches, err := gateway.NewFetchGateway(gateway.FetchGatewayConfig{
		BrokerID:            "broker-1",
		AuthServiceStreamID: "auth-service",
		FetchTimeout:        50 * time.Millisecond,
		Router:              router,
		Tokens:              cache,
	})
	require.NoError(t, err)

	server, err := NewServer(&Config{
		NodeID:              "broker-1",
		ListenAddress:       "127.0.0.1:0",
		PrivilegedStreamIDs: []string{"data-access", "auth-service"},
		ServiceSecret:       testServiceSecret,
	}, commands, fetches)
	require.NoError(t, err)
	require.NoError(t, server.Start(context.Background()))

	commands.MarkReady()
	server.SetServing(true)

	t.Cleanup(func() {
		_ = server.Stop(context.Background())
		cancel()
		<-authDone
		router.Close()
	})

	return &testBroker{server: server, router: router, cache: cache}
}

func dialTest(t *testing.T, b *testBroker, opts ...ClientOption) *Client {
	t.Helper()
	c, err := Dial(b.server.Addr(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(&Config{}, nil, nil)
	assert.ErrorIs(t, err, ErrEmptyNodeID)

	_, err = NewServer(&Config{NodeID: "n1", ListenAddress: "127.0.0.1:0"}, nil, nil)
	assert.Error(t, err)
}

func TestServer_LoginSubscribeDeliver(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subscriber := dialTest(t, b, WithStreamID("client-a"), WithCloudID("eu-1"))
	issued, err := subscriber.Login(ctx, command.Principal{LoginName: "alice", Password: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "alice", issued.LoginName)

	_, cached := b.cache.Lookup(issued.AuthenticationToken)
	assert.True(t, cached, "issued token should be cached after login")

	stream, err := subscriber.OpenStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-a", stream.ID())

	sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: "orders/*"})
	require.NoError(t, err)
	resp, err := subscriber.Action(ctx, sub)
	require.NoError(t, err)
	require.True(t, resp.IsOk(), resp.Message)

	publisher := dialTest(t, b, WithToken(issued.AuthenticationToken))
	order, err := command.New("orders/created", command.FetchRequest{TypeDescription: "Order", Query: "42"})
	require.NoError(t, err)
	resp, err = publisher.Action(ctx, order)
	require.NoError(t, err)
	require.True(t, resp.IsOk(), resp.Message)

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "orders/created", got.Topic)
	var body command.FetchRequest
	require.NoError(t, got.DecodeFirst(&body))
	assert.Equal(t, "42", body.Query)

	require.NoError(t, stream.CloseSend())
	require.Eventually(t, func() bool { return !b.router.IsRegistered("client-a") }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_StreamCommandsAreDispatched(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b)
	issued, err := c.Login(ctx, command.Principal{LoginName: "alice", Password: "hunter2"})
	require.NoError(t, err)

	stream, err := c.OpenStream(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, stream.ID(), "broker assigns an id when none is given")

	sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: "echo"})
	require.NoError(t, err)
	require.NoError(t, stream.Send(sub))
	require.Eventually(t, func() bool { return len(b.router.Subscriptions(stream.ID())) == 1 }, 2*time.Second, 10*time.Millisecond)

	other := dialTest(t, b, WithToken(issued.AuthenticationToken))
	msg, err := command.New("echo")
	require.NoError(t, err)
	resp, err := other.Action(ctx, msg)
	require.NoError(t, err)
	require.True(t, resp.IsOk())

	got, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Topic)
}

func TestServer_StreamRequiresToken(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b, WithToken("forged"))
	_, err := c.OpenStream(ctx)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("Expected Unauthenticated, got %v", err)
	}
}

func TestServer_ActionUnauthorized(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b)
	cmd, err := command.New("orders")
	require.NoError(t, err)

	resp, err := c.Action(ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, command.ResultUnauthorized, resp.Result)

	_, err = c.Login(ctx, command.Principal{LoginName: "alice", Password: "wrong"})
	assert.Error(t, err)
}

func TestServer_FetchWithoutDataService(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b)
	_, err := c.Login(ctx, command.Principal{LoginName: "alice", Password: "hunter2"})
	require.NoError(t, err)

	resp, err := c.Fetch(ctx, &command.FetchRequest{TypeDescription: "Order"})
	require.NoError(t, err)
	assert.Equal(t, command.ResultBadRequest, resp.Result)
	assert.Equal(t, gateway.ErrUnknownFetch.Error(), resp.Message)

	resp, err = c.Fetch(ctx, &command.FetchRequest{})
	require.NoError(t, err)
	assert.Equal(t, command.ResultBadRequest, resp.Result)
}

func TestServer_Health(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b)
	hc := healthpb.NewHealthClient(c.Conn())

	// Health checks use the default protobuf codec, not the broker's
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName}, grpcProtoSubtype())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	b.server.SetServing(false)
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName}, grpcProtoSubtype())
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	b := startTestBroker(t)
	require.NoError(t, b.server.Stop(context.Background()))
	require.NoError(t, b.server.Stop(context.Background()))
	assert.ErrorIs(t, b.server.Start(context.Background()), ErrServerClosed)
}

func TestServer_SpoofedPrivilegedStreamIDRejected(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, id := range []string{"data-access", "auth-service"} {
		for _, secret := range []string{"", "guessed"} {
			opts := []ClientOption{WithStreamID(id)}
			if secret != "" {
				opts = append(opts, WithServiceSecret(secret))
			}
			c := dialTest(t, b, opts...)

			_, err := c.OpenStream(ctx)
			if status.Code(err) != codes.PermissionDenied {
				t.Fatalf("Expected PermissionDenied opening %s with secret %q, got %v", id, secret, err)
			}
			if id == "data-access" {
				assert.False(t, b.router.IsRegistered(id))
			}

			if secret == "" {
				continue
			}
			sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: command.TopicConnect})
			require.NoError(t, err)
			_, err = c.Action(ctx, sub)
			assert.Equal(t, codes.PermissionDenied, status.Code(err))

			_, err = c.Fetch(ctx, &command.FetchRequest{TypeDescription: "Order"})
			assert.Equal(t, codes.PermissionDenied, status.Code(err))
		}
	}
	assert.Len(t, b.router.Subscriptions("auth-service"), 1, "only the real auth service listens on Connect")
}

func TestServer_ServiceSecretAdmitsPrivilegedStream(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dialTest(t, b, WithStreamID("data-access"), WithServiceSecret(testServiceSecret))
	stream, err := c.OpenStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data-access", stream.ID())

	sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: command.TopicGetData})
	require.NoError(t, err)
	resp, err := c.Action(ctx, sub)
	require.NoError(t, err)
	require.True(t, resp.IsOk(), resp.Message)
	assert.Equal(t, []string{command.TopicGetData}, b.router.Subscriptions("data-access"))

	require.NoError(t, stream.CloseSend())
}

func TestServer_UnaryCallsNeedTheStreamKey(t *testing.T) {
	b := startTestBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner := dialTest(t, b)
	issued, err := owner.Login(ctx, command.Principal{LoginName: "alice", Password: "hunter2"})
	require.NoError(t, err)
	stream, err := owner.OpenStream(ctx)
	require.NoError(t, err)

	// A second caller with a valid token names the owner's stream
	intruder, err := Dial(b.server.Addr(), WithToken(issued.AuthenticationToken))
	require.NoError(t, err)
	defer intruder.Close()
	intruder.bind(stream.ID(), "not-the-key")

	sub, err := command.New(command.TopicSubscribe, command.SubscriptionMessage{Topic: "orders"})
	require.NoError(t, err)
	_, err = intruder.Action(ctx, sub)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Empty(t, b.router.Subscriptions(stream.ID()))

	// The owner's unary calls act on its stream
	resp, err := owner.Action(ctx, sub)
	require.NoError(t, err)
	require.True(t, resp.IsOk(), resp.Message)
	assert.Equal(t, []string{"orders"}, b.router.Subscriptions(stream.ID()))

	// Once the stream is closed the client stops naming it
	require.NoError(t, stream.CloseSend())
	resp, err = owner.Action(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, command.ResultBadRequest, resp.Result, "subscribing needs an open stream")
}
