package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

func newTestFetchGateway(t *testing.T, router *spyRouter, tokens TokenCache, timeout time.Duration) *FetchGateway {
	t.Helper()
	g, err := NewFetchGateway(FetchGatewayConfig{
		BrokerID:            brokerID,
		AuthServiceStreamID: authID,
		FetchTimeout:        timeout,
		Router:              router,
		Tokens:              tokens,
	})
	require.NoError(t, err)
	return g
}

func TestProcessFetch_EmptyTypeNeverCallsRouter(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()
	g := newTestFetchGateway(t, router, newFakeTokens("good"), time.Second)

	resp := g.ProcessFetch(context.Background(), &command.FetchRequest{}, "c1", "good", nil)
	if resp.Result != command.ResultBadRequest {
		t.Fatalf("Expected BadRequest, got %s", resp.Result)
	}
	assert.Equal(t, ErrEmptyTypeDescription.Error(), resp.Message)
	assert.Equal(t, int32(0), router.waits.Load())
	assert.Equal(t, int32(0), router.forwards.Load())

	resp = g.ProcessFetch(context.Background(), nil, "c1", "good", nil)
	assert.Equal(t, command.ResultBadRequest, resp.Result)
}

func TestProcessFetch_RequiresToken(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()
	tokens := newFakeTokens("good")
	g := newTestFetchGateway(t, router, tokens, time.Second)

	resp := g.ProcessFetch(context.Background(), &command.FetchRequest{TypeDescription: "Order"}, "c1", "bad", nil)
	assert.Equal(t, command.ResultUnauthorized, resp.Result)
	assert.Equal(t, int32(0), router.waits.Load())

	// Only the auth service may fetch without a token
	resp = g.ProcessFetch(context.Background(), &command.FetchRequest{TypeDescription: "Order"}, dataAccessID, "", nil)
	assert.Equal(t, command.ResultUnauthorized, resp.Result)
	assert.Equal(t, int32(2), tokens.calls.Load())
}

func TestProcessFetch_AuthServiceSkipsValidation(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()
	respond(t, router, dataAccessID, command.TopicGetData, func(req *command.Command) *command.Command {
		reply, _ := command.NewReply(req, dataAccessID, command.ServiceMetaData{ServiceAddress: "svc://users"})
		return reply
	})

	tokens := newFakeTokens()
	g := newTestFetchGateway(t, router, tokens, time.Second)

	resp := g.ProcessFetch(context.Background(), &command.FetchRequest{TypeDescription: "User"}, authID, "", nil)
	require.True(t, resp.IsOk(), resp.Message)
	assert.Equal(t, int32(0), tokens.calls.Load())
}

func TestProcessFetch_ReturnsReplyPayload(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()

	var seen command.FetchRequest
	var sender string
	respond(t, router, dataAccessID, command.TopicGetData, func(req *command.Command) *command.Command {
		_ = req.DecodeFirst(&seen)
		sender = req.SenderID
		reply, _ := command.NewReply(req, dataAccessID,
			command.ServiceMetaData{ServiceAddress: "row-1"},
			command.ServiceMetaData{ServiceAddress: "row-2"})
		return reply
	})

	g := newTestFetchGateway(t, router, newFakeTokens("good"), time.Second)
	req := &command.FetchRequest{TypeDescription: "Order", Query: "id > 3", IncludeRelatedEntities: true}

	resp := g.ProcessFetch(context.Background(), req, "c1", "good", nil)
	require.True(t, resp.IsOk(), resp.Message)
	assert.Len(t, resp.Data, 2)
	assert.Equal(t, *req, seen)
	assert.Equal(t, brokerID, sender)
}

func TestProcessFetch_ErrorReply(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()
	respond(t, router, dataAccessID, command.TopicGetData, func(req *command.Command) *command.Command {
		reply, _ := command.NewReply(req, dataAccessID, command.ErrorModel{Message: "table missing", Code: 404})
		return reply
	})

	g := newTestFetchGateway(t, router, newFakeTokens("good"), time.Second)
	resp := g.ProcessFetch(context.Background(), &command.FetchRequest{TypeDescription: "Order"}, "c1", "good", nil)
	if resp.Result != command.ResultError {
		t.Fatalf("Expected Error, got %s", resp.Result)
	}
	assert.Equal(t, "table missing", resp.Message)
}

func TestProcessFetch_NoReply(t *testing.T) {
	router := newSpyRouter()
	defer router.Close()
	respond(t, router, dataAccessID, command.TopicGetData, func(req *command.Command) *command.Command {
		return nil
	})

	g := newTestFetchGateway(t, router, newFakeTokens("good"), 30*time.Millisecond)

	start := time.Now()
	resp := g.ProcessFetch(context.Background(), &command.FetchRequest{TypeDescription: "Order"}, "c1", "good", nil)
	assert.Equal(t, command.ResultBadRequest, resp.Result)
	assert.Equal(t, ErrUnknownFetch.Error(), resp.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewFetchGateway_Validation(t *testing.T) {
	_, err := NewFetchGateway(FetchGatewayConfig{BrokerID: brokerID, Tokens: newFakeTokens()})
	assert.ErrorIs(t, err, ErrNoRouter)

	g, err := NewFetchGateway(FetchGatewayConfig{BrokerID: brokerID, Router: newSpyRouter(), Tokens: newFakeTokens()})
	require.NoError(t, err)
	assert.Equal(t, DefaultFetchTimeout, g.cfg.FetchTimeout)
}
