package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/rmacdonaldsmith/meshgate/internal/auth"
	"github.com/rmacdonaldsmith/meshgate/internal/broker"
	"github.com/rmacdonaldsmith/meshgate/internal/config"
	"github.com/rmacdonaldsmith/meshgate/internal/transport"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

// runCLI executes the root command with args and returns its output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func startNode(t *testing.T) *broker.Node {
	t.Helper()
	hash, err := auth.HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Broker.ID = "cli-test"
	cfg.Broker.FetchTimeout = 100 * time.Millisecond
	cfg.Transport.ListenAddress = "127.0.0.1:0"
	cfg.Auth.Mode = config.AuthModeLocal
	cfg.Auth.Secret = "cli-secret"
	cfg.Auth.Users = map[string]string{"alice": hash}

	node, err := broker.New(cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() {
		_ = node.Stop(context.Background())
		_ = node.Close()
	})
	return node
}

func loginToken(t *testing.T, addr string) string {
	t.Helper()
	c, err := transport.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	issued, err := c.Login(ctx, command.Principal{LoginName: "alice", Password: "hunter2"})
	require.NoError(t, err)
	return issued.AuthenticationToken
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "meshgate v"+appVersion+"\n", out)
}

func TestHashPasswordCommand(t *testing.T) {
	out, err := runCLI(t, "hash-password", "--cost", "4", "s3cret")
	require.NoError(t, err)

	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	_, err = runCLI(t, "hash-password", "  ")
	assert.Error(t, err)
}

func TestLoginCommand(t *testing.T) {
	node := startNode(t)

	out, err := runCLI(t, "--server", node.Addr(), "login", "--login", "alice", "--password", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(out))

	_, err = runCLI(t, "--server", node.Addr(), "login", "--login", "alice", "--password", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "login failed")
}

func TestPublishCommand_RequiresToken(t *testing.T) {
	t.Setenv("MESHGATE_TOKEN", "")
	node := startNode(t)

	_, err := runCLI(t, "--server", node.Addr(), "publish", "--topic", "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authenticated")
}

func TestPublishCommand(t *testing.T) {
	node := startNode(t)
	token := loginToken(t, node.Addr())

	out, err := runCLI(t, "--server", node.Addr(), "--token", token,
		"publish", "--topic", "orders", "--target", "svc-1", "--payload", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Published to orders/svc-1\n", out)

	_, err = runCLI(t, "--server", node.Addr(), "--token", "bogus", "publish", "--topic", "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}

func TestSubscribeCommand(t *testing.T) {
	node := startNode(t)
	token := loginToken(t, node.Addr())

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var out bytes.Buffer
		root := newRootCommand()
		root.SetOut(&out)
		root.SetErr(&out)
		root.SetArgs([]string{"--server", node.Addr(), "--token", token,
			"subscribe", "--topic", "orders", "--limit", "1"})
		err := root.ExecuteContext(context.Background())
		done <- result{out: out.String(), err: err}
	}()

	pub, err := transport.Dial(node.Addr(), transport.WithToken(token))
	require.NoError(t, err)
	defer pub.Close()

	// Publish until the subscription is in place and the subscriber exits.
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Contains(t, res.out, "subscribed to [orders]")
			assert.Contains(t, res.out, "[orders]")
			assert.Contains(t, res.out, "hello")
			return
		case <-ticker.C:
			cmd, err := command.New("orders", command.Event{Body: []byte("hello")})
			require.NoError(t, err)
			resp, err := pub.Action(context.Background(), cmd)
			require.NoError(t, err)
			require.True(t, resp.IsOk(), "Expected Ok, got %v", resp.Result)
		case <-deadline:
			t.Fatal("Timeout waiting for subscriber to receive a command")
		}
	}
}

func TestFetchCommand_NoDataService(t *testing.T) {
	node := startNode(t)
	token := loginToken(t, node.Addr())

	_, err := runCLI(t, "--server", node.Addr(), "--token", token, "fetch", "--type", "Order")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown fetch exception")
}

func TestHealthCommand(t *testing.T) {
	node := startNode(t)

	out, err := runCLI(t, "--server", node.Addr(), "health")
	require.NoError(t, err)
	assert.Contains(t, out, "SERVING")
}

func TestServeCommand_InvalidFlags(t *testing.T) {
	_, err := runCLI(t, "serve", "--auth-mode", "bogus")
	assert.ErrorIs(t, err, config.ErrInvalidAuthMode)

	_, err = runCLI(t, "serve", "--log-format", "xml")
	assert.Error(t, err)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Broker.ID = "serve-test"
	cfg.Transport.ListenAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- runServe(ctx, cfg, slog.New(slog.DiscardHandler))
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Timeout waiting for serve to stop")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "info", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("shown", "k", "v")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"app":"meshgate"`)

	_, err = newLogger(config.LogConfig{Level: "loud", Format: "text"}, &buf)
	assert.Error(t, err)
}
