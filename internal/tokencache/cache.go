package tokencache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rmacdonaldsmith/meshgate/internal/metrics"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
)

const (
	// DefaultSweepInterval is how often cached tokens are revalidated
	DefaultSweepInterval = 60 * time.Second
	// DefaultValidationTimeout bounds a single validation round trip
	DefaultValidationTimeout = 30 * time.Second
)

// ErrInvalidToken is returned when the auth collaborator rejects a token
var ErrInvalidToken = errors.New("invalid token")

// Validator checks a principal against the auth collaborator and returns
// the confirmed principal, possibly under a rotated token.
type Validator interface {
	Validate(ctx context.Context, principal *command.Principal) (*command.Principal, error)
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(ctx context.Context, principal *command.Principal) (*command.Principal, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, principal *command.Principal) (*command.Principal, error) {
	return f(ctx, principal)
}

// Cache maps tokens to validated principals. It is safe for concurrent use.
type Cache struct {
	validator Validator
	entries   sync.Map // token -> *command.Principal
	inflight  singleflight.Group

	sweepInterval     time.Duration
	validationTimeout time.Duration
	sweeping          atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	sweeps sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithSweepInterval sets the revalidation interval.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithValidationTimeout bounds each validation round trip.
func WithValidationTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.validationTimeout = d
		}
	}
}

// WithLogger sets the cache's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records hits, misses, rotations and evictions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a cache that validates tokens with validator.
// Call Start to begin the periodic sweep.
func New(validator Validator, opts ...Option) *Cache {
	c := &Cache{
		validator:         validator,
		sweepInterval:     DefaultSweepInterval,
		validationTimeout: DefaultValidationTimeout,
		logger:            slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsValid returns the principal for token, validating it on a cache miss.
// An empty token is rejected without contacting the collaborator.
func (c *Cache) IsValid(ctx context.Context, token string) (*command.Principal, bool) {
	if token == "" {
		return nil, false
	}

	if principal, ok := c.Lookup(token); ok {
		c.metrics.TokenHit()
		return principal, true
	}
	c.metrics.TokenMiss()

	result, err, _ := c.inflight.Do(token, func() (any, error) {
		// Another flight may have cached the token since our lookup
		if principal, ok := c.Lookup(token); ok {
			return principal, nil
		}

		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.validationTimeout)
		defer cancel()
		return c.validate(vctx, &command.Principal{AuthenticationToken: token})
	})
	if err != nil {
		c.logger.Debug("token validation failed", "token", Redact(token), "error", err)
		return nil, false
	}

	return result.(*command.Principal), true
}

// Lookup returns a cached principal without contacting the collaborator.
func (c *Cache) Lookup(token string) (*command.Principal, bool) {
	v, ok := c.entries.Load(token)
	if !ok {
		return nil, false
	}
	return v.(*command.Principal), true
}

// Remember caches a principal the caller has already validated, such as
// the result of a login handshake.
func (c *Cache) Remember(principal *command.Principal) {
	if principal == nil || principal.AuthenticationToken == "" {
		return
	}
	c.entries.Store(principal.AuthenticationToken, sanitize(principal))
	c.metrics.SetTokenCacheSize(c.Len())
}

// Forget removes token from the cache.
func (c *Cache) Forget(token string) {
	c.entries.Delete(token)
	c.metrics.SetTokenCacheSize(c.Len())
}

// Len returns the number of cached tokens.
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// validate runs one round trip for principal and updates the cache with
// the result. Rotated tokens replace the submitted one.
func (c *Cache) validate(ctx context.Context, principal *command.Principal) (*command.Principal, error) {
	confirmed, err := c.validator.Validate(ctx, principal)
	if err != nil {
		c.metrics.TokenValidation("rejected")
		return nil, err
	}
	if confirmed == nil || confirmed.AuthenticationToken == "" {
		c.metrics.TokenValidation("rejected")
		return nil, fmt.Errorf("%w: no token in reply", ErrInvalidToken)
	}
	c.metrics.TokenValidation("accepted")

	submitted := principal.AuthenticationToken
	if confirmed.AuthenticationToken != submitted {
		c.entries.Delete(submitted)
		c.metrics.TokenRotation()
		c.logger.Info("token rotated",
			"login", confirmed.LoginName,
			"old", Redact(submitted),
			"new", Redact(confirmed.AuthenticationToken))
	}

	cached := sanitize(confirmed)
	c.entries.Store(cached.AuthenticationToken, cached)
	c.metrics.SetTokenCacheSize(c.Len())
	return cached, nil
}

// Sweep revalidates every cached token and evicts the rejected ones.
// It returns immediately if another sweep is in progress.
func (c *Cache) Sweep(ctx context.Context) {
	if !c.sweeping.CompareAndSwap(false, true) {
		c.logger.Debug("token sweep already running, skipping")
		return
	}
	defer c.sweeping.Store(false)

	type entry struct {
		token     string
		principal *command.Principal
	}
	var snapshot []entry
	c.entries.Range(func(k, v any) bool {
		snapshot = append(snapshot, entry{token: k.(string), principal: v.(*command.Principal)})
		return true
	})

	evicted := 0
	for _, e := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if !c.revalidate(ctx, e.token, e.principal) {
			evicted++
		}
	}

	c.logger.Debug("token sweep complete", "checked", len(snapshot), "evicted", evicted)
}

// revalidate checks one token, evicting it on failure. A panic in the
// validator only affects this token.
func (c *Cache) revalidate(ctx context.Context, token string, cached *command.Principal) (valid bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("token revalidation panicked", "token", Redact(token), "panic", r)
			c.evict(token)
			valid = false
		}
	}()

	vctx, cancel := context.WithTimeout(ctx, c.validationTimeout)
	defer cancel()

	stub := &command.Principal{AuthenticationToken: token, LoginName: cached.LoginName}
	if _, err := c.validate(vctx, stub); err != nil {
		// A stopped sweep says nothing about the token
		if ctx.Err() != nil {
			c.logger.Debug("token revalidation interrupted", "token", Redact(token), "error", err)
			return true
		}
		c.logger.Info("evicting token that failed revalidation",
			"login", cached.LoginName, "token", Redact(token), "error", err)
		c.evict(token)
		return false
	}
	return true
}

func (c *Cache) evict(token string) {
	c.entries.Delete(token)
	c.metrics.TokenEviction()
	c.metrics.SetTokenCacheSize(c.Len())
}

// Start runs the periodic sweep until ctx is cancelled or Stop is called.
// Calling Start on a running cache has no effect.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
}

func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.sweeping.Load() {
				c.logger.Debug("previous token sweep still running, skipping tick")
				continue
			}
			c.sweeps.Add(1)
			go func() {
				defer c.sweeps.Done()
				c.Sweep(ctx)
			}()
		}
	}
}

// Stop halts the periodic sweep and waits for an in-flight sweep to return.
// Safe to call multiple times.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.sweeps.Wait()
}

// sanitize drops credentials that must not outlive the login handshake.
func sanitize(p *command.Principal) *command.Principal {
	return &command.Principal{
		AuthenticationToken: p.AuthenticationToken,
		LoginName:           p.LoginName,
	}
}

// Redact shortens a token for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:6] + "..."
}
