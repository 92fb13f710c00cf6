package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rmacdonaldsmith/meshgate/internal/tokencache"
	"github.com/rmacdonaldsmith/meshgate/pkg/command"
	"github.com/rmacdonaldsmith/meshgate/pkg/routingtable"
)

// DefaultRotateBefore is how close to expiry a token gets rotated
const DefaultRotateBefore = time.Hour

var (
	// ErrInvalidCredentials is returned for an unknown login or wrong password
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRevoked is returned for a token issued before its login was revoked
	ErrRevoked = errors.New("token revoked")
	// ErrEmptySecret is returned when the authority has no signing secret
	ErrEmptySecret = errors.New("token secret cannot be empty")
)

// Config configures an Authority.
type Config struct {
	// Secret signs issued tokens
	Secret string
	// TokenTTL is the lifetime of an issued token
	TokenTTL time.Duration
	// RotateBefore rotates tokens presented within this window of expiry
	RotateBefore time.Duration
	// Users maps login names to bcrypt password hashes
	Users map[string]string

	Logger *slog.Logger
}

// Authority issues and checks connection tokens.
type Authority struct {
	jwt          *JWTAuth
	rotateBefore time.Duration
	logger       *slog.Logger

	mu          sync.RWMutex
	users       map[string][]byte
	generations map[string]int
}

// NewAuthority creates an authority with the configured users.
func NewAuthority(cfg Config) (*Authority, error) {
	if cfg.Secret == "" {
		return nil, ErrEmptySecret
	}
	if cfg.RotateBefore <= 0 {
		cfg.RotateBefore = DefaultRotateBefore
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	a := &Authority{
		jwt:          NewJWTAuth(cfg.Secret, cfg.TokenTTL),
		rotateBefore: cfg.RotateBefore,
		logger:       cfg.Logger.With("component", "authority"),
		users:        make(map[string][]byte),
		generations:  make(map[string]int),
	}
	for login, hash := range cfg.Users {
		if err := a.AddUser(login, hash); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// HashPassword returns the bcrypt hash of password at cost.
func HashPassword(password string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// AddUser registers login with a bcrypt hash.
func (a *Authority) AddUser(login, hash string) error {
	if login == "" {
		return errors.New("login cannot be empty")
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("user %s: invalid bcrypt hash: %w", login, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.users[login] = []byte(hash)
	return nil
}

// Revoke invalidates every token issued to login so far.
func (a *Authority) Revoke(login string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.generations[login]++
}

func (a *Authority) generation(login string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.generations[login]
}

// Authenticate checks a presented principal. A token is validated and
// rotated when close to expiry; otherwise the login and password are
// checked and a fresh token is issued.
func (a *Authority) Authenticate(p *command.Principal) (*command.Principal, error) {
	if p == nil {
		return nil, ErrInvalidCredentials
	}
	if p.AuthenticationToken != "" {
		return a.refresh(p.AuthenticationToken)
	}
	return a.login(p.LoginName, p.Password)
}

func (a *Authority) login(login, password string) (*command.Principal, error) {
	if login == "" {
		return nil, ErrInvalidCredentials
	}

	a.mu.RLock()
	hash, ok := a.users[login]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return a.issue(login)
}

func (a *Authority) refresh(token string) (*command.Principal, error) {
	claims, err := a.jwt.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.Generation != a.generation(claims.Login) {
		return nil, ErrRevoked
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Sub(a.jwt.now()) < a.rotateBefore {
		a.logger.Info("rotating token near expiry", "login", claims.Login)
		return a.issue(claims.Login)
	}
	return &command.Principal{AuthenticationToken: token, LoginName: claims.Login}, nil
}

func (a *Authority) issue(login string) (*command.Principal, error) {
	token, _, err := a.jwt.GenerateToken(login, a.generation(login))
	if err != nil {
		return nil, err
	}
	return &command.Principal{AuthenticationToken: token, LoginName: login}, nil
}

// Handle answers one Connect command with a reply carrying the confirmed
// principal, or an error model when authentication fails.
func (a *Authority) Handle(req *command.Command, senderID string) (*command.Command, error) {
	var presented command.Principal
	if err := req.DecodeFirst(&presented); err != nil {
		return command.NewReply(req, senderID, command.ErrorModel{Message: err.Error(), Code: 400})
	}

	confirmed, err := a.Authenticate(&presented)
	if err != nil {
		a.logger.Info("authentication failed", "login", presented.LoginName,
			"token", tokencache.Redact(presented.AuthenticationToken), "error", err)
		return command.NewReply(req, senderID, command.ErrorModel{Message: err.Error(), Code: 401})
	}
	return command.NewReply(req, senderID, *confirmed)
}

// Service is an Authority attached to a router as the auth-service stream.
type Service struct {
	authority *Authority
	router    routingtable.Router
	stream    *routingtable.QueueStream
	logger    *slog.Logger
}

// Attach registers the authority on router under streamID and subscribes
// it to Connect. Call Run to start answering.
func (a *Authority) Attach(router routingtable.Router, streamID string, queueSize int) (*Service, error) {
	stream := routingtable.NewQueueStream(streamID, queueSize)
	if err := router.RegisterStream(stream, streamID); err != nil {
		return nil, fmt.Errorf("failed to register auth stream: %w", err)
	}
	if err := router.SubscribeToTopic(streamID, command.TopicConnect); err != nil {
		router.UnregisterStream(streamID)
		return nil, fmt.Errorf("failed to subscribe auth stream: %w", err)
	}

	return &Service{
		authority: a,
		router:    router,
		stream:    stream,
		logger:    a.logger.With("stream", streamID),
	}, nil
}

// Run answers Connect commands until ctx is cancelled, then detaches
// from the router.
func (s *Service) Run(ctx context.Context) error {
	defer func() {
		s.router.UnregisterStream(s.stream.ID())
		s.stream.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-s.stream.Queue():
			if !ok {
				return nil
			}
			if req.Type == command.Reply {
				continue
			}
			reply, err := s.authority.Handle(req, s.stream.ID())
			if err != nil {
				s.logger.Error("failed to build auth reply", "error", err)
				continue
			}
			s.router.ForwardByTopic(reply, reply.EffectiveTopic())
		}
	}
}
