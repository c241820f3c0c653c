package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/splax/agent/internal/domain"
	"github.com/splax/agent/internal/repository"
	"github.com/splax/agent/pkg/config"
	"github.com/splax/agent/pkg/crypto"
	jwtpkg "github.com/splax/agent/pkg/jwt"
)

var (
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrEmailTaken         = errors.New("auth: email already registered")
	ErrInvalidInput       = errors.New("auth: invalid input")
)

// Notifier receives serialized device events keyed by user id.
type Notifier interface {
	Broadcast(userID string, payload []byte)
}

// Service handles authentication workflows.
type Service struct {
	users       repository.UserRepository
	deviceCodes repository.DeviceCodeRepository
	logger      *slog.Logger
	cfg         config.APIConfig
	now         func() time.Time
	notifier    Notifier
}

// New constructs a Service.
func New(users repository.UserRepository, devices repository.DeviceCodeRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{users: users, deviceCodes: devices, logger: logger, cfg: cfg, now: time.Now}
}

// WithClock returns a copy that reads time from now.
func (s Service) WithClock(now func() time.Time) Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WithNotifier returns a copy that publishes device decisions to n.
func (s Service) WithNotifier(n Notifier) Service {
	s.notifier = n
	return s
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
}

// Signup registers a new user.
func (s Service) Signup(ctx context.Context, email, name, password string) (*domain.User, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, TokenPair{}, fmt.Errorf("%w: email", ErrInvalidInput)
	}
	if len(password) < 8 {
		return nil, TokenPair{}, fmt.Errorf("%w: password must be at least 8 characters", ErrInvalidInput)
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
		CreatedAt:    s.clock(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			return nil, TokenPair{}, ErrEmailTaken
		}
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(jwtpkg.Grant{UserID: user.ID})
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates a user and returns tokens.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, TokenPair, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, fmt.Errorf("compare password: %w", err)
	}
	tokens, err := s.issueTokens(jwtpkg.Grant{UserID: user.ID})
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer access token and returns the associated user and claims.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, ErrUnauthenticated
	}
	claims, err := jwtpkg.ParseAccess(trimmed, s.cfg.JWTSecret, s.clock())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrUnauthenticated
		}
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

func (s Service) issueTokens(grant jwtpkg.Grant) (TokenPair, error) {
	accessTTL := s.cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	refreshTTL := s.cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = 30 * 24 * time.Hour
	}
	now := s.clock()
	grant.Use = jwtpkg.UseAccess
	access, err := jwtpkg.GenerateToken(grant, s.cfg.JWTSecret, now, accessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	grant.Use = jwtpkg.UseRefresh
	refresh, err := jwtpkg.GenerateToken(grant, s.cfg.JWTSecret, now, refreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Scope:        grant.Scope,
		ExpiresIn:    accessTTL,
	}, nil
}
