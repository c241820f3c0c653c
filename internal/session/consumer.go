package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/splax/agent/internal/credential"
	"github.com/splax/agent/pkg/api/client"
)

var (
	ErrUnauthenticated = errors.New("session: not authenticated")
	ErrUserUnavailable = errors.New("session: user profile unavailable")
)

// Loader reads the persisted credential. *credential.Store satisfies it.
type Loader interface {
	Load() (*credential.Credential, error)
}

// UserFetcher resolves the user behind an access token. *client.Client satisfies it.
type UserFetcher interface {
	FetchUser(ctx context.Context, accessToken string) (*client.User, error)
}

// Consumer gates commands that need a logged-in user. It never refreshes tokens.
type Consumer struct {
	store Loader
	now   func() time.Time
	skew  time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSkew overrides credential.DefaultSkew.
func WithSkew(skew time.Duration) Option {
	return func(c *Consumer) { c.skew = skew }
}

func NewConsumer(store Loader, opts ...Option) *Consumer {
	c := &Consumer{store: store, now: time.Now, skew: credential.DefaultSkew}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Require returns the stored credential when it is present and not expired.
func (c *Consumer) Require() (*credential.Credential, error) {
	cred, err := c.store.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}
	if cred == nil {
		return nil, fmt.Errorf("%w: run `agent login` first", ErrUnauthenticated)
	}
	if credential.IsExpired(*cred, c.now(), c.skew) {
		return nil, fmt.Errorf("%w: session expired, run `agent login` again", ErrUnauthenticated)
	}
	return cred, nil
}

// Whoami resolves the user behind the stored credential.
func (c *Consumer) Whoami(ctx context.Context, fetcher UserFetcher) (*client.User, error) {
	cred, err := c.Require()
	if err != nil {
		return nil, err
	}
	user, err := fetcher.FetchUser(ctx, cred.AccessToken)
	if err != nil {
		if errors.Is(err, client.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: token rejected by server, run `agent login` again", ErrUnauthenticated)
		}
		return nil, fmt.Errorf("fetch user: %w", err)
	}
	if user == nil {
		return nil, ErrUserUnavailable
	}
	return user, nil
}
