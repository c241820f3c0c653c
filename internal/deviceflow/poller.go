package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/splax/agent/internal/credential"
	"github.com/splax/agent/pkg/api/client"
	"github.com/splax/agent/pkg/config"
)

const (
	DefaultInterval          = 5 * time.Second
	DefaultExpiry            = 10 * time.Minute
	DefaultSlowDownStep      = 5 * time.Second
	DefaultRequestAttempts   = 3
	DefaultRequestRetryDelay = time.Second

	// malformedLimit consecutive unrecognized replies end the login.
	malformedLimit = 2
)

var (
	ErrAccessDenied   = errors.New("deviceflow: access denied")
	ErrExpired        = errors.New("deviceflow: device code expired")
	ErrProvider       = errors.New("deviceflow: provider error")
	ErrAlreadyRunning = errors.New("deviceflow: login already in progress")
)

// Provider is the subset of the authorization server adapter the poller drives.
type Provider interface {
	RequestDeviceCode(ctx context.Context, clientID, scope string) (client.DeviceAuthorization, error)
	PollToken(ctx context.Context, deviceCode, clientID string) (client.PollResult, error)
}

// Prompt is what the user needs to complete the login in a browser.
type Prompt struct {
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	ExpiresAt               time.Time
	Interval                time.Duration
}

// Options is the immutable configuration of one Poller.
type Options struct {
	ClientID          string
	Scope             string
	DefaultInterval   time.Duration
	DefaultExpiry     time.Duration
	SlowDownStep      time.Duration
	RequestAttempts   int
	RequestRetryDelay time.Duration
	Clock             Clock
	Logger            *slog.Logger

	// OnPrompt is called once the device code is known, before the first sleep.
	OnPrompt func(Prompt)
	// OnStateChange observes every transition.
	OnStateChange func(from, to State)
}

func (o Options) withDefaults() Options {
	if o.DefaultInterval <= 0 {
		o.DefaultInterval = DefaultInterval
	}
	if o.DefaultExpiry <= 0 {
		o.DefaultExpiry = DefaultExpiry
	}
	if o.SlowDownStep <= 0 {
		o.SlowDownStep = DefaultSlowDownStep
	}
	if o.RequestAttempts <= 0 {
		o.RequestAttempts = DefaultRequestAttempts
	}
	if o.RequestRetryDelay < 0 {
		o.RequestRetryDelay = 0
	} else if o.RequestRetryDelay == 0 {
		o.RequestRetryDelay = DefaultRequestRetryDelay
	}
	if o.Clock == nil {
		o.Clock = SystemClock{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Result is a successful login.
type Result struct {
	Token      client.Token
	Credential credential.Credential
	Polls      int
}

// Poller runs the device authorization login. A Poller runs one login at a time.
type Poller struct {
	provider Provider
	opts     Options

	mu      sync.Mutex
	state   State
	running bool
}

// session is the per-login mutable state; it never outlives Login.
type session struct {
	deviceCode string
	clientID   string
	interval   time.Duration
	deadline   time.Time
	polls      int
	malformed  int
}

// New validates opts and returns an idle Poller.
func New(provider Provider, opts Options) (*Poller, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: nil provider", config.ErrConfiguration)
	}
	opts.ClientID = strings.TrimSpace(opts.ClientID)
	if opts.ClientID == "" {
		return nil, fmt.Errorf("%w: client id is required", config.ErrConfiguration)
	}
	return &Poller{provider: provider, opts: opts.withDefaults(), state: StateIdle}, nil
}

// State reports the current state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Login requests a device code and polls until the user decides, the code
// expires, a fatal provider reply arrives, or ctx is cancelled. On
// cancellation it returns ctx.Err() and nothing is produced.
func (p *Poller) Login(ctx context.Context) (*Result, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.transition(StateIdle)
	p.transition(StateRequesting)
	auth, err := p.request(ctx)
	if err != nil {
		return nil, p.fail(ctx, err)
	}

	now := p.opts.Clock.Now()
	sess := &session{
		deviceCode: auth.DeviceCode,
		clientID:   p.opts.ClientID,
		interval:   p.opts.DefaultInterval,
		deadline:   now.Add(p.opts.DefaultExpiry),
	}
	if auth.Interval > 0 {
		sess.interval = time.Duration(auth.Interval) * time.Second
	}
	if auth.ExpiresIn > 0 {
		sess.deadline = now.Add(time.Duration(auth.ExpiresIn) * time.Second)
	}
	p.transition(StateWaiting)
	if p.opts.OnPrompt != nil {
		p.opts.OnPrompt(Prompt{
			UserCode:                auth.UserCode,
			VerificationURI:         auth.VerificationURI,
			VerificationURIComplete: auth.VerificationURIComplete,
			ExpiresAt:               sess.deadline,
			Interval:                sess.interval,
		})
	}

	token, err := p.wait(ctx, sess)
	if err != nil {
		return nil, p.fail(ctx, err)
	}
	p.transition(StateGranted)
	issued := p.opts.Clock.Now()
	return &Result{
		Token:      *token,
		Credential: credential.New(token.AccessToken, token.RefreshToken, token.TokenType, token.ExpiresIn, issued),
		Polls:      sess.polls,
	}, nil
}

func (p *Poller) request(ctx context.Context) (client.DeviceAuthorization, error) {
	log := p.opts.Logger
	for attempt := 1; ; attempt++ {
		auth, err := p.provider.RequestDeviceCode(ctx, p.opts.ClientID, p.opts.Scope)
		if err == nil {
			log.Debug("device code issued", "user_code", auth.UserCode, "expires_in", auth.ExpiresIn, "interval", auth.Interval)
			return auth, nil
		}
		if ctx.Err() != nil {
			return client.DeviceAuthorization{}, ctx.Err()
		}
		var netErr *client.NetworkError
		if !errors.As(err, &netErr) {
			if errors.Is(err, client.ErrMissingClientID) {
				return client.DeviceAuthorization{}, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
			}
			return client.DeviceAuthorization{}, fmt.Errorf("%w: request device code: %v", ErrProvider, err)
		}
		if attempt >= p.opts.RequestAttempts {
			return client.DeviceAuthorization{}, fmt.Errorf("request device code after %d attempts: %w", attempt, err)
		}
		log.Warn("device code request failed, retrying", "attempt", attempt, "error", err)
		if err := p.opts.Clock.Sleep(ctx, p.opts.RequestRetryDelay); err != nil {
			return client.DeviceAuthorization{}, err
		}
	}
}

func (p *Poller) wait(ctx context.Context, sess *session) (*client.Token, error) {
	clock := p.opts.Clock
	log := p.opts.Logger
	for {
		now := clock.Now()
		if !now.Before(sess.deadline) {
			return nil, ErrExpired
		}
		pause := sess.interval
		if remaining := sess.deadline.Sub(now); remaining < pause {
			pause = remaining
		}
		if err := clock.Sleep(ctx, pause); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !clock.Now().Before(sess.deadline) {
			return nil, ErrExpired
		}

		sess.polls++
		result, err := p.provider.PollToken(ctx, sess.deviceCode, sess.clientID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			var netErr *client.NetworkError
			if errors.As(err, &netErr) {
				log.Warn("token poll failed, will retry", "attempt", sess.polls, "error", err)
				continue
			}
			return nil, fmt.Errorf("poll token: %w", err)
		}
		if !clock.Now().Before(sess.deadline) {
			return nil, ErrExpired
		}

		switch result.Kind {
		case client.PollGranted:
			return result.Token, nil
		case client.PollPending:
			sess.malformed = 0
			log.Debug("authorization pending", "attempt", sess.polls)
		case client.PollSlowDown:
			sess.malformed = 0
			sess.interval += p.opts.SlowDownStep
			log.Debug("slow down requested", "interval", sess.interval)
		case client.PollDenied:
			return nil, ErrAccessDenied
		case client.PollExpired:
			return nil, ErrExpired
		case client.PollRejected:
			return nil, fmt.Errorf("%w: %s", ErrProvider, describe(result))
		default:
			sess.malformed++
			if sess.malformed >= malformedLimit {
				return nil, fmt.Errorf("%w: repeated malformed replies: %s", ErrProvider, result.Description)
			}
			log.Warn("malformed token reply, retrying once", "reason", result.Description)
		}
	}
}

func (p *Poller) fail(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		p.transition(StateCancelled)
		return ctx.Err()
	case errors.Is(err, ErrAccessDenied):
		p.transition(StateDenied)
	case errors.Is(err, ErrExpired):
		p.transition(StateExpired)
	default:
		p.transition(StateFatal)
	}
	return err
}

func (p *Poller) transition(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	p.mu.Unlock()
	if from != to {
		p.opts.Logger.Debug("device flow transition", "from", from.String(), "to", to.String())
		if p.opts.OnStateChange != nil {
			p.opts.OnStateChange(from, to)
		}
	}
}

func describe(r client.PollResult) string {
	if r.Description != "" {
		return r.Code + ": " + r.Description
	}
	return r.Code
}
