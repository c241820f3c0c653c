package session_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/splax/agent/internal/credential"
	"github.com/splax/agent/internal/deviceflow"
	httpx "github.com/splax/agent/internal/http"
	"github.com/splax/agent/internal/repository/sqlite"
	"github.com/splax/agent/internal/service/auth"
	"github.com/splax/agent/internal/session"
	"github.com/splax/agent/internal/ws"
	"github.com/splax/agent/pkg/api/client"
	"github.com/splax/agent/pkg/config"
)

// sharedClock drives both the server and the poller.
type sharedClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  int
	onSleep func(n int)
}

func (c *sharedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *sharedClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps++
	n, hook := c.sleeps, c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

type recordingProvider struct {
	deviceflow.Provider
	mu            sync.Mutex
	kinds         []client.PollKind
	stretchExpiry int
}

func (p *recordingProvider) RequestDeviceCode(ctx context.Context, clientID, scope string) (client.DeviceAuthorization, error) {
	auth, err := p.Provider.RequestDeviceCode(ctx, clientID, scope)
	auth.ExpiresIn += p.stretchExpiry
	return auth, err
}

func (p *recordingProvider) PollToken(ctx context.Context, deviceCode, clientID string) (client.PollResult, error) {
	res, err := p.Provider.PollToken(ctx, deviceCode, clientID)
	if err == nil {
		p.mu.Lock()
		p.kinds = append(p.kinds, res.Kind)
		p.mu.Unlock()
	}
	return res, err
}

type harness struct {
	api   *client.Client
	clock *sharedClock
	creds *credential.Store
}

func newHarness(t *testing.T, ttl time.Duration) *harness {
	t.Helper()
	store, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, store.ApplyMigrations())

	clock := &sharedClock{now: time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	cfg := config.APIConfig{
		JWTSecret:              "e2e-secret",
		AllowedClientIDs:       []string{"agent-cli"},
		DeviceCodeTTL:          ttl,
		DeviceCodePollInterval: 5 * time.Second,
		DeviceVerificationURL:  "http://agent.test/device",
	}
	svc := auth.New(store, store, logger, cfg).WithClock(clock.Now).WithNotifier(hub)
	router := httpx.NewRouter(logger, svc, hub, nil, store.Ping)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		hub.Stop()
		_ = store.Close()
	})

	api, err := client.New(srv.URL)
	require.NoError(t, err)
	return &harness{
		api:   api,
		clock: clock,
		creds: credential.NewStore(filepath.Join(t.TempDir(), "agent", "token.json")),
	}
}

func (h *harness) poller(t *testing.T, provider deviceflow.Provider, onPrompt func(deviceflow.Prompt)) *deviceflow.Poller {
	t.Helper()
	p, err := deviceflow.New(provider, deviceflow.Options{
		ClientID: "agent-cli",
		Scope:    config.DefaultScope,
		Clock:    h.clock,
		OnPrompt: onPrompt,
	})
	require.NoError(t, err)
	return p
}

func (h *harness) webToken(t *testing.T, email string) string {
	t.Helper()
	resp, err := h.api.Signup(context.Background(), email, "Ada Lovelace", "correct-horse")
	require.NoError(t, err)
	return resp.Tokens.AccessToken
}

func TestLoginApprovedThenWhoami(t *testing.T) {
	h := newHarness(t, 30*time.Minute)
	ctx := context.Background()
	webToken := h.webToken(t, "ada@example.com")

	var userCode string
	provider := &recordingProvider{Provider: h.api}
	h.clock.onSleep = func(n int) {
		// Approve between the first (pending) poll and the second.
		if n == 2 {
			info, err := h.api.ApproveDevice(ctx, webToken, userCode)
			require.NoError(t, err)
			require.Equal(t, "approved", info.Status)
		}
	}
	poller := h.poller(t, provider, func(p deviceflow.Prompt) { userCode = p.UserCode })

	res, err := poller.Login(ctx)
	require.NoError(t, err)
	require.Equal(t, deviceflow.StateGranted, poller.State())
	require.Equal(t, []client.PollKind{client.PollPending, client.PollGranted}, provider.kinds)
	require.NoError(t, h.creds.Save(res.Credential))

	consumer := session.NewConsumer(h.creds, session.WithClock(h.clock.Now))
	user, err := consumer.Whoami(ctx, h.api)
	require.NoError(t, err)
	require.Equal(t, "ada@example.com", user.Email)
	require.Equal(t, "Ada Lovelace", user.Name)
}

func TestLoginExpiresWithoutApproval(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	ctx := context.Background()
	provider := &recordingProvider{Provider: h.api}
	poller := h.poller(t, provider, nil)

	res, err := poller.Login(ctx)
	require.Nil(t, res)
	require.ErrorIs(t, err, deviceflow.ErrExpired)
	require.Equal(t, deviceflow.StateExpired, poller.State())
	require.NotEmpty(t, provider.kinds)
	for _, kind := range provider.kinds {
		require.Equal(t, client.PollPending, kind)
	}

	cred, err := h.creds.Load()
	require.NoError(t, err)
	require.Nil(t, cred)

	_, err = session.NewConsumer(h.creds, session.WithClock(h.clock.Now)).Whoami(ctx, h.api)
	require.ErrorIs(t, err, session.ErrUnauthenticated)
}

func TestLoginServerReportsExpiredToken(t *testing.T) {
	h := newHarness(t, 30*time.Second)
	// The client believes it has longer than the server does.
	provider := &recordingProvider{Provider: h.api, stretchExpiry: 60}
	poller := h.poller(t, provider, nil)

	_, err := poller.Login(context.Background())
	require.ErrorIs(t, err, deviceflow.ErrExpired)
	require.Equal(t, client.PollExpired, provider.kinds[len(provider.kinds)-1])

	cred, err := h.creds.Load()
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestLoginDeniedWritesNothing(t *testing.T) {
	h := newHarness(t, 30*time.Minute)
	ctx := context.Background()
	webToken := h.webToken(t, "grace@example.com")

	var userCode string
	h.clock.onSleep = func(n int) {
		if n == 1 {
			_, err := h.api.DenyDevice(ctx, webToken, userCode)
			require.NoError(t, err)
		}
	}
	poller := h.poller(t, h.api, func(p deviceflow.Prompt) { userCode = p.UserCode })

	_, err := poller.Login(ctx)
	require.ErrorIs(t, err, deviceflow.ErrAccessDenied)
	require.Equal(t, deviceflow.StateDenied, poller.State())

	_, err = session.NewConsumer(h.creds).Require()
	require.ErrorIs(t, err, session.ErrUnauthenticated)
}

func TestConcurrentApproveHasOneWinner(t *testing.T) {
	h := newHarness(t, 30*time.Minute)
	ctx := context.Background()
	webToken := h.webToken(t, "linus@example.com")

	device, err := h.api.RequestDeviceCode(ctx, "agent-cli", config.DefaultScope)
	require.NoError(t, err)

	const callers = 2
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.api.ApproveDevice(ctx, webToken, device.UserCode)
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case client.IsCode(err, "already_decided"):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
}
