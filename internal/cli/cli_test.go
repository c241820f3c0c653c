package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"github.com/splax/agent/internal/credential"
	httpx "github.com/splax/agent/internal/http"
	"github.com/splax/agent/internal/repository/sqlite"
	"github.com/splax/agent/internal/service/auth"
	"github.com/splax/agent/internal/ws"
	"github.com/splax/agent/pkg/api/client"
	"github.com/splax/agent/pkg/config"
)

type stepClock struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func()
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	hook := c.onSleep
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

type fixture struct {
	app     *App
	out     *bytes.Buffer
	api     *client.Client
	clock   *stepClock
	opened  []string
	answers map[string]bool
	url     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	color.NoColor = true
	for _, key := range []string{"AGENT_SERVER_URL", "AGENT_CLIENT_ID", "AGENT_SCOPE"} {
		t.Setenv(key, "")
	}
	store, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	require.NoError(t, store.ApplyMigrations())

	clock := &stepClock{now: time.Now().UTC().Truncate(time.Second)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := ws.NewHub()
	svc := auth.New(store, store, logger, config.APIConfig{
		JWTSecret:             "cli-secret",
		DeviceVerificationURL: "http://agent.test/device",
	}).WithClock(clock.Now).WithNotifier(hub)
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

	f := &fixture{out: &bytes.Buffer{}, api: api, clock: clock, answers: map[string]bool{}, url: srv.URL}
	dir := t.TempDir()
	f.app = &App{
		Version:        "1.2.3",
		Commit:         "abc123",
		Out:            f.out,
		Err:            io.Discard,
		Clock:          clock,
		CredentialPath: filepath.Join(dir, "token.json"),
		configPath:     filepath.Join(dir, "config.yaml"),
		Confirm: func(message string, def bool) (bool, error) {
			for prefix, answer := range f.answers {
				if strings.HasPrefix(message, prefix) {
					return answer, nil
				}
			}
			return def, nil
		},
		OpenURL: func(u string) error {
			f.opened = append(f.opened, u)
			return nil
		},
	}
	return f
}

func (f *fixture) run(t *testing.T, args ...string) error {
	t.Helper()
	root := NewRootCommand(f.app)
	root.SetArgs(append(args, "--config", f.app.configPath))
	return root.ExecuteContext(context.Background())
}

func (f *fixture) approveOnFirstSleep(t *testing.T, email string) {
	t.Helper()
	signup, err := f.api.Signup(context.Background(), email, "Ada Lovelace", "correct-horse")
	require.NoError(t, err)
	var once sync.Once
	f.clock.onSleep = func() {
		once.Do(func() {
			code := extractUserCode(f.out.String())
			_, err := f.api.ApproveDevice(context.Background(), signup.Tokens.AccessToken, code)
			require.NoError(t, err)
		})
	}
}

func extractUserCode(output string) string {
	const marker = "enter the code: "
	idx := strings.Index(output, marker)
	if idx < 0 {
		return ""
	}
	rest := output[idx+len(marker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return strings.TrimSpace(rest)
}

func TestLoginRequiresClientID(t *testing.T) {
	f := newFixture(t)
	err := f.run(t, "login", "--server-url", f.url)
	require.ErrorIs(t, err, config.ErrConfiguration)
}

func TestLoginWhoamiLogout(t *testing.T) {
	f := newFixture(t)
	f.approveOnFirstSleep(t, "ada@example.com")

	require.NoError(t, f.run(t, "login", "--server-url", f.url, "--client-id", "agent-cli"))
	out := f.out.String()
	require.Contains(t, out, "http://agent.test/device")
	require.Contains(t, out, "Login successful.")
	require.Contains(t, out, "Welcome, ")
	require.Len(t, f.opened, 1)
	require.True(t, strings.HasPrefix(f.opened[0], "http://agent.test/device?user_code="))

	cred, err := credential.NewStore(f.app.CredentialPath).Load()
	require.NoError(t, err)
	require.NotNil(t, cred)
	require.NotEmpty(t, cred.AccessToken)

	f.out.Reset()
	require.NoError(t, f.run(t, "whoami", "--server-url", f.url))
	require.Contains(t, f.out.String(), "ada@example.com")

	f.out.Reset()
	require.NoError(t, f.run(t, "logout", "--yes"))
	require.Contains(t, f.out.String(), "Logged out.")

	f.out.Reset()
	require.NoError(t, f.run(t, "logout"))
	require.Contains(t, f.out.String(), "Not logged in.")

	err = f.run(t, "whoami", "--server-url", f.url)
	require.Error(t, err)
}

func TestLoginKeepsExistingSessionWhenDeclined(t *testing.T) {
	f := newFixture(t)
	existing := credential.New("existing", "", "Bearer", 3600, f.clock.Now())
	require.NoError(t, credential.NewStore(f.app.CredentialPath).Save(existing))
	f.answers["You are already logged in"] = false

	require.NoError(t, f.run(t, "login", "--server-url", f.url, "--client-id", "agent-cli"))
	require.Contains(t, f.out.String(), "Keeping the existing session.")

	cred, err := credential.NewStore(f.app.CredentialPath).Load()
	require.NoError(t, err)
	require.Equal(t, "existing", cred.AccessToken)
}

func TestLoginNoBrowserSkipsOpen(t *testing.T) {
	f := newFixture(t)
	f.approveOnFirstSleep(t, "grace@example.com")

	require.NoError(t, f.run(t, "login", "--server-url", f.url, "--client-id", "agent-cli", "--no-browser"))
	require.Empty(t, f.opened)
}

func TestLogoutDeclined(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, credential.NewStore(f.app.CredentialPath).Save(credential.New("at", "", "", 0, f.clock.Now())))
	f.answers["Log out"] = false

	require.NoError(t, f.run(t, "logout"))
	require.Contains(t, f.out.String(), "Logout cancelled.")
	cred, err := credential.NewStore(f.app.CredentialPath).Load()
	require.NoError(t, err)
	require.NotNil(t, cred)
}

func TestVersion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.run(t, "version"))
	require.Contains(t, f.out.String(), "agent 1.2.3 (abc123")
}
