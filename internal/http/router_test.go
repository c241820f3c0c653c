package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/splax/agent/internal/repository/sqlite"
	"github.com/splax/agent/internal/service/auth"
	"github.com/splax/agent/internal/ws"
	"github.com/splax/agent/pkg/config"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	*httptest.Server
	router *Router
	hub    *ws.Hub
	clock  *testClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.Open("file:" + filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.ApplyMigrations(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := &testClock{now: time.Date(2025, time.February, 3, 10, 0, 0, 0, time.UTC)}
	hub := ws.NewHub()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.APIConfig{
		JWTSecret:              "test-secret",
		DeviceCodeTTL:          10 * time.Minute,
		DeviceCodePollInterval: 5 * time.Second,
		DeviceVerificationURL:  "http://agent.test/device",
	}
	svc := auth.New(store, store, logger, cfg).WithClock(clock.Now).WithNotifier(hub)
	router := NewRouter(logger, svc, hub, nil, store.Ping)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		hub.Stop()
		_ = store.Close()
	})
	return &testServer{Server: srv, router: router, hub: hub, clock: clock}
}

func (s *testServer) postForm(t *testing.T, path string, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(s.URL+path, form)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (s *testServer) doJSON(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode body %q: %v", data, err)
		}
	}
	return out
}

func (s *testServer) signup(t *testing.T, email string) string {
	t.Helper()
	resp, body := s.doJSON(t, http.MethodPost, "/auth/signup", "", map[string]string{
		"email": email, "name": "Ada Lovelace", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup status %d: %v", resp.StatusCode, body)
	}
	tokens := body["tokens"].(map[string]any)
	return tokens["access_token"].(string)
}

func (s *testServer) startDevice(t *testing.T) map[string]any {
	t.Helper()
	resp, body := s.postForm(t, "/device/code", url.Values{"client_id": {"agent-cli"}, "scope": {"openid profile email"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("device code status %d: %v", resp.StatusCode, body)
	}
	return body
}

func (s *testServer) poll(t *testing.T, deviceCode string) (*http.Response, map[string]any) {
	t.Helper()
	return s.postForm(t, "/device/token", url.Values{
		"grant_type":  {deviceCodeGrantType},
		"device_code": {deviceCode},
		"client_id":   {"agent-cli"},
	})
}

func TestDeviceCodeReturnsAuthorizationResponse(t *testing.T) {
	srv := newTestServer(t)
	body := srv.startDevice(t)

	if body["device_code"] == "" || body["user_code"] == "" {
		t.Fatalf("missing codes: %v", body)
	}
	if body["verification_uri"] != "http://agent.test/device" {
		t.Fatalf("unexpected verification_uri: %v", body["verification_uri"])
	}
	complete, _ := body["verification_uri_complete"].(string)
	if !strings.HasPrefix(complete, "http://agent.test/device?user_code=") {
		t.Fatalf("unexpected verification_uri_complete: %v", complete)
	}
	if body["expires_in"].(float64) != 600 || body["interval"].(float64) != 5 {
		t.Fatalf("unexpected timing: %v", body)
	}
}

func TestDeviceCodeAcceptsJSONAndRequiresClient(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.doJSON(t, http.MethodPost, "/device/code", "", map[string]string{"client_id": "agent-cli"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("json device code status %d: %v", resp.StatusCode, body)
	}

	resp, body = srv.postForm(t, "/device/code", url.Values{})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_request" {
		t.Fatalf("expected invalid_request, got %d %v", resp.StatusCode, body)
	}
}

func TestDeviceTokenRejectsWrongGrantType(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.postForm(t, "/device/token", url.Values{
		"grant_type": {"password"}, "device_code": {"x"}, "client_id": {"agent-cli"},
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "unsupported_grant_type" {
		t.Fatalf("expected unsupported_grant_type, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.poll(t, "unknown-device-code")
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "invalid_grant" {
		t.Fatalf("expected invalid_grant, got %d %v", resp.StatusCode, body)
	}
}

func TestDeviceFlowPendingSlowDownApproveAndConsume(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signup(t, "ada@example.com")
	device := srv.startDevice(t)
	deviceCode := device["device_code"].(string)
	userCode := device["user_code"].(string)

	resp, body := srv.poll(t, deviceCode)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "authorization_pending" {
		t.Fatalf("expected authorization_pending, got %d %v", resp.StatusCode, body)
	}
	resp, body = srv.poll(t, deviceCode)
	if body["error"] != "slow_down" || body["interval"].(float64) != 10 {
		t.Fatalf("expected slow_down with interval 10, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.doJSON(t, http.MethodPost, "/device/approve", token, map[string]string{"user_code": userCode})
	if resp.StatusCode != http.StatusOK || body["status"] != "approved" {
		t.Fatalf("approve failed: %d %v", resp.StatusCode, body)
	}

	srv.clock.Advance(10 * time.Second)
	resp, body = srv.poll(t, deviceCode)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected tokens, got %d %v", resp.StatusCode, body)
	}
	if body["token_type"] != "Bearer" || body["access_token"] == "" || body["refresh_token"] == "" {
		t.Fatalf("unexpected token body: %v", body)
	}
	if body["expires_in"].(float64) != 3600 {
		t.Fatalf("unexpected expires_in: %v", body["expires_in"])
	}

	accessToken := body["access_token"].(string)

	resp, body = srv.poll(t, deviceCode)
	if body["error"] != "invalid_grant" {
		t.Fatalf("expected invalid_grant after consume, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.doJSON(t, http.MethodGet, "/auth/me", accessToken, nil)
	if resp.StatusCode != http.StatusOK || body["email"] != "ada@example.com" {
		t.Fatalf("device token should authenticate, got %d %v", resp.StatusCode, body)
	}
}

func TestDeviceDecisionErrors(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signup(t, "grace@example.com")
	device := srv.startDevice(t)
	userCode := device["user_code"].(string)

	resp, body := srv.doJSON(t, http.MethodPost, "/device/approve", "", map[string]string{"user_code": userCode})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %v", resp.StatusCode, body)
	}

	resp, body = srv.doJSON(t, http.MethodPost, "/device/deny", token, map[string]string{"user_code": userCode})
	if resp.StatusCode != http.StatusOK || body["status"] != "denied" {
		t.Fatalf("deny failed: %d %v", resp.StatusCode, body)
	}
	resp, body = srv.doJSON(t, http.MethodPost, "/device/approve", token, map[string]string{"user_code": userCode})
	if resp.StatusCode != http.StatusConflict || body["error"] != "already_decided" {
		t.Fatalf("expected 409 already_decided, got %d %v", resp.StatusCode, body)
	}
	resp, body = srv.doJSON(t, http.MethodPost, "/device/approve", token, map[string]string{"user_code": "ZZZZ-ZZZZ"})
	if resp.StatusCode != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("expected 404 not_found, got %d %v", resp.StatusCode, body)
	}

	expiring := srv.startDevice(t)
	srv.clock.Advance(11 * time.Minute)
	resp, body = srv.doJSON(t, http.MethodPost, "/device/approve", token, map[string]string{"user_code": expiring["user_code"].(string)})
	if resp.StatusCode != http.StatusGone || body["error"] != "expired_token" {
		t.Fatalf("expected 410 expired_token, got %d %v", resp.StatusCode, body)
	}
}

func TestDeviceLookupNormalizesUserCode(t *testing.T) {
	srv := newTestServer(t)
	device := srv.startDevice(t)
	userCode := device["user_code"].(string)
	loose := strings.ToLower(strings.ReplaceAll(userCode, "-", ""))

	resp, body := srv.doJSON(t, http.MethodGet, "/device?user_code="+url.QueryEscape(loose), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lookup failed: %d %v", resp.StatusCode, body)
	}
	if body["user_code"] != userCode || body["client_id"] != "agent-cli" || body["status"] != "pending" {
		t.Fatalf("unexpected lookup body: %v", body)
	}

	resp, _ = srv.doJSON(t, http.MethodGet, "/device", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_code, got %d", resp.StatusCode)
	}
}

func TestAuthMeReturnsProfile(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signup(t, "Ada@Example.com")

	resp, body := srv.doJSON(t, http.MethodGet, "/auth/me", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me failed: %d %v", resp.StatusCode, body)
	}
	if body["email"] != "ada@example.com" || body["name"] != "Ada Lovelace" {
		t.Fatalf("unexpected profile: %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}

	resp, _ = srv.doJSON(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestSignupIsRateLimited(t *testing.T) {
	srv := newTestServer(t)
	var last int
	for i := 0; i < rateLimitSignup+1; i++ {
		resp, _ := srv.doJSON(t, http.MethodPost, "/auth/signup", "", map[string]string{"email": "bad"})
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d signups, got %d", rateLimitSignup, last)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newTestServer(t)
	resp, body := srv.doJSON(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health: %d %v", resp.StatusCode, body)
	}
	srv.startDevice(t)

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	data, _ := io.ReadAll(metricsResp.Body)
	for _, want := range []string{
		`agent_device_authorizations_total{result="issued"} 1`,
		`agent_api_http_requests_total{method="POST",route="/device/code",status="200"} 1`,
		"agent_device_stream_subscribers 0",
	} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestDeviceEventsStreamReceivesDecision(t *testing.T) {
	srv := newTestServer(t)
	token := srv.signup(t, "linus@example.com")
	device := srv.startDevice(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/devices", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	approve, body := srv.doJSON(t, http.MethodPost, "/device/approve", token, map[string]string{"user_code": device["user_code"].(string)})
	if approve.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %d %v", approve.StatusCode, body)
	}

	lines := make(chan string, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	var sawEvent bool
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatalf("stream closed before data")
			}
			if line == "event: device" {
				sawEvent = true
				continue
			}
			if strings.HasPrefix(line, "data: ") {
				var event auth.DeviceEvent
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				if !sawEvent || event.Type != "device.approved" || event.Status != "approved" {
					t.Fatalf("unexpected event %+v", event)
				}
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event")
		}
	}
}
