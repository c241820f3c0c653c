package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/splax/agent/pkg/api/client"
)

func newClient(t *testing.T, handler http.HandlerFunc, opts ...client.Option) *client.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	cli, err := client.New(server.URL, opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func TestRequestDeviceCode_SendsFormAndDecodes(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device/code" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("client_id") != "agent-cli" || r.PostForm.Get("scope") != "openid profile email" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":               "dev_abc",
			"user_code":                 "ABCD-2345",
			"verification_uri":          "https://agent.example.com/device",
			"verification_uri_complete": "https://agent.example.com/device?user_code=ABCD-2345",
			"expires_in":                1800,
			"interval":                  5,
		})
	})

	auth, err := cli.RequestDeviceCode(context.Background(), "agent-cli", "openid profile email")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth.DeviceCode != "dev_abc" || auth.UserCode != "ABCD-2345" {
		t.Errorf("unexpected codes: %+v", auth)
	}
	if auth.ExpiresIn != 1800 || auth.Interval != 5 {
		t.Errorf("unexpected timing: %+v", auth)
	}
}

func TestRequestDeviceCode_RejectsEmptyClientWithoutIO(t *testing.T) {
	called := false
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })
	if _, err := cli.RequestDeviceCode(context.Background(), "  ", ""); !errors.Is(err, client.ErrMissingClientID) {
		t.Fatalf("expected ErrMissingClientID, got %v", err)
	}
	if called {
		t.Fatal("expected no request to be sent")
	}
}

func TestRequestDeviceCode_ProviderErrorIsAPIError(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client", "error_description": "unknown client"})
	})
	_, err := cli.RequestDeviceCode(context.Background(), "nope", "")
	var apiErr client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "invalid_client" || apiErr.Status != http.StatusBadRequest {
		t.Errorf("unexpected api error: %+v", apiErr)
	}
	if !client.IsCode(err, "invalid_client") {
		t.Errorf("expected IsCode to match")
	}
}

func TestPollToken_MapsProviderReplies(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   client.PollKind
		code   string
	}{
		{name: "granted", status: 200, body: `{"access_token":"at","token_type":"Bearer","expires_in":3600,"refresh_token":"rt"}`, want: client.PollGranted},
		{name: "pending", status: 400, body: `{"error":"authorization_pending"}`, want: client.PollPending, code: "authorization_pending"},
		{name: "slow down", status: 400, body: `{"error":"slow_down"}`, want: client.PollSlowDown, code: "slow_down"},
		{name: "denied", status: 400, body: `{"error":"access_denied"}`, want: client.PollDenied, code: "access_denied"},
		{name: "expired", status: 400, body: `{"error":"expired_token"}`, want: client.PollExpired, code: "expired_token"},
		{name: "unknown code", status: 400, body: `{"error":"invalid_grant"}`, want: client.PollRejected, code: "invalid_grant"},
		{name: "granted without token", status: 200, body: `{"token_type":"Bearer"}`, want: client.PollMalformed},
		{name: "garbage", status: 400, body: `<html>oops</html>`, want: client.PollMalformed},
		{name: "empty error", status: 400, body: `{}`, want: client.PollMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
				if err := r.ParseForm(); err != nil {
					t.Errorf("parse form: %v", err)
				}
				if r.PostForm.Get("grant_type") != client.DeviceCodeGrantType {
					t.Errorf("unexpected grant type: %s", r.PostForm.Get("grant_type"))
				}
				if r.PostForm.Get("device_code") != "dev_abc" || r.PostForm.Get("client_id") != "agent-cli" {
					t.Errorf("unexpected form: %v", r.PostForm)
				}
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			})
			result, err := cli.PollToken(context.Background(), "dev_abc", "agent-cli")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Kind != tc.want {
				t.Fatalf("kind: want %s, got %s", tc.want, result.Kind)
			}
			if result.Code != tc.code {
				t.Errorf("code: want %q, got %q", tc.code, result.Code)
			}
			if tc.want == client.PollGranted {
				if result.Token == nil || result.Token.AccessToken != "at" || result.Token.ExpiresIn != 3600 {
					t.Errorf("unexpected token: %+v", result.Token)
				}
			}
		})
	}
}

func TestPollToken_TransportFailureIsNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	cli, err := client.New(url)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = cli.PollToken(context.Background(), "dev_abc", "agent-cli")
	var netErr *client.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestPollToken_BareServerErrorIsNetworkError(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := cli.PollToken(context.Background(), "dev_abc", "agent-cli")
	var netErr *client.NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	settings := gobreaker.Settings{
		Name:    "test",
		Timeout: time.Hour,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
	}
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}, client.WithBreaker(settings))

	for i := 0; i < 4; i++ {
		_, err := cli.PollToken(context.Background(), "dev_abc", "agent-cli")
		var netErr *client.NetworkError
		if !errors.As(err, &netErr) {
			t.Fatalf("attempt %d: expected NetworkError, got %v", i, err)
		}
	}
	if calls != 2 {
		t.Fatalf("expected breaker to stop calls after 2 failures, got %d", calls)
	}
}

func TestFetchUser(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer good":
			json.NewEncoder(w).Encode(map[string]string{"id": "u1", "email": "ada@example.com", "name": "Ada"})
		case "Bearer gone":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not_found"})
		default:
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication failed"})
		}
	})
	ctx := context.Background()

	user, err := cli.FetchUser(ctx, "good")
	if err != nil || user == nil || user.Name != "Ada" {
		t.Fatalf("unexpected result: %+v %v", user, err)
	}
	user, err = cli.FetchUser(ctx, "gone")
	if err != nil || user != nil {
		t.Fatalf("expected nil user for 404, got %+v %v", user, err)
	}
	if _, err := cli.FetchUser(ctx, "bad"); !errors.Is(err, client.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestApproveDevice_SendsBearerAndSurfacesConflict(t *testing.T) {
	cli := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device/approve" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer web-token" {
			t.Errorf("missing bearer token")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["user_code"] == "ABCD-2345" {
			json.NewEncoder(w).Encode(map[string]string{"user_code": "ABCD-2345", "status": "approved"})
			return
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "already_decided"})
	})

	info, err := cli.ApproveDevice(context.Background(), "web-token", "ABCD-2345")
	if err != nil || info.Status != "approved" {
		t.Fatalf("unexpected result: %+v %v", info, err)
	}
	_, err = cli.ApproveDevice(context.Background(), "web-token", "ZZZZ-ZZZZ")
	if !client.IsCode(err, "already_decided") {
		t.Fatalf("expected already_decided, got %v", err)
	}
}
