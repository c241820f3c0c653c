package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrUnauthorized is returned when the server rejects the presented access token.
var ErrUnauthorized = errors.New("client: unauthorized")

// Client provides typed access to the agent API and its device authorization endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithBreaker replaces the default circuit breaker settings.
func WithBreaker(settings gobreaker.Settings) Option {
	return func(c *Client) {
		c.cb = gobreaker.NewCircuitBreaker(settings)
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		if limit > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithLogger attaches a logger for breaker state changes and retries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:3001"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(cli)
	}
	if cli.cb == nil {
		cli.cb = gobreaker.NewCircuitBreaker(cli.defaultBreakerSettings())
	}
	return cli, nil
}

// BaseURL reports the normalized API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) defaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "agent-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// NetworkError reports a transport failure: connection refused, timeout,
// a 5xx without a usable body, or an open circuit breaker. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	switch {
	case e.Code != "" && e.Message != "" && e.Message != e.Code:
		return fmt.Sprintf("api request failed (%d): %s: %s", e.Status, e.Code, e.Message)
	case e.Code != "":
		return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Code)
	case e.Message != "":
		return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
}

// IsCode reports whether err is an APIError carrying the given error code.
func IsCode(err error, code string) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type response struct {
	status int
	body   []byte
}

// send performs one request through the limiter and breaker. Only transport
// failures and bare 5xx replies count against the breaker.
func (c *Client) send(ctx context.Context, op string, build func(context.Context) (*http.Request, error)) (response, error) {
	if c == nil {
		return response{}, fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, &NetworkError{Op: op, Err: err}
		}
	}
	out, err := c.cb.Execute(func() (interface{}, error) {
		req, err := build(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &NetworkError{Op: op, Err: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("read response: %w", err)}
		}
		if resp.StatusCode >= http.StatusInternalServerError && errorCode(body) == "" {
			return nil, &NetworkError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
		}
		return response{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return response{}, &NetworkError{Op: op, Err: err}
		}
		return response{}, err
	}
	return out.(response), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		payload = encoded
	}
	op := method + " " + path
	resp, err := c.send(ctx, op, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if strings.TrimSpace(token) != "" {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
		}
		return req, nil
	})
	if err != nil {
		return err
	}
	if resp.status >= http.StatusBadRequest {
		return extractError(resp.status, resp.body)
	}
	if v == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (response, error) {
	encoded := form.Encode()
	return c.send(ctx, "POST "+path, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(encoded))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
}

type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func errorCode(body []byte) string {
	var payload errorBody
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return strings.TrimSpace(payload.Error)
}

func extractError(status int, body []byte) error {
	apiErr := APIError{Status: status}
	var payload errorBody
	if err := json.Unmarshal(body, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}
	apiErr.Code = strings.TrimSpace(payload.Error)
	apiErr.Message = strings.TrimSpace(payload.ErrorDescription)
	return apiErr
}
