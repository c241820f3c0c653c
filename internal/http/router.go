package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/splax/agent/internal/service/auth"
	"github.com/splax/agent/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	auth     auth.Service
	hub      *ws.Hub
	upgrader websocket.Upgrader
	limiter  RateLimiter
	metrics  *Metrics
	dbHealth func(context.Context) error
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitDevice    = 30
	rateLimitToken     = 120
	rateLimitLookup    = 60
	rateLimitDecision  = 30
	rateLimitUserRead  = 120
	rateLimitStream    = 30
	healthCheckTimeout = 2 * time.Second
	heartbeatInterval  = 25 * time.Second
)

// NewRouter assembles routes with dependencies. A nil limiter falls back to
// the in-memory limiter; a nil hub disables the event streams.
func NewRouter(logger *slog.Logger, authSvc auth.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:    http.NewServeMux(),
		logger: logger,
		auth:   authSvc,
		hub:    hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	var subscribers func() int
	if hub != nil {
		subscribers = hub.Subscribers
	}
	r.metrics = NewMetrics(subscribers)
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Metrics exposes the router's collectors.
func (r *Router) Metrics() *Metrics { return r.metrics }

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.handle("/healthz", r.handleHealthz)
	r.mux.Handle("/metrics", r.metrics.Handler())

	r.handle("/auth/signup", r.withRateLimit("/auth/signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, r.handleSignup))
	r.handle("/auth/login", r.withRateLimit("/auth/login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin))
	r.handle("/auth/me", r.handlerAuthRate("/auth/me", rateLimitUserRead, rateWindowDefault, r.handleMe))

	r.handle("/device/code", r.withRateLimit("/device/code", rateLimitDevice, rateWindowDefault, rateLimitKeyIP, r.handleDeviceCode))
	r.handle("/device/token", r.withRateLimit("/device/token", rateLimitToken, rateWindowDefault, rateLimitKeyIP, r.handleDeviceToken))
	r.handle("/device", r.withRateLimit("/device", rateLimitLookup, rateWindowDefault, rateLimitKeyIP, r.handleDeviceLookup))
	r.handle("/device/approve", r.handlerAuthRate("/device/approve", rateLimitDecision, rateWindowDefault, r.handleDeviceApprove))
	r.handle("/device/deny", r.handlerAuthRate("/device/deny", rateLimitDecision, rateWindowDefault, r.handleDeviceDeny))

	r.handle("/ws/devices", r.handlerAuthRate("/ws/devices", rateLimitStream, rateWindowRealtime, r.handleDevicesWS))
	r.handle("/events/devices", r.handlerAuthRate("/events/devices", rateLimitStream, rateWindowRealtime, r.handleDevicesSSE))
}

func (r *Router) handle(route string, next http.HandlerFunc) {
	r.mux.HandleFunc(route, r.audit(route, next))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not_found", "not found")
}
