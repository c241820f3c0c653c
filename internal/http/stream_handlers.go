package httpx

import (
	"net/http"
	"time"

	"github.com/splax/agent/internal/ws"
)

func (r *Router) handleDevicesWS(w http.ResponseWriter, req *http.Request) {
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for device websocket", "path", req.URL.Path)
		writeInternal(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "event stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(info.UserID, client)
	go func() {
		defer func() {
			r.hub.Unregister(info.UserID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleDevicesSSE(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for device events", "path", req.URL.Path)
		writeInternal(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, "device", r.logger)
	r.hub.Register(info.UserID, client)
	defer func() {
		r.hub.Unregister(info.UserID, client)
		client.Close()
	}()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
