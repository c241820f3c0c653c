package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	event   string
	log     *slog.Logger
	closed  bool
	last    time.Time
}

// NewSSEClient builds an SSE client whose frames carry the given event name.
// An empty event emits unnamed "message" frames.
func NewSSEClient(writer io.Writer, flusher http.Flusher, event string, logger *slog.Logger) *SSEClient {
	return &SSEClient{writer: writer, flusher: flusher, event: event, log: logger, last: time.Now().UTC()}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	var err error
	if c.event != "" {
		_, err = fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", c.event, payload)
	} else {
		_, err = fmt.Fprintf(c.writer, "data: %s\n\n", payload)
	}
	if err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Closed reports whether the stream was closed.
func (c *SSEClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
