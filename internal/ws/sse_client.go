package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sseRetry tells EventSource clients how long to wait before reconnecting.
const sseRetry = 3 * time.Second

// SSEClient streams deployment events as Server-Sent Events. Every event
// carries an increasing id so browsers can tell frames apart after a
// reconnect.
type SSEClient struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	seq     uint64
	closed  bool
	done    chan struct{}
}

// NewSSEClient builds a stream over w. The caller writes the response
// headers first.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{writer: writer, flusher: flusher, log: logger, done: make(chan struct{})}
}

// Send emits one `deployment` event.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	retry := ""
	if c.seq == 1 {
		retry = fmt.Sprintf("retry: %d\n", sseRetry.Milliseconds())
	}
	return c.writeLocked("send", "%sid: %d\nevent: deployment\ndata: %s\n\n", retry, c.seq, payload)
}

// Heartbeat emits a comment frame so idle proxies keep the stream open.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked("heartbeat", ": ping\n\n")
}

func (c *SSEClient) writeLocked(op, format string, args ...any) error {
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, format, args...); err != nil {
		c.closeLocked()
		c.log.Warn("sse write failed", "op", op, "error", err)
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *SSEClient) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// Done is closed once the stream stops accepting events.
func (c *SSEClient) Done() <-chan struct{} { return c.done }
