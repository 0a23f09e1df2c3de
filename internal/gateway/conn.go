// ABOUTME: Represents one persistent client connection and its outbound queue
// ABOUTME: A single write pump owns the socket; responses and events are multiplexed through it

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/dedupe"
	"github.com/2389/hearth-gateway/internal/events"
	"github.com/2389/hearth-gateway/internal/protocol"
)

// ErrConnClosed is returned when enqueueing to a connection that has
// already shut down.
var ErrConnClosed = errors.New("connection closed")

// Conn is one registered client connection. It owns the outbound side of
// the socket through a single write pump goroutine; the read loop lives
// in the gateway's connection handler.
type Conn struct {
	id   string
	sock *websocket.Conn

	mu      sync.RWMutex
	authCtx *auth.Context

	outbound  chan any
	closeOnce sync.Once
	closed    chan struct{}

	// requestIDs enforces the no-reuse-while-pending invariant per connection.
	requestIDs *dedupe.Tracker

	logger *slog.Logger
}

// newConn wraps an accepted websocket in a Conn with a bounded outbound
// queue.
func newConn(id string, sock *websocket.Conn, queueSize int, logger *slog.Logger) *Conn {
	return &Conn{
		id:         id,
		sock:       sock,
		outbound:   make(chan any, queueSize),
		closed:     make(chan struct{}),
		requestIDs: dedupe.New(time.Minute, 10_000),
		logger:     logger,
	}
}

// ID returns the connection's opaque identifier.
func (c *Conn) ID() string { return c.id }

// AuthContext returns the connection's authorization context, nil until
// authenticated.
func (c *Conn) AuthContext() *auth.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authCtx
}

// SetAuthContext attaches (or refreshes) the authorization context.
func (c *Conn) SetAuthContext(ac *auth.Context) {
	c.mu.Lock()
	c.authCtx = ac
	c.mu.Unlock()
}

// enqueue queues a frame for the write pump, blocking until there is
// room or the connection closes. Used for responses and the welcome
// frame, which must not be dropped while the connection lives.
func (c *Conn) enqueue(frame any) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbound <- frame:
		return nil
	case <-c.closed:
		return ErrConnClosed
	}
}

// Send implements events.Sink. A full queue gets one bounded wait; if
// still full the event is refused and the broadcaster applies the
// slow-consumer policy.
func (c *Conn) Send(ev *protocol.Event, grace time.Duration) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	case c.outbound <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case c.outbound <- ev:
		return nil
	case <-c.closed:
		return ErrConnClosed
	case <-timer.C:
		return events.ErrQueueFull
	}
}

// writePump drains the outbound queue onto the socket. It exits when the
// connection closes or a write fails; either way the socket is done.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case frame := <-c.outbound:
			if err := wsjson.Write(ctx, c.sock, frame); err != nil {
				c.logger.Debug("write failed, closing connection", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// close marks the connection dead and closes the socket. Idempotent.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.requestIDs.Close()
		_ = c.sock.Close(websocket.StatusNormalClosure, "")
	})
}

// closeWithStatus closes the socket with a specific status and reason.
func (c *Conn) closeWithStatus(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.requestIDs.Close()
		_ = c.sock.Close(status, reason)
	})
}

// Done reports a channel closed when the connection shuts down.
func (c *Conn) Done() <-chan struct{} { return c.closed }
