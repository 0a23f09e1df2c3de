// ABOUTME: Websocket accept path: handshake, registration, and the per-connection read loop
// ABOUTME: Each request dispatches on its own goroutine; responses are correlated by id

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/protocol"
)

// Close status codes for handshake and protocol failures.
const (
	statusProtocolError     websocket.StatusCode = 4002
	statusInvalidCredential websocket.StatusCode = 4001
)

// handleWS upgrades the HTTP request and runs the connection lifecycle:
// handshake, registration, read loop, teardown.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	cfg := g.cfg.Load()

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Clients connect from apps and scripts, not browsers; origin
		// checking adds nothing over the auth gate.
		InsecureSkipVerify: true,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", "error", err)
		return
	}
	sock.SetReadLimit(cfg.Limits.MaxFrameBytes)

	connID := uuid.New().String()
	logger := g.logger.With("conn_id", connID)

	// The connection context outlives the HTTP handler's request context
	// by design of coder/websocket; reads and writes below use it.
	ctx := r.Context()

	authCtx, err := g.handshake(ctx, sock, cfg.Limits.HandshakeTimeout, connID)
	if err != nil {
		logger.Info("handshake failed", "error", err)
		return
	}

	c := newConn(connID, sock, cfg.Limits.OutboundQueue, logger)
	c.SetAuthContext(authCtx)

	pumpCtx, stopPump := context.WithCancel(context.Background())
	defer stopPump()
	go c.writePump(pumpCtx)

	welcome := &protocol.Welcome{
		Type:             protocol.TypeWelcome,
		ServerID:         g.serverID,
		ConfigHash:       cfg.Fingerprint(),
		SupportedMethods: g.registry.Methods(),
	}
	if err := c.enqueue(welcome); err != nil {
		c.close()
		return
	}

	g.conns.Add(c)
	g.broadcaster.Publish("connections", "connection.established", map[string]any{
		"connId":        connID,
		"authenticated": authCtx != nil && authCtx.Authenticated,
	})

	g.readLoop(ctx, c)
	g.Disconnect(connID, "connection closed")
}

// handshake reads and validates the client's hello frame. When the hello
// carries an auth token the connection comes up already authenticated;
// otherwise it starts anonymous and may call auth.authenticate later.
func (g *Gateway) handshake(ctx context.Context, sock *websocket.Conn, timeout time.Duration, connID string) (*auth.Context, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hello protocol.Hello
	if err := wsjson.Read(ctx, sock, &hello); err != nil {
		_ = sock.Close(statusProtocolError, "expected hello frame")
		return nil, errors.New("reading hello: " + err.Error())
	}

	if hello.Type != protocol.TypeHello {
		_ = sock.Close(statusProtocolError, "first frame must be hello")
		return nil, errors.New("first frame was " + hello.Type)
	}
	if !protocol.CompatibleVersion(hello.Version) {
		_ = sock.Close(statusProtocolError, "incompatible protocol version "+hello.Version)
		return nil, errors.New("incompatible version " + hello.Version)
	}

	// No token means the connection starts anonymous; AuthContext stays
	// nil until auth.authenticate succeeds.
	if hello.AuthToken == "" {
		return nil, nil
	}

	authCtx, err := g.gate.Load().Authenticate(ctx, connID, hello.AuthToken)
	if err != nil {
		_ = sock.Close(statusInvalidCredential, "invalid credential")
		return nil, err
	}
	return authCtx, nil
}

// readLoop consumes request frames until the socket closes. Each valid
// request dispatches on its own goroutine so a slow handler never blocks
// the connection's other requests. Malformed frames are connection-fatal:
// a request without an id can never be answered, so the peer is not
// speaking the protocol.
func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	for {
		var req protocol.Request
		if err := wsjson.Read(ctx, c.sock, &req); err != nil {
			return
		}

		if len(req.ID) == 0 || req.Method == "" {
			g.logger.Info("malformed request frame, closing connection", "conn_id", c.ID())
			c.closeWithStatus(statusProtocolError, "request frames require id and method")
			return
		}

		key := protocol.IDKey(req.ID)
		if !c.requestIDs.Reserve(key) {
			_ = c.enqueue(protocol.NewErrorResponse(req.ID, protocol.CodeDuplicateID,
				"request id already in use on this connection"))
			continue
		}

		go g.dispatchRequest(ctx, c, &req, key)
	}
}

// dispatchRequest runs one method call and enqueues its response. The
// dispatch context is detached from the read context so an in-flight
// handler completes even if the connection drops; the response is simply
// discarded in that case.
func (g *Gateway) dispatchRequest(ctx context.Context, c *Conn, req *protocol.Request, idKey string) {
	defer c.requestIDs.Release(idKey)

	resp := g.dispatcher.Dispatch(context.WithoutCancel(ctx), req, c)
	if err := c.enqueue(resp); err != nil {
		g.logger.Debug("response dropped, connection gone",
			"conn_id", c.ID(), "method", req.Method)
	}
}
