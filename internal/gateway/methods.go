// ABOUTME: Builtin gateway methods: handshake-adjacent, pairing, sessions, chat, events
// ABOUTME: Registered once at startup; the registry is frozen before connections are accepted

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/2389/hearth-gateway/internal/agent"
	"github.com/2389/hearth-gateway/internal/auth"
	"github.com/2389/hearth-gateway/internal/protocol"
	"github.com/2389/hearth-gateway/internal/rpc"
	"github.com/2389/hearth-gateway/internal/session"
	"github.com/2389/hearth-gateway/internal/store"
)

// Domain error codes layered on top of the protocol's reserved set.
const (
	codeSessionBusy     = "SESSION_BUSY"
	codeSessionClosed   = "SESSION_CLOSED"
	codePairingNotFound = "PAIRING_NOT_FOUND"
	codePairingDisabled = "PAIRING_DISABLED"
)

// registerMethods wires every builtin method into the registry. Called
// once during construction; any error here is startup-fatal.
func (g *Gateway) registerMethods() error {
	descriptors := []rpc.Descriptor{
		{Name: "ping", Handler: g.handlePing},
		{Name: "status", Handler: g.handleStatus},
		{Name: "auth.authenticate", Handler: g.handleAuthenticate},
		{Name: "pair.begin", Handler: g.handlePairBegin},
		{Name: "pair.submit", Handler: g.handlePairSubmit},
		{Name: "pair.status", Handler: g.handlePairStatus},

		{Name: "pair.confirm", Handler: g.handlePairConfirm, RequiresAuth: true, Permissions: []string{"admin"}},
		{Name: "pair.reject", Handler: g.handlePairReject, RequiresAuth: true, Permissions: []string{"admin"}},

		{Name: "chat.send", Handler: g.handleChatSend, RequiresAuth: true, Permissions: []string{"chat"}},

		{Name: "sessions.create", Handler: g.handleSessionsCreate, RequiresAuth: true, Permissions: []string{"sessions.write"}},
		{Name: "sessions.get", Handler: g.handleSessionsGet, RequiresAuth: true, Permissions: []string{"sessions.read"}},
		{Name: "sessions.list", Handler: g.handleSessionsList, RequiresAuth: true, Permissions: []string{"sessions.read"}},
		{Name: "sessions.close", Handler: g.handleSessionsClose, RequiresAuth: true, Permissions: []string{"sessions.write"}},
		{Name: "sessions.compact", Handler: g.handleSessionsCompact, RequiresAuth: true, Permissions: []string{"sessions.write"}},
		{Name: "sessions.history", Handler: g.handleSessionsHistory, RequiresAuth: true, Permissions: []string{"sessions.read"}},

		{Name: "events.subscribe", Handler: g.handleSubscribe, RequiresAuth: true, Permissions: []string{"events"}},
		{Name: "events.unsubscribe", Handler: g.handleUnsubscribe, RequiresAuth: true, Permissions: []string{"events"}},
	}

	for _, d := range descriptors {
		if err := g.registry.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handlePing(ctx context.Context, call *rpc.Call) (any, error) {
	return map[string]any{"pong": true, "time": time.Now().UTC()}, nil
}

func (g *Gateway) handleStatus(ctx context.Context, call *rpc.Call) (any, error) {
	return map[string]any{
		"serverId":    g.serverID,
		"version":     protocol.Version,
		"uptime":      time.Since(g.startedAt).Round(time.Second).String(),
		"connections": g.conns.Count(),
		"sessions":    len(g.sessions.List(ctx)),
		"configEpoch": g.epoch.Load(),
		"configHash":  g.cfg.Load().Fingerprint(),
	}, nil
}

func (g *Gateway) handleAuthenticate(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		Token string `json:"token"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	authCtx, err := g.gate.Load().Authenticate(ctx, call.Caller.ID(), params.Token)
	if err != nil {
		return nil, rpc.Errorf(protocol.CodeInvalidCred, "invalid credential")
	}

	c, ok := g.conns.Get(call.Caller.ID())
	if !ok {
		return nil, rpc.Errorf(protocol.CodeInternalError, "connection not registered")
	}
	c.SetAuthContext(authCtx)

	perms := make([]string, 0, len(authCtx.Permissions))
	for p := range authCtx.Permissions {
		perms = append(perms, p)
	}
	return map[string]any{
		"authenticated": true,
		"profile":       authCtx.Profile,
		"permissions":   perms,
	}, nil
}

func (g *Gateway) handlePairBegin(ctx context.Context, call *rpc.Call) (any, error) {
	if g.pairing == nil {
		return nil, rpc.Errorf(codePairingDisabled, "pairing is not configured on this gateway")
	}

	var params struct {
		DeviceName string `json:"deviceName"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}
	if params.DeviceName == "" {
		return nil, rpc.Errorf(protocol.CodeInvalidParams, "deviceName is required")
	}

	sess, err := g.pairing.Begin(params.DeviceName)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pairingId": sess.ID,
		"code":      sess.Code,
		"expiresAt": sess.ExpiresAt,
	}, nil
}

func (g *Gateway) handlePairSubmit(ctx context.Context, call *rpc.Call) (any, error) {
	if g.pairing == nil {
		return nil, rpc.Errorf(codePairingDisabled, "pairing is not configured on this gateway")
	}

	var params struct {
		PairingID string `json:"pairingId"`
		Code      string `json:"code"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	if err := g.pairing.Submit(params.PairingID, params.Code); err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"state": string(auth.PairingAwaitingConfirmation)}, nil
}

func (g *Gateway) handlePairStatus(ctx context.Context, call *rpc.Call) (any, error) {
	if g.pairing == nil {
		return nil, rpc.Errorf(codePairingDisabled, "pairing is not configured on this gateway")
	}

	var params struct {
		PairingID string `json:"pairingId"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	sess, err := g.pairing.Get(params.PairingID)
	if err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{
		"state":      string(sess.State),
		"deviceName": sess.DeviceName,
		"expiresAt":  sess.ExpiresAt,
	}, nil
}

func (g *Gateway) handlePairConfirm(ctx context.Context, call *rpc.Call) (any, error) {
	if g.pairing == nil {
		return nil, rpc.Errorf(codePairingDisabled, "pairing is not configured on this gateway")
	}

	var params struct {
		PairingID string `json:"pairingId"`
		Profile   string `json:"profile"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	token, err := g.pairing.Confirm(ctx, params.PairingID, params.Profile)
	if err != nil {
		return nil, pairingError(err)
	}
	g.broadcaster.Publish("system", "pairing.trusted", map[string]any{
		"pairingId": params.PairingID,
		"profile":   params.Profile,
	})
	return map[string]any{"token": token}, nil
}

func (g *Gateway) handlePairReject(ctx context.Context, call *rpc.Call) (any, error) {
	if g.pairing == nil {
		return nil, rpc.Errorf(codePairingDisabled, "pairing is not configured on this gateway")
	}

	var params struct {
		PairingID string `json:"pairingId"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	if err := g.pairing.Reject(params.PairingID); err != nil {
		return nil, pairingError(err)
	}
	return map[string]any{"rejected": true}, nil
}

// pairingError maps pairing manager errors to stable wire codes.
func pairingError(err error) error {
	switch {
	case errors.Is(err, auth.ErrPairingNotFound):
		return rpc.Errorf(codePairingNotFound, "pairing not found")
	case errors.Is(err, auth.ErrPairingExpired):
		return rpc.Errorf(protocol.CodePairingExpired, "pairing expired")
	case errors.Is(err, auth.ErrPairingRejected):
		return rpc.Errorf(protocol.CodePairingRejected, "pairing rejected")
	case errors.Is(err, auth.ErrCodeMismatch):
		return rpc.Errorf(protocol.CodeInvalidCred, "pairing code mismatch")
	case errors.Is(err, auth.ErrPairingState):
		return rpc.Errorf(protocol.CodeInvalidRequest, "%v", err)
	default:
		return err
	}
}

func (g *Gateway) handleChatSend(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		Content   string `json:"content"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}
	if params.Content == "" {
		return nil, rpc.Errorf(protocol.CodeInvalidParams, "content is required")
	}

	sess, err := g.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return nil, rpc.Errorf(protocol.CodeSessionNotFound, "session %q not found", params.SessionID)
	}
	if sess.State == session.StateClosed {
		return nil, rpc.Errorf(codeSessionClosed, "session %q is closed", params.SessionID)
	}

	g.sessions.Touch(ctx, sess.ID)

	if err := g.agents.Dispatch(ctx, sess, params.Content); err != nil {
		if errors.Is(err, agent.ErrSessionBusy) {
			return nil, rpc.Errorf(codeSessionBusy, "generation already in progress for session %q", sess.ID)
		}
		return nil, err
	}
	return map[string]any{"accepted": true, "sessionId": sess.ID}, nil
}

func (g *Gateway) handleSessionsCreate(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		Kind    string          `json:"kind"`
		Channel string          `json:"channel"`
		Peer    string          `json:"peer"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	sess, err := g.sessions.Create(ctx, session.CreateParams{
		Kind:    session.Kind(params.Kind),
		Channel: params.Channel,
		Peer:    params.Peer,
		Config:  params.Config,
	})
	if err != nil {
		return nil, rpc.Errorf(protocol.CodeInvalidParams, "%v", err)
	}
	return sess, nil
}

func (g *Gateway) handleSessionsGet(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	sess, err := g.sessions.Get(ctx, params.SessionID)
	if err != nil {
		return nil, rpc.Errorf(protocol.CodeSessionNotFound, "session %q not found", params.SessionID)
	}
	return sess, nil
}

func (g *Gateway) handleSessionsList(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		State string `json:"state,omitempty"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	all := g.sessions.List(ctx)
	if params.State == "" {
		return map[string]any{"sessions": all}, nil
	}

	filtered := make([]*session.Session, 0, len(all))
	for _, s := range all {
		if string(s.State) == params.State {
			filtered = append(filtered, s)
		}
	}
	return map[string]any{"sessions": filtered}, nil
}

func (g *Gateway) handleSessionsClose(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	g.agents.Stop(params.SessionID)

	sess, err := g.sessions.Close(ctx, params.SessionID)
	if err != nil {
		return nil, rpc.Errorf(protocol.CodeSessionNotFound, "session %q not found", params.SessionID)
	}
	return sess, nil
}

func (g *Gateway) handleSessionsCompact(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	fn := func(ctx context.Context, s *session.Session) error {
		if g.compactor == nil {
			return nil
		}
		return g.compactor.Compact(ctx, s)
	}

	err := g.sessions.Compact(ctx, params.SessionID, fn)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return nil, rpc.Errorf(protocol.CodeSessionNotFound, "session %q not found", params.SessionID)
	case errors.Is(err, session.ErrIllegalTransition):
		return nil, rpc.Errorf(protocol.CodeInvalidRequest, "session %q cannot be compacted in its current state", params.SessionID)
	case err != nil:
		return nil, err
	}
	return map[string]any{"compacted": true, "sessionId": params.SessionID}, nil
}

func (g *Gateway) handleSessionsHistory(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		SessionID string `json:"sessionId"`
		AfterID   int64  `json:"afterId,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	if _, err := g.sessions.Get(ctx, params.SessionID); err != nil {
		return nil, rpc.Errorf(protocol.CodeSessionNotFound, "session %q not found", params.SessionID)
	}

	records, err := g.store.ListEvents(ctx, "session:"+params.SessionID, params.AfterID, params.Limit)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, ledgerEventJSON(rec))
	}
	return map[string]any{"events": out}, nil
}

func ledgerEventJSON(rec *store.LedgerEvent) map[string]any {
	return map[string]any{
		"id":        rec.ID,
		"topic":     rec.Topic,
		"event":     rec.Event,
		"data":      rec.Payload,
		"timestamp": rec.Timestamp,
	}
}

func (g *Gateway) handleSubscribe(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		Topics []string `json:"topics"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}
	if len(params.Topics) == 0 {
		return nil, rpc.Errorf(protocol.CodeInvalidParams, "topics is required")
	}

	c, ok := g.conns.Get(call.Caller.ID())
	if !ok {
		return nil, rpc.Errorf(protocol.CodeInternalError, "connection not registered")
	}

	for _, topic := range params.Topics {
		g.broadcaster.Subscribe(topic, c)
	}
	return map[string]any{"subscribed": params.Topics}, nil
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, call *rpc.Call) (any, error) {
	var params struct {
		Topics []string `json:"topics"`
	}
	if body := protocol.DecodeParams(call.Params, &params); body != nil {
		return nil, &rpc.Error{Code: body.Code, Message: body.Message}
	}

	for _, topic := range params.Topics {
		g.broadcaster.Unsubscribe(topic, call.Caller.ID())
	}
	return map[string]any{"unsubscribed": params.Topics}, nil
}
