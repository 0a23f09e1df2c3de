// ABOUTME: Request dispatcher enforcing auth and permission gates before handlers run
// ABOUTME: Converts handler results, errors, and panics into response envelopes

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/hearth-gateway/internal/protocol"
)

// Dispatcher resolves requests against the method registry and executes
// handlers. It never lets a failure escape to the transport layer: every
// dispatch produces exactly one response envelope.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over a frozen registry.
func NewDispatcher(registry *Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		logger:   logger.With("component", "dispatcher"),
	}
}

// Dispatch executes one request for a caller and returns its response.
// Multiple dispatches for the same connection may run concurrently;
// responses are correlated by request id only.
//
// Gate order: method lookup, then authentication, then permissions. An
// unknown method reports METHOD_NOT_FOUND regardless of auth state.
func (d *Dispatcher) Dispatch(ctx context.Context, req *protocol.Request, caller Caller) *protocol.Response {
	desc, ok := d.registry.Get(req.Method)
	if !ok {
		return protocol.NewErrorResponse(req.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", req.Method))
	}

	authCtx := caller.AuthContext()
	if desc.RequiresAuth && (authCtx == nil || !authCtx.Authenticated) {
		return protocol.NewErrorResponse(req.ID, protocol.CodeUnauthorized,
			fmt.Sprintf("method %q requires authentication", req.Method))
	}

	if len(desc.Permissions) > 0 && !authCtx.HasAll(desc.Permissions) {
		return protocol.NewErrorResponse(req.ID, protocol.CodeForbidden,
			fmt.Sprintf("method %q requires permissions %v", req.Method, desc.Permissions))
	}

	result, err := d.invoke(ctx, desc, &Call{Params: req.Params, Caller: caller})
	if err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return &protocol.Response{ID: req.ID, Error: rpcErr.Body()}
		}
		d.logger.Error("handler failed",
			"method", req.Method,
			"conn_id", caller.ID(),
			"error", err,
		)
		return &protocol.Response{ID: req.ID, Error: &protocol.ErrorBody{
			Code:    protocol.CodeInternalError,
			Message: "internal error",
			Data:    err.Error(),
		}}
	}

	return protocol.NewResultResponse(req.ID, result)
}

// invoke runs the handler with panic containment. A panicking handler is
// reported as an ordinary handler failure.
func (d *Dispatcher) invoke(ctx context.Context, desc Descriptor, call *Call) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "method", desc.Name, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return desc.Handler(ctx, call)
}
