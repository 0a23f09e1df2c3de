// ABOUTME: Structured RPC error type carried across the dispatcher boundary
// ABOUTME: Converts handler failures into response error envelopes

package rpc

import (
	"fmt"

	"github.com/2389/hearth-gateway/internal/protocol"
)

// Error is a request-scoped failure with a stable wire code. Handlers
// return it to control the error envelope seen by the client.
type Error struct {
	Code    string
	Message string
	Data    any
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Body converts the error to its wire representation.
func (e *Error) Body() *protocol.ErrorBody {
	return &protocol.ErrorBody{Code: e.Code, Message: e.Message, Data: e.Data}
}
