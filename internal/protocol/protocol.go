// ABOUTME: Wire frame types for the hearth-gateway client protocol
// ABOUTME: Defines hello/welcome handshake, request/response, and event envelopes

package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is the protocol version spoken by this gateway. Clients must
// present a hello with a matching major version.
const Version = "1.0.0"

// Frame type discriminators for messages that carry a "type" field.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeEvent   = "event"
)

// Hello is the first frame a client must send after connecting.
type Hello struct {
	Type         string   `json:"type"`
	Version      string   `json:"version"`
	AuthToken    string   `json:"authToken,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Welcome is the server's reply to a compatible hello.
type Welcome struct {
	Type             string   `json:"type"`
	ServerID         string   `json:"serverId"`
	ConfigHash       string   `json:"configHash"`
	SupportedMethods []string `json:"supportedMethods"`
}

// Request is a client-initiated method call. The id is unique per
// connection for as long as the request is pending; it may be a JSON
// number or string and is echoed back verbatim in the response.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or an error for a request, never both.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the structured error half of a response.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Event is an unsolicited server push to a subscribed connection. ID is
// monotonic within the event's topic so subscribers can detect gaps.
type Event struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
	ID    uint64 `json:"id"`
}

// Reserved error codes. Handlers may add domain-specific codes
// (e.g. TOOL_NOT_FOUND) on top of these.
const (
	CodeMethodNotFound  = "METHOD_NOT_FOUND"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeInvalidParams   = "INVALID_PARAMS"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeDuplicateID     = "DUPLICATE_REQUEST_ID"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePairingExpired  = "PAIRING_EXPIRED"
	CodePairingRejected = "PAIRING_REJECTED"
	CodeInvalidCred     = "INVALID_CREDENTIAL"
	CodeSlowConsumer    = "SLOW_CONSUMER"
	CodeProtocolError   = "PROTOCOL_ERROR"
	CodeToolNotFound    = "TOOL_NOT_FOUND"
)

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, code, message string) *Response {
	return &Response{ID: id, Error: &ErrorBody{Code: code, Message: message}}
}

// NewResultResponse builds a success response echoing the request id.
func NewResultResponse(id json.RawMessage, result any) *Response {
	return &Response{ID: id, Result: result}
}

// CompatibleVersion reports whether a client-offered version shares this
// server's major version. Anything unparseable is incompatible.
func CompatibleVersion(offered string) bool {
	return majorOf(offered) == majorOf(Version) && majorOf(offered) != -1
}

func majorOf(v string) int {
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return -1
	}
	return n
}

// IDKey normalizes a raw request id to a map key so duplicate detection
// and pending-request tracking treat 1 and "1" as distinct ids.
func IDKey(id json.RawMessage) string {
	return string(id)
}

// DecodeParams unmarshals request params into dst, returning a structured
// INVALID_PARAMS error body on failure. A nil params payload decodes as
// an empty object.
func DecodeParams(params json.RawMessage, dst any) *ErrorBody {
	if len(params) == 0 {
		params = []byte("{}")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return &ErrorBody{
			Code:    CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return nil
}
