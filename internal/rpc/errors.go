package rpc

import "fmt"

// Protocol error codes. The -32700..-32000 block follows the JSON-RPC 2.0
// reservation; the -31000 block is this protocol's own extension for
// authorization and notification handling. -32000..-32099 is the
// implementation-defined server-error range.
const (
	CodeParseError                = -32700
	CodeInvalidRequest            = -32600
	CodeMethodNotFound            = -32601
	CodeInvalidParams             = -32602
	CodeInternalError             = -32603
	CodeServerError               = -32000
	CodeContextValidation         = -32050
	CodeNonAuthorized             = -31000
	CodeAuthorizationError        = -31001
	CodeNotificationsNotSupported = -31002
)

// Error is a protocol-level error as it appears on the wire. Handlers return
// *Error values for failures that already have a wire shape; the dispatcher
// wraps anything else as a generic server error so internal error structure
// never leaks to clients.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// NewParseError reports malformed message bytes.
func NewParseError(data any) *Error {
	return newError(CodeParseError, "Parse error", data)
}

// NewInvalidRequest reports a structurally invalid request. The data carries
// the offending field name when known.
func NewInvalidRequest(data any) *Error {
	return newError(CodeInvalidRequest, "Invalid request", data)
}

// NewMethodNotFound reports an unknown method. The data carries the method
// name.
func NewMethodNotFound(data any) *Error {
	return newError(CodeMethodNotFound, "Method not found", data)
}

// NewInvalidParams reports a missing or malformed parameter. The data carries
// the parameter name.
func NewInvalidParams(data any) *Error {
	return newError(CodeInvalidParams, "Invalid params", data)
}

// NewInternalError reports a defect inside the server.
func NewInternalError(data any) *Error {
	return newError(CodeInternalError, "Internal error", data)
}

// NewServerError wraps an unexpected handler or store failure. The data
// carries the original message as non-authoritative diagnostics.
func NewServerError(data any) *Error {
	return newError(CodeServerError, "Server error", data)
}

// NewContextValidationError reports a context lifecycle violation: unknown
// context id, duplicate id on start, or an operation against an ended
// context. The data carries the context id.
func NewContextValidationError(data any) *Error {
	return newError(CodeContextValidation, "Context validation error", data)
}

// NewNonAuthorized reports a call to an authorized-only method on a
// connection that has not completed authorization.
func NewNonAuthorized() *Error {
	return newError(CodeNonAuthorized, "Non-authorized", nil)
}

// NewAuthorizationError reports a failed authorization attempt.
func NewAuthorizationError(data any) *Error {
	return newError(CodeAuthorizationError, "Authorization error", data)
}

// NewNotificationsNotSupported reports a request without a correlation id.
// Notifications are never routed to handlers.
func NewNotificationsNotSupported() *Error {
	return newError(CodeNotificationsNotSupported, "Notifications not supported", nil)
}
