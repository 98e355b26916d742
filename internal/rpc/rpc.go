// Package rpc implements the JSON-RPC 2.0 subset spoken by the collector:
// request parsing and validation, response construction, and the protocol
// error taxonomy. The codec is stateless; routing and authorization live in
// the server package.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the protocol version literal every message must carry.
const Version = "2.0"

// ID is a request correlation id: a string, a number, or explicit null.
// The zero value is the null id.
type ID struct {
	value any
}

// NullID is the explicit null correlation id.
var NullID = ID{}

// StringID builds a string correlation id.
func StringID(s string) ID { return ID{value: s} }

// NumberID builds a numeric correlation id.
func NumberID(n int64) ID { return ID{value: json.Number(fmt.Sprintf("%d", n))} }

// IsNull reports whether the id is the null id.
func (id ID) IsNull() bool { return id.value == nil }

// Value returns the underlying id value: string, json.Number, or nil.
func (id ID) Value() any { return id.value }

func (id ID) String() string {
	if id.value == nil {
		return "null"
	}
	return fmt.Sprintf("%v", id.value)
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	parsed, ok := parseID(data)
	if !ok {
		return fmt.Errorf("id must be a string, number, or null")
	}
	*id = parsed
	return nil
}

func parseID(raw []byte) (ID, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return NullID, false
	}
	if bytes.Equal(trimmed, []byte("null")) {
		return NullID, true
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return NullID, false
		}
		return ID{value: s}, true
	case '{', '[', 't', 'f':
		return NullID, false
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return NullID, false
		}
		return ID{value: n}, true
	}
}

// Request is one parsed RPC invocation. A request without a correlation id is
// a notification; it parses successfully but is never dispatched.
type Request struct {
	Version      string
	Method       string
	Params       json.RawMessage
	ID           ID
	Notification bool
}

type requestEnvelope struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

// ParseRequest validates a single structured message and produces a canonical
// Request. Validation failures collapse into one InvalidRequest
// classification with the offending field name as diagnostic data.
func ParseRequest(raw json.RawMessage) (*Request, *Error) {
	var env requestEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewInvalidRequest(nil)
	}
	if env.Version != Version {
		return nil, NewInvalidRequest("jsonrpc")
	}
	if env.Method == "" {
		return nil, NewInvalidRequest("method")
	}
	if len(env.Params) > 0 && !isStructured(env.Params) {
		return nil, NewInvalidRequest("params")
	}

	req := &Request{
		Version: env.Version,
		Method:  env.Method,
		Params:  env.Params,
	}
	if env.ID == nil {
		req.ID = NullID
		req.Notification = true
		return req, nil
	}
	id, ok := parseID(env.ID)
	if !ok {
		return nil, NewInvalidRequest("id")
	}
	req.ID = id
	return req, nil
}

// isStructured reports whether raw params form a mapping or an ordered
// sequence. Scalars are rejected; an explicit null counts as absent.
func isStructured(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	return trimmed[0] == '{' || trimmed[0] == '['
}

// DecodeFrame splits one inbound transport message into its request payloads.
// A top-level array is a batch; anything else is a single request. Malformed
// bytes fail with ParseError.
func DecodeFrame(data []byte) (messages []json.RawMessage, batch bool, perr *Error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, false, NewParseError(nil)
	}
	if trimmed[0] == '[' {
		var batchMessages []json.RawMessage
		if err := json.Unmarshal(trimmed, &batchMessages); err != nil {
			return nil, false, NewParseError(nil)
		}
		return batchMessages, true, nil
	}
	if !json.Valid(trimmed) {
		return nil, false, NewParseError(nil)
	}
	return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
}

// Response is the outcome of one invocation: exactly one of result or error.
type Response struct {
	ID     ID
	Result any
	Err    *Error
}

// NewResultResponse builds a success response. A nil result serializes as an
// explicit null result.
func NewResultResponse(id ID, result any) *Response {
	return &Response{ID: id, Result: result}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id ID, err *Error) *Response {
	return &Response{ID: id, Err: err}
}

// NewResponse builds a response from separate result and error values,
// enforcing the exactly-one contract. A violation is a server defect, not a
// client error.
func NewResponse(id ID, result any, rpcErr *Error) (*Response, error) {
	if rpcErr != nil && result != nil {
		return nil, fmt.Errorf("response cannot carry both result and error")
	}
	if rpcErr != nil {
		return NewErrorResponse(id, rpcErr), nil
	}
	return NewResultResponse(id, result), nil
}

type responseEnvelope struct {
	Version string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

type resultResponseEnvelope struct {
	Version string `json:"jsonrpc"`
	ID      ID     `json:"id"`
	Result  any    `json:"result"`
}

func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(responseEnvelope{Version: Version, ID: r.ID, Error: r.Err})
	}
	// The result field is always present on success, even when null.
	return json.Marshal(resultResponseEnvelope{Version: Version, ID: r.ID, Result: r.Result})
}

// Encode serializes the response for the wire. Serialization never fails for
// responses carrying JSON-safe result values; a marshaling failure is
// downgraded to an internal error response so the client still receives a
// well-formed reply.
func (r *Response) Encode() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(NewErrorResponse(r.ID, NewInternalError(nil)))
		return fallback
	}
	return data
}
