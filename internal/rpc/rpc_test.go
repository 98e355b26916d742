package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest_Valid(t *testing.T) {
	req, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"logEvent","params":{"name":"E1"},"id":1}`))
	require.Nil(t, perr)
	require.Equal(t, "2.0", req.Version)
	require.Equal(t, "logEvent", req.Method)
	require.False(t, req.Notification)
	require.Equal(t, json.Number("1"), req.ID.Value())
}

func TestParseRequest_StringID(t *testing.T) {
	req, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","id":"abc"}`))
	require.Nil(t, perr)
	require.Equal(t, "abc", req.ID.Value())
}

func TestParseRequest_ExplicitNullID(t *testing.T) {
	req, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","id":null}`))
	require.Nil(t, perr)
	require.False(t, req.Notification)
	require.True(t, req.ID.IsNull())
}

func TestParseRequest_MissingIDIsNotification(t *testing.T) {
	req, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m"}`))
	require.Nil(t, perr)
	require.True(t, req.Notification)
	require.True(t, req.ID.IsNull())
}

func TestParseRequest_MissingVersion(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`{"method":"m","id":1}`))
	require.NotNil(t, perr)
	require.Equal(t, CodeInvalidRequest, perr.Code)
	require.Equal(t, "jsonrpc", perr.Data)
}

func TestParseRequest_WrongVersion(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"1.0","method":"m","id":1}`))
	require.NotNil(t, perr)
	require.Equal(t, CodeInvalidRequest, perr.Code)
	require.Equal(t, "jsonrpc", perr.Data)
}

func TestParseRequest_MissingMethod(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","id":1}`))
	require.NotNil(t, perr)
	require.Equal(t, "method", perr.Data)
}

func TestParseRequest_ScalarParams(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","params":42,"id":1}`))
	require.NotNil(t, perr)
	require.Equal(t, CodeInvalidRequest, perr.Code)
	require.Equal(t, "params", perr.Data)
}

func TestParseRequest_ArrayParamsAllowed(t *testing.T) {
	req, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","params":[1,2],"id":1}`))
	require.Nil(t, perr)
	require.JSONEq(t, `[1,2]`, string(req.Params))
}

func TestParseRequest_BadID(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","id":{"x":1}}`))
	require.NotNil(t, perr)
	require.Equal(t, "id", perr.Data)

	_, perr = ParseRequest(json.RawMessage(`{"jsonrpc":"2.0","method":"m","id":true}`))
	require.NotNil(t, perr)
	require.Equal(t, "id", perr.Data)
}

func TestParseRequest_NotAnObject(t *testing.T) {
	_, perr := ParseRequest(json.RawMessage(`"hello"`))
	require.NotNil(t, perr)
	require.Equal(t, CodeInvalidRequest, perr.Code)
}

func TestDecodeFrame_Single(t *testing.T) {
	messages, batch, perr := DecodeFrame([]byte(`{"jsonrpc":"2.0","method":"m","id":1}`))
	require.Nil(t, perr)
	require.False(t, batch)
	require.Len(t, messages, 1)
}

func TestDecodeFrame_Batch(t *testing.T) {
	messages, batch, perr := DecodeFrame([]byte(`[{"a":1},{"b":2}]`))
	require.Nil(t, perr)
	require.True(t, batch)
	require.Len(t, messages, 2)
}

func TestDecodeFrame_EmptyBatch(t *testing.T) {
	messages, batch, perr := DecodeFrame([]byte(`[]`))
	require.Nil(t, perr)
	require.True(t, batch)
	require.Empty(t, messages)
}

func TestDecodeFrame_Malformed(t *testing.T) {
	_, _, perr := DecodeFrame([]byte(`{"jsonrpc":`))
	require.NotNil(t, perr)
	require.Equal(t, CodeParseError, perr.Code)

	_, _, perr = DecodeFrame([]byte(`[{"a":1}`))
	require.NotNil(t, perr)
	require.Equal(t, CodeParseError, perr.Code)

	_, _, perr = DecodeFrame(nil)
	require.NotNil(t, perr)
	require.Equal(t, CodeParseError, perr.Code)
}

func TestResponse_ResultMarshal(t *testing.T) {
	resp := NewResultResponse(StringID("r1"), true)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":"r1","result":true}`, string(data))
}

func TestResponse_NullResultIsExplicit(t *testing.T) {
	resp := NewResultResponse(NumberID(7), nil)
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":7,"result":null}`, string(data))
}

func TestResponse_ErrorMarshal(t *testing.T) {
	resp := NewErrorResponse(NullID, NewMethodNotFound("nope"))
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32601,"message":"Method not found","data":"nope"}}`, string(data))
}

func TestNewResponse_RejectsBothResultAndError(t *testing.T) {
	_, err := NewResponse(NullID, true, NewServerError(nil))
	require.Error(t, err)
}

func TestNewResponse_NullResultAllowed(t *testing.T) {
	resp, err := NewResponse(NullID, nil, nil)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
}

func TestErrorCodes(t *testing.T) {
	require.Equal(t, -32700, NewParseError(nil).Code)
	require.Equal(t, -32600, NewInvalidRequest(nil).Code)
	require.Equal(t, -32601, NewMethodNotFound(nil).Code)
	require.Equal(t, -32602, NewInvalidParams(nil).Code)
	require.Equal(t, -32603, NewInternalError(nil).Code)
	require.Equal(t, -32000, NewServerError(nil).Code)
	require.Equal(t, -32050, NewContextValidationError(nil).Code)
	require.Equal(t, -31000, NewNonAuthorized().Code)
	require.Equal(t, -31001, NewAuthorizationError(nil).Code)
	require.Equal(t, -31002, NewNotificationsNotSupported().Code)
}

func TestIDRoundTrip(t *testing.T) {
	var id ID
	require.NoError(t, json.Unmarshal([]byte(`"x"`), &id))
	require.Equal(t, "x", id.Value())

	data, err := json.Marshal(id)
	require.NoError(t, err)
	require.Equal(t, `"x"`, string(data))

	require.Error(t, json.Unmarshal([]byte(`[1]`), &id))
}
