package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/telemetrykit/collector/internal/logger"
	"github.com/telemetrykit/collector/internal/rpc"
)

// MethodBulkRequest is the wire name of the bulk execution method. Nested
// bulk requests are rejected.
const MethodBulkRequest = "bulkRequest"

// HandlerFunc is a registered RPC method implementation. Params are the raw
// request params (possibly nil). A returned *rpc.Error is forwarded to the
// client as-is; any other error is downgraded to a generic server error.
type HandlerFunc func(ctx context.Context, sess *Session, params json.RawMessage) (any, error)

// Dispatcher routes parsed requests to registered handlers, enforcing
// notification rejection and authorization gating, and translates handler
// outcomes into responses.
type Dispatcher struct {
	exposed            map[string]HandlerFunc
	exposedAnonymously map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		exposed:            make(map[string]HandlerFunc),
		exposedAnonymously: make(map[string]HandlerFunc),
	}
}

// Expose registers a method that requires an authorized session. The first
// registration of a name wins.
func (d *Dispatcher) Expose(name string, fn HandlerFunc) {
	if _, ok := d.exposed[name]; !ok {
		d.exposed[name] = fn
	}
}

// ExposeAnonymously registers a method callable before authorization. When a
// name is exposed both ways, the anonymous registration wins.
func (d *Dispatcher) ExposeAnonymously(name string, fn HandlerFunc) {
	if _, ok := d.exposedAnonymously[name]; !ok {
		d.exposedAnonymously[name] = fn
	}
}

// Dispatch routes one request and produces its response.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, req *rpc.Request) *rpc.Response {
	// Notifications are never routed: short-circuit before authorization
	// and before any handler can run. The response correlates on null.
	if req.Notification {
		return rpc.NewErrorResponse(rpc.NullID, rpc.NewNotificationsNotSupported())
	}

	fn, ok := d.exposedAnonymously[req.Method]
	if !ok {
		fn, ok = d.exposed[req.Method]
		if !ok {
			return rpc.NewErrorResponse(req.ID, rpc.NewMethodNotFound(req.Method))
		}
		if !sess.Authorized() {
			return rpc.NewErrorResponse(req.ID, rpc.NewNonAuthorized())
		}
	}

	result, err := d.invoke(ctx, sess, fn, req)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) {
			return rpc.NewErrorResponse(req.ID, rpcErr)
		}
		// Clients never see raw internal error shapes; the original
		// message survives only as diagnostic data.
		return rpc.NewErrorResponse(req.ID, rpc.NewServerError(err.Error()))
	}
	return rpc.NewResultResponse(req.ID, result)
}

func (d *Dispatcher) invoke(ctx context.Context, sess *Session, fn HandlerFunc, req *rpc.Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Handler %s panicked: %v", req.Method, r)
			err = fmt.Errorf("handler %s: %v", req.Method, r)
		}
	}()
	return fn(ctx, sess, req.Params)
}

// DispatchRaw parses one raw message and dispatches it. A parse failure
// yields an InvalidRequest response correlated on null; it never aborts the
// caller's batch.
func (d *Dispatcher) DispatchRaw(ctx context.Context, sess *Session, raw json.RawMessage) *rpc.Response {
	req, perr := rpc.ParseRequest(raw)
	if perr != nil {
		return rpc.NewErrorResponse(rpc.NullID, perr)
	}
	return d.Dispatch(ctx, sess, req)
}

type bulkRequestParams struct {
	Requests []json.RawMessage `json:"requests"`
}

// BulkHandler builds the bulkRequest method: a sequential batch of nested
// requests acknowledged with a single boolean. The first nested failure
// aborts the remaining sequence and becomes the outer call's error; nested
// bulk requests are rejected without executing. This mode exists for
// fire-and-forget logging of many client-generated facts in one round trip,
// so individual results are never returned.
func BulkHandler(d *Dispatcher) HandlerFunc {
	return func(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
		var p bulkRequestParams
		if len(params) == 0 {
			return nil, rpc.NewInvalidParams("requests")
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Requests == nil {
			return nil, rpc.NewInvalidParams("requests")
		}

		for _, raw := range p.Requests {
			req, perr := rpc.ParseRequest(raw)
			if perr != nil {
				return nil, perr
			}
			if req.Method == MethodBulkRequest {
				return nil, rpc.NewInvalidRequest(MethodBulkRequest)
			}
			resp := d.Dispatch(ctx, sess, req)
			if resp.Err != nil {
				return nil, resp.Err
			}
		}
		return true, nil
	}
}
