package server

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/telemetrykit/collector/internal/auth"
	"github.com/telemetrykit/collector/internal/contexts"
	"github.com/telemetrykit/collector/internal/events"
	"github.com/telemetrykit/collector/internal/rpc"
	"github.com/telemetrykit/collector/internal/uservars"
)

// Handlers implements the exposed RPC methods on top of the domain stores.
type Handlers struct {
	contexts *contexts.Store
	events   *events.Store
	vars     *uservars.Store
	// tokens, when non-nil, requires a verified access token in the
	// authorize call. Nil means the client-supplied user id is trusted.
	tokens *auth.TokenManager
}

func NewHandlers(contextStore *contexts.Store, eventStore *events.Store, varStore *uservars.Store, tokens *auth.TokenManager) *Handlers {
	return &Handlers{
		contexts: contextStore,
		events:   eventStore,
		vars:     varStore,
		tokens:   tokens,
	}
}

// Register wires every exposed method into the dispatcher. authorize is the
// only anonymous method.
func (h *Handlers) Register(d *Dispatcher) {
	d.ExposeAnonymously("authorize", h.Authorize)

	d.Expose("startContext", h.StartContext)
	d.Expose("endContext", h.EndContext)
	d.Expose("restoreContext", h.RestoreContext)
	d.Expose("setContextData", h.SetContextData)
	d.Expose("updateContextDataVariable", h.UpdateContextDataVariable)

	d.Expose("logEvent", h.LogEvent)

	d.Expose("insertUserVariable", h.InsertUserVariable)
	d.Expose("replaceUserVariable", h.ReplaceUserVariable)
	d.Expose("updateUserVariable", h.UpdateUserVariable)

	d.Expose(MethodBulkRequest, BulkHandler(d))
}

func decodeParams(raw json.RawMessage, dst any) *rpc.Error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return rpc.NewInvalidParams(nil)
	}
	return nil
}

type authorizeParams struct {
	UserID      string          `json:"userId"`
	UserPayload json.RawMessage `json:"userPayload"`
	GameVersion *string         `json:"gameVersion"`
	AccessToken string          `json:"accessToken"`
}

// Authorize binds a principal to the connection. With an auth secret
// configured the access token is mandatory and its subject becomes the
// principal; otherwise the supplied user id is taken as-is. A connection
// authorizes at most once.
func (h *Handlers) Authorize(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p authorizeParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}

	userID := p.UserID
	if h.tokens != nil {
		if p.AccessToken == "" {
			return nil, rpc.NewAuthorizationError("accessToken")
		}
		claims, err := h.tokens.VerifyToken(p.AccessToken)
		if err != nil {
			return nil, rpc.NewAuthorizationError(nil)
		}
		userID = claims.UserID
	}
	if userID == "" {
		return nil, rpc.NewInvalidParams("userId")
	}

	if !sess.Authorize(Identity{
		UserID:      userID,
		Payload:     p.UserPayload,
		GameVersion: p.GameVersion,
	}) {
		return nil, rpc.NewAuthorizationError("already authorized")
	}
	return true, nil
}

type startContextParams struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	ParentContextID    *string         `json:"parentContextId"`
	TimeStarted        *int64          `json:"timeStarted"`
	Data               json.RawMessage `json:"data"`
	ContextDataVersion int64           `json:"contextDataVersion"`
}

func (h *Handlers) StartContext(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p startContextParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpc.NewInvalidParams("id")
	}
	if p.Name == "" {
		return nil, rpc.NewInvalidParams("name")
	}

	rootID, err := h.contexts.Start(ctx, sess.Identity().UserID, contexts.StartParams{
		ID:              p.ID,
		Name:            p.Name,
		ParentContextID: p.ParentContextID,
		TimeStarted:     p.TimeStarted,
		Data:            p.Data,
		DataVersion:     p.ContextDataVersion,
	})
	if err != nil {
		return nil, err
	}
	// Starting under a parent touches (and possibly restores) the parent's
	// tree, so the tree's root is tracked either way.
	sess.TouchRoot(rootID)
	return true, nil
}

type endContextParams struct {
	ID        string `json:"id"`
	TimeEnded *int64 `json:"timeEnded"`
}

func (h *Handlers) EndContext(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p endContextParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpc.NewInvalidParams("id")
	}

	if err := h.contexts.End(ctx, sess.Identity().UserID, p.ID, p.TimeEnded); err != nil {
		return nil, err
	}
	return true, nil
}

type restoreContextParams struct {
	ID           string `json:"id"`
	TimeRestored *int64 `json:"timeRestored"`
}

func (h *Handlers) RestoreContext(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p restoreContextParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpc.NewInvalidParams("id")
	}

	row, err := h.contexts.Restore(ctx, sess.Identity().UserID, p.ID, p.TimeRestored)
	if err != nil {
		return nil, err
	}
	if row.ParentContextID == nil {
		sess.TouchRoot(row.ID)
	}
	return true, nil
}

type setContextDataParams struct {
	ID                 string          `json:"id"`
	Data               json.RawMessage `json:"data"`
	ContextDataVersion int64           `json:"contextDataVersion"`
}

func (h *Handlers) SetContextData(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p setContextDataParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpc.NewInvalidParams("id")
	}

	row, err := h.contexts.SetData(ctx, sess.Identity().UserID, contexts.SetDataParams{
		ID:          p.ID,
		Data:        p.Data,
		DataVersion: p.ContextDataVersion,
	})
	if err != nil {
		return nil, err
	}
	if row.ParentContextID == nil {
		sess.TouchRoot(row.ID)
	}
	return true, nil
}

type updateContextDataVariableParams struct {
	ID    string          `json:"id"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (h *Handlers) UpdateContextDataVariable(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p updateContextDataVariableParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.ID == "" {
		return nil, rpc.NewInvalidParams("id")
	}
	if p.Key == "" || strings.Contains(p.Key, `"`) {
		return nil, rpc.NewInvalidParams("key")
	}

	row, err := h.contexts.UpdateDataVariable(ctx, sess.Identity().UserID, p.ID, p.Key, p.Value)
	if err != nil {
		return nil, err
	}
	if row.ParentContextID == nil {
		sess.TouchRoot(row.ID)
	}
	return true, nil
}

type logEventParams struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Time             *int64          `json:"time"`
	ContextID        *string         `json:"contextId"`
	Data             json.RawMessage `json:"data"`
	EventDataVersion int64           `json:"eventDataVersion"`
}

// LogEvent records an event. The result is true when the event was newly
// recorded and false when the id was already present for this principal.
func (h *Handlers) LogEvent(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p logEventParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Name == "" {
		return nil, rpc.NewInvalidParams("name")
	}

	identity := sess.Identity()
	inserted, touched, err := h.events.Log(ctx, identity.UserID, events.LogParams{
		ID:          p.ID,
		Name:        p.Name,
		Time:        p.Time,
		ContextID:   p.ContextID,
		Data:        p.Data,
		DataVersion: p.EventDataVersion,
		GameVersion: identity.GameVersion,
	})
	if err != nil {
		return nil, err
	}
	if touched != nil && touched.ParentContextID == nil {
		sess.TouchRoot(touched.ID)
	}
	return inserted, nil
}

type userVariableParams struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value"`
	Update json.RawMessage `json:"update"`
}

func (h *Handlers) InsertUserVariable(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p userVariableParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Key == "" {
		return nil, rpc.NewInvalidParams("key")
	}
	if err := h.vars.Set(ctx, sess.Identity().UserID, p.Key, p.Value); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) ReplaceUserVariable(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p userVariableParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Key == "" {
		return nil, rpc.NewInvalidParams("key")
	}
	if err := h.vars.Set(ctx, sess.Identity().UserID, p.Key, p.Value); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *Handlers) UpdateUserVariable(ctx context.Context, sess *Session, params json.RawMessage) (any, error) {
	var p userVariableParams
	if perr := decodeParams(params, &p); perr != nil {
		return nil, perr
	}
	if p.Key == "" {
		return nil, rpc.NewInvalidParams("key")
	}
	if len(p.Update) == 0 {
		return nil, rpc.NewInvalidParams("update")
	}
	if err := h.vars.Merge(ctx, sess.Identity().UserID, p.Key, p.Update); err != nil {
		return nil, err
	}
	return true, nil
}
