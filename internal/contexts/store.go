// Package contexts owns the hierarchical context entities and their
// lifecycle state machine. Contexts move between started, interrupted, and
// ended (terminal); end/interrupt/restore transitions cascade to descendants,
// and any activity referencing an interrupted context silently restores it.
package contexts

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/telemetrykit/collector/internal/rpc"
	"github.com/telemetrykit/collector/internal/storage"
)

// Querier is the subset of storage queries used by the context store.
type Querier interface {
	GetContext(ctx context.Context, arg storage.GetContextParams) (storage.Context, error)
	InsertContext(ctx context.Context, arg storage.InsertContextParams) error
	SetContextStatus(ctx context.Context, arg storage.SetContextStatusParams) (int64, error)
	ListChildContextIDs(ctx context.Context, arg storage.ListChildContextIDsParams) ([]string, error)
	AppendChildContext(ctx context.Context, arg storage.AppendChildContextParams) error
	SetContextData(ctx context.Context, arg storage.SetContextDataParams) (int64, error)
	UpdateContextDataVariable(ctx context.Context, arg storage.UpdateContextDataVariableParams) (int64, error)
}

// Store implements the context lifecycle state machine on top of the storage
// gateway.
type Store struct {
	queries Querier
	now     func() time.Time
}

func NewStore(queries Querier, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{queries: queries, now: now}
}

func (s *Store) timeOrNow(t *int64) int64 {
	if t != nil {
		return *t
	}
	return s.now().UnixMilli()
}

// StartParams are the arguments for starting a context.
type StartParams struct {
	ID              string
	Name            string
	ParentContextID *string
	TimeStarted     *int64
	Data            json.RawMessage
	DataVersion     int64
}

// Start creates a context in the started state. When a parent is given the
// parent must exist and not be ended; an interrupted parent is restored
// (with its interrupted descendants) before the child is linked. The child id
// is appended to the parent's child list before the child row is inserted.
// The returned id is the root of the tree the new context belongs to, so the
// caller can track it for disconnect-time interruption: starting (or
// restoring) any part of a tree is a touch of that tree's root.
func (s *Store) Start(ctx context.Context, userID string, params StartParams) (string, error) {
	startTime := s.timeOrNow(params.TimeStarted)

	// Reject a duplicate id before anything is written. Duplicate ids are a
	// context-identity mistake, reported in the same error family as every
	// other lifecycle violation.
	_, err := s.queries.GetContext(ctx, storage.GetContextParams{UserID: userID, ID: params.ID})
	if err == nil {
		return "", rpc.NewContextValidationError(params.ID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	rootID := params.ID
	if params.ParentContextID != nil {
		parent, err := s.queries.GetContext(ctx, storage.GetContextParams{
			UserID: userID,
			ID:     *params.ParentContextID,
		})
		if errors.Is(err, storage.ErrNotFound) {
			return "", rpc.NewContextValidationError(*params.ParentContextID)
		}
		if err != nil {
			return "", err
		}
		switch parent.Status {
		case storage.ContextEnded:
			return "", rpc.NewContextValidationError(parent.ID)
		case storage.ContextInterrupted:
			if err := s.restoreCascade(ctx, userID, parent.ID, startTime); err != nil {
				return "", err
			}
		}
		rootID, err = s.rootOf(ctx, userID, parent)
		if err != nil {
			return "", err
		}
		if err := s.queries.AppendChildContext(ctx, storage.AppendChildContextParams{
			UserID:  userID,
			ID:      parent.ID,
			ChildID: params.ID,
		}); err != nil {
			return "", err
		}
	}

	err = s.queries.InsertContext(ctx, storage.InsertContextParams{
		UserID:          userID,
		ID:              params.ID,
		Name:            params.Name,
		ParentContextID: params.ParentContextID,
		Data:            params.Data,
		DataVersion:     params.DataVersion,
		TimeStarted:     startTime,
	})
	if storage.IsUniqueViolation(err) {
		// Two concurrent starts can both pass the pre-check; the primary
		// key settles the race.
		return "", rpc.NewContextValidationError(params.ID)
	}
	if err != nil {
		return "", err
	}
	return rootID, nil
}

// rootOf walks the parent chain up from node to the root of its tree.
func (s *Store) rootOf(ctx context.Context, userID string, node storage.Context) (string, error) {
	for node.ParentContextID != nil {
		parent, err := s.queries.GetContext(ctx, storage.GetContextParams{
			UserID: userID,
			ID:     *node.ParentContextID,
		})
		if err != nil {
			return "", err
		}
		node = parent
	}
	return node.ID, nil
}

// End transitions a context and all its live descendants to the terminal
// ended state.
func (s *Store) End(ctx context.Context, userID, id string, timeEnded *int64) error {
	endTime := s.timeOrNow(timeEnded)

	liveStatuses := []storage.ContextStatus{storage.ContextStarted, storage.ContextInterrupted}
	affected, err := s.queries.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID:       userID,
		ID:           id,
		FromStatuses: liveStatuses,
		Status:       storage.ContextEnded,
		Time:         endTime,
	})
	if err != nil {
		return err
	}
	if affected == 0 {
		return rpc.NewContextValidationError(id)
	}

	return s.cascade(ctx, userID, id, liveStatuses, storage.ContextEnded, endTime)
}

// Interrupt moves a started context (and its started descendants) to
// interrupted. It reports whether the transition applied; a context that is
// not currently started is left untouched. Used by the session manager on
// disconnect, which must never interrupt the same context twice.
func (s *Store) Interrupt(ctx context.Context, userID, id string, timeInterrupted *int64) (bool, error) {
	interruptTime := s.timeOrNow(timeInterrupted)

	startedOnly := []storage.ContextStatus{storage.ContextStarted}
	affected, err := s.queries.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID:       userID,
		ID:           id,
		FromStatuses: startedOnly,
		Status:       storage.ContextInterrupted,
		Time:         interruptTime,
	})
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	err = s.cascade(ctx, userID, id, startedOnly, storage.ContextInterrupted, interruptTime)
	return true, err
}

// Restore brings a context back to started, recursively restoring every
// interrupted descendant. Restoring an already-started context is a no-op;
// restoring a missing or ended context is a validation error. This is the
// touch-and-restore primitive run before every operation that references an
// existing context. The returned row is the context as read before the
// transition.
func (s *Store) Restore(ctx context.Context, userID, id string, timeRestored *int64) (storage.Context, error) {
	restoreTime := s.timeOrNow(timeRestored)

	target, err := s.queries.GetContext(ctx, storage.GetContextParams{UserID: userID, ID: id})
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Context{}, rpc.NewContextValidationError(id)
	}
	if err != nil {
		return storage.Context{}, err
	}
	switch target.Status {
	case storage.ContextEnded:
		return storage.Context{}, rpc.NewContextValidationError(id)
	case storage.ContextStarted:
		return target, nil
	}

	return target, s.restoreCascade(ctx, userID, id, restoreTime)
}

// restoreCascade applies interrupted->started to the target and every
// interrupted descendant. The target row is committed before children are
// queried.
func (s *Store) restoreCascade(ctx context.Context, userID, id string, restoreTime int64) error {
	interruptedOnly := []storage.ContextStatus{storage.ContextInterrupted}
	if _, err := s.queries.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID:       userID,
		ID:           id,
		FromStatuses: interruptedOnly,
		Status:       storage.ContextStarted,
		Time:         restoreTime,
	}); err != nil {
		return err
	}
	return s.cascade(ctx, userID, id, interruptedOnly, storage.ContextStarted, restoreTime)
}

// SetDataParams are the arguments for replacing a context's data payload.
type SetDataParams struct {
	ID          string
	Data        json.RawMessage
	DataVersion int64
}

// SetData replaces the context's data payload, restoring the context first if
// it was interrupted.
func (s *Store) SetData(ctx context.Context, userID string, params SetDataParams) (storage.Context, error) {
	target, err := s.Restore(ctx, userID, params.ID, nil)
	if err != nil {
		return storage.Context{}, err
	}
	affected, err := s.queries.SetContextData(ctx, storage.SetContextDataParams{
		UserID:      userID,
		ID:          params.ID,
		Data:        params.Data,
		DataVersion: params.DataVersion,
	})
	if err != nil {
		return storage.Context{}, err
	}
	if affected == 0 {
		return storage.Context{}, rpc.NewContextValidationError(params.ID)
	}
	return target, nil
}

// UpdateDataVariable merges one key/value pair into the context's data
// payload, restoring the context first if it was interrupted.
func (s *Store) UpdateDataVariable(ctx context.Context, userID, id, key string, value json.RawMessage) (storage.Context, error) {
	target, err := s.Restore(ctx, userID, id, nil)
	if err != nil {
		return storage.Context{}, err
	}
	affected, err := s.queries.UpdateContextDataVariable(ctx, storage.UpdateContextDataVariableParams{
		UserID: userID,
		ID:     id,
		Key:    key,
		Value:  value,
	})
	if err != nil {
		return storage.Context{}, err
	}
	if affected == 0 {
		return storage.Context{}, rpc.NewContextValidationError(id)
	}
	return target, nil
}

// cascade walks the subtree under root depth-first with an explicit
// work-list, applying the transition to every descendant whose current status
// is in the pre-state set. Each node's own row is updated before its children
// are discovered, so a concurrent reader can observe a partially transitioned
// sibling set but never a transitioned child under an untouched parent.
func (s *Store) cascade(ctx context.Context, userID, root string, from []storage.ContextStatus, to storage.ContextStatus, transitionTime int64) error {
	stack := []string{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := s.queries.ListChildContextIDs(ctx, storage.ListChildContextIDsParams{
			UserID:   userID,
			ParentID: id,
			Statuses: from,
		})
		if err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			child := children[i]
			// A concurrent writer may have moved the child out of the
			// pre-state set already; rows-affected 0 skips it cleanly.
			if _, err := s.queries.SetContextStatus(ctx, storage.SetContextStatusParams{
				UserID:       userID,
				ID:           child,
				FromStatuses: from,
				Status:       to,
				Time:         transitionTime,
			}); err != nil {
				return err
			}
			stack = append(stack, child)
		}
	}
	return nil
}
