// Package events owns idempotent event recording. An event is an immutable
// fact; re-submitting an event id already stored for the principal reports
// "not newly recorded" instead of an error.
package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/telemetrykit/collector/internal/storage"
)

// Querier is the subset of storage queries used by the event store.
type Querier interface {
	InsertEvent(ctx context.Context, arg storage.InsertEventParams) (bool, error)
}

// ContextToucher ensures a referenced context is live before an event is
// recorded against it, restoring it from the interrupted state if needed.
type ContextToucher interface {
	Restore(ctx context.Context, userID, id string, timeRestored *int64) (storage.Context, error)
}

// Store implements event logging on top of the storage gateway.
type Store struct {
	queries  Querier
	contexts ContextToucher
	now      func() time.Time
}

func NewStore(queries Querier, contexts ContextToucher, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{queries: queries, contexts: contexts, now: now}
}

// LogParams are the arguments for recording one event. Name is required and
// validated by the caller before the store is reached.
type LogParams struct {
	ID          string
	Name        string
	Time        *int64
	ContextID   *string
	Data        json.RawMessage
	DataVersion int64
	// GameVersion is the client version tag denormalized from the session.
	GameVersion *string
}

// Log records one event. When the event references a context, the context is
// touched (and restored if interrupted) first; a context validation failure
// propagates verbatim and nothing is written. Inserted reports whether the
// event was newly recorded; a duplicate id for the same principal is a no-op
// reporting false. Touched is the referenced context row, when one was given,
// so the caller can track root contexts for its disconnect fast-path.
func (s *Store) Log(ctx context.Context, userID string, params LogParams) (inserted bool, touched *storage.Context, err error) {
	eventTime := s.now().UnixMilli()
	if params.Time != nil {
		eventTime = *params.Time
	}

	if params.ContextID != nil {
		row, err := s.contexts.Restore(ctx, userID, *params.ContextID, nil)
		if err != nil {
			return false, nil, err
		}
		touched = &row
	}

	id := params.ID
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader).String()
	}

	inserted, err = s.queries.InsertEvent(ctx, storage.InsertEventParams{
		UserID:      userID,
		ID:          id,
		Name:        params.Name,
		Time:        eventTime,
		ContextID:   params.ContextID,
		Data:        params.Data,
		DataVersion: params.DataVersion,
		GameVersion: params.GameVersion,
	})
	if err != nil {
		return false, nil, err
	}
	return inserted, touched, nil
}
