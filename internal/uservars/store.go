// Package uservars owns per-principal keyed variables: plain upsert
// operations with no lifecycle rules.
package uservars

import (
	"context"
	"encoding/json"
	"time"

	"github.com/telemetrykit/collector/internal/storage"
)

// Querier is the subset of storage queries used by the variable store.
type Querier interface {
	UpsertUserVariable(ctx context.Context, arg storage.UpsertUserVariableParams) error
	MergeUserVariable(ctx context.Context, arg storage.MergeUserVariableParams) error
}

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

// Set writes a variable value, replacing any previous value for the key.
func (s *Store) Set(ctx context.Context, userID, key string, value json.RawMessage) error {
	return s.queries.UpsertUserVariable(ctx, storage.UpsertUserVariableParams{
		UserID:    userID,
		Key:       key,
		Value:     value,
		UpdatedAt: s.now().UnixMilli(),
	})
}

// Merge applies a partial update document to a variable, creating it when
// absent.
func (s *Store) Merge(ctx context.Context, userID, key string, update json.RawMessage) error {
	return s.queries.MergeUserVariable(ctx, storage.MergeUserVariableParams{
		UserID:    userID,
		Key:       key,
		Update:    update,
		UpdatedAt: s.now().UnixMilli(),
	})
}
