package storage_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/telemetrykit/collector/internal/database"
	"github.com/telemetrykit/collector/internal/storage"
)

func newTestQueries(t *testing.T) *storage.Queries {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return storage.New(db.DB)
}

func TestInsertAndGetContext(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	err := q.InsertContext(ctx, storage.InsertContextParams{
		UserID:      "u1",
		ID:          "C1",
		Name:        "session",
		Data:        json.RawMessage(`{"level":3}`),
		TimeStarted: 1000,
	})
	require.NoError(t, err)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.Equal(t, storage.ContextStarted, row.Status)
	require.Equal(t, "session", row.Name)
	require.Nil(t, row.ParentContextID)
	require.Empty(t, row.Children)
	require.JSONEq(t, `{"level":3}`, string(row.Data))
	require.EqualValues(t, 1000, row.TimeStarted)
	require.Nil(t, row.TimeEnded)
}

func TestGetContext_NotFound(t *testing.T) {
	q := newTestQueries(t)

	_, err := q.GetContext(context.Background(), storage.GetContextParams{UserID: "u1", ID: "missing"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInsertContext_DuplicateIsUniqueViolation(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	params := storage.InsertContextParams{UserID: "u1", ID: "C1", Name: "n", TimeStarted: 1}
	require.NoError(t, q.InsertContext(ctx, params))

	err := q.InsertContext(ctx, params)
	require.Error(t, err)
	require.True(t, storage.IsUniqueViolation(err))

	// Same id under another principal is fine.
	params.UserID = "u2"
	require.NoError(t, q.InsertContext(ctx, params))
}

func TestSetContextStatus_ConditionalOnPreState(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "C1", Name: "n", TimeStarted: 1}))

	affected, err := q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID:       "u1",
		ID:           "C1",
		FromStatuses: []storage.ContextStatus{storage.ContextStarted},
		Status:       storage.ContextInterrupted,
		Time:         5,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	// Same transition again matches nothing.
	affected, err = q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID:       "u1",
		ID:           "C1",
		FromStatuses: []storage.ContextStatus{storage.ContextStarted},
		Status:       storage.ContextInterrupted,
		Time:         6,
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, affected)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.Equal(t, storage.ContextInterrupted, row.Status)
	require.NotNil(t, row.TimeInterrupted)
	require.EqualValues(t, 5, *row.TimeInterrupted)
}

func TestSetContextStatus_TimestampColumns(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "C1", Name: "n", TimeStarted: 1}))

	_, err := q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID: "u1", ID: "C1",
		FromStatuses: []storage.ContextStatus{storage.ContextStarted},
		Status:       storage.ContextInterrupted, Time: 10,
	})
	require.NoError(t, err)

	_, err = q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID: "u1", ID: "C1",
		FromStatuses: []storage.ContextStatus{storage.ContextInterrupted},
		Status:       storage.ContextStarted, Time: 20,
	})
	require.NoError(t, err)

	_, err = q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID: "u1", ID: "C1",
		FromStatuses: []storage.ContextStatus{storage.ContextStarted, storage.ContextInterrupted},
		Status:       storage.ContextEnded, Time: 30,
	})
	require.NoError(t, err)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.Equal(t, storage.ContextEnded, row.Status)
	require.EqualValues(t, 10, *row.TimeInterrupted)
	require.EqualValues(t, 20, *row.TimeRestored)
	require.EqualValues(t, 30, *row.TimeEnded)
}

func TestListChildContextIDs(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	parent := "P"
	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: parent, Name: "p", TimeStarted: 1}))
	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "A", Name: "a", ParentContextID: &parent, TimeStarted: 2}))
	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "B", Name: "b", ParentContextID: &parent, TimeStarted: 3}))

	// End B so it falls outside the started-only filter.
	_, err := q.SetContextStatus(ctx, storage.SetContextStatusParams{
		UserID: "u1", ID: "B",
		FromStatuses: []storage.ContextStatus{storage.ContextStarted},
		Status:       storage.ContextEnded, Time: 4,
	})
	require.NoError(t, err)

	ids, err := q.ListChildContextIDs(ctx, storage.ListChildContextIDsParams{
		UserID:   "u1",
		ParentID: parent,
		Statuses: []storage.ContextStatus{storage.ContextStarted},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids)

	ids, err = q.ListChildContextIDs(ctx, storage.ListChildContextIDsParams{
		UserID:   "u1",
		ParentID: parent,
		Statuses: []storage.ContextStatus{storage.ContextStarted, storage.ContextEnded},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids)
}

func TestAppendChildContext(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "P", Name: "p", TimeStarted: 1}))
	require.NoError(t, q.AppendChildContext(ctx, storage.AppendChildContextParams{UserID: "u1", ID: "P", ChildID: "A"}))
	require.NoError(t, q.AppendChildContext(ctx, storage.AppendChildContextParams{UserID: "u1", ID: "P", ChildID: "B"}))

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "P"})
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, row.Children)
}

func TestAppendChildContext_SkipsPresentID(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "P", Name: "p", TimeStarted: 1}))
	require.NoError(t, q.AppendChildContext(ctx, storage.AppendChildContextParams{UserID: "u1", ID: "P", ChildID: "A"}))
	require.NoError(t, q.AppendChildContext(ctx, storage.AppendChildContextParams{UserID: "u1", ID: "P", ChildID: "A"}))

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "P"})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, row.Children)
}

func TestUpdateContextDataVariable(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{
		UserID: "u1", ID: "C1", Name: "n",
		Data:        json.RawMessage(`{"hp":10}`),
		TimeStarted: 1,
	}))

	affected, err := q.UpdateContextDataVariable(ctx, storage.UpdateContextDataVariableParams{
		UserID: "u1", ID: "C1", Key: "mana", Value: json.RawMessage(`42`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"hp":10,"mana":42}`, string(row.Data))
}

func TestUpdateContextDataVariable_DottedKeyIsLiteral(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{
		UserID: "u1", ID: "C1", Name: "n",
		Data:        json.RawMessage(`{"a":{"b":1}}`),
		TimeStarted: 1,
	}))

	// The key names one top-level member, never a nested path.
	affected, err := q.UpdateContextDataVariable(ctx, storage.UpdateContextDataVariableParams{
		UserID: "u1", ID: "C1", Key: "a.b", Value: json.RawMessage(`2`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"b":1},"a.b":2}`, string(row.Data))
}

func TestUpdateContextDataVariable_RejectsQuotedKey(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "C1", Name: "n", TimeStarted: 1}))

	_, err := q.UpdateContextDataVariable(ctx, storage.UpdateContextDataVariableParams{
		UserID: "u1", ID: "C1", Key: `a"b`, Value: json.RawMessage(`1`),
	})
	require.Error(t, err)
}

func TestUpdateContextDataVariable_NullData(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.InsertContext(ctx, storage.InsertContextParams{UserID: "u1", ID: "C1", Name: "n", TimeStarted: 1}))

	affected, err := q.UpdateContextDataVariable(ctx, storage.UpdateContextDataVariableParams{
		UserID: "u1", ID: "C1", Key: "hp", Value: json.RawMessage(`{"max":100}`),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, affected)

	row, err := q.GetContext(ctx, storage.GetContextParams{UserID: "u1", ID: "C1"})
	require.NoError(t, err)
	require.JSONEq(t, `{"hp":{"max":100}}`, string(row.Data))
}

func TestInsertEvent_Idempotent(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	params := storage.InsertEventParams{UserID: "u1", ID: "E1", Name: "Jump", Time: 100}
	inserted, err := q.InsertEvent(ctx, params)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = q.InsertEvent(ctx, params)
	require.NoError(t, err)
	require.False(t, inserted)

	event, err := q.GetEvent(ctx, storage.GetEventParams{UserID: "u1", ID: "E1"})
	require.NoError(t, err)
	require.Equal(t, "Jump", event.Name)

	// Another principal can reuse the id.
	params.UserID = "u2"
	inserted, err = q.InsertEvent(ctx, params)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestUserVariables(t *testing.T) {
	q := newTestQueries(t)
	ctx := context.Background()

	require.NoError(t, q.UpsertUserVariable(ctx, storage.UpsertUserVariableParams{
		UserID: "u1", Key: "settings", Value: json.RawMessage(`{"sound":true}`), UpdatedAt: 1,
	}))
	require.NoError(t, q.UpsertUserVariable(ctx, storage.UpsertUserVariableParams{
		UserID: "u1", Key: "settings", Value: json.RawMessage(`{"sound":false}`), UpdatedAt: 2,
	}))

	variable, err := q.GetUserVariable(ctx, storage.GetUserVariableParams{UserID: "u1", Key: "settings"})
	require.NoError(t, err)
	require.JSONEq(t, `{"sound":false}`, string(variable.Value))
	require.EqualValues(t, 2, variable.UpdatedAt)

	require.NoError(t, q.MergeUserVariable(ctx, storage.MergeUserVariableParams{
		UserID: "u1", Key: "settings", Update: json.RawMessage(`{"music":true}`), UpdatedAt: 3,
	}))

	variable, err = q.GetUserVariable(ctx, storage.GetUserVariableParams{UserID: "u1", Key: "settings"})
	require.NoError(t, err)
	require.JSONEq(t, `{"sound":false,"music":true}`, string(variable.Value))

	_, err = q.GetUserVariable(ctx, storage.GetUserVariableParams{UserID: "u1", Key: "missing"})
	require.ErrorIs(t, err, storage.ErrNotFound)
}
