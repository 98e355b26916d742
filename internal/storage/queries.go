// Package storage is the persistence gateway for the collector. It exposes a
// typed query API over SQLite; all lifecycle mutations are conditional,
// narrowly-scoped updates matched on the current status set so concurrent
// writers cannot resurrect terminal rows or double-apply a transition.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// DBTX is the subset of database/sql used by Queries, satisfied by *sql.DB
// and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// IsUniqueViolation reports whether err is a primary-key or unique-constraint
// conflict.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

type GetContextParams struct {
	UserID string
	ID     string
}

const getContextQuery = `
SELECT user_id, id, name, status, parent_context_id, children, data,
       data_version, time_started, time_ended, time_interrupted, time_restored
FROM contexts
WHERE user_id = ? AND id = ?`

func (q *Queries) GetContext(ctx context.Context, arg GetContextParams) (Context, error) {
	row := q.db.QueryRowContext(ctx, getContextQuery, arg.UserID, arg.ID)
	return scanContext(row.Scan)
}

type InsertContextParams struct {
	UserID          string
	ID              string
	Name            string
	ParentContextID *string
	Data            json.RawMessage
	DataVersion     int64
	TimeStarted     int64
}

const insertContextQuery = `
INSERT INTO contexts (user_id, id, name, status, parent_context_id, children,
                      data, data_version, time_started)
VALUES (?, ?, ?, 'started', ?, '[]', ?, ?, ?)`

// InsertContext inserts a fresh context in the started state. A duplicate
// (user_id, id) pair fails with a unique violation; callers translate that
// into their own validation error.
func (q *Queries) InsertContext(ctx context.Context, arg InsertContextParams) error {
	dataVersion := arg.DataVersion
	if dataVersion == 0 {
		dataVersion = 1
	}
	_, err := q.db.ExecContext(ctx, insertContextQuery,
		arg.UserID, arg.ID, arg.Name, nullString(arg.ParentContextID),
		nullJSON(arg.Data), dataVersion, arg.TimeStarted)
	return err
}

type SetContextStatusParams struct {
	UserID string
	ID     string
	// FromStatuses is the set of current statuses the transition applies
	// to. The update matches nothing when the row is outside this set.
	FromStatuses []ContextStatus
	Status       ContextStatus
	Time         int64
}

// SetContextStatus is the single primitive all lifecycle transitions are
// built on: a conditional update that only fires when the row's current
// status is in the expected pre-state set. It returns the number of rows
// changed (0 or 1). The timestamp column written depends on the target
// status.
func (q *Queries) SetContextStatus(ctx context.Context, arg SetContextStatusParams) (int64, error) {
	var timeColumn string
	switch arg.Status {
	case ContextEnded:
		timeColumn = "time_ended"
	case ContextInterrupted:
		timeColumn = "time_interrupted"
	case ContextStarted:
		timeColumn = "time_restored"
	default:
		return 0, fmt.Errorf("storage: unknown target status %q", arg.Status)
	}
	if len(arg.FromStatuses) == 0 {
		return 0, fmt.Errorf("storage: transition requires a pre-state set")
	}

	query := fmt.Sprintf(
		"UPDATE contexts SET status = ?, %s = ? WHERE user_id = ? AND id = ? AND status IN (%s)",
		timeColumn, placeholders(len(arg.FromStatuses)))

	args := []any{string(arg.Status), arg.Time, arg.UserID, arg.ID}
	for _, status := range arg.FromStatuses {
		args = append(args, string(status))
	}

	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ListChildContextIDsParams struct {
	UserID   string
	ParentID string
	Statuses []ContextStatus
}

// ListChildContextIDs returns the ids of direct children of a context whose
// current status is in the given set. Cascade traversals use this to discover
// the next layer of work.
func (q *Queries) ListChildContextIDs(ctx context.Context, arg ListChildContextIDsParams) ([]string, error) {
	if len(arg.Statuses) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		"SELECT id FROM contexts WHERE user_id = ? AND parent_context_id = ? AND status IN (%s) ORDER BY time_started",
		placeholders(len(arg.Statuses)))

	args := []any{arg.UserID, arg.ParentID}
	for _, status := range arg.Statuses {
		args = append(args, string(status))
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type AppendChildContextParams struct {
	UserID  string
	ID      string
	ChildID string
}

const appendChildContextQuery = `
UPDATE contexts
SET children = json_insert(children, '$[#]', ?)
WHERE user_id = ? AND id = ?
  AND ? NOT IN (SELECT value FROM json_each(children))`

// AppendChildContext records a child id on the parent's ordered child list.
// An id already on the list is not appended again, so a retried or raced
// link can never duplicate an entry.
func (q *Queries) AppendChildContext(ctx context.Context, arg AppendChildContextParams) error {
	_, err := q.db.ExecContext(ctx, appendChildContextQuery, arg.ChildID, arg.UserID, arg.ID, arg.ChildID)
	return err
}

type SetContextDataParams struct {
	UserID      string
	ID          string
	Data        json.RawMessage
	DataVersion int64
}

const setContextDataQuery = `
UPDATE contexts SET data = ?, data_version = ? WHERE user_id = ? AND id = ?`

func (q *Queries) SetContextData(ctx context.Context, arg SetContextDataParams) (int64, error) {
	dataVersion := arg.DataVersion
	if dataVersion == 0 {
		dataVersion = 1
	}
	result, err := q.db.ExecContext(ctx, setContextDataQuery,
		nullJSON(arg.Data), dataVersion, arg.UserID, arg.ID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type UpdateContextDataVariableParams struct {
	UserID string
	ID     string
	Key    string
	Value  json.RawMessage
}

const updateContextDataVariableQuery = `
UPDATE contexts
SET data = json_set(COALESCE(data, '{}'), '$."' || ? || '"', json(?))
WHERE user_id = ? AND id = ?`

// UpdateContextDataVariable merges a single key into the context data payload
// in place. The merge happens inside SQLite so concurrent variable updates
// never clobber each other through read-modify-write. The key is quoted into
// the JSON path, so a dotted key addresses one top-level member rather than a
// nested path; keys containing a double quote cannot be expressed in a SQLite
// JSON path and are rejected.
func (q *Queries) UpdateContextDataVariable(ctx context.Context, arg UpdateContextDataVariableParams) (int64, error) {
	if strings.ContainsAny(arg.Key, `"`) {
		return 0, fmt.Errorf("storage: invalid data variable key %q", arg.Key)
	}
	value := arg.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	result, err := q.db.ExecContext(ctx, updateContextDataVariableQuery,
		arg.Key, string(value), arg.UserID, arg.ID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type InsertEventParams struct {
	UserID      string
	ID          string
	Name        string
	Time        int64
	ContextID   *string
	Data        json.RawMessage
	DataVersion int64
	GameVersion *string
}

const insertEventQuery = `
INSERT OR IGNORE INTO events (user_id, id, name, time, context_id, data,
                              data_version, game_version)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// InsertEvent inserts an event if no event with the same id exists for the
// principal. It returns true when the row was newly written. The check and
// the write are one statement, so two concurrent inserts with the same id
// can never both report true.
func (q *Queries) InsertEvent(ctx context.Context, arg InsertEventParams) (bool, error) {
	dataVersion := arg.DataVersion
	if dataVersion == 0 {
		dataVersion = 1
	}
	result, err := q.db.ExecContext(ctx, insertEventQuery,
		arg.UserID, arg.ID, arg.Name, arg.Time, nullString(arg.ContextID),
		nullJSON(arg.Data), dataVersion, nullString(arg.GameVersion))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type GetEventParams struct {
	UserID string
	ID     string
}

const getEventQuery = `
SELECT user_id, id, name, time, context_id, data, data_version, game_version
FROM events
WHERE user_id = ? AND id = ?`

func (q *Queries) GetEvent(ctx context.Context, arg GetEventParams) (Event, error) {
	var (
		event       Event
		contextID   sql.NullString
		data        sql.NullString
		gameVersion sql.NullString
	)
	err := q.db.QueryRowContext(ctx, getEventQuery, arg.UserID, arg.ID).Scan(
		&event.UserID, &event.ID, &event.Name, &event.Time,
		&contextID, &data, &event.DataVersion, &gameVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	if contextID.Valid {
		event.ContextID = &contextID.String
	}
	if data.Valid {
		event.Data = json.RawMessage(data.String)
	}
	if gameVersion.Valid {
		event.GameVersion = &gameVersion.String
	}
	return event, nil
}

type UpsertUserVariableParams struct {
	UserID    string
	Key       string
	Value     json.RawMessage
	UpdatedAt int64
}

const upsertUserVariableQuery = `
INSERT INTO user_variables (user_id, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

func (q *Queries) UpsertUserVariable(ctx context.Context, arg UpsertUserVariableParams) error {
	_, err := q.db.ExecContext(ctx, upsertUserVariableQuery,
		arg.UserID, arg.Key, nullJSON(arg.Value), arg.UpdatedAt)
	return err
}

type MergeUserVariableParams struct {
	UserID    string
	Key       string
	Update    json.RawMessage
	UpdatedAt int64
}

const mergeUserVariableQuery = `
INSERT INTO user_variables (user_id, key, value, updated_at)
VALUES (?, ?, json(?), ?)
ON CONFLICT (user_id, key) DO UPDATE SET
	value = json_patch(COALESCE(user_variables.value, '{}'), excluded.value),
	updated_at = excluded.updated_at`

// MergeUserVariable applies a partial update document to a stored variable,
// creating it when absent. The merge runs inside SQLite.
func (q *Queries) MergeUserVariable(ctx context.Context, arg MergeUserVariableParams) error {
	update := arg.Update
	if len(update) == 0 {
		update = json.RawMessage("{}")
	}
	_, err := q.db.ExecContext(ctx, mergeUserVariableQuery,
		arg.UserID, arg.Key, string(update), arg.UpdatedAt)
	return err
}

type GetUserVariableParams struct {
	UserID string
	Key    string
}

const getUserVariableQuery = `
SELECT user_id, key, value, updated_at FROM user_variables WHERE user_id = ? AND key = ?`

func (q *Queries) GetUserVariable(ctx context.Context, arg GetUserVariableParams) (UserVariable, error) {
	var (
		variable UserVariable
		value    sql.NullString
	)
	err := q.db.QueryRowContext(ctx, getUserVariableQuery, arg.UserID, arg.Key).Scan(
		&variable.UserID, &variable.Key, &value, &variable.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserVariable{}, ErrNotFound
	}
	if err != nil {
		return UserVariable{}, err
	}
	if value.Valid {
		variable.Value = json.RawMessage(value.String)
	}
	return variable, nil
}

func scanContext(scan func(dest ...any) error) (Context, error) {
	var (
		c               Context
		parentContextID sql.NullString
		children        string
		data            sql.NullString
		timeEnded       sql.NullInt64
		timeInterrupted sql.NullInt64
		timeRestored    sql.NullInt64
	)
	err := scan(&c.UserID, &c.ID, &c.Name, &c.Status, &parentContextID,
		&children, &data, &c.DataVersion, &c.TimeStarted,
		&timeEnded, &timeInterrupted, &timeRestored)
	if errors.Is(err, sql.ErrNoRows) {
		return Context{}, ErrNotFound
	}
	if err != nil {
		return Context{}, err
	}
	if parentContextID.Valid {
		c.ParentContextID = &parentContextID.String
	}
	if err := json.Unmarshal([]byte(children), &c.Children); err != nil {
		return Context{}, fmt.Errorf("storage: corrupt children list for context %s: %w", c.ID, err)
	}
	if data.Valid {
		c.Data = json.RawMessage(data.String)
	}
	if timeEnded.Valid {
		c.TimeEnded = &timeEnded.Int64
	}
	if timeInterrupted.Valid {
		c.TimeInterrupted = &timeInterrupted.Int64
	}
	if timeRestored.Valid {
		c.TimeRestored = &timeRestored.Int64
	}
	return c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
