package storage

import "encoding/json"

// ContextStatus is the lifecycle state of a context row.
type ContextStatus string

const (
	ContextStarted     ContextStatus = "started"
	ContextInterrupted ContextStatus = "interrupted"
	ContextEnded       ContextStatus = "ended"
)

// Context is one row of the contexts table. A context is a named unit of
// client activity, owned by a principal, optionally parented to another
// context of the same principal.
type Context struct {
	UserID          string
	ID              string
	Name            string
	Status          ContextStatus
	ParentContextID *string
	Children        []string
	Data            json.RawMessage
	DataVersion     int64
	TimeStarted     int64
	TimeEnded       *int64
	TimeInterrupted *int64
	TimeRestored    *int64
}

// Event is one row of the events table. Events are immutable facts; the
// (user_id, id) primary key makes insertion idempotent.
type Event struct {
	UserID      string
	ID          string
	Name        string
	Time        int64
	ContextID   *string
	Data        json.RawMessage
	DataVersion int64
	GameVersion *string
}

// UserVariable is one row of the user_variables table.
type UserVariable struct {
	UserID    string
	Key       string
	Value     json.RawMessage
	UpdatedAt int64
}
