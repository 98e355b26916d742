package server

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Identity is the authenticated principal bound to a session by the
// authorize call.
type Identity struct {
	UserID string
	// Payload is the arbitrary extra payload supplied at authorization.
	Payload json.RawMessage
	// GameVersion is the client-reported version tag, denormalized onto
	// every event this session logs.
	GameVersion *string
}

// Session is the per-connection record. The transport handle is owned
// exclusively by the session; all request processing for a connection happens
// on that connection's read goroutine, so the authorization fields and the
// root-context cache need no locking. Only writes to the socket are
// serialized, for the transport's single-writer rule.
type Session struct {
	id   string
	conn *websocket.Conn

	writeMu sync.Mutex

	authorized bool
	identity   Identity

	// rootContexts is the ordered set of root context ids this connection
	// touched. It only accelerates disconnect-time interruption; the
	// authoritative lifecycle state lives in the store.
	rootContexts []string
	rootSeen     map[string]struct{}
}

func NewSession(conn *websocket.Conn) *Session {
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		rootSeen: make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// Authorized reports whether the session has completed authorization.
func (s *Session) Authorized() bool { return s.authorized }

// Identity returns the authenticated principal. Zero value before
// authorization.
func (s *Session) Identity() Identity { return s.identity }

// Authorize binds the principal to the session. Exactly one authorization is
// permitted per connection.
func (s *Session) Authorize(identity Identity) bool {
	if s.authorized {
		return false
	}
	s.authorized = true
	s.identity = identity
	return true
}

// TouchRoot records a root context id touched by this connection. Duplicates
// are ignored; order of first touch is preserved.
func (s *Session) TouchRoot(id string) {
	if _, ok := s.rootSeen[id]; ok {
		return
	}
	s.rootSeen[id] = struct{}{}
	s.rootContexts = append(s.rootContexts, id)
}

// RootContexts returns the root context ids touched by this connection, in
// first-touch order.
func (s *Session) RootContexts() []string {
	result := make([]string, len(s.rootContexts))
	copy(result, s.rootContexts)
	return result
}

// Send writes one text message to the socket. A write failure (typically a
// closed socket) is returned to the caller, which logs and moves on; the
// request's side effects are already durable at this point.
func (s *Session) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// SessionManager tracks the set of live sessions.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// Add registers a new session.
func (m *SessionManager) Add(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.id] = sess
}

// Remove removes a session from the live set. It reports whether the session
// was present.
func (m *SessionManager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Get finds a session by connection id.
func (m *SessionManager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
