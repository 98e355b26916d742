// Package server hosts the collector's websocket endpoint: it owns the live
// session set, the RPC dispatcher, and the read loop that turns transport
// frames into responses.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/telemetrykit/collector/internal/auth"
	"github.com/telemetrykit/collector/internal/contexts"
	"github.com/telemetrykit/collector/internal/events"
	"github.com/telemetrykit/collector/internal/logger"
	"github.com/telemetrykit/collector/internal/rpc"
	"github.com/telemetrykit/collector/internal/storage"
	"github.com/telemetrykit/collector/internal/uservars"
)

type Server struct {
	dispatcher *Dispatcher
	sessions   *SessionManager
	contexts   *contexts.Store
	upgrader   websocket.Upgrader
}

// New wires the domain stores and the dispatcher. A nil token manager means
// open authorization.
func New(queries *storage.Queries, tokens *auth.TokenManager, allowedOrigins []string) *Server {
	contextStore := contexts.NewStore(queries, nil)
	eventStore := events.NewStore(queries, contextStore, nil)
	varStore := uservars.NewStore(queries, nil)

	dispatcher := NewDispatcher()
	NewHandlers(contextStore, eventStore, varStore, tokens).Register(dispatcher)

	return &Server{
		dispatcher: dispatcher,
		sessions:   NewSessionManager(),
		contexts:   contextStore,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(allowedOrigins),
		},
	}
}

// Dispatcher returns the method registry, so embedders can expose additional
// methods before serving.
func (s *Server) Dispatcher() *Dispatcher { return s.dispatcher }

// Sessions returns the live session set.
func (s *Server) Sessions() *SessionManager { return s.sessions }

func originChecker(allowed []string) func(*http.Request) bool {
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		allowedSet[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowedSet[origin]
		return ok
	}
}

// RegisterRoutes mounts the websocket endpoint and a health probe.
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.sessions.Count()})
	})
	router.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket upgrades the connection and runs its read loop. Requests
// from one connection are processed in transport delivery order on this
// goroutine; other connections are unaffected while a request is in flight.
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sess := NewSession(conn)
	s.sessions.Add(sess)
	logger.Infof("Client connected: %s", sess.ID())

	defer s.disconnect(sess)

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warnf("Read error on %s: %v", sess.ID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(sess, data)
	}
}

// handleFrame processes one inbound transport message and writes back the
// response, if any.
func (s *Server) handleFrame(sess *Session, data []byte) {
	payload, ok := s.processFrame(sess, data)
	if ok {
		s.send(sess, payload)
	}
}

// processFrame turns one transport message - a single request or a batch -
// into a serialized response payload. Handlers run under a background context
// so a transport close cannot cancel a mid-flight store operation; only the
// response write is best effort. An empty batch produces no response at all.
func (s *Server) processFrame(sess *Session, data []byte) ([]byte, bool) {
	ctx := context.Background()

	messages, batch, perr := rpc.DecodeFrame(data)
	if perr != nil {
		return rpc.NewErrorResponse(rpc.NullID, perr).Encode(), true
	}

	if !batch {
		resp := s.dispatcher.DispatchRaw(ctx, sess, messages[0])
		return resp.Encode(), true
	}

	if len(messages) == 0 {
		return nil, false
	}

	responses := make([]*rpc.Response, 0, len(messages))
	for _, raw := range messages {
		responses = append(responses, s.dispatcher.DispatchRaw(ctx, sess, raw))
	}
	payload, err := json.Marshal(responses)
	if err != nil {
		logger.Errorf("Failed to marshal batch response: %v", err)
		return nil, false
	}
	return payload, true
}

func (s *Server) send(sess *Session, payload []byte) {
	if err := sess.Send(payload); err != nil {
		logger.Debugf("Dropped response to %s: %v", sess.ID(), err)
	}
}

// disconnect removes the session from the live set and interrupts every root
// context it touched that is still started. Only roots are iterated; the
// interrupt cascade covers descendants. The conditional transition guards
// against interrupting the same context twice.
func (s *Server) disconnect(sess *Session) {
	s.sessions.Remove(sess.ID())
	logger.Infof("Client disconnected: %s", sess.ID())

	if !sess.Authorized() {
		return
	}

	ctx := context.Background()
	userID := sess.Identity().UserID
	for _, rootID := range sess.RootContexts() {
		interrupted, err := s.contexts.Interrupt(ctx, userID, rootID, nil)
		if err != nil {
			logger.Warnf("Failed to interrupt context %s for %s: %v", rootID, userID, err)
			continue
		}
		if interrupted {
			logger.Debugf("Interrupted context %s for %s on disconnect", rootID, userID)
		}
	}
}
