// Package stream serves proctoring verdicts over WebSocket connections.
package stream

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// SessionManager tracks the live stream of each exam session. A session has
// at most one stream; a newer connection replaces the older one.
type SessionManager struct {
	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		active: make(map[string]*websocket.Conn),
	}
}

// Register binds conn to sessionID, closing any connection it replaces.
func (m *SessionManager) Register(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.active[sessionID]; exists && existing != conn {
		go closeConn(existing, websocket.StatusNormalClosure, "session replaced")
	}

	m.active[sessionID] = conn
	slog.Info("Proctor stream registered", "session_id", sessionID)
}

// Unregister removes conn if it is still the session's active stream.
func (m *SessionManager) Unregister(sessionID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.active[sessionID]; exists && current == conn {
		delete(m.active, sessionID)
		slog.Info("Proctor stream unregistered", "session_id", sessionID)
	}
}

// CloseSession closes the session's stream and returns how many were closed.
func (m *SessionManager) CloseSession(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.active[sessionID]
	if !ok {
		return 0
	}
	go closeConn(conn, websocket.StatusNormalClosure, "session closed")
	delete(m.active, sessionID)
	slog.Info("Proctor stream closed", "session_id", sessionID)
	return 1
}

// CloseAll closes every stream, used on shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for sid, conn := range m.active {
		go closeConn(conn, websocket.StatusGoingAway, "server shutting down")
		delete(m.active, sid)
	}
}

// Count returns the number of live streams.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// closeConn runs the close handshake, which waits on the peer, outside the
// manager lock.
func closeConn(conn *websocket.Conn, code websocket.StatusCode, reason string) {
	if err := conn.Close(code, reason); err != nil {
		slog.Debug("Failed to close proctor stream", "error", err, "reason", reason)
	}
}
