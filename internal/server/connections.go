package server

import (
	"sync"

	"github.com/coder/websocket"
)

// LiveConnection is the single live transport for one identity.
type LiveConnection struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
}

// ConnectionRegistry maps a user identity to exactly one live connection.
// A fresh Bind supersedes any existing connection for the same identity;
// the caller is responsible for notifying and closing the evicted one.
type ConnectionRegistry struct {
	byUser map[string]*LiveConnection
	mu     sync.RWMutex
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		byUser: make(map[string]*LiveConnection),
	}
}

// Bind registers conn as the live connection for userID and returns the
// superseded connection, if one was live. After Bind returns, lookups for
// userID resolve to the new connection only.
func (cr *ConnectionRegistry) Bind(userID, connectionID string, conn *websocket.Conn) *LiveConnection {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	evicted := cr.byUser[userID]
	if evicted != nil && evicted.ID == connectionID {
		evicted = nil
	}

	cr.byUser[userID] = &LiveConnection{
		ID:     connectionID,
		UserID: userID,
		Conn:   conn,
	}

	return evicted
}

// Unbind removes the mapping only if it still points at connectionID.
// A stale cleanup from an evicted connection must not shadow the newer
// connection's registration. Returns true when the live mapping was removed.
func (cr *ConnectionRegistry) Unbind(userID, connectionID string) bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	current, exists := cr.byUser[userID]
	if !exists || current.ID != connectionID {
		return false
	}

	delete(cr.byUser, userID)
	return true
}

// Get returns the live connection for userID, or nil if none.
func (cr *ConnectionRegistry) Get(userID string) *LiveConnection {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	return cr.byUser[userID]
}
