// Package dispatch delivers bus events to connected clients. Delivery is
// best-effort: a dead connection just drops off, and clients recover through
// the reconciliation snapshots.
package dispatch

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ambulance-dispatch/internal/notify"
)

// WSSession wraps one connected client. Writes are serialized on the mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(evt notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(evt)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// WSRegistry holds client sessions keyed by client id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

// Add registers the connection, replacing (and closing) any previous session
// for the same client.
func (r *WSRegistry) Add(clientID string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	if old, ok := r.sessions[clientID]; ok {
		_ = old.Close()
	}
	r.sessions[clientID] = s
	r.mu.Unlock()
	return s
}

// Remove closes sess and drops the registration for clientID, but only when
// the registration still points at sess. A cleanup racing a reconnect must not
// tear down the replacement session.
func (r *WSRegistry) Remove(clientID string, sess *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[clientID]; ok && cur == sess {
		delete(r.sessions, clientID)
	}
	r.mu.Unlock()
	_ = sess.Close()
}

// Pump forwards a bus subscription to a session until either side goes away.
// It owns the subscription and closes it on exit.
func Pump(sub *notify.Subscription, sess *WSSession) {
	defer sub.Close()
	for evt := range sub.C() {
		if err := sess.Send(evt); err != nil {
			return
		}
	}
}
