package realtime

import (
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionState is the lifecycle state of a realtime session
type SessionState int32

const (
	SessionPending SessionState = iota
	SessionAuthenticated
	SessionClosed
)

// String returns the string representation of the state
func (s SessionState) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionAuthenticated:
		return "authenticated"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live client connection. Its send queue is owned by Rooms:
// frames are enqueued under the room read lock and the queue is closed when
// the session leaves.
type Session struct {
	ID       string
	Identity string

	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32
}

// NewSession creates a pending session for identity with a bounded send
// queue. conn may be nil for sessions driven outside a gateway.
func NewSession(conn *websocket.Conn, identity string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		conn:     conn,
		send:     make(chan []byte, queueSize),
	}
}

// State returns the current state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Outbound returns the send queue. It is closed once the session leaves its
// room.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// enqueue must be called with the room lock held
func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}
