// Package session tracks the lifecycle of each connected client: a session
// starts Unregistered, becomes Registered once it binds a user id, and ends
// Closed on disconnect. A bound identity never changes.
package session

import (
	"sync"
	"time"

	"chatline/pkg/interfaces"
	"chatline/pkg/types"
)

// State is a session lifecycle state.
type State int

const (
	StateUnregistered State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one live connection and the user it represents, if any.
type Session struct {
	conn     interfaces.Connection
	openedAt time.Time

	mu     sync.Mutex
	state  State
	userID types.ID
}

// New opens an Unregistered session on conn.
func New(conn interfaces.Connection) *Session {
	return &Session{conn: conn, openedAt: time.Now(), state: StateUnregistered}
}

// ID returns the connection handle.
func (s *Session) ID() string { return s.conn.ID() }

// OpenedAt returns when the session was created.
func (s *Session) OpenedAt() time.Time { return s.openedAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the bound user and whether one is bound.
func (s *Session) UserID() (types.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID, s.userID != 0
}

// Bind moves the session to Registered under userID. Binding again with the
// same id is allowed; a different id fails with ErrIdentityFixed.
func (s *Session) Bind(userID types.ID) error {
	if userID == 0 {
		return ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrSessionClosed
	case StateRegistered:
		if s.userID != userID {
			return ErrIdentityFixed
		}
		return nil
	default:
		s.userID = userID
		s.state = StateRegistered
		return nil
	}
}

// Close moves the session to Closed. It reports the bound user and whether
// this call performed the transition; later calls return false.
func (s *Session) Close() (types.ID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return s.userID, false
	}
	s.state = StateClosed
	return s.userID, true
}
