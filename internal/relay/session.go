package relay

import (
	"errors"
	"sync"
)

var errSessionClosed = errors.New("session transport closed")

// Transport is the write side of one live connection. *websocket.Conn
// satisfies it; tests inject fakes.
type Transport interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Session is one admitted connection: verified identity plus, once joined,
// the claimed role and property group.
type Session struct {
	UserID   int
	Username string

	// Set on join, zeroed on leave. Guarded by the owning relay's mutex.
	Role       string
	PropertyID int

	transport Transport

	writeMu sync.Mutex
	open    bool
}

func newSession(userID int, username string, t Transport) *Session {
	return &Session{
		UserID:    userID,
		Username:  username,
		transport: t,
		open:      true,
	}
}

// IsOpen reports whether the transport is still writable.
func (s *Session) IsOpen() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.open
}

// send serializes writes to the transport. The first write error marks the
// session closed; later sends are silently refused.
func (s *Session) send(v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.open {
		return errSessionClosed
	}
	if err := s.transport.WriteJSON(v); err != nil {
		s.open = false
		return err
	}
	return nil
}

func (s *Session) markClosed() {
	s.writeMu.Lock()
	s.open = false
	s.writeMu.Unlock()
}
