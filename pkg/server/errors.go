package server

import (
	"errors"
	"fmt"
)

// Sentinel errors for session and server conditions.
var (
	// ErrSessionClosed is returned when an operation is attempted on
	// a closed session.
	ErrSessionClosed = errors.New("server: session closed")

	// ErrSessionNotFound is returned when a session id is not
	// registered.
	ErrSessionNotFound = errors.New("server: session not found")

	// ErrEventQueueFull is returned when a client outruns its
	// session's mailbox and an event is dropped.
	ErrEventQueueFull = errors.New("server: event queue full")

	// ErrInvalidHandshake is returned when the socket attach fails
	// before a session exists: no Connect record, bad token, or an
	// unregistered view.
	ErrInvalidHandshake = errors.New("server: invalid handshake")

	// ErrUnknownView is returned when a token names a view no
	// definition was registered for.
	ErrUnknownView = errors.New("server: unknown view")

	// ErrMaxSessionsReached is returned when the session limit is hit
	// and nothing can be evicted.
	ErrMaxSessionsReached = errors.New("server: max sessions reached")

	// ErrShuttingDown is returned for attaches that arrive during
	// graceful shutdown.
	ErrShuttingDown = errors.New("server: shutting down")
)

// SessionError wraps an error with session context for diagnostics.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("server: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("server: session %s: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a panic recovered from an event handler. Panics
// are always fatal to the session; a handler that cannot keep its
// state consistent must not keep running.
type HandlerError struct {
	SessionID string
	Event     string
	Panic     any
	Stack     []byte
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("server: handler panic in session %s, event %s: %v",
		e.SessionID, e.Event, e.Panic)
}

// ProtocolError wraps a wire-level violation: malformed record, a
// record kind the server never accepts, or a handshake that did not
// open with Connect. Fatal to the connection, never to the process.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server: protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
