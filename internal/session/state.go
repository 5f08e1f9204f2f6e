package session

import (
	"errors"
	"fmt"
)

// ConnState is the observable lifecycle of the session socket.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "idle"
	}
}

var (
	// ErrConnection marks socket-level failures.
	ErrConnection = errors.New("connection error")
	// ErrNoSession is returned when no session is open.
	ErrNoSession = errors.New("no active session")
	// ErrSuperseded is returned by Open when Close or another Open won the race.
	ErrSuperseded = errors.New("session superseded")
)

// ConnectionError reports a dial or read failure on the session socket.
type ConnectionError struct {
	Op        string // "dial" or "read"
	SessionID int64
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session %d: %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// StateChange is delivered to the state listener on every transition.
type StateChange struct {
	SessionID    int64
	ConnectionID string
	State        ConnState
	Err          error
}

// Status classifies what happened to one payload.
type Status int

const (
	StatusRendered Status = iota
	StatusMalformed
	StatusStale
	StatusLate
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusRendered:
		return "rendered"
	case StatusMalformed:
		return "malformed"
	case StatusStale:
		return "stale"
	case StatusLate:
		return "late"
	default:
		return "inactive"
	}
}
