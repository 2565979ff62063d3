package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotJoined           = errors.New("not joined to a room")
	ErrAlreadyJoined       = errors.New("already joined to a room")
	ErrNoRemotePeer        = errors.New("no remote participant in the room")
	ErrCallActive          = errors.New("call already active")
	ErrNoCall              = errors.New("no active call")
	ErrNoLocalMedia        = errors.New("no local media")
	ErrNoRemoteMedia       = errors.New("no remote media")
	ErrChannelDisconnected = errors.New("signaling channel disconnected")
	ErrPeerLeft            = errors.New("remote participant left")
	ErrRemoteHangUp        = errors.New("remote participant hung up")
	ErrConnectionLost      = errors.New("peer connection lost")
	ErrRelay               = errors.New("relay error")
	ErrClosed              = errors.New("session closed")
)

// Error wraps a failed controller operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
