package session

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a terminal session failure.
type ErrorKind string

const (
	// KindRejected: the server refused the client (auth, lock, bad URL).
	KindRejected ErrorKind = "rejected"
	// KindUnreachable: the initial connect exhausted its retries.
	KindUnreachable ErrorKind = "unreachable"
	// KindConnectionLost: reconnecting after a mid-session drop failed.
	KindConnectionLost ErrorKind = "connection_lost"
	// KindKicked: the server removed this client.
	KindKicked ErrorKind = "kicked"
	// KindRoomLocked: the room refused the join request.
	KindRoomLocked ErrorKind = "room_locked"
)

// Error is the terminal failure of a session. It is also delivered to
// subscribers as an Event.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("session %s", e.Kind)
	}
	return fmt.Sprintf("session %s: %v", e.Kind, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

var (
	// ErrAlreadyJoined is returned by a second JoinRoom on the same session.
	ErrAlreadyJoined = errors.New("session: already joined")
	// ErrLeft is returned by a JoinRoom aborted by LeaveRoom.
	ErrLeft = errors.New("session: left before connecting")
	// ErrClosed is returned by commands issued after the session ended.
	ErrClosed = errors.New("session: closed")
)
