package signaling

import (
	"errors"
	"fmt"
)

// ConnectKind classifies a connect failure.
type ConnectKind int

const (
	// ConnectUnreachable is retriable: the endpoint could not be reached.
	ConnectUnreachable ConnectKind = iota + 1
	// ConnectRejected is fatal: the server refused the client (auth or lock).
	ConnectRejected
)

func (k ConnectKind) String() string {
	switch k {
	case ConnectUnreachable:
		return "unreachable"
	case ConnectRejected:
		return "rejected"
	default:
		return fmt.Sprintf("ConnectKind(%d)", int(k))
	}
}

// ConnectError is returned by Connect and by Dialer implementations.
type ConnectError struct {
	Kind ConnectKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

var (
	// ErrNotConnected is returned by Send when the queue overflowed while
	// the transport was unable to drain it; the oldest message was dropped.
	ErrNotConnected = errors.New("signaling: not connected, oldest queued message dropped")

	// ErrConnectionLost is carried by the ConnectionLost event once the
	// reconnect policy is exhausted.
	ErrConnectionLost = errors.New("signaling: connection lost")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("signaling: transport closed")
)

// IsRejected reports whether err is a fatal connect rejection.
func IsRejected(err error) bool {
	var ce *ConnectError
	return errors.As(err, &ce) && ce.Kind == ConnectRejected
}
