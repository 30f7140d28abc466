package signaling

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

// DefaultPingPeriod keeps the control connection alive through idle NATs.
const DefaultPingPeriod = (pongWait * 9) / 10

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens a control connection to a signaling endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WSDialer dials with gorilla/websocket.
type WSDialer struct {
	Header http.Header
}

// Dial implements Dialer. Handshake responses that refuse the client
// (401, 403, 423) are reported as Rejected; everything else is Unreachable.
func (d WSDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := *websocket.DefaultDialer
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil && isRejectStatus(resp.StatusCode) {
			return nil, &ConnectError{
				Kind: ConnectRejected,
				Err:  fmt.Errorf("handshake refused with status %d: %w", resp.StatusCode, err),
			}
		}
		return nil, &ConnectError{Kind: ConnectUnreachable, Err: err}
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

func isRejectStatus(code int) bool {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusLocked:
		return true
	}
	return false
}

// EndpointFor derives the signaling WebSocket URL for a room URL:
//
//	https://example.com/team/standup → wss://example.com/ws?room=https%3A%2F%2Fexample.com%2Fteam%2Fstandup
func EndpointFor(roomURL string) (string, error) {
	u, err := url.Parse(roomURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid room URL: %q", roomURL)
	}

	scheme := ""
	switch u.Scheme {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
		scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported room URL scheme: %q", u.Scheme)
	}

	q := url.Values{}
	q.Set("room", roomURL)
	return (&url.URL{Scheme: scheme, Host: u.Host, Path: "/ws", RawQuery: q.Encode()}).String(), nil
}
