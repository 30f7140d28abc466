package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/protocol"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

var errConnClosed = errors.New("fake conn closed")

// fakeConn is an in-memory control connection. Tests push server messages
// into in and read client writes from out.
type fakeConn struct {
	in     chan []byte
	out    chan protocol.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan protocol.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.out <- env
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}
func (c *fakeConn) SetReadLimit(int64)                {}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer fails with err while it is set and otherwise hands out a new
// fakeConn, published on conns.
type fakeDialer struct {
	mu    sync.Mutex
	err   error
	calls int
	conns chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const roomURL = "https://x/room"

var fixedBackoff = config.Backoff{Initial: time.Second, Max: time.Second, Multiplier: 1, Attempts: 3}

func newTestTransport(t *testing.T, d *fakeDialer, clk clockwork.Clock, queueSize int) *Transport {
	t.Helper()
	tr := New(Config{
		Dialer:    d,
		Clock:     clk,
		Backoff:   fixedBackoff,
		QueueSize: queueSize,
		Resync: func() protocol.Outbound {
			return protocol.JoinRequest{Room: roomURL, ClientID: "me", Resync: true}
		},
	})
	t.Cleanup(func() { tr.Close() })
	return tr
}

func nextEvent(t *testing.T, tr *Transport) Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return nil
	}
}

func nextWrite(t *testing.T, c *fakeConn) protocol.Envelope {
	t.Helper()
	select {
	case env := <-c.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound write")
		return protocol.Envelope{}
	}
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEndpointFor(t *testing.T) {
	testCases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://x/room", want: "wss://x/ws?room=https%3A%2F%2Fx%2Froom"},
		{in: "http://localhost:8080/a", want: "ws://localhost:8080/ws?room=http%3A%2F%2Flocalhost%3A8080%2Fa"},
		{in: "ftp://x/room", wantErr: true},
		{in: "not a url", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := EndpointFor(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestConnectRejectedIsNotRetried(t *testing.T) {
	d := newFakeDialer()
	d.setErr(&ConnectError{Kind: ConnectRejected, Err: errors.New("401")})
	tr := newTestTransport(t, d, clockwork.NewFakeClock(), 4)

	err := tr.Connect(context.Background(), roomURL)
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, d.callCount())
}

func TestConnectRetriesUnreachable(t *testing.T) {
	d := newFakeDialer()
	d.setErr(errors.New("connection refused"))
	clk := clockwork.NewFakeClock()
	tr := newTestTransport(t, d, clk, 4)

	result := make(chan error, 1)
	go func() { result <- tr.Connect(context.Background(), roomURL) }()

	clk.BlockUntil(1)
	d.setErr(nil)
	clk.Advance(time.Second)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	assert.Equal(t, 2, d.callCount())
}

func TestConnectGivesUpAsUnreachable(t *testing.T) {
	d := newFakeDialer()
	d.setErr(errors.New("connection refused"))
	clk := clockwork.NewFakeClock()
	tr := newTestTransport(t, d, clk, 4)

	result := make(chan error, 1)
	go func() { result <- tr.Connect(context.Background(), roomURL) }()

	for i := 0; i < fixedBackoff.Attempts; i++ {
		clk.BlockUntil(1)
		clk.Advance(time.Second)
	}

	select {
	case err := <-result:
		var ce *ConnectError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, ConnectUnreachable, ce.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not give up")
	}
	assert.Equal(t, 1+fixedBackoff.Attempts, d.callCount())
}

func TestConnectCancelledByContext(t *testing.T) {
	d := newFakeDialer()
	d.setErr(errors.New("connection refused"))
	clk := clockwork.NewFakeClock()
	tr := newTestTransport(t, d, clk, 4)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- tr.Connect(ctx, roomURL) }()

	clk.BlockUntil(1)
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect ignored cancellation")
	}
}

func TestSendQueuesUntilConnectedAndDropsOldest(t *testing.T) {
	d := newFakeDialer()
	tr := newTestTransport(t, d, clockwork.NewFakeClock(), 2)

	require.NoError(t, tr.Send(protocol.LocalOffer{ClientID: "a", SDP: "1"}))
	require.NoError(t, tr.Send(protocol.LocalOffer{ClientID: "b", SDP: "2"}))
	assert.ErrorIs(t, tr.Send(protocol.LocalOffer{ClientID: "c", SDP: "3"}), ErrNotConnected)
	assert.Equal(t, 2, tr.Pending())

	require.NoError(t, tr.Connect(context.Background(), roomURL))
	conn := nextConn(t, d)

	assert.Equal(t, "b", nextWrite(t, conn).ClientID)
	assert.Equal(t, "c", nextWrite(t, conn).ClientID)
}

func TestInboundOrderSkipsUnknownAndMalformed(t *testing.T) {
	d := newFakeDialer()
	tr := newTestTransport(t, d, clockwork.NewFakeClock(), 4)
	require.NoError(t, tr.Connect(context.Background(), roomURL))
	conn := nextConn(t, d)

	conn.in <- []byte(`{"type":"participant.joined","clientId":"p1"}`)
	conn.in <- []byte(`{"type":"room.renamed"}`)
	conn.in <- []byte(`{"type":`)
	conn.in <- []byte(`{"type":"stream.available","clientId":"p1"}`)
	conn.in <- []byte(`{"type":"participant.left","clientId":"p1"}`)

	ev := nextEvent(t, tr)
	require.IsType(t, Inbound{}, ev)
	assert.Equal(t, protocol.ParticipantJoined{ClientID: "p1"}, ev.(Inbound).Msg)

	ev = nextEvent(t, tr)
	require.IsType(t, Inbound{}, ev)
	assert.Equal(t, protocol.ParticipantLeft{ClientID: "p1"}, ev.(Inbound).Msg)
}

func TestReconnectSendsResyncFirst(t *testing.T) {
	d := newFakeDialer()
	clk := clockwork.NewFakeClock()
	tr := newTestTransport(t, d, clk, 8)
	require.NoError(t, tr.Connect(context.Background(), roomURL))
	first := nextConn(t, d)

	first.Close()
	require.IsType(t, Disconnected{}, nextEvent(t, tr))

	// Sent while disconnected: must follow the resync request.
	require.NoError(t, tr.Send(protocol.LocalOffer{ClientID: "p1", SDP: "v=0"}))

	clk.BlockUntil(1)
	clk.Advance(time.Second)

	ev := nextEvent(t, tr)
	require.IsType(t, Reconnected{}, ev)
	assert.Equal(t, 1, ev.(Reconnected).Attempt)

	second := nextConn(t, d)
	resync := nextWrite(t, second)
	assert.Equal(t, protocol.TypeJoinRequest, resync.Type)
	assert.True(t, resync.Resync)
	assert.Equal(t, "me", resync.ClientID)

	assert.Equal(t, protocol.TypeSDPOffer, nextWrite(t, second).Type)
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	d := newFakeDialer()
	clk := clockwork.NewFakeClock()
	tr := newTestTransport(t, d, clk, 4)
	require.NoError(t, tr.Connect(context.Background(), roomURL))
	conn := nextConn(t, d)

	d.setErr(errors.New("connection refused"))
	conn.Close()
	require.IsType(t, Disconnected{}, nextEvent(t, tr))

	for i := 0; i < fixedBackoff.Attempts; i++ {
		clk.BlockUntil(1)
		clk.Advance(time.Second)
	}

	ev := nextEvent(t, tr)
	require.IsType(t, ConnectionLost{}, ev)
	assert.ErrorIs(t, ev.(ConnectionLost).Err, ErrConnectionLost)

	calls := d.callCount()
	assert.Equal(t, 1+fixedBackoff.Attempts, calls)

	clk.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, d.callCount(), "no reconnect after exhaustion")
	assert.ErrorIs(t, tr.Send(protocol.LeaveRequest{}), ErrClosed)
}

func TestCloseFlushesAndIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	tr := newTestTransport(t, d, clockwork.NewFakeClock(), 4)
	require.NoError(t, tr.Connect(context.Background(), roomURL))
	conn := nextConn(t, d)

	require.NoError(t, tr.Send(protocol.LeaveRequest{}))
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Equal(t, protocol.TypeLeaveRequest, nextWrite(t, conn).Type)
	assert.ErrorIs(t, tr.Send(protocol.LeaveRequest{}), ErrClosed)
}
