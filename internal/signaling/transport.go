// Package signaling owns the persistent control connection to the room
// backend: it dials, keeps an ordered stream of inbound messages flowing to
// a single consumer, queues outbound messages across disconnects, and
// reconnects with bounded exponential backoff.
package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/metrics"
	"github.com/1ureka/roomsession/internal/protocol"
	"github.com/1ureka/roomsession/internal/util"
)

// Event is delivered in order on Transport.Events.
type Event interface{ signalingEvent() }

// Inbound carries one decoded server message.
type Inbound struct{ Msg protocol.Inbound }

// Disconnected reports that the control connection dropped and a reconnect
// is under way.
type Disconnected struct{ Err error }

// Reconnected reports a re-established connection. The resync request has
// already been queued ahead of any other outbound message.
type Reconnected struct{ Attempt int }

// ConnectionLost is terminal: the reconnect policy was exhausted or the
// server rejected the reconnect. Err wraps ErrConnectionLost.
type ConnectionLost struct{ Err error }

func (Inbound) signalingEvent()        {}
func (Disconnected) signalingEvent()   {}
func (Reconnected) signalingEvent()    {}
func (ConnectionLost) signalingEvent() {}

// Config configures a Transport. Zero values fall back to defaults.
type Config struct {
	// Endpoint overrides the URL derived from the room URL by EndpointFor.
	Endpoint string
	Dialer   Dialer
	Clock    clockwork.Clock
	Backoff  config.Backoff

	// QueueSize bounds outbound messages held while disconnected.
	QueueSize int
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	// PingPeriod enables keepalive pings; zero disables them.
	PingPeriod time.Duration

	// Resync builds the message sent first on every reconnect so the
	// server replays current room membership.
	Resync func() protocol.Outbound

	Metrics *metrics.Collector
}

// Transport is the signaling control channel. Send is safe for concurrent
// use; Events must have exactly one consumer.
type Transport struct {
	cfg    Config
	log    util.Logger
	events chan Event
	queue  *queue
	wake   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes writes to the current connection.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      Conn
	gen       uint64
	connected bool
	started   bool
	closed    bool
	endpoint  string
}

// New creates an idle Transport. Call Connect to open it.
func New(cfg Config) *Transport {
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Backoff.Attempts <= 0 {
		cfg.Backoff = config.Default().Backoff
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = config.DefaultSendQueueSize
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = config.DefaultEventQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:    cfg,
		log:    util.Scoped("signaling"),
		events: make(chan Event, cfg.EventBuffer),
		queue:  newQueue(cfg.QueueSize),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Events returns the ordered inbound event stream.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect opens the control channel for roomURL. Unreachable endpoints are
// retried with backoff until the policy is exhausted, in which case a
// ConnectError of kind ConnectUnreachable is returned. A rejection is
// returned immediately. Cancelling ctx aborts the attempt.
func (t *Transport) Connect(ctx context.Context, roomURL string) error {
	endpoint := t.cfg.Endpoint
	if endpoint == "" {
		var err error
		if endpoint, err = EndpointFor(roomURL); err != nil {
			return &ConnectError{Kind: ConnectRejected, Err: err}
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return errors.New("signaling: Connect called twice")
	}
	t.started = true
	t.endpoint = endpoint
	t.mu.Unlock()

	ctx, stop := mergeDone(ctx, t.ctx)
	defer stop()

	b := newBackOff(t.cfg.Backoff, t.cfg.Clock)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			t.cfg.Metrics.ReconnectAttempt()
		}
		conn, err := t.cfg.Dialer.Dial(ctx, endpoint)
		if err == nil {
			go t.writeLoop()
			t.install(conn)
			return nil
		}
		if ctx.Err() != nil {
			return t.abortErr(ctx)
		}
		if IsRejected(err) {
			return err
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			t.log.Warnf("giving up on %s after %d attempts: %v", endpoint, attempt+1, err)
			var ce *ConnectError
			if errors.As(err, &ce) {
				return ce
			}
			return &ConnectError{Kind: ConnectUnreachable, Err: err}
		}
		t.log.Debugf("dial %s failed (%v), retrying in %s", endpoint, err, delay)

		select {
		case <-t.cfg.Clock.After(delay):
		case <-ctx.Done():
			return t.abortErr(ctx)
		}
	}
}

func (t *Transport) abortErr(ctx context.Context) error {
	if t.ctx.Err() != nil {
		return ErrClosed
	}
	return ctx.Err()
}

// Close flushes queued messages best-effort, closes the connection and
// stops any reconnect in progress. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, connected := t.conn, t.connected
	t.connected = false
	t.mu.Unlock()

	t.cancel()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if connected {
		for {
			msg, ok := t.queue.pop()
			if !ok {
				break
			}
			if err := t.writeMsg(conn, msg); err != nil {
				break
			}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	return conn.Close()
}

// install makes conn the current connection and starts its pumps.
func (t *Transport) install(conn Conn) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	done := make(chan struct{})
	if t.cfg.PingPeriod > 0 {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go t.pingLoop(conn, gen, done)
	}
	go t.readLoop(conn, gen, done)
	t.signal()
}

// lost handles a failure on connection gen. Only the first report per
// generation acts; it starts the reconnect loop.
func (t *Transport) lost(gen uint64, err error) {
	t.mu.Lock()
	if t.closed || gen != t.gen || !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	conn.Close()
	t.log.Warnf("control connection lost: %v", err)
	if !t.emit(Disconnected{Err: err}) {
		return
	}
	go t.reconnect(err)
}

// reconnect redials with a fresh backoff. On success the resync request is
// queued first; on exhaustion ConnectionLost is emitted and nothing further
// is scheduled.
func (t *Transport) reconnect(cause error) {
	b := newBackOff(t.cfg.Backoff, t.cfg.Clock)
	lastErr := cause

	for attempt := 1; ; attempt++ {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			t.fail(&lostError{attempts: attempt - 1, err: lastErr})
			return
		}

		select {
		case <-t.cfg.Clock.After(delay):
		case <-t.ctx.Done():
			return
		}

		t.cfg.Metrics.ReconnectAttempt()
		conn, err := t.cfg.Dialer.Dial(t.ctx, t.endpoint)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			lastErr = err
			if IsRejected(err) {
				t.fail(&lostError{attempts: attempt, err: err})
				return
			}
			t.log.Debugf("reconnect attempt %d failed: %v", attempt, err)
			continue
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.mu.Unlock()

		if t.cfg.Resync != nil {
			if t.queue.pushFront(t.cfg.Resync()) {
				t.cfg.Metrics.OutboundDropped()
			}
		}
		t.log.Infof("control connection restored after %d attempt(s)", attempt)
		// Reconnected is emitted before the new reader starts so it precedes
		// the resync reply in the event stream.
		if !t.emit(Reconnected{Attempt: attempt}) {
			conn.Close()
			return
		}
		t.install(conn)
		return
	}
}

func (t *Transport) fail(err error) {
	t.log.Errorf("%v", err)
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.emit(ConnectionLost{Err: err})
	t.cancel()
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues msg for delivery. While disconnected messages accumulate in
// a fixed-size queue; on overflow the oldest is dropped and ErrNotConnected
// is returned (msg itself is queued).
func (t *Transport) Send(msg protocol.Outbound) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	dropped := t.queue.push(msg)
	t.signal()
	if dropped {
		t.cfg.Metrics.OutboundDropped()
		return ErrNotConnected
	}
	return nil
}

// Pending reports the number of queued outbound messages.
func (t *Transport) Pending() int {
	return t.queue.len()
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// emit delivers ev to the consumer, giving up once the transport is closed.
func (t *Transport) emit(ev Event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.ctx.Done():
		return false
	}
}

// writeLoop is the single writer of queued messages. It survives reconnects
// and exits when the transport closes.
func (t *Transport) writeLoop() {
	for {
		select {
		case <-t.wake:
		case <-t.ctx.Done():
			return
		}

		for {
			t.mu.Lock()
			conn, gen, ok := t.conn, t.gen, t.connected
			t.mu.Unlock()
			if !ok {
				break
			}

			msg, ok := t.queue.pop()
			if !ok {
				break
			}

			t.writeMu.Lock()
			err := t.writeMsg(conn, msg)
			t.writeMu.Unlock()
			if err != nil {
				if t.queue.pushFront(msg) {
					t.cfg.Metrics.OutboundDropped()
				}
				t.lost(gen, err)
				break
			}
		}
	}
}

func (t *Transport) writeMsg(conn Conn, msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		t.log.Errorf("encode outbound message: %v", err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop decodes inbound messages in arrival order. Unknown types are
// skipped and malformed messages are logged and dropped.
func (t *Transport) readLoop(conn Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.lost(gen, err)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownType) {
				t.log.Debugf("ignoring message: %v", err)
				continue
			}
			t.cfg.Metrics.ProtocolViolation()
			t.log.Warnf("dropping inbound message: %v", err)
			continue
		}

		if !t.emit(Inbound{Msg: msg}) {
			return
		}
	}
}

func (t *Transport) pingLoop(conn Conn, gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				t.lost(gen, err)
				return
			}
		case <-done:
			return
		case <-t.ctx.Done():
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type lostError struct {
	attempts int
	err      error
}

func (e *lostError) Error() string {
	return ErrConnectionLost.Error() + ": " + e.err.Error()
}

func (e *lostError) Unwrap() []error { return []error{ErrConnectionLost, e.err} }

// newBackOff builds the bounded reconnect policy. Elapsed-time limits are
// disabled; the attempt cap alone ends the retry.
func newBackOff(p config.Backoff, clock clockwork.Clock) backoff.BackOff {
	eb := &backoff.ExponentialBackOff{
		InitialInterval:     p.Initial,
		RandomizationFactor: p.Jitter,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.Max,
		MaxElapsedTime:      0,
		Clock:               clock,
	}
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.Attempts))
}

// mergeDone returns a context cancelled when either parent is done.
func mergeDone(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
