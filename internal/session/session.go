// Package session is the room connection session manager. One Session
// joins one room: it drives the signaling transport, the peer registry and
// the stream tracker from a single owner goroutine and publishes a
// consistent connection and stream state to subscribers.
package session

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsession/internal/bandwidth"
	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/metrics"
	"github.com/1ureka/roomsession/internal/peer"
	"github.com/1ureka/roomsession/internal/protocol"
	"github.com/1ureka/roomsession/internal/signaling"
	"github.com/1ureka/roomsession/internal/stream"
	"github.com/1ureka/roomsession/internal/util"
)

// State is the session's connection state. Exactly one is current.
type State string

const (
	Initializing State = "initializing"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Leaving      State = "leaving"
	Left         State = "left"
	Failed       State = "error"
)

// Transport is the signaling control channel the session drives.
// *signaling.Transport implements it.
type Transport interface {
	Connect(ctx context.Context, roomURL string) error
	Send(msg protocol.Outbound) error
	Events() <-chan signaling.Event
	Close() error
}

// TransportFactory builds the transport for a join. resync produces the
// message the transport must send first after every reconnect.
type TransportFactory func(resync func() protocol.Outbound) Transport

// Config configures a Session. Only Settings is required.
type Config struct {
	Settings *config.Config

	// NewTransport defaults to a WebSocket signaling.Transport.
	NewTransport TransportFactory
	// PeerFactory defaults to pion PeerConnections using Settings' ICE servers.
	PeerFactory peer.Factory

	Clock   clockwork.Clock
	Metrics *metrics.Collector
}

// JoinOptions are per-join parameters.
type JoinOptions struct {
	// DisplayName overrides Settings.DisplayName.
	DisplayName string
	// Bandwidth, when set, is drained into the session until it closes or
	// the session ends.
	Bandwidth <-chan bandwidth.Report
}

type participant struct {
	id      string
	name    string
	streams map[string]bool
}

// Session is one room connection. Commands are safe for concurrent use;
// all state is owned by the run goroutine.
type Session struct {
	cfg Config
	log util.Logger

	queue chan func()
	done  chan struct{}
	hub   *hub

	snapshot atomic.Pointer[Snapshot]
	self     atomic.Value // string, read by the transport's resync hook
	err      atomic.Pointer[Error]

	// Owned by the run goroutine.
	machine      *fsm.FSM
	transport    Transport
	inbound      <-chan signaling.Event
	registry     *peer.Registry
	tracker      *stream.Tracker
	seen         *lru.Cache[string, struct{}]
	participants map[string]*participant
	roomURL      string
	displayName  string
	selfID       string
	synced       bool
	dropped      bool // Disconnected arrived before the connect result
	stopConnect  context.CancelFunc
	joinResult   chan error
	terminated   bool
}

// New creates a Session in the initializing state and starts its owner
// goroutine.
func New(cfg Config) (*Session, error) {
	if cfg.Settings == nil {
		cfg.Settings = config.Default()
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.PeerFactory == nil {
		f, err := peer.NewPionFactory(peer.ICEServers(cfg.Settings), nil)
		if err != nil {
			return nil, err
		}
		cfg.PeerFactory = f
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = defaultTransport(cfg)
	}

	seen, err := lru.New[string, struct{}](cfg.Settings.DedupWindow)
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:          cfg,
		log:          util.Scoped("session"),
		queue:        make(chan func(), cfg.Settings.EventQueueSize),
		done:         make(chan struct{}),
		hub:          newHub(cfg.Metrics.SubscriberDropped),
		seen:         seen,
		participants: make(map[string]*participant),
	}
	s.self.Store("")

	s.registry = peer.NewRegistry(peer.Config{
		Factory: cfg.PeerFactory,
		Clock:   cfg.Clock,
		Window:  cfg.Settings.RenegotiateWindow,
		Sink:    func(ev peer.Event) { s.enqueue(func() { s.onPeerEvent(ev) }) },
		Metrics: cfg.Metrics,
	})
	s.tracker = stream.NewTracker(stream.Config{
		Clock: cfg.Clock,
		Grace: cfg.Settings.StreamGrace,
		Sink:  func(due stream.RemovalDue) { s.enqueue(func() { s.emitStreams(s.tracker.Remove(due)) }) },
	})
	s.machine = s.newMachine()
	s.publishSnapshot()

	go s.run()
	return s, nil
}

func defaultTransport(cfg Config) TransportFactory {
	return func(resync func() protocol.Outbound) Transport {
		return signaling.New(signaling.Config{
			Endpoint:    cfg.Settings.Endpoint,
			Clock:       cfg.Clock,
			Backoff:     cfg.Settings.Backoff,
			QueueSize:   cfg.Settings.SendQueueSize,
			EventBuffer: cfg.Settings.EventQueueSize,
			PingPeriod:  signaling.DefaultPingPeriod,
			Resync:      resync,
			Metrics:     cfg.Metrics,
		})
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

// JoinRoom joins roomURL and waits until the session is connected or has
// failed. Cancelling ctx stops the wait only; use LeaveRoom to abort the
// join itself.
func (s *Session) JoinRoom(ctx context.Context, roomURL string, opts JoinOptions) error {
	result := make(chan error, 1)
	if !s.enqueue(func() { s.join(roomURL, opts, result) }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LeaveRoom tears the session down and waits until it has left. Calling it
// again, or after a failure, is a no-op.
func (s *Session) LeaveRoom(ctx context.Context) error {
	finished := make(chan struct{})
	if !s.enqueue(func() { s.leave(); close(finished) }) {
		return nil
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddLocalTrack publishes a local media track to every peer.
func (s *Session) AddLocalTrack(track webrtc.TrackLocal) error {
	return s.call(func() error { return s.registry.AddLocalTrack(track) })
}

// RemoveLocalTrack unpublishes a local media track.
func (s *Session) RemoveLocalTrack(trackID string) error {
	return s.call(func() error { return s.registry.RemoveLocalTrack(trackID) })
}

// ReportBandwidth applies a bandwidth probe result to the tracked streams.
func (s *Session) ReportBandwidth(r bandwidth.Report) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if !s.enqueue(func() { s.emitStreams(s.tracker.OnBandwidthSignal(r)) }) {
		return ErrClosed
	}
	return nil
}

// Subscribe registers a subscriber with the given buffer size.
func (s *Session) Subscribe(buffer int) *Subscription {
	return s.hub.add(buffer)
}

// Snapshot returns the latest published view.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// State returns the current connection state.
func (s *Session) State() State {
	return s.snapshot.Load().State
}

// Done is closed once the session reaches left or error.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil if the session did not fail.
func (s *Session) Err() error {
	if e := s.err.Load(); e != nil {
		return *e
	}
	return nil
}

// ---------------------------------------------------------------------------
// Queue
// ---------------------------------------------------------------------------

// enqueue hands fn to the owner goroutine. It fails once the session ended.
func (s *Session) enqueue(fn func()) bool {
	select {
	case s.queue <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the owner goroutine and waits for its result.
func (s *Session) call(fn func() error) error {
	result := make(chan error, 1)
	if !s.enqueue(func() { result <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-s.done:
		select {
		case err := <-result:
			return err
		default:
			return ErrClosed
		}
	}
}

func (s *Session) run() {
	defer func() {
		close(s.done)
		s.hub.close()
	}()

	for !s.terminated {
		select {
		case fn := <-s.queue:
			fn()
		case ev := <-s.inbound:
			s.onTransportEvent(ev)
		}
		s.publishSnapshot()
	}
}
