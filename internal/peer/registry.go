// Package peer owns one media transport per remote participant: it
// negotiates offers and answers, buffers early ICE candidates, resolves
// offer glare and coalesces renegotiation triggers.
//
// A Registry has a single owner goroutine. Callbacks from the media stack
// and from timers never touch registry state; they are reported through
// the Sink and handed back by the owner.
package peer

import (
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/roomsession/internal/config"
	"github.com/1ureka/roomsession/internal/metrics"
	"github.com/1ureka/roomsession/internal/util"
)

// NegotiationState is the offer/answer position of one peer transport.
type NegotiationState string

const (
	Idle      NegotiationState = "idle"
	Offering  NegotiationState = "offering"
	Answering NegotiationState = "answering"
	Stable    NegotiationState = "stable"
)

var (
	// ErrGlareConflict is returned by ApplyRemoteOffer when both sides
	// offered and this side wins the tie-break; the remote offer is ignored.
	ErrGlareConflict = errors.New("peer: glare conflict, remote offer ignored")
	// ErrInvalidState reports an SDP that does not fit the negotiation state.
	ErrInvalidState = errors.New("peer: invalid negotiation state")
	// ErrUnknownPeer reports an operation on a participant with no transport.
	ErrUnknownPeer = errors.New("peer: unknown peer")
)

// Event is reported asynchronously through Config.Sink.
type Event interface{ peerEvent() }

// CandidateGathered carries a local ICE candidate to send to ClientID.
type CandidateGathered struct {
	ClientID  string
	Candidate webrtc.ICECandidateInit
}

// TrackReceived reports remote media flowing from ClientID.
type TrackReceived struct {
	ClientID string
	StreamID string
	TrackID  string
}

// RenegotiationDue reports that the coalescing window for ClientID elapsed.
// Pass it to Renegotiate.
type RenegotiationDue struct {
	ClientID string
	gen      uint64
}

func (CandidateGathered) peerEvent() {}
func (TrackReceived) peerEvent()     {}
func (RenegotiationDue) peerEvent()  {}

// Config configures a Registry.
type Config struct {
	SelfID  string
	Factory Factory
	Clock   clockwork.Clock
	// Window coalesces renegotiation triggers into one offer.
	Window  time.Duration
	Sink    func(Event)
	Metrics *metrics.Collector
}

type peer struct {
	id    string
	gen   uint64
	conn  Conn
	state NegotiationState

	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	timer   clockwork.Timer
	pending bool

	closed atomic.Bool
}

// Registry holds the peer transports keyed by clientId.
type Registry struct {
	cfg    Config
	log    util.Logger
	peers  map[string]*peer
	tracks map[string]webrtc.TrackLocal
	gen    uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = config.DefaultRenegotiateWindow
	}
	if cfg.Sink == nil {
		cfg.Sink = func(Event) {}
	}
	return &Registry{
		cfg:    cfg,
		log:    util.Scoped("peer"),
		peers:  make(map[string]*peer),
		tracks: make(map[string]webrtc.TrackLocal),
	}
}

// SetSelfID sets the local clientId used by the glare tie-break.
func (r *Registry) SetSelfID(id string) {
	r.cfg.SelfID = id
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// EnsurePeer creates the transport for clientID if absent. It reports
// whether a new transport was created. New transports carry every current
// local track.
func (r *Registry) EnsurePeer(clientID string) (bool, error) {
	if _, ok := r.peers[clientID]; ok {
		return false, nil
	}

	conn, err := r.cfg.Factory.NewConn(clientID)
	if err == nil && conn == nil {
		err = errNoConn
	}
	if err != nil {
		return false, fmt.Errorf("create transport for %s: %w", clientID, err)
	}

	r.gen++
	// Local tracks still need an offer of their own; it follows the first
	// negotiation to settle.
	p := &peer{id: clientID, gen: r.gen, conn: conn, state: Idle, pending: len(r.tracks) > 0}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if !p.closed.Load() {
			r.cfg.Sink(CandidateGathered{ClientID: clientID, Candidate: c})
		}
	})
	conn.OnTrack(func(streamID, trackID string) {
		if !p.closed.Load() {
			r.cfg.Sink(TrackReceived{ClientID: clientID, StreamID: streamID, TrackID: trackID})
		}
	})

	for _, id := range r.trackIDs() {
		if err := conn.AddTrack(r.tracks[id]); err != nil {
			r.log.Warnf("add track %s to %s: %v", id, clientID, err)
		}
	}

	r.peers[clientID] = p
	r.log.Debugf("created transport for %s", clientID)
	return true, nil
}

// Teardown closes the transport for clientID, discarding buffered
// candidates and cancelling a scheduled renegotiation. It reports whether a
// transport existed; a second call is a no-op.
func (r *Registry) Teardown(clientID string) bool {
	p, ok := r.peers[clientID]
	if !ok {
		return false
	}
	delete(r.peers, clientID)

	p.closed.Store(true)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.candidates = nil
	if err := p.conn.Close(); err != nil {
		r.log.Debugf("close transport for %s: %v", clientID, err)
	}
	r.log.Debugf("tore down transport for %s", clientID)
	return true
}

// TeardownAll closes every transport and returns how many were closed.
func (r *Registry) TeardownAll() int {
	n := 0
	for _, id := range r.Peers() {
		if r.Teardown(id) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

// ApplyRemoteOffer accepts an offer from clientID and returns the answer.
// If this side has its own offer outstanding, the side with the smaller
// clientId yields: it rolls back and answers, re-offering its changes
// afterwards. The other side returns ErrGlareConflict.
func (r *Registry) ApplyRemoteOffer(clientID, sdp string) (string, error) {
	if _, err := r.EnsurePeer(clientID); err != nil {
		return "", err
	}
	p := r.peers[clientID]

	switch p.state {
	case Idle, Stable:
	case Offering:
		if r.cfg.SelfID >= clientID {
			r.cfg.Metrics.Glare("ignored")
			r.log.Debugf("glare with %s: keeping local offer", clientID)
			return "", ErrGlareConflict
		}
		if err := p.conn.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return "", fmt.Errorf("rollback local offer to %s: %w", clientID, err)
		}
		r.cfg.Metrics.Glare("yielded")
		r.log.Debugf("glare with %s: yielding to remote offer", clientID)
		p.state = Stable
		p.pending = true
	default:
		return "", fmt.Errorf("offer from %s while %s: %w", clientID, p.state, ErrInvalidState)
	}

	prev := p.state
	p.state = Answering

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(offer); err != nil {
		p.state = prev
		return "", fmt.Errorf("apply offer from %s: %w", clientID, err)
	}
	p.remoteSet = true
	r.flushCandidates(p)

	answer, err := p.conn.CreateAnswer()
	if err == nil {
		err = p.conn.SetLocalDescription(answer)
	}
	if err != nil {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if rbErr := p.conn.SetRemoteDescription(rollback); rbErr != nil {
			r.log.Warnf("rollback remote offer from %s: %v", clientID, rbErr)
		}
		p.state = prev
		return "", fmt.Errorf("answer %s: %w", clientID, err)
	}

	p.state = Stable
	r.afterStable(p)
	return answer.SDP, nil
}

// ApplyRemoteAnswer completes an offer this side sent to clientID.
func (r *Registry) ApplyRemoteAnswer(clientID, sdp string) error {
	p, ok := r.peers[clientID]
	if !ok {
		return fmt.Errorf("answer from %s: %w", clientID, ErrUnknownPeer)
	}
	if p.state != Offering {
		return fmt.Errorf("answer from %s while %s: %w", clientID, p.state, ErrInvalidState)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.conn.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer from %s: %w", clientID, err)
	}
	p.remoteSet = true
	p.state = Stable
	r.flushCandidates(p)
	r.afterStable(p)
	return nil
}

// AddRemoteICECandidate applies a candidate from clientID, buffering it
// until a remote description has been set.
func (r *Registry) AddRemoteICECandidate(clientID string, candidate webrtc.ICECandidateInit) error {
	p, ok := r.peers[clientID]
	if !ok {
		return fmt.Errorf("candidate from %s: %w", clientID, ErrUnknownPeer)
	}
	if !p.remoteSet {
		p.candidates = append(p.candidates, candidate)
		return nil
	}
	if err := p.conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("add candidate from %s: %w", clientID, err)
	}
	return nil
}

func (r *Registry) flushCandidates(p *peer) {
	buffered := p.candidates
	p.candidates = nil
	for _, c := range buffered {
		if err := p.conn.AddICECandidate(c); err != nil {
			r.log.Warnf("add buffered candidate from %s: %v", p.id, err)
		}
	}
}

// afterStable re-offers changes that were deferred while a negotiation was
// in flight.
func (r *Registry) afterStable(p *peer) {
	if p.pending {
		p.pending = false
		r.schedule(p)
	}
}

// ---------------------------------------------------------------------------
// Renegotiation
// ---------------------------------------------------------------------------

// ScheduleRenegotiation arms the coalescing window for clientID. Triggers
// arriving while the window is open are folded into the same offer.
func (r *Registry) ScheduleRenegotiation(clientID string) error {
	p, ok := r.peers[clientID]
	if !ok {
		return fmt.Errorf("renegotiate %s: %w", clientID, ErrUnknownPeer)
	}
	r.schedule(p)
	return nil
}

func (r *Registry) schedule(p *peer) {
	if p.timer != nil {
		return
	}
	due := RenegotiationDue{ClientID: p.id, gen: p.gen}
	p.timer = r.cfg.Clock.AfterFunc(r.cfg.Window, func() {
		if !p.closed.Load() {
			r.cfg.Sink(due)
		}
	})
}

// Renegotiate creates the coalesced offer for due. It returns ok=false when
// there is nothing to send: the transport is gone, or a negotiation is in
// flight, in which case the offer is deferred until it settles.
func (r *Registry) Renegotiate(due RenegotiationDue) (sdp string, ok bool, err error) {
	p, exists := r.peers[due.ClientID]
	if !exists || p.gen != due.gen {
		return "", false, nil
	}
	p.timer = nil

	if p.state == Offering || p.state == Answering {
		p.pending = true
		return "", false, nil
	}

	offer, err := p.conn.CreateOffer()
	if err == nil {
		err = p.conn.SetLocalDescription(offer)
	}
	if err != nil {
		return "", false, fmt.Errorf("offer to %s: %w", p.id, err)
	}

	p.state = Offering
	p.pending = false
	r.cfg.Metrics.Renegotiation()
	return offer.SDP, true, nil
}

// ---------------------------------------------------------------------------
// Local media
// ---------------------------------------------------------------------------

// AddLocalTrack publishes track to every peer and schedules renegotiation.
func (r *Registry) AddLocalTrack(track webrtc.TrackLocal) error {
	if _, ok := r.tracks[track.ID()]; ok {
		return nil
	}
	r.tracks[track.ID()] = track

	var errs []error
	for _, id := range r.Peers() {
		p := r.peers[id]
		if err := p.conn.AddTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("add track to %s: %w", id, err))
			continue
		}
		r.schedule(p)
	}
	return errors.Join(errs...)
}

// RemoveLocalTrack unpublishes the track and schedules renegotiation.
func (r *Registry) RemoveLocalTrack(trackID string) error {
	if _, ok := r.tracks[trackID]; !ok {
		return nil
	}
	delete(r.tracks, trackID)

	var errs []error
	for _, id := range r.Peers() {
		p := r.peers[id]
		if err := p.conn.RemoveTrack(trackID); err != nil {
			errs = append(errs, fmt.Errorf("remove track from %s: %w", id, err))
			continue
		}
		r.schedule(p)
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// State returns the negotiation state for clientID.
func (r *Registry) State(clientID string) (NegotiationState, bool) {
	p, ok := r.peers[clientID]
	if !ok {
		return "", false
	}
	return p.state, true
}

// BufferedCandidates returns the number of candidates held for clientID.
func (r *Registry) BufferedCandidates(clientID string) int {
	if p, ok := r.peers[clientID]; ok {
		return len(p.candidates)
	}
	return 0
}

// Peers returns the clientIds with a transport, sorted.
func (r *Registry) Peers() []string {
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of transports.
func (r *Registry) Len() int {
	return len(r.peers)
}

func (r *Registry) trackIDs() []string {
	ids := make([]string, 0, len(r.tracks))
	for id := range r.tracks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
