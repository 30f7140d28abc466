package peer

import (
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/roomsession/internal/metrics"
)

const window = 50 * time.Millisecond

// fakeConn records what the registry asks of it.
type fakeConn struct {
	mu sync.Mutex

	calls      []string
	candidates []webrtc.ICECandidateInit
	tracks     []string
	closed     int
	offers     int

	failRemote error

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(streamID, trackID string)
}

func (c *fakeConn) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	c.offers++
	c.mu.Unlock()
	c.record("create-offer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (c *fakeConn) SetLocalDescription(sdp webrtc.SessionDescription) error {
	c.record("local-" + sdp.Type.String())
	return nil
}

func (c *fakeConn) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	c.record("remote-" + sdp.Type.String())
	if sdp.Type != webrtc.SDPTypeRollback && c.failRemote != nil {
		return c.failRemote
	}
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, candidate)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onCandidate = fn }
func (c *fakeConn) OnTrack(fn func(streamID, trackID string))       { c.onTrack = fn }

func (c *fakeConn) AddTrack(track webrtc.TrackLocal) error {
	c.mu.Lock()
	c.tracks = append(c.tracks, track.ID())
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) RemoveTrack(trackID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.tracks {
		if id == trackID {
			c.tracks = append(c.tracks[:i], c.tracks[i+1:]...)
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

type fakeFactory struct {
	conns map[string]*fakeConn
	err   error
}

func (f *fakeFactory) NewConn(clientID string) (Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{}
	f.conns[clientID] = c
	return c, nil
}

type harness struct {
	reg     *Registry
	factory *fakeFactory
	clock   clockwork.FakeClock
	events  chan Event
	metrics *metrics.Collector
}

func newHarness(t *testing.T, selfID string) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{conns: make(map[string]*fakeConn)},
		clock:   clockwork.NewFakeClock(),
		events:  make(chan Event, 32),
		metrics: metrics.New(),
	}
	h.reg = NewRegistry(Config{
		SelfID:  selfID,
		Factory: h.factory,
		Clock:   h.clock,
		Window:  window,
		Sink:    func(ev Event) { h.events <- ev },
		Metrics: h.metrics,
	})
	return h
}

func (h *harness) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no registry event")
		return nil
	}
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// offer runs one renegotiation round for clientID and returns the offer.
func (h *harness) offer(t *testing.T, clientID string) string {
	t.Helper()
	require.NoError(t, h.reg.ScheduleRenegotiation(clientID))
	h.clock.Advance(window)
	due, ok := h.next(t).(RenegotiationDue)
	require.True(t, ok)
	sdp, ok, err := h.reg.Renegotiate(due)
	require.NoError(t, err)
	require.True(t, ok)
	return sdp
}

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "local")
	require.NoError(t, err)
	return track
}

func TestEnsurePeerIsIdempotent(t *testing.T) {
	h := newHarness(t, "a")

	created, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = h.reg.EnsurePeer("b")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, h.factory.conns, 1)

	state, ok := h.reg.State("b")
	require.True(t, ok)
	assert.Equal(t, Idle, state)
}

func TestEnsurePeerFactoryError(t *testing.T) {
	h := newHarness(t, "a")
	h.factory.err = errors.New("no sockets")

	_, err := h.reg.EnsurePeer("b")
	assert.Error(t, err)
	assert.Equal(t, 0, h.reg.Len())
}

func TestOfferAnswerRound(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)

	assert.Equal(t, "local-offer", h.offer(t, "b"))
	state, _ := h.reg.State("b")
	assert.Equal(t, Offering, state)

	require.NoError(t, h.reg.ApplyRemoteAnswer("b", "remote-answer"))
	state, _ = h.reg.State("b")
	assert.Equal(t, Stable, state)

	assert.ErrorIs(t, h.reg.ApplyRemoteAnswer("b", "again"), ErrInvalidState)
	assert.ErrorIs(t, h.reg.ApplyRemoteAnswer("zed", "x"), ErrUnknownPeer)
	assert.Contains(t, scrape(t, h.metrics), "roomsession_peer_renegotiations_total 1")
}

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return rec.Body.String()
}

func TestRemoteOfferIsAnswered(t *testing.T) {
	h := newHarness(t, "a")

	answer, err := h.reg.ApplyRemoteOffer("b", "remote-offer")
	require.NoError(t, err)
	assert.Equal(t, "local-answer", answer)

	conn := h.factory.conns["b"]
	require.NotNil(t, conn, "offer creates the transport lazily")
	assert.Equal(t, []string{"remote-offer", "create-answer", "local-answer"}, conn.calls)

	state, _ := h.reg.State("b")
	assert.Equal(t, Stable, state)
}

func TestRemoteOfferFailureRestoresState(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	h.factory.conns["b"].failRemote = errors.New("bad sdp")

	_, err = h.reg.ApplyRemoteOffer("b", "garbage")
	assert.Error(t, err)
	state, _ := h.reg.State("b")
	assert.Equal(t, Idle, state)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)

	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	require.NoError(t, h.reg.AddRemoteICECandidate("b", first))
	require.NoError(t, h.reg.AddRemoteICECandidate("b", second))
	assert.Equal(t, 2, h.reg.BufferedCandidates("b"))

	conn := h.factory.conns["b"]
	assert.Empty(t, conn.candidates)

	_, err = h.reg.ApplyRemoteOffer("b", "remote-offer")
	require.NoError(t, err)
	assert.Equal(t, []webrtc.ICECandidateInit{first, second}, conn.candidates, "flushed in arrival order")
	assert.Equal(t, 0, h.reg.BufferedCandidates("b"))

	third := webrtc.ICECandidateInit{Candidate: "candidate:3"}
	require.NoError(t, h.reg.AddRemoteICECandidate("b", third))
	assert.Equal(t, []webrtc.ICECandidateInit{first, second, third}, conn.candidates)

	assert.ErrorIs(t, h.reg.AddRemoteICECandidate("zed", third), ErrUnknownPeer)
}

func TestCandidatesFlushedOnAnswer(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	h.offer(t, "b")

	c := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	require.NoError(t, h.reg.AddRemoteICECandidate("b", c))
	assert.Empty(t, h.factory.conns["b"].candidates)

	require.NoError(t, h.reg.ApplyRemoteAnswer("b", "remote-answer"))
	assert.Equal(t, []webrtc.ICECandidateInit{c}, h.factory.conns["b"].candidates)
}

func TestGlareTieBreak(t *testing.T) {
	t.Run("smaller id yields", func(t *testing.T) {
		h := newHarness(t, "A")
		_, err := h.reg.EnsurePeer("B")
		require.NoError(t, err)
		h.offer(t, "B")

		answer, err := h.reg.ApplyRemoteOffer("B", "remote-offer")
		require.NoError(t, err)
		assert.Equal(t, "local-answer", answer)
		assert.Contains(t, h.factory.conns["B"].calls, "local-rollback")
		assert.Contains(t, scrape(t, h.metrics), `roomsession_peer_glare_total{outcome="yielded"} 1`)

		// The yielded offer is re-sent once the remote one settles.
		h.clock.Advance(window)
		due, ok := h.next(t).(RenegotiationDue)
		require.True(t, ok)
		_, ok, err = h.reg.Renegotiate(due)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("larger id ignores", func(t *testing.T) {
		h := newHarness(t, "B")
		_, err := h.reg.EnsurePeer("A")
		require.NoError(t, err)
		h.offer(t, "A")

		_, err = h.reg.ApplyRemoteOffer("A", "remote-offer")
		assert.ErrorIs(t, err, ErrGlareConflict)
		assert.NotContains(t, h.factory.conns["A"].calls, "local-rollback")
		state, _ := h.reg.State("A")
		assert.Equal(t, Offering, state)
		assert.Contains(t, scrape(t, h.metrics), `roomsession_peer_glare_total{outcome="ignored"} 1`)
	})

	t.Run("deterministic across replays", func(t *testing.T) {
		outcome := func(self, remote string) error {
			h := newHarness(t, self)
			_, err := h.reg.EnsurePeer(remote)
			require.NoError(t, err)
			h.offer(t, remote)
			_, err = h.reg.ApplyRemoteOffer(remote, "remote-offer")
			return err
		}
		for i := 0; i < 3; i++ {
			assert.NoError(t, outcome("A", "B"))
			assert.ErrorIs(t, outcome("B", "A"), ErrGlareConflict)
		}
	})
}

func TestRenegotiationCoalesced(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.reg.ScheduleRenegotiation("b"))
	}
	require.NoError(t, h.reg.AddLocalTrack(newTrack(t, "cam")))
	h.clock.Advance(window)

	due, ok := h.next(t).(RenegotiationDue)
	require.True(t, ok)
	h.quiet(t)

	_, ok, err = h.reg.Renegotiate(due)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.factory.conns["b"].offers)

	assert.ErrorIs(t, h.reg.ScheduleRenegotiation("zed"), ErrUnknownPeer)
}

func TestRenegotiationSerialized(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	h.offer(t, "b")

	// A second trigger while the offer is outstanding is deferred.
	require.NoError(t, h.reg.ScheduleRenegotiation("b"))
	h.clock.Advance(window)
	due, ok := h.next(t).(RenegotiationDue)
	require.True(t, ok)
	_, ok, err = h.reg.Renegotiate(due)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.factory.conns["b"].offers)

	// Once the answer lands the deferred offer is scheduled.
	require.NoError(t, h.reg.ApplyRemoteAnswer("b", "remote-answer"))
	h.clock.Advance(window)
	due, ok = h.next(t).(RenegotiationDue)
	require.True(t, ok)
	_, ok, err = h.reg.Renegotiate(due)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, h.factory.conns["b"].offers)
}

func TestTeardown(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	conn := h.factory.conns["b"]
	require.NoError(t, h.reg.AddRemoteICECandidate("b", webrtc.ICECandidateInit{Candidate: "candidate:1"}))
	require.NoError(t, h.reg.ScheduleRenegotiation("b"))

	assert.True(t, h.reg.Teardown("b"))
	assert.False(t, h.reg.Teardown("b"), "second teardown is a no-op")
	assert.Equal(t, 1, conn.closed)
	assert.Equal(t, 0, h.reg.BufferedCandidates("b"))

	// The pending renegotiation timer was cancelled.
	h.clock.Advance(window)
	h.quiet(t)

	// Late callbacks from the closed transport are dropped.
	conn.onCandidate(webrtc.ICECandidateInit{Candidate: "late"})
	conn.onTrack("s", "t")
	h.quiet(t)
}

func TestTeardownAll(t *testing.T) {
	h := newHarness(t, "a")
	for _, id := range []string{"b", "c", "d"} {
		_, err := h.reg.EnsurePeer(id)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, h.reg.TeardownAll())
	assert.Equal(t, 0, h.reg.TeardownAll())
	assert.Empty(t, h.reg.Peers())
}

func TestStaleRenegotiationDueIgnored(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	require.NoError(t, h.reg.ScheduleRenegotiation("b"))
	h.clock.Advance(window)
	due := h.next(t).(RenegotiationDue)

	h.reg.Teardown("b")
	_, err = h.reg.EnsurePeer("b")
	require.NoError(t, err)

	_, ok, err := h.reg.Renegotiate(due)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTransportEventsReachSink(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)
	conn := h.factory.conns["b"]

	conn.onCandidate(webrtc.ICECandidateInit{Candidate: "candidate:9"})
	assert.Equal(t, CandidateGathered{ClientID: "b", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:9"}}, h.next(t))

	conn.onTrack("s1", "video")
	assert.Equal(t, TrackReceived{ClientID: "b", StreamID: "s1", TrackID: "video"}, h.next(t))
}

func TestLocalTracks(t *testing.T) {
	h := newHarness(t, "a")
	_, err := h.reg.EnsurePeer("b")
	require.NoError(t, err)

	require.NoError(t, h.reg.AddLocalTrack(newTrack(t, "mic")))
	require.NoError(t, h.reg.AddLocalTrack(newTrack(t, "mic")))
	assert.Equal(t, []string{"mic"}, h.factory.conns["b"].tracks)

	// Peers created later receive existing tracks.
	_, err = h.reg.EnsurePeer("c")
	require.NoError(t, err)
	assert.Equal(t, []string{"mic"}, h.factory.conns["c"].tracks)

	require.NoError(t, h.reg.RemoveLocalTrack("mic"))
	assert.Empty(t, h.factory.conns["b"].tracks)
	assert.Empty(t, h.factory.conns["c"].tracks)
	require.NoError(t, h.reg.RemoveLocalTrack("mic"))
}
