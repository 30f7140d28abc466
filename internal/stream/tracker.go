// Package stream tracks the lifecycle of remote streams keyed by
// (clientId, streamId).
//
// A Tracker is owned by a single goroutine. Grace timers never mutate it
// directly; they report RemovalDue through the configured sink and the owner
// calls Remove.
package stream

import (
	"sort"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/1ureka/roomsession/internal/bandwidth"
	"github.com/1ureka/roomsession/internal/config"
)

// State is a stream's lifecycle position. Transitions only move forward:
// new → starting → active → stopped, with new → stopped (and
// starting → stopped) allowed when the stream is revoked early.
type State string

const (
	New      State = "new"
	Starting State = "starting"
	Active   State = "active"
	Stopped  State = "stopped"
)

// States lists every state in lifecycle order.
var States = []State{New, Starting, Active, Stopped}

func (s State) rank() int {
	for i, st := range States {
		if st == s {
			return i
		}
	}
	return -1
}

// Key identifies a stream. StreamID is unique only per owner.
type Key struct {
	ClientID string
	StreamID string
}

// Stream is a read-only view of one tracked stream.
type Stream struct {
	Key
	State    State
	Degraded bool
}

// Change describes one observable mutation. A created entry has an empty
// From; Removed marks the entry's deletion (To is then Stopped).
type Change struct {
	Key
	From     State
	To       State
	Degraded bool
	Removed  bool
}

// RemovalDue is reported when a stopped stream's grace window elapses.
type RemovalDue struct {
	Key Key
	gen uint64
}

// Config configures a Tracker.
type Config struct {
	Clock clockwork.Clock
	// Grace is how long a stopped stream lingers before removal.
	Grace time.Duration
	// Sink receives RemovalDue from timer goroutines.
	Sink func(RemovalDue)
}

type entry struct {
	Stream
	gen   uint64
	timer clockwork.Timer
}

// Tracker maps (clientId, streamId) to lifecycle state.
type Tracker struct {
	cfg     Config
	entries map[Key]*entry
	// early holds tracks that arrived before their announcement.
	early map[Key]bool
	gen   uint64
}

// NewTracker creates an empty Tracker.
func NewTracker(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = config.DefaultStreamGrace
	}
	if cfg.Sink == nil {
		cfg.Sink = func(RemovalDue) {}
	}
	return &Tracker{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		early:   make(map[Key]bool),
	}
}

// ---------------------------------------------------------------------------
// Announcements
// ---------------------------------------------------------------------------

// OnStreamAvailable records an announced stream as new. Re-announcing a
// stream that is still live is a no-op; re-announcing one inside its grace
// window removes the stopped entry and starts a fresh lifecycle.
func (t *Tracker) OnStreamAvailable(clientID, streamID string) []Change {
	key := Key{clientID, streamID}
	var changes []Change

	if e, ok := t.entries[key]; ok {
		if e.State != Stopped {
			return nil
		}
		changes = append(changes, t.remove(e))
	}

	t.gen++
	e := &entry{Stream: Stream{Key: key, State: New}, gen: t.gen}
	t.entries[key] = e
	changes = append(changes, Change{Key: key, To: New})

	if t.early[key] {
		delete(t.early, key)
		changes = append(changes, t.advance(e, Active)...)
	}
	return changes
}

// OnStreamUnavailable stops the stream and schedules its removal after the
// grace window.
func (t *Tracker) OnStreamUnavailable(clientID, streamID string) []Change {
	key := Key{clientID, streamID}
	delete(t.early, key)

	e, ok := t.entries[key]
	if !ok || e.State == Stopped {
		return nil
	}
	return []Change{t.stop(e)}
}

// MarkStarting moves a client's new streams to starting once negotiation
// with that client is under way.
func (t *Tracker) MarkStarting(clientID string) []Change {
	var changes []Change
	for _, e := range t.sorted() {
		if e.ClientID == clientID && e.State == New {
			changes = append(changes, t.advance(e, Starting)...)
		}
	}
	return changes
}

// OnTrackReceived confirms media is flowing for the stream and makes it
// active, passing through starting if needed. A track for an unannounced
// stream is remembered until the announcement arrives.
func (t *Tracker) OnTrackReceived(clientID, streamID string) []Change {
	key := Key{clientID, streamID}
	e, ok := t.entries[key]
	if !ok {
		t.early[key] = true
		return nil
	}
	return t.advance(e, Active)
}

// StopClient stops every live stream owned by clientID. The entries are
// removed when their grace windows elapse.
func (t *Tracker) StopClient(clientID string) []Change {
	for key := range t.early {
		if key.ClientID == clientID {
			delete(t.early, key)
		}
	}

	var changes []Change
	for _, e := range t.sorted() {
		if e.ClientID == clientID && e.State != Stopped {
			changes = append(changes, t.stop(e))
		}
	}
	return changes
}

// OnBandwidthSignal sets or clears the degraded flag on matching live
// streams. It never changes State and never removes a stream.
func (t *Tracker) OnBandwidthSignal(r bandwidth.Report) []Change {
	degraded := r.Degrades()
	var changes []Change
	for _, e := range t.sorted() {
		if e.State == Stopped || e.Degraded == degraded || !r.Matches(e.ClientID, e.StreamID) {
			continue
		}
		e.Degraded = degraded
		changes = append(changes, Change{Key: e.Key, From: e.State, To: e.State, Degraded: degraded})
	}
	return changes
}

// ---------------------------------------------------------------------------
// Removal
// ---------------------------------------------------------------------------

// Remove deletes the stream named by a RemovalDue, unless it was
// re-announced since the timer was armed.
func (t *Tracker) Remove(due RemovalDue) []Change {
	e, ok := t.entries[due.Key]
	if !ok || e.gen != due.gen || e.State != Stopped {
		return nil
	}
	return []Change{t.remove(e)}
}

// Purge immediately removes every stream for which keep returns false,
// stopping it first if it was live.
func (t *Tracker) Purge(keep func(Key) bool) []Change {
	for key := range t.early {
		if !keep(key) {
			delete(t.early, key)
		}
	}

	var changes []Change
	for _, e := range t.sorted() {
		if !keep(e.Key) {
			changes = append(changes, t.remove(e))
		}
	}
	return changes
}

// Reset removes everything and cancels all grace timers.
func (t *Tracker) Reset() []Change {
	t.early = make(map[Key]bool)
	return t.Purge(func(Key) bool { return false })
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Get returns the stream for key.
func (t *Tracker) Get(clientID, streamID string) (Stream, bool) {
	e, ok := t.entries[Key{clientID, streamID}]
	if !ok {
		return Stream{}, false
	}
	return e.Stream, true
}

// Snapshot returns every tracked stream ordered by key.
func (t *Tracker) Snapshot() []Stream {
	out := make([]Stream, 0, len(t.entries))
	for _, e := range t.sorted() {
		out = append(out, e.Stream)
	}
	return out
}

// Counts returns the number of streams per state.
func (t *Tracker) Counts() map[string]int {
	counts := make(map[string]int, len(States))
	for _, e := range t.entries {
		counts[string(e.State)]++
	}
	return counts
}

// Len returns the number of tracked streams.
func (t *Tracker) Len() int {
	return len(t.entries)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// advance walks e forward to target one state at a time.
func (t *Tracker) advance(e *entry, target State) []Change {
	var changes []Change
	for e.State.rank() < target.rank() && e.State != Stopped {
		next := States[e.State.rank()+1]
		changes = append(changes, Change{Key: e.Key, From: e.State, To: next, Degraded: e.Degraded})
		e.State = next
	}
	return changes
}

func (t *Tracker) stop(e *entry) Change {
	c := Change{Key: e.Key, From: e.State, To: Stopped, Degraded: e.Degraded}
	e.State = Stopped
	due := RemovalDue{Key: e.Key, gen: e.gen}
	e.timer = t.cfg.Clock.AfterFunc(t.cfg.Grace, func() { t.cfg.Sink(due) })
	return c
}

func (t *Tracker) remove(e *entry) Change {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(t.entries, e.Key)
	return Change{Key: e.Key, From: e.State, To: Stopped, Degraded: e.Degraded, Removed: true}
}

func (t *Tracker) sorted() []*entry {
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].StreamID < out[j].StreamID
	})
	return out
}
