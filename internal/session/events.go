package session

import (
	"sync"
	"sync/atomic"

	"github.com/1ureka/roomsession/internal/stream"
)

// Event is delivered to subscribers in the order the session produced it.
type Event interface{ sessionEvent() }

// StateChanged reports a connection state transition.
type StateChanged struct {
	From State
	To   State
}

// ParticipantJoined reports a new remote participant.
type ParticipantJoined struct {
	Participant Participant
}

// ParticipantLeft reports a participant removed from the room.
type ParticipantLeft struct {
	ClientID string
}

// StreamStateChanged reports one stream lifecycle change.
type StreamStateChanged struct {
	stream.Change
}

// RoomLocked reports that the room stopped admitting new members. The
// session stays connected.
type RoomLocked struct {
	Reason string
}

func (StateChanged) sessionEvent()       {}
func (ParticipantJoined) sessionEvent()  {}
func (ParticipantLeft) sessionEvent()    {}
func (StreamStateChanged) sessionEvent() {}
func (RoomLocked) sessionEvent()         {}
func (Error) sessionEvent()              {}

// Participant is a read-only view of one remote member.
type Participant struct {
	ClientID    string
	DisplayName string
	Streams     []string
}

// Snapshot is a consistent view of the session at one point in its event
// order. Slices are owned by the snapshot and safe to retain.
type Snapshot struct {
	State        State
	RoomURL      string
	SelfID       string
	Participants []Participant
	Streams      []stream.Stream
}

// Participant looks up a member by clientId.
func (s Snapshot) Participant(clientID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ClientID == clientID {
			return p, true
		}
	}
	return Participant{}, false
}

// Stream looks up a tracked stream.
func (s Snapshot) Stream(clientID, streamID string) (stream.Stream, bool) {
	for _, st := range s.Streams {
		if st.ClientID == clientID && st.StreamID == streamID {
			return st, true
		}
	}
	return stream.Stream{}, false
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscription receives session events on a bounded buffer. A subscriber
// that falls behind loses events rather than stalling the session; the
// loss is counted and Snapshot stays current regardless.
type Subscription struct {
	hub     *hub
	ch      chan Event
	dropped atomic.Int64
}

// Events returns the event channel. It is closed when the session ends or
// the subscription is cancelled.
func (sub *Subscription) Events() <-chan Event {
	return sub.ch
}

// Dropped returns the number of events lost to a full buffer.
func (sub *Subscription) Dropped() int64 {
	return sub.dropped.Load()
}

// Unsubscribe stops delivery and closes the channel. It is idempotent.
func (sub *Subscription) Unsubscribe() {
	sub.hub.remove(sub)
}

type hub struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
	// onDrop is called for every event lost to a full buffer.
	onDrop func()
}

func newHub(onDrop func()) *hub {
	return &hub{subs: make(map[*Subscription]struct{}), onDrop: onDrop}
}

func (h *hub) add(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{hub: h, ch: make(chan Event, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			h.onDrop()
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
