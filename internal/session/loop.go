package session

import (
	"context"
	"errors"
	"sort"

	"github.com/looplab/fsm"

	"github.com/1ureka/roomsession/internal/bandwidth"
	"github.com/1ureka/roomsession/internal/peer"
	"github.com/1ureka/roomsession/internal/protocol"
	"github.com/1ureka/roomsession/internal/signaling"
	"github.com/1ureka/roomsession/internal/stream"
)

// Everything in this file runs on the owner goroutine.

const (
	evJoin       = "join"
	evConnected  = "connected"
	evDisconnect = "disconnect"
	evLeave      = "leave"
	evLeft       = "left"
	evFail       = "fail"
)

func (s *Session) newMachine() *fsm.FSM {
	live := []string{string(Connecting), string(Connected), string(Reconnecting)}
	return fsm.NewFSM(
		string(Initializing),
		fsm.Events{
			{Name: evJoin, Src: []string{string(Initializing)}, Dst: string(Connecting)},
			{Name: evConnected, Src: []string{string(Connecting), string(Reconnecting)}, Dst: string(Connected)},
			{Name: evDisconnect, Src: []string{string(Connected)}, Dst: string(Reconnecting)},
			{Name: evLeave, Src: append([]string{string(Initializing)}, live...), Dst: string(Leaving)},
			{Name: evLeft, Src: []string{string(Leaving)}, Dst: string(Left)},
			{Name: evFail, Src: append([]string{string(Initializing), string(Leaving)}, live...), Dst: string(Failed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.enterState(State(e.Src), State(e.Dst))
			},
		},
	)
}

func (s *Session) fire(event string) bool {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.log.Debugf("state event %q ignored in %s: %v", event, s.machine.Current(), err)
		return false
	}
	return true
}

func (s *Session) current() State {
	return State(s.machine.Current())
}

func (s *Session) enterState(from, to State) {
	s.cfg.Metrics.StateTransition(string(to))
	s.log.Infof("connection state %s → %s", from, to)
	s.publishSnapshot()
	s.hub.publish(StateChanged{From: from, To: to})
}

// ---------------------------------------------------------------------------
// Join / leave / fail
// ---------------------------------------------------------------------------

func (s *Session) join(roomURL string, opts JoinOptions, result chan error) {
	switch s.current() {
	case Initializing:
	case Left, Failed:
		result <- ErrClosed
		return
	default:
		result <- ErrAlreadyJoined
		return
	}

	// ── 1. Enter connecting ────────────────────────────────────────────
	s.roomURL = roomURL
	s.displayName = opts.DisplayName
	if s.displayName == "" {
		s.displayName = s.cfg.Settings.DisplayName
	}
	s.joinResult = result
	s.fire(evJoin)

	// ── 2. Open the control channel ────────────────────────────────────
	room, name := s.roomURL, s.displayName
	s.transport = s.cfg.NewTransport(func() protocol.Outbound {
		return protocol.JoinRequest{Room: room, DisplayName: name, ClientID: s.self.Load().(string), Resync: true}
	})
	s.inbound = s.transport.Events()

	// Queued until the connection is up.
	s.send(protocol.JoinRequest{Room: room, DisplayName: name})

	ctx, cancel := context.WithCancel(context.Background())
	s.stopConnect = cancel
	tr := s.transport
	go func() {
		err := tr.Connect(ctx, room)
		s.enqueue(func() { s.onConnectResult(err) })
	}()

	// ── 3. Bandwidth reports ───────────────────────────────────────────
	if opts.Bandwidth != nil {
		go s.forwardBandwidth(opts.Bandwidth)
	}
}

func (s *Session) forwardBandwidth(reports <-chan bandwidth.Report) {
	for {
		select {
		case r, ok := <-reports:
			if !ok {
				return
			}
			if err := s.ReportBandwidth(r); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				s.log.Warnf("dropping bandwidth report: %v", err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) onConnectResult(err error) {
	if s.current() != Connecting {
		return
	}
	switch {
	case err == nil:
		s.fire(evConnected)
		s.resolveJoin(nil)
		if s.dropped {
			s.dropped = false
			s.fire(evDisconnect)
		}
	case errors.Is(err, context.Canceled):
	case signaling.IsRejected(err):
		s.fail(KindRejected, err)
	default:
		s.fail(KindUnreachable, err)
	}
}

func (s *Session) resolveJoin(err error) {
	if s.joinResult != nil {
		s.joinResult <- err
		s.joinResult = nil
	}
}

func (s *Session) leave() {
	switch s.current() {
	case Leaving, Left, Failed:
		return
	}

	s.fire(evLeave)
	s.send(protocol.LeaveRequest{})
	s.teardown()
	s.resolveJoin(ErrLeft)
	s.fire(evLeft)
	s.terminated = true
}

// fail ends the session with a terminal error. Error is published before
// the state change so subscribers know the cause when they see it.
func (s *Session) fail(kind ErrorKind, err error) {
	switch s.current() {
	case Left, Failed:
		return
	}

	e := Error{Kind: kind, Err: err}
	s.err.Store(&e)
	s.log.Errorf("%v", e)

	s.teardown()
	s.hub.publish(e)
	s.fire(evFail)
	s.resolveJoin(e)
	s.terminated = true
}

// teardown releases every resource: connect attempt, peer transports,
// stream timers and the control channel.
func (s *Session) teardown() {
	if s.stopConnect != nil {
		s.stopConnect()
	}
	n := s.registry.TeardownAll()
	s.tracker.Reset()
	s.participants = make(map[string]*participant)
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Debugf("close signaling: %v", err)
		}
		s.inbound = nil
	}
	s.log.Debugf("released %d peer transport(s)", n)
}

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

func (s *Session) onTransportEvent(ev signaling.Event) {
	switch ev := ev.(type) {
	case signaling.Inbound:
		s.onInbound(ev.Msg)

	case signaling.Disconnected:
		s.synced = false
		if s.current() == Connecting {
			s.dropped = true
			return
		}
		s.fire(evDisconnect)

	case signaling.Reconnected:
		s.log.Infof("signaling restored after %d attempt(s), awaiting resync", ev.Attempt)

	case signaling.ConnectionLost:
		s.fail(KindConnectionLost, ev.Err)
	}
}

func (s *Session) onInbound(msg protocol.Inbound) {
	if id := msg.MessageID(); id != "" {
		if s.seen.Contains(id) {
			s.cfg.Metrics.DuplicateDropped()
			s.log.Debugf("dropping redelivered message %s", id)
			return
		}
		s.seen.Add(id, struct{}{})
	}

	switch m := msg.(type) {
	case protocol.RoomJoined:
		s.onRoomJoined(m)
	case protocol.ParticipantJoined:
		s.onParticipantJoined(m)
	case protocol.ParticipantLeft:
		s.onParticipantLeft(m.ClientID)
	case protocol.StreamAvailable:
		s.onStreamAvailable(m)
	case protocol.StreamUnavailable:
		s.onStreamUnavailable(m)
	case protocol.RemoteOffer:
		s.onRemoteOffer(m)
	case protocol.RemoteAnswer:
		s.onRemoteAnswer(m)
	case protocol.RemoteCandidate:
		s.onRemoteCandidate(m)
	case protocol.RoomLocked:
		s.onRoomLocked(m)
	case protocol.ClientKicked:
		s.fail(KindKicked, errors.New(m.Reason))
	}
}

// onRoomJoined applies the membership snapshot that answers a join or a
// resync. Participants and streams the snapshot does not confirm are
// removed; the rest are kept with their transports.
func (s *Session) onRoomJoined(m protocol.RoomJoined) {
	s.selfID = m.SelfID
	s.self.Store(m.SelfID)
	s.registry.SetSelfID(m.SelfID)
	s.synced = true
	s.dropped = false

	confirmed := make(map[string]protocol.ParticipantInfo, len(m.Participants))
	for _, info := range m.Participants {
		if info.ClientID != "" && info.ClientID != s.selfID {
			confirmed[info.ClientID] = info
		}
	}

	for _, id := range s.participantIDs() {
		if _, ok := confirmed[id]; !ok {
			s.removeParticipant(id, true)
		}
	}

	for _, info := range sortedInfos(confirmed) {
		if p, ok := s.participants[info.ClientID]; ok {
			p.streams = streamSet(info.Streams)
			continue
		}
		s.addParticipant(info.ClientID, info.DisplayName, info.Streams...)
	}

	s.emitStreams(s.tracker.Purge(func(k stream.Key) bool {
		p, ok := s.participants[k.ClientID]
		return ok && p.streams[k.StreamID]
	}))
	for _, info := range sortedInfos(confirmed) {
		for _, sid := range info.Streams {
			s.emitStreams(s.tracker.OnStreamAvailable(info.ClientID, sid))
		}
	}

	if s.current() == Reconnecting {
		s.fire(evConnected)
	}
}

// onParticipantJoined admits a newcomer. Existing members offer to
// newcomers; members learned from a snapshot offer to us instead.
func (s *Session) onParticipantJoined(m protocol.ParticipantJoined) {
	if m.ClientID == s.selfID {
		return
	}
	if _, ok := s.participants[m.ClientID]; ok {
		return
	}
	s.addParticipant(m.ClientID, m.DisplayName)
	s.renegotiate(m.ClientID)
}

func (s *Session) onParticipantLeft(clientID string) {
	if _, ok := s.participants[clientID]; !ok {
		return
	}
	s.removeParticipant(clientID, false)
}

func (s *Session) addParticipant(clientID, name string, streams ...string) {
	p := &participant{id: clientID, name: name, streams: streamSet(streams)}
	s.participants[clientID] = p
	if _, err := s.registry.EnsurePeer(clientID); err != nil {
		s.log.Warnf("%v", err)
	}
	s.hub.publish(ParticipantJoined{Participant: p.view()})
}

// removeParticipant drops the member and its transport. Its streams stop
// and linger for the grace window, unless purge removes them at once.
func (s *Session) removeParticipant(clientID string, purge bool) {
	delete(s.participants, clientID)
	s.registry.Teardown(clientID)
	if purge {
		s.emitStreams(s.tracker.Purge(func(k stream.Key) bool { return k.ClientID != clientID }))
	} else {
		s.emitStreams(s.tracker.StopClient(clientID))
	}
	s.hub.publish(ParticipantLeft{ClientID: clientID})
}

func (s *Session) onStreamAvailable(m protocol.StreamAvailable) {
	p, ok := s.participants[m.ClientID]
	if !ok {
		s.log.Debugf("stream %s from unknown participant %s", m.StreamID, m.ClientID)
		return
	}
	p.streams[m.StreamID] = true
	s.emitStreams(s.tracker.OnStreamAvailable(m.ClientID, m.StreamID))
	s.renegotiate(m.ClientID)
}

func (s *Session) onStreamUnavailable(m protocol.StreamUnavailable) {
	if p, ok := s.participants[m.ClientID]; ok {
		delete(p.streams, m.StreamID)
	}
	s.emitStreams(s.tracker.OnStreamUnavailable(m.ClientID, m.StreamID))
}

func (s *Session) onRoomLocked(m protocol.RoomLocked) {
	if !s.synced {
		s.fail(KindRoomLocked, errors.New(m.Reason))
		return
	}
	s.hub.publish(RoomLocked{Reason: m.Reason})
}

// ---------------------------------------------------------------------------
// Negotiation
// ---------------------------------------------------------------------------

func (s *Session) onRemoteOffer(m protocol.RemoteOffer) {
	if _, ok := s.participants[m.ClientID]; !ok {
		s.log.Debugf("offer from unknown participant %s", m.ClientID)
		return
	}

	answer, err := s.registry.ApplyRemoteOffer(m.ClientID, m.SDP)
	if errors.Is(err, peer.ErrGlareConflict) {
		return
	}
	if err != nil {
		s.log.Warnf("%v", err)
		return
	}
	s.send(protocol.LocalAnswer{ClientID: m.ClientID, SDP: answer})
	s.emitStreams(s.tracker.MarkStarting(m.ClientID))
}

func (s *Session) onRemoteAnswer(m protocol.RemoteAnswer) {
	if err := s.registry.ApplyRemoteAnswer(m.ClientID, m.SDP); err != nil {
		s.log.Warnf("%v", err)
		return
	}
	s.emitStreams(s.tracker.MarkStarting(m.ClientID))
}

func (s *Session) onRemoteCandidate(m protocol.RemoteCandidate) {
	if err := s.registry.AddRemoteICECandidate(m.ClientID, m.Candidate); err != nil {
		s.log.Debugf("%v", err)
	}
}

func (s *Session) renegotiate(clientID string) {
	if err := s.registry.ScheduleRenegotiation(clientID); err != nil {
		s.log.Debugf("%v", err)
	}
}

func (s *Session) onPeerEvent(ev peer.Event) {
	switch ev := ev.(type) {
	case peer.CandidateGathered:
		if _, ok := s.participants[ev.ClientID]; ok {
			s.send(protocol.LocalCandidate{ClientID: ev.ClientID, Candidate: ev.Candidate})
		}

	case peer.TrackReceived:
		if _, ok := s.participants[ev.ClientID]; ok {
			s.emitStreams(s.tracker.OnTrackReceived(ev.ClientID, ev.StreamID))
		}

	case peer.RenegotiationDue:
		sdp, ok, err := s.registry.Renegotiate(ev)
		if err != nil {
			s.log.Warnf("%v", err)
			return
		}
		if ok {
			s.send(protocol.LocalOffer{ClientID: ev.ClientID, SDP: sdp})
			s.emitStreams(s.tracker.MarkStarting(ev.ClientID))
		}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Session) send(msg protocol.Outbound) {
	if s.transport == nil {
		return
	}
	switch err := s.transport.Send(msg); {
	case err == nil:
	case errors.Is(err, signaling.ErrNotConnected):
		s.log.Warnf("signaling backlog full, oldest message dropped")
	default:
		s.log.Debugf("send: %v", err)
	}
}

func (s *Session) emitStreams(changes []stream.Change) {
	for _, c := range changes {
		s.hub.publish(StreamStateChanged{Change: c})
	}
}

func (s *Session) publishSnapshot() {
	snap := &Snapshot{
		State:   s.current(),
		RoomURL: s.roomURL,
		SelfID:  s.selfID,
		Streams: s.tracker.Snapshot(),
	}
	for _, id := range s.participantIDs() {
		snap.Participants = append(snap.Participants, s.participants[id].view())
	}
	s.snapshot.Store(snap)

	s.cfg.Metrics.SetParticipants(len(snap.Participants))
	states := make([]string, len(stream.States))
	for i, st := range stream.States {
		states[i] = string(st)
	}
	s.cfg.Metrics.SetStreams(s.tracker.Counts(), states...)
}

func (s *Session) participantIDs() []string {
	ids := make([]string, 0, len(s.participants))
	for id := range s.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *participant) view() Participant {
	v := Participant{ClientID: p.id, DisplayName: p.name}
	for sid := range p.streams {
		v.Streams = append(v.Streams, sid)
	}
	sort.Strings(v.Streams)
	return v
}

func streamSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedInfos(m map[string]protocol.ParticipantInfo) []protocol.ParticipantInfo {
	out := make([]protocol.ParticipantInfo, 0, len(m))
	for _, info := range m {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
