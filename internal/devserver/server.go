// Package devserver is an in-memory signaling backend for development and
// tests. It admits clients into rooms, relays SDP and ICE messages between
// members, and exposes hooks to announce streams, lock rooms, kick members
// and drop connections.
package devserver

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/1ureka/roomsession/internal/protocol"
	"github.com/1ureka/roomsession/internal/util"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling backend. The zero value is not usable; use New.
type Server struct {
	token string
	log   util.Logger

	mu     sync.Mutex
	rooms  map[string]*room
	locked map[string]bool
}

type room struct {
	url     string
	members map[string]*member
}

type member struct {
	id      string
	name    string
	streams map[string]bool
	client  *client
}

type client struct {
	conn *websocket.Conn
	send chan protocol.Envelope
	once sync.Once
	done chan struct{}

	// Set once the client has joined.
	id   string
	room string
}

// New creates a Server. A non-empty token is required as the "token" query
// parameter on every connection.
func New(token string) *Server {
	return &Server{
		token:  token,
		log:    util.Scoped("devserver"),
		rooms:  make(map[string]*room),
		locked: make(map[string]bool),
	}
}

// Handler returns the HTTP handler serving the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.token != "" && r.URL.Query().Get("token") != s.token {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if roomURL := r.URL.Query().Get("room"); roomURL != "" && s.isLocked(roomURL) {
		http.Error(w, "room locked", http.StatusLocked)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{
		conn: conn,
		send: make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	go s.writePump(c)
	go s.readPump(c)
}

// ---------------------------------------------------------------------------
// Pumps
// ---------------------------------------------------------------------------

func (s *Server) readPump(c *client) {
	defer s.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		if !s.handle(c, env) {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	defer c.conn.Close()
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// deliver queues env for c, assigning it a message id. Slow clients are
// disconnected rather than blocking the server.
func (c *client) deliver(env protocol.Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	select {
	case c.send <- env:
	default:
		c.close()
	}
}

// ---------------------------------------------------------------------------
// Message handling
// ---------------------------------------------------------------------------

// handle processes one client message; false ends the connection.
func (s *Server) handle(c *client, env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeJoinRequest:
		s.join(c, env)

	case protocol.TypeLeaveRequest:
		s.leave(c)
		return false

	case protocol.TypeSDPOffer, protocol.TypeSDPAnswer, protocol.TypeICECandidate:
		s.relay(c, env)

	default:
		s.log.Debugf("ignoring %q from client", env.Type)
	}
	return true
}

func (s *Server) join(c *client, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Room == "" || s.locked[env.Room] {
		c.deliver(protocol.Envelope{Type: protocol.TypeRoomLocked, Reason: "room unavailable"})
		return
	}

	rm := s.rooms[env.Room]
	if rm == nil {
		rm = &room{url: env.Room, members: make(map[string]*member)}
		s.rooms[env.Room] = rm
	}

	id := env.ClientID
	if !env.Resync || id == "" {
		id = uuid.NewString()
	}

	m, existed := rm.members[id]
	if existed && m.client != nil && m.client != c {
		// A resync raced the server noticing the old socket drop.
		m.client.id = ""
		m.client.close()
	}
	if !existed {
		m = &member{id: id, name: env.DisplayName, streams: make(map[string]bool)}
		rm.members[id] = m
	}
	m.client = c
	c.id = id
	c.room = env.Room

	c.deliver(protocol.Envelope{
		Type:         protocol.TypeRoomJoined,
		SelfID:       id,
		Participants: rm.snapshot(id),
	})
	if !existed {
		rm.broadcast(id, protocol.Envelope{Type: protocol.TypeParticipantJoined, ClientID: id, DisplayName: m.name})
	}
	s.log.Debugf("client %s joined %s (resync=%v)", id, env.Room, env.Resync)
}

func (s *Server) relay(c *client, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[c.room]
	if c.id == "" || rm == nil {
		return
	}
	target, ok := rm.members[env.ClientID]
	if !ok || target.client == nil {
		return
	}
	env.ID = ""
	env.ClientID = c.id
	target.client.deliver(env)
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
	c.close()
}

// disconnect runs when the read side ends. Members whose socket drops are
// removed; a resync re-admits them under the same id.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
	c.close()
}

func (s *Server) removeLocked(c *client) {
	rm := s.rooms[c.room]
	if c.id == "" || rm == nil {
		return
	}
	m, ok := rm.members[c.id]
	if !ok || m.client != c {
		return
	}
	delete(rm.members, c.id)
	rm.broadcast(c.id, protocol.Envelope{Type: protocol.TypeParticipantLeft, ClientID: c.id})
	if len(rm.members) == 0 {
		delete(s.rooms, rm.url)
	}
	c.id = ""
}

func (rm *room) snapshot(exclude string) []protocol.ParticipantInfo {
	var out []protocol.ParticipantInfo
	for id, m := range rm.members {
		if id == exclude {
			continue
		}
		info := protocol.ParticipantInfo{ClientID: id, DisplayName: m.name}
		for sid := range m.streams {
			info.Streams = append(info.Streams, sid)
		}
		sort.Strings(info.Streams)
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

func (rm *room) broadcast(except string, env protocol.Envelope) {
	for id, m := range rm.members {
		if id == except || m.client == nil {
			continue
		}
		m.client.deliver(env)
	}
}

// ---------------------------------------------------------------------------
// Control hooks
// ---------------------------------------------------------------------------

// Announce marks streamID as published by clientID and notifies the room.
// available=false revokes it.
func (s *Server) Announce(roomURL, clientID, streamID string, available bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[roomURL]
	if rm == nil {
		return false
	}
	m, ok := rm.members[clientID]
	if !ok {
		return false
	}

	typ := protocol.TypeStreamAvailable
	if available {
		m.streams[streamID] = true
	} else {
		delete(m.streams, streamID)
		typ = protocol.TypeStreamUnavailable
	}
	rm.broadcast(clientID, protocol.Envelope{Type: typ, ClientID: clientID, StreamID: streamID})
	return true
}

// Lock refuses new joins to roomURL and tells current members.
func (s *Server) Lock(roomURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked[roomURL] = true
	if rm := s.rooms[roomURL]; rm != nil {
		rm.broadcast("", protocol.Envelope{Type: protocol.TypeRoomLocked, Reason: "locked by host"})
	}
}

func (s *Server) isLocked(roomURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked[roomURL]
}

// Kick removes clientID from roomURL after telling it why.
func (s *Server) Kick(roomURL, clientID, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[roomURL]
	if rm == nil {
		return false
	}
	m, ok := rm.members[clientID]
	if !ok || m.client == nil {
		return false
	}
	c := m.client
	c.deliver(protocol.Envelope{Type: protocol.TypeClientKicked, Reason: reason})
	s.removeLocked(c)
	return true
}

// Drop closes clientID's socket without a leave, as a network failure would.
func (s *Server) Drop(roomURL, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[roomURL]
	if rm == nil {
		return false
	}
	m, ok := rm.members[clientID]
	if !ok || m.client == nil {
		return false
	}
	m.client.conn.Close()
	return true
}

// Members lists the client ids currently in roomURL, sorted.
func (s *Server) Members(roomURL string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[roomURL]
	if rm == nil {
		return nil
	}
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Inject delivers a raw envelope to clientID, for exercising client handling
// of arbitrary server messages.
func (s *Server) Inject(roomURL, clientID string, env protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm := s.rooms[roomURL]
	if rm == nil {
		return false
	}
	m, ok := rm.members[clientID]
	if !ok || m.client == nil {
		return false
	}
	m.client.deliver(env)
	return true
}
