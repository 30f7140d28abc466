// Package protocol defines the signaling message format exchanged with the
// room backend. Every message is a JSON object discriminated by its "type"
// field; inbound and outbound messages are closed sets of concrete types.
package protocol

import "github.com/pion/webrtc/v4"

// Type identifies the kind of signaling message.
type Type string

// Inbound message types (server → client).
const (
	TypeParticipantJoined Type = "participant.joined"
	TypeParticipantLeft   Type = "participant.left"
	TypeStreamAvailable   Type = "stream.available"
	TypeStreamUnavailable Type = "stream.unavailable"
	TypeRoomJoined        Type = "room.joined"
	TypeRoomLocked        Type = "room.locked"
	TypeClientKicked      Type = "client.kicked"
)

// Outbound-only message types (client → server).
const (
	TypeJoinRequest  Type = "join.request"
	TypeLeaveRequest Type = "leave.request"
)

// Negotiation types travel in both directions.
const (
	TypeSDPOffer     Type = "sdp.offer"
	TypeSDPAnswer    Type = "sdp.answer"
	TypeICECandidate Type = "ice.candidate"
)

// Envelope is the JSON structure carried over the signaling WebSocket.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type         Type                     `json:"type"`
	ID           string                   `json:"id,omitempty"`
	ClientID     string                   `json:"clientId,omitempty"`
	SelfID       string                   `json:"selfId,omitempty"`
	DisplayName  string                   `json:"displayName,omitempty"`
	StreamID     string                   `json:"streamId,omitempty"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Room         string                   `json:"room,omitempty"`
	Resync       bool                     `json:"resync,omitempty"`
	Participants []ParticipantInfo        `json:"participants,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
}

// ParticipantInfo is one member entry of a room.joined snapshot.
type ParticipantInfo struct {
	ClientID    string   `json:"clientId"`
	DisplayName string   `json:"displayName,omitempty"`
	Streams     []string `json:"streams,omitempty"`
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// Inbound is implemented by every message the server may send.
// The set is closed: only types in this package satisfy it.
type Inbound interface {
	inbound()
	// MessageID returns the server-assigned id used for de-duplication.
	// Empty when the server did not assign one.
	MessageID() string
}

// Meta carries fields common to every inbound message.
type Meta struct{ ID string }

func (m Meta) MessageID() string { return m.ID }

type ParticipantJoined struct {
	Meta
	ClientID    string
	DisplayName string
}

type ParticipantLeft struct {
	Meta
	ClientID string
}

type StreamAvailable struct {
	Meta
	ClientID string
	StreamID string
}

type StreamUnavailable struct {
	Meta
	ClientID string
	StreamID string
}

// RoomJoined acknowledges a join.request. It carries the id the server
// assigned to this client and the full current membership; the same message
// answers a resync request after a reconnect.
type RoomJoined struct {
	Meta
	SelfID       string
	Participants []ParticipantInfo
}

// RemoteOffer, RemoteAnswer and RemoteCandidate name the remote peer in ClientID.
type RemoteOffer struct {
	Meta
	ClientID string
	SDP      string
}

type RemoteAnswer struct {
	Meta
	ClientID string
	SDP      string
}

type RemoteCandidate struct {
	Meta
	ClientID  string
	Candidate webrtc.ICECandidateInit
}

type RoomLocked struct {
	Meta
	Reason string
}

type ClientKicked struct {
	Meta
	Reason string
}

func (ParticipantJoined) inbound() {}
func (ParticipantLeft) inbound()   {}
func (StreamAvailable) inbound()   {}
func (StreamUnavailable) inbound() {}
func (RoomJoined) inbound()        {}
func (RemoteOffer) inbound()       {}
func (RemoteAnswer) inbound()      {}
func (RemoteCandidate) inbound()   {}
func (RoomLocked) inbound()        {}
func (ClientKicked) inbound()      {}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Outbound is implemented by every message the client may send.
type Outbound interface {
	outbound()
	envelope() Envelope
}

// JoinRequest asks the server to admit this client. With Resync set it
// re-announces an existing member after a reconnect, and the server replies
// with the current membership.
type JoinRequest struct {
	Room        string
	DisplayName string
	ClientID    string
	Resync      bool
}

type LeaveRequest struct{}

// LocalOffer, LocalAnswer and LocalCandidate are addressed to ClientID.
type LocalOffer struct {
	ClientID string
	SDP      string
}

type LocalAnswer struct {
	ClientID string
	SDP      string
}

type LocalCandidate struct {
	ClientID  string
	Candidate webrtc.ICECandidateInit
}

func (JoinRequest) outbound()    {}
func (LeaveRequest) outbound()   {}
func (LocalOffer) outbound()     {}
func (LocalAnswer) outbound()    {}
func (LocalCandidate) outbound() {}

func (m JoinRequest) envelope() Envelope {
	return Envelope{Type: TypeJoinRequest, Room: m.Room, DisplayName: m.DisplayName, ClientID: m.ClientID, Resync: m.Resync}
}

func (LeaveRequest) envelope() Envelope { return Envelope{Type: TypeLeaveRequest} }

func (m LocalOffer) envelope() Envelope {
	return Envelope{Type: TypeSDPOffer, ClientID: m.ClientID, SDP: m.SDP}
}

func (m LocalAnswer) envelope() Envelope {
	return Envelope{Type: TypeSDPAnswer, ClientID: m.ClientID, SDP: m.SDP}
}

func (m LocalCandidate) envelope() Envelope {
	c := m.Candidate
	return Envelope{Type: TypeICECandidate, ClientID: m.ClientID, Candidate: &c}
}
