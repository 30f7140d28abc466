package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrUnknownType is returned by Decode for a well-formed message whose type
// is not part of the inbound set. Callers ignore such messages.
var ErrUnknownType = errors.New("unknown message type")

// ProtocolViolation reports a malformed inbound message: invalid JSON or a
// message missing a field its type requires.
type ProtocolViolation struct {
	Type Type
	Err  error
}

func (e *ProtocolViolation) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("protocol violation: %v", e.Err)
	}
	return fmt.Sprintf("protocol violation (%s): %v", e.Type, e.Err)
}

func (e *ProtocolViolation) Unwrap() error { return e.Err }

var (
	errMissingClientID = errors.New("missing clientId")
	errMissingStreamID = errors.New("missing streamId")
	errMissingSelfID   = errors.New("missing selfId")
	errMissingSDP      = errors.New("missing sdp")
	errMissingCand     = errors.New("missing candidate")
)

// Encode serializes an outbound message. Each encoded message gets a fresh id.
func Encode(msg Outbound) ([]byte, error) {
	env := msg.envelope()
	env.ID = uuid.NewString()
	return json.Marshal(env)
}

// EnvelopeOf returns the wire envelope of msg without assigning an id.
func EnvelopeOf(msg Outbound) Envelope {
	return msg.envelope()
}

// Decode parses one inbound message.
func Decode(data []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolViolation{Err: err}
	}
	return FromEnvelope(env)
}

// FromEnvelope converts an already-parsed envelope into its inbound variant.
func FromEnvelope(env Envelope) (Inbound, error) {
	m := Meta{ID: env.ID}

	switch env.Type {
	case TypeParticipantJoined:
		if env.ClientID == "" {
			return nil, violation(env.Type, errMissingClientID)
		}
		return ParticipantJoined{Meta: m, ClientID: env.ClientID, DisplayName: env.DisplayName}, nil

	case TypeParticipantLeft:
		if env.ClientID == "" {
			return nil, violation(env.Type, errMissingClientID)
		}
		return ParticipantLeft{Meta: m, ClientID: env.ClientID}, nil

	case TypeStreamAvailable, TypeStreamUnavailable:
		if env.ClientID == "" {
			return nil, violation(env.Type, errMissingClientID)
		}
		if env.StreamID == "" {
			return nil, violation(env.Type, errMissingStreamID)
		}
		if env.Type == TypeStreamAvailable {
			return StreamAvailable{Meta: m, ClientID: env.ClientID, StreamID: env.StreamID}, nil
		}
		return StreamUnavailable{Meta: m, ClientID: env.ClientID, StreamID: env.StreamID}, nil

	case TypeRoomJoined:
		if env.SelfID == "" {
			return nil, violation(env.Type, errMissingSelfID)
		}
		for _, p := range env.Participants {
			if p.ClientID == "" {
				return nil, violation(env.Type, errMissingClientID)
			}
		}
		return RoomJoined{Meta: m, SelfID: env.SelfID, Participants: env.Participants}, nil

	case TypeSDPOffer, TypeSDPAnswer:
		if env.ClientID == "" {
			return nil, violation(env.Type, errMissingClientID)
		}
		if env.SDP == "" {
			return nil, violation(env.Type, errMissingSDP)
		}
		if env.Type == TypeSDPOffer {
			return RemoteOffer{Meta: m, ClientID: env.ClientID, SDP: env.SDP}, nil
		}
		return RemoteAnswer{Meta: m, ClientID: env.ClientID, SDP: env.SDP}, nil

	case TypeICECandidate:
		if env.ClientID == "" {
			return nil, violation(env.Type, errMissingClientID)
		}
		if env.Candidate == nil || env.Candidate.Candidate == "" {
			return nil, violation(env.Type, errMissingCand)
		}
		return RemoteCandidate{Meta: m, ClientID: env.ClientID, Candidate: *env.Candidate}, nil

	case TypeRoomLocked:
		return RoomLocked{Meta: m, Reason: env.Reason}, nil

	case TypeClientKicked:
		return ClientKicked{Meta: m, Reason: env.Reason}, nil

	case "":
		return nil, violation(env.Type, errors.New("missing type"))

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func violation(t Type, err error) *ProtocolViolation {
	return &ProtocolViolation{Type: t, Err: err}
}
