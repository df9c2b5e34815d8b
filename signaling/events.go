package signaling

import (
	"encoding/json"
	"time"
)

// SignalType discriminates call negotiation payloads.
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "candidate"
)

// CallType distinguishes a direct call from a group call.
type CallType string

const (
	CallDirect CallType = "1:1"
	CallGroup  CallType = "group"
)

// Event is an inbound relay event. The concrete types below are the only
// implementations; consumers switch on the variant instead of probing
// loosely typed maps.
type Event interface {
	isEvent()
}

// RelayPush delivers one relayed message.
type RelayPush struct {
	From      string
	To        string
	Payload   []byte
	Timestamp time.Time
	MsgID     string
}

// QueueFlush delivers messages that were queued while the recipient was
// offline. Each entry replays through the same inbound path as a live push.
type QueueFlush struct {
	Payloads []RelayPush
}

// MsgAckPush reports a delivery/read acknowledgement from a peer.
type MsgAckPush struct {
	From  string
	MsgID string
}

// Signal carries one call-negotiation payload: an SDP offer or answer, or
// an ICE candidate. GroupID rides along so an offer can identify the call
// it belongs to.
type Signal struct {
	From      string
	To        string
	Type      SignalType
	SDP       string
	Candidate string
	CallType  CallType
	GroupID   string
}

// CallParticipants is the roster answer to a join announcement.
type CallParticipants struct {
	GroupID      string
	Participants []string
}

// CallUserJoined announces a peer joining a call.
type CallUserJoined struct {
	UUID    string
	GroupID string
}

// CallUserLeft announces a peer leaving a call.
type CallUserLeft struct {
	UUID    string
	GroupID string
}

// PresenceUpdate reports a peer's status, optionally carrying their current
// public key (the opportunistic propagation path).
type PresenceUpdate struct {
	UUID      string
	Status    string
	PublicKey []byte
}

// PresenceAll is the bulk presence snapshot sent on connect.
type PresenceAll struct {
	Entries []PresenceUpdate
}

func (RelayPush) isEvent()        {}
func (QueueFlush) isEvent()       {}
func (MsgAckPush) isEvent()       {}
func (Signal) isEvent()           {}
func (CallParticipants) isEvent() {}
func (CallUserJoined) isEvent()   {}
func (CallUserLeft) isEvent()     {}
func (PresenceUpdate) isEvent()   {}
func (PresenceAll) isEvent()      {}

// SaltInfo is the result of an account salt lookup. KdfParams advertises
// the Argon2id parameters the account's identity was derived under, keyed
// "time", "memory" (KiB), and "threads"; salt resolution refuses records
// whose parameters differ from the fixed set the core derives with.
type SaltInfo struct {
	UUID      string
	Salt      []byte
	KdfParams map[string]int
}

// Payload is a decrypted message payload, parsed at the boundary into one
// of three variants.
type Payload interface {
	isPayload()
}

// PlainMessage is ordinary user text.
type PlainMessage struct {
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt,omitempty"`
}

// SystemMessage is an in-band control payload, discriminated by Kind.
type SystemMessage struct {
	Kind string `json:"kind"`
}

// System message kinds.
const (
	// SystemRehandshake asks the recipient to resend its public key because
	// the sender could not decrypt a message.
	SystemRehandshake = "rehandshake"
)

// Unrecognized wraps a payload that is neither a plain nor a system
// message. The raw text is preserved for display or logging.
type Unrecognized struct {
	Raw string
}

func (PlainMessage) isPayload()  {}
func (SystemMessage) isPayload() {}
func (Unrecognized) isPayload()  {}

// ParsePayload classifies a decrypted payload. A JSON object with a "kind"
// field is a system message, one with a "text" field is a plain message,
// and everything else is Unrecognized.
func ParsePayload(plaintext string) Payload {
	var shape struct {
		Kind *string `json:"kind"`
		Text *string `json:"text"`
		Sent int64   `json:"sentAt"`
	}
	if err := json.Unmarshal([]byte(plaintext), &shape); err != nil {
		return Unrecognized{Raw: plaintext}
	}
	switch {
	case shape.Kind != nil:
		return SystemMessage{Kind: *shape.Kind}
	case shape.Text != nil:
		return PlainMessage{Text: *shape.Text, SentAt: shape.Sent}
	default:
		return Unrecognized{Raw: plaintext}
	}
}

// EncodePlainMessage serializes user text into the canonical payload form.
func EncodePlainMessage(text string, sentAt time.Time) (string, error) {
	data, err := json.Marshal(PlainMessage{Text: text, SentAt: sentAt.UnixMilli()})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// EncodeSystemMessage serializes a control payload.
func EncodeSystemMessage(kind string) (string, error) {
	data, err := json.Marshal(SystemMessage{Kind: kind})
	if err != nil {
		return "", err
	}
	return string(data), nil
}
