package signaling

import (
	"context"
	"errors"
)

// ErrSaltNotFound is the explicit fallback for an account lookup that found
// nothing (including lookups abandoned by their deadline).
var ErrSaltNotFound = errors.New("salt not found")

// ErrRelayClosed indicates a send on a closed relay client.
var ErrRelayClosed = errors.New("relay client is closed")

// Outbound is an event the core sends toward the relay. The concrete types
// below are the only implementations.
type Outbound interface {
	isOutbound()
}

// RegisterMaster announces the local identity, optionally carrying the
// current public key for propagation.
type RegisterMaster struct {
	UUID      string
	PublicKey []byte
}

// RelayMessage asks the relay to deliver opaque payload bytes to a peer.
type RelayMessage struct {
	To      string
	Payload []byte
	MsgID   string
}

// MsgAck acknowledges delivery/read of a message, outside the crypto path.
type MsgAck struct {
	To    string
	MsgID string
}

// JoinCall announces joining a call group.
type JoinCall struct {
	GroupID string
}

// LeaveCall announces leaving a call group.
type LeaveCall struct {
	GroupID string
}

func (RegisterMaster) isOutbound() {}
func (RelayMessage) isOutbound()   {}
func (MsgAck) isOutbound()         {}
func (Signal) isOutbound()         {}
func (JoinCall) isOutbound()       {}
func (LeaveCall) isOutbound()      {}

// Relay is the transport collaborator. Implementations own their connection
// lifecycle; the core holds a reference and never reaches for a global.
//
// Ordering guarantee required of implementations: events concerning the
// same peer are delivered in send order (an ordered, at-least-once channel
// is assumed); ordering across different peers is unspecified.
type Relay interface {
	// Open establishes the transport. Events start flowing afterwards.
	Open(ctx context.Context) error

	// Close tears the transport down and closes the event channel.
	Close() error

	// Send transmits one outbound event.
	Send(out Outbound) error

	// Events returns the inbound event stream. The channel closes when the
	// relay does.
	Events() <-chan Event

	// LookupSalt resolves a username to its account salt record. The
	// context bounds the wait; expiry and genuine absence both surface as
	// ErrSaltNotFound rather than hanging.
	LookupSalt(ctx context.Context, username string) (*SaltInfo, error)
}
