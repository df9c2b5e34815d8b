package wisp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/codec"
	"github.com/opd-ai/wisp/keyex"
	"github.com/opd-ai/wisp/signaling"
)

// DeliveryState tracks an outbound message's lifecycle.
type DeliveryState uint8

const (
	// DeliverySent means the message was handed to the relay.
	DeliverySent DeliveryState = iota
	// DeliveryAcked means the recipient acknowledged it.
	DeliveryAcked
)

// String returns a human-readable delivery state.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryAcked:
		return "acked"
	default:
		return "sent"
	}
}

// SendMessage encrypts text for a peer and hands it to the relay, returning
// the message id used for delivery tracking. The conversation secret is used
// when the peer's public key is known; before that the master secret is the
// only key available, and the recipient answers with a rehandshake ping that
// repairs the exchange. The local public key always rides along so the peer
// can derive the shared secret.
func (n *Node) SendMessage(peerUUID, text string) (string, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrNodeClosed
	}
	n.mu.Unlock()

	payload, err := signaling.EncodePlainMessage(text, time.Now())
	if err != nil {
		return "", err
	}

	key, err := n.outboundKey(peerUUID)
	if err != nil {
		return "", err
	}

	envelope, err := codec.Encode(payload, key)
	if err != nil {
		return "", err
	}
	wire, err := codec.PackWithKey(envelope, n.keys.PublicRaw())
	if err != nil {
		return "", err
	}

	msgID := uuid.NewString()
	n.mu.Lock()
	n.deliveries[msgID] = DeliverySent
	n.mu.Unlock()

	if err := n.relay.Send(signaling.RelayMessage{To: peerUUID, Payload: wire, MsgID: msgID}); err != nil {
		n.mu.Lock()
		delete(n.deliveries, msgID)
		n.mu.Unlock()
		return "", fmt.Errorf("message send failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "SendMessage",
		"to":       peerUUID,
		"msgID":    msgID,
	}).Debug("Message sent")

	return msgID, nil
}

// outboundKey picks the encryption key for a peer: the derived conversation
// secret when the peer's public key is known, the master secret otherwise.
func (n *Node) outboundKey(peerUUID string) ([]byte, error) {
	secret, err := n.keys.SecretFor(peerUUID, peerUUID)
	if err == nil {
		return keyex.SecretKeyBytes(secret)
	}

	logrus.WithFields(logrus.Fields{
		"function": "outboundKey",
		"peer":     peerUUID,
	}).Debug("No peer key known, encrypting with master secret")
	return n.identity.MasterSecret[:], nil
}

// AckMessage acknowledges an inbound message toward its sender.
func (n *Node) AckMessage(peerUUID, msgID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	n.mu.Unlock()

	return n.relay.Send(signaling.MsgAck{To: peerUUID, MsgID: msgID})
}

// DeliveryStateOf reports the tracked state of an outbound message.
func (n *Node) DeliveryStateOf(msgID string) (DeliveryState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state, ok := n.deliveries[msgID]
	return state, ok
}

// sendRehandshakePing tells a peer its traffic toward us is undecryptable.
// The ping is sealed with the shared secret derived from the key the failed
// message embedded, which the peer's own embedded-key cascade step can
// always open; the exchange converges instead of ping-ponging.
func (n *Node) sendRehandshakePing(peerUUID string) {
	payload, err := signaling.EncodeSystemMessage(signaling.SystemRehandshake)
	if err != nil {
		return
	}
	key, err := n.outboundKey(peerUUID)
	if err != nil {
		return
	}
	envelope, err := codec.Encode(payload, key)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRehandshakePing",
			"peer":     peerUUID,
			"error":    err.Error(),
		}).Warn("Failed to encode rehandshake ping")
		return
	}
	wire, err := codec.PackWithKey(envelope, n.keys.PublicRaw())
	if err != nil {
		return
	}
	if err := n.relay.Send(signaling.RelayMessage{To: peerUUID, Payload: wire, MsgID: uuid.NewString()}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendRehandshakePing",
			"peer":     peerUUID,
			"error":    err.Error(),
		}).Warn("Failed to send rehandshake ping")
	}
}
