package wisp

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/codec"
	"github.com/opd-ai/wisp/signaling"
)

// OnMessage registers the inbound plain-message callback. Register before
// events flow.
func (n *Node) OnMessage(fn func(from string, msg signaling.PlainMessage, msgID string)) {
	n.messageCallback = fn
}

// OnUndecryptable registers the callback fired when every cascade step
// failed for a message; the rehandshake ping has already been sent.
func (n *Node) OnUndecryptable(fn func(from, msgID string)) {
	n.undecryptableCallback = fn
}

// OnRehandshake registers the callback fired when a peer reported it could
// not decrypt our traffic.
func (n *Node) OnRehandshake(fn func(from string)) {
	n.rehandshakeCallback = fn
}

// OnDelivery registers the delivery-state callback.
func (n *Node) OnDelivery(fn func(msgID string, state DeliveryState)) {
	n.deliveryCallback = fn
}

// OnPresence registers the peer-presence callback.
func (n *Node) OnPresence(fn func(uuid, status string)) {
	n.presenceCallback = fn
}

// dispatch is the single inbound loop: it drains the relay's event channel
// until close and routes each event by variant. Serial dispatch preserves
// the relay's per-peer ordering all the way to the callbacks.
func (n *Node) dispatch() {
	defer close(n.done)
	for ev := range n.relay.Events() {
		n.handleEvent(ev)
	}
	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"uuid":     n.selfUUID,
	}).Debug("Dispatch loop drained")
}

func (n *Node) handleEvent(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.RelayPush:
		n.handleRelayPush(e)
	case signaling.QueueFlush:
		// Offline backlog replays through the exact same path as live
		// pushes, in stored order.
		for _, push := range e.Payloads {
			n.handleRelayPush(push)
		}
	case signaling.MsgAckPush:
		n.handleAck(e)
	case signaling.PresenceUpdate:
		n.handlePresence(e)
	case signaling.PresenceAll:
		for _, entry := range e.Entries {
			n.handlePresence(entry)
		}
	default:
		// Everything else is call traffic.
		n.negotiator.HandleEvent(ev)
	}
}

// handleRelayPush decrypts one relayed message through the cascade and
// surfaces the parsed payload.
func (n *Node) handleRelayPush(e signaling.RelayPush) {
	// 1:1 conversations are keyed by the peer uuid.
	result := n.cascade.DecryptInbound(e.Payload, e.From, e.From)

	// The embedded key is the repair material either way: on success it
	// confirms the sender's current key, on failure it is what the
	// rehandshake ping gets sealed under so the peer can open it.
	if senderRaw, _ := codec.Unpack(e.Payload); senderRaw != nil && e.From != n.selfUUID {
		if err := n.keys.NotePeerKey(e.From, senderRaw); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleRelayPush",
				"from":     e.From,
				"error":    err.Error(),
			}).Debug("Ignoring malformed embedded key")
		}
	}

	if result.Rehandshake {
		logrus.WithFields(logrus.Fields{
			"function": "handleRelayPush",
			"from":     e.From,
			"msgID":    e.MsgID,
		}).Warn("Message undecryptable, requesting rehandshake")
		n.sendRehandshakePing(e.From)
		if n.undecryptableCallback != nil {
			n.undecryptableCallback(e.From, e.MsgID)
		}
		return
	}

	switch payload := signaling.ParsePayload(result.Plaintext).(type) {
	case signaling.PlainMessage:
		if n.messageCallback != nil {
			n.messageCallback(e.From, payload, e.MsgID)
		}
	case signaling.SystemMessage:
		n.handleSystemMessage(e.From, payload)
	case signaling.Unrecognized:
		logrus.WithFields(logrus.Fields{
			"function": "handleRelayPush",
			"from":     e.From,
			"msgID":    e.MsgID,
		}).Warn("Dropping unrecognized payload shape")
	}
}

// handleSystemMessage reacts to in-band control payloads.
func (n *Node) handleSystemMessage(from string, msg signaling.SystemMessage) {
	switch msg.Kind {
	case signaling.SystemRehandshake:
		// The peer cannot decrypt our traffic; re-announce the public key
		// so it can derive the shared secret afresh.
		logrus.WithFields(logrus.Fields{
			"function": "handleSystemMessage",
			"from":     from,
		}).Info("Peer requested rehandshake, re-announcing public key")
		if err := n.relay.Send(signaling.RegisterMaster{UUID: n.selfUUID, PublicKey: n.keys.PublicRaw()}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleSystemMessage",
				"error":    err.Error(),
			}).Warn("Public key re-announcement failed")
		}
		if n.rehandshakeCallback != nil {
			n.rehandshakeCallback(from)
		}
	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleSystemMessage",
			"from":     from,
			"kind":     msg.Kind,
		}).Debug("Ignoring unknown system message kind")
	}
}

func (n *Node) handleAck(e signaling.MsgAckPush) {
	n.mu.Lock()
	_, tracked := n.deliveries[e.MsgID]
	if tracked {
		n.deliveries[e.MsgID] = DeliveryAcked
	}
	n.mu.Unlock()

	if !tracked {
		return
	}
	if n.deliveryCallback != nil {
		n.deliveryCallback(e.MsgID, DeliveryAcked)
	}
}

// handlePresence ingests a presence event, opportunistically adopting any
// public key it carries.
func (n *Node) handlePresence(e signaling.PresenceUpdate) {
	if e.UUID == n.selfUUID {
		return
	}
	if len(e.PublicKey) > 0 {
		if err := n.keys.NotePeerKey(e.UUID, e.PublicKey); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handlePresence",
				"peer":     e.UUID,
				"error":    err.Error(),
			}).Debug("Ignoring malformed presence key")
		}
	}
	if n.presenceCallback != nil {
		n.presenceCallback(e.UUID, e.Status)
	}
}
