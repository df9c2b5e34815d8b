package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/signaling"
)

// HangupDebounce is how long a dead 1:1 connection may stay dead before the
// call is torn down. Transient ICE blips shorter than this are absorbed.
const HangupDebounce = 1500 * time.Millisecond

// SignalSender is the slice of the relay the negotiator needs.
type SignalSender interface {
	Send(out signaling.Outbound) error
}

// JoinOptions parameterize a call join.
type JoinOptions struct {
	// Role marks the call as direct or group.
	Role CallRole
	// Video requests camera capture; denial degrades through the ladder.
	Video bool
	// RingTarget, when set, is the 1:1 call target that is not yet a
	// participant and must be offered to proactively so its end rings.
	RingTarget string
}

// Negotiator drives the perfect-negotiation protocol over the session
// registry: deterministic roles from uuid ordering, glare resolution,
// join/leave/renegotiate orchestration, ringing, and debounced auto-hangup.
type Negotiator struct {
	selfUUID string
	sender   SignalSender
	registry *Registry
	provider MediaProvider
	debounce time.Duration

	mu      sync.Mutex
	current *CallSession
	sampler *Sampler

	ringing           *signaling.Signal
	ringingCandidates []signaling.Signal

	hangupTimers map[string]*time.Timer

	onRinging     func(from, groupID string)
	onEnded       func(groupID string)
	onSpeaking    func(uuid string, speaking bool)
	onRemoteTrack func(peerUUID string, track *webrtc.TrackRemote)
}

// NewNegotiator wires a negotiator over a registry. provider may be nil,
// defaulting to the built-in TrackProvider.
func NewNegotiator(selfUUID string, sender SignalSender, registry *Registry, provider MediaProvider) *Negotiator {
	if provider == nil {
		provider = TrackProvider{}
	}
	n := &Negotiator{
		selfUUID:     selfUUID,
		sender:       sender,
		registry:     registry,
		provider:     provider,
		debounce:     HangupDebounce,
		hangupTimers: make(map[string]*time.Timer),
	}

	registry.OnCandidate(n.forwardCandidate)
	registry.OnStateChange(n.handleConnectionState)
	registry.OnTrack(n.handleRemoteTrack)

	return n
}

// OnRinging registers the incoming-call callback. groupID falls back to the
// caller's uuid for bare 1:1 offers.
func (n *Negotiator) OnRinging(fn func(from, groupID string)) { n.onRinging = fn }

// OnCallEnded registers the call-teardown callback.
func (n *Negotiator) OnCallEnded(fn func(groupID string)) { n.onEnded = fn }

// OnSpeaking registers the voice-activity callback; uuid is empty for the
// local stream.
func (n *Negotiator) OnSpeaking(fn func(uuid string, speaking bool)) { n.onSpeaking = fn }

// OnRemoteTrack registers the callback fired when a peer's media track
// arrives, so the host can render or play it.
func (n *Negotiator) OnRemoteTrack(fn func(peerUUID string, track *webrtc.TrackRemote)) {
	n.onRemoteTrack = fn
}

// Active reports whether a call session is live.
func (n *Negotiator) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current != nil
}

// CurrentGroup returns the live call's group id, empty when idle.
func (n *Negotiator) CurrentGroup() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current == nil {
		return ""
	}
	return n.current.GroupID
}

// Join enters a call: acquires local media through the fallback ladder,
// announces the join, and rings the 1:1 target if one is named. Any prior
// call session is force-closed first; two never coexist.
func (n *Negotiator) Join(ctx context.Context, groupID string, opts JoinOptions) error {
	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.Join",
		"group":    groupID,
		"video":    opts.Video,
		"ring":     opts.RingTarget,
	}).Info("Joining call")

	n.mu.Lock()
	if n.current != nil {
		endedGroup := n.leaveLocked()
		n.mu.Unlock()
		n.notifyEnded(endedGroup)
		n.mu.Lock()
	}

	media, err := AcquireWithFallback(ctx, n.provider, opts.Video)
	if err != nil {
		n.mu.Unlock()
		return err
	}

	n.registry.SetLocalTracks(media.Tracks)
	n.current = &CallSession{GroupID: groupID, Role: opts.Role, Local: media}

	n.sampler = NewSampler(n.registry, media.Meter, func(uuid string, speaking bool) {
		if n.onSpeaking != nil {
			n.onSpeaking(uuid, speaking)
		}
	})
	n.sampler.Start()
	n.mu.Unlock()

	if err := n.sender.Send(signaling.JoinCall{GroupID: groupID}); err != nil {
		n.Leave()
		return fmt.Errorf("%w: join announcement failed: %v", ErrNegotiation, err)
	}

	// 1:1 ring: the target is not a participant yet, so the uuid ordering
	// rule does not reach it; offer proactively to make its end ring.
	if opts.RingTarget != "" {
		if err := n.sendOffer(opts.RingTarget); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Negotiator.Join",
				"target":   opts.RingTarget,
				"error":    err.Error(),
			}).Error("Ring offer failed")
		}
	}

	return nil
}

// Leave tears the current call down: every session closed, local media
// stopped, the relay notified, state reset. Synchronous and safe to call
// when idle.
func (n *Negotiator) Leave() {
	n.mu.Lock()
	groupID := n.leaveLocked()
	n.mu.Unlock()
	n.notifyEnded(groupID)
}

// leaveLocked performs teardown under the mutex and returns the group id
// that ended, or empty when already idle.
func (n *Negotiator) leaveLocked() string {
	if n.current == nil {
		return ""
	}
	groupID := n.current.GroupID

	for peer, timer := range n.hangupTimers {
		timer.Stop()
		delete(n.hangupTimers, peer)
	}
	if n.sampler != nil {
		n.sampler.Stop()
		n.sampler = nil
	}

	n.registry.CloseAll()
	n.current.Local.Close()
	n.registry.SetLocalTracks(nil)
	n.current = nil

	if err := n.sender.Send(signaling.LeaveCall{GroupID: groupID}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.leaveLocked",
			"group":    groupID,
			"error":    err.Error(),
		}).Warn("Leave announcement failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.leaveLocked",
		"group":    groupID,
	}).Info("Left call")

	return groupID
}

func (n *Negotiator) notifyEnded(groupID string) {
	if groupID != "" && n.onEnded != nil {
		n.onEnded(groupID)
	}
}

// Accept joins the pending ringing call and replays the original offer
// (and any candidates that arrived behind it) through the normal handler.
func (n *Negotiator) Accept(ctx context.Context, video bool) error {
	n.mu.Lock()
	ring := n.ringing
	candidates := n.ringingCandidates
	n.ringing = nil
	n.ringingCandidates = nil
	n.mu.Unlock()

	if ring == nil {
		return ErrNoPendingCall
	}

	groupID := ring.GroupID
	if groupID == "" {
		groupID = ring.From
	}

	if err := n.Join(ctx, groupID, JoinOptions{Role: RoleDirect, Video: video}); err != nil {
		return err
	}

	n.HandleSignal(*ring)
	for _, c := range candidates {
		n.HandleSignal(c)
	}
	return nil
}

// Decline drops the pending ringing call without joining.
func (n *Negotiator) Decline() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ringing == nil {
		return ErrNoPendingCall
	}
	n.ringing = nil
	n.ringingCandidates = nil
	return nil
}

// HandleEvent routes call-related relay events into the state machine.
func (n *Negotiator) HandleEvent(ev signaling.Event) {
	switch e := ev.(type) {
	case signaling.Signal:
		n.HandleSignal(e)
	case signaling.CallParticipants:
		n.handleRoster(e)
	case signaling.CallUserJoined:
		n.handleUserJoined(e)
	case signaling.CallUserLeft:
		n.handleUserLeft(e)
	}
}

// initiatesToward applies the deterministic role rule: the smaller uuid is
// impolite and initiates toward every larger uuid.
func (n *Negotiator) initiatesToward(peerUUID string) bool {
	return n.selfUUID < peerUUID
}

// handleRoster reacts to the participant list after a join: offers go to
// every participant we initiate toward; the rest will offer to us.
func (n *Negotiator) handleRoster(e signaling.CallParticipants) {
	if !n.Active() {
		return
	}
	for _, peer := range e.Participants {
		if peer == n.selfUUID {
			continue
		}
		if !n.initiatesToward(peer) {
			continue
		}
		if err := n.sendOffer(peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Negotiator.handleRoster",
				"peer":     peer,
				"error":    err.Error(),
			}).Error("Roster offer failed")
		}
	}
}

func (n *Negotiator) handleUserJoined(e signaling.CallUserJoined) {
	if !n.Active() || e.UUID == n.selfUUID {
		return
	}
	if !n.initiatesToward(e.UUID) {
		// They hold the initiator role; their offer is on its way.
		return
	}
	if err := n.sendOffer(e.UUID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleUserJoined",
			"peer":     e.UUID,
			"error":    err.Error(),
		}).Error("Join offer failed")
	}
}

func (n *Negotiator) handleUserLeft(e signaling.CallUserLeft) {
	n.mu.Lock()
	if n.current == nil {
		n.mu.Unlock()
		return
	}
	n.cancelHangupLocked(e.UUID)
	n.mu.Unlock()

	if err := n.registry.CloseSession(e.UUID); err == nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleUserLeft",
			"peer":     e.UUID,
		}).Info("Peer left call")
	}

	n.mu.Lock()
	direct := n.current != nil && n.current.Role == RoleDirect
	empty := n.registry.Count() == 0
	var endedGroup string
	if direct && empty {
		endedGroup = n.leaveLocked()
	}
	n.mu.Unlock()
	n.notifyEnded(endedGroup)
}

// HandleSignal processes one offer/answer/candidate signal.
func (n *Negotiator) HandleSignal(e signaling.Signal) {
	var err error
	switch e.Type {
	case signaling.SignalOffer:
		err = n.handleOffer(e)
	case signaling.SignalAnswer:
		err = n.handleAnswer(e)
	case signaling.SignalCandidate:
		err = n.handleCandidate(e)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.HandleSignal",
			"type":     string(e.Type),
			"from":     e.From,
			"error":    err.Error(),
		}).Error("Signal handling failed")
	}
}

func (n *Negotiator) handleOffer(e signaling.Signal) error {
	n.mu.Lock()

	// No active call: surface as ringing without creating a connection.
	if n.current == nil {
		if n.ringing == nil {
			ring := e
			n.ringing = &ring
			cb := n.onRinging
			n.mu.Unlock()
			groupID := e.GroupID
			if groupID == "" {
				groupID = e.From
			}
			logrus.WithFields(logrus.Fields{
				"function": "Negotiator.handleOffer",
				"from":     e.From,
				"group":    groupID,
			}).Info("Incoming call ringing")
			if cb != nil {
				cb(e.From, groupID)
			}
			return nil
		}
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	// Glare: their offer collided with ours.
	if session, ok := n.registry.Session(e.From); ok && session.negState == negStateHaveLocalOffer {
		if n.initiatesToward(e.From) {
			// Impolite: our offer stands, theirs is dropped.
			logrus.WithFields(logrus.Fields{
				"function": "Negotiator.handleOffer",
				"peer":     e.From,
			}).Debug("Glare, impolite side ignoring remote offer")
			return nil
		}
		// Polite: yield the in-flight offer (rollback by rebuilding the
		// connection) and answer theirs.
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleOffer",
			"peer":     e.From,
		}).Debug("Glare, polite side yielding local offer")
		if err := n.registry.CloseSession(e.From); err != nil {
			return err
		}
	}

	session, err := n.registry.CreateSession(e.From)
	if err != nil {
		return err
	}

	if err := n.registry.SetRemoteDescription(e.From, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  e.SDP,
	}); err != nil {
		return err
	}
	session.negState = negStateHaveRemoteOffer

	answer, err := session.Conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := session.Conn.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("%w: set local answer: %v", ErrNegotiation, err)
	}
	session.negState = negStateStable

	return n.sender.Send(signaling.Signal{
		To:       e.From,
		Type:     signaling.SignalAnswer,
		SDP:      answer.SDP,
		CallType: n.callType(),
		GroupID:  n.CurrentGroup(),
	})
}

func (n *Negotiator) handleAnswer(e signaling.Signal) error {
	session, ok := n.registry.Session(e.From)
	if !ok {
		return ErrSessionNotFound
	}
	if err := n.registry.SetRemoteDescription(e.From, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  e.SDP,
	}); err != nil {
		return err
	}
	session.negState = negStateStable
	return nil
}

func (n *Negotiator) handleCandidate(e signaling.Signal) error {
	n.mu.Lock()
	if n.current == nil {
		// Candidates trailing a ringing offer are replayed on accept.
		if n.ringing != nil && n.ringing.From == e.From {
			n.ringingCandidates = append(n.ringingCandidates, e)
		}
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	err := n.registry.EnqueueCandidate(e.From, webrtc.ICECandidateInit{Candidate: e.Candidate})
	if err == ErrSessionNotFound {
		// Candidate for a peer we have no session with; nothing to apply
		// it to, and the eventual offer exchange starts a fresh stream.
		return nil
	}
	return err
}

// sendOffer creates (or reuses) the session toward a peer and sends a fresh
// offer, unless one is already in flight.
func (n *Negotiator) sendOffer(peerUUID string) error {
	session, err := n.registry.CreateSession(peerUUID)
	if err != nil {
		return err
	}
	if session.negState == negStateHaveLocalOffer {
		return nil
	}

	offer, err := session.Conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := session.Conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	session.negState = negStateHaveLocalOffer

	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.sendOffer",
		"peer":     peerUUID,
	}).Debug("Offer sent")

	return n.sender.Send(signaling.Signal{
		To:       peerUUID,
		Type:     signaling.SignalOffer,
		SDP:      offer.SDP,
		CallType: n.callType(),
		GroupID:  n.CurrentGroup(),
	})
}

// Renegotiate issues fresh offers, but only to peers whose connection is
// currently stable; busy connections are left alone to prevent negotiation
// storms.
func (n *Negotiator) Renegotiate() {
	if !n.Active() {
		return
	}
	for _, peer := range n.registry.Peers() {
		session, ok := n.registry.Session(peer)
		if !ok {
			continue
		}
		if session.Conn.SignalingState() != webrtc.SignalingStateStable {
			continue
		}
		if session.negState != negStateStable {
			continue
		}
		session.negState = negStateNew
		if err := n.sendOffer(peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Negotiator.Renegotiate",
				"peer":     peer,
				"error":    err.Error(),
			}).Error("Renegotiation offer failed")
		}
	}
}

// forwardCandidate relays a locally gathered candidate to the peer.
func (n *Negotiator) forwardCandidate(peerUUID string, candidate webrtc.ICECandidateInit) {
	if err := n.sender.Send(signaling.Signal{
		To:        peerUUID,
		Type:      signaling.SignalCandidate,
		Candidate: candidate.Candidate,
		CallType:  n.callType(),
		GroupID:   n.CurrentGroup(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.forwardCandidate",
			"peer":     peerUUID,
			"error":    err.Error(),
		}).Warn("Candidate forwarding failed")
	}
}

// handleRemoteTrack surfaces a peer's media track to the host.
func (n *Negotiator) handleRemoteTrack(peerUUID string, track *webrtc.TrackRemote) {
	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.handleRemoteTrack",
		"peer":     peerUUID,
	}).Info("Remote track received")
	if n.onRemoteTrack != nil {
		n.onRemoteTrack(peerUUID, track)
	}
}

// handleConnectionState reacts to native connection transitions: recovery
// cancels scheduled hangups; terminal states schedule them after the
// debounce, ending a 1:1 call outright and pruning a single peer from a
// group call.
func (n *Negotiator) handleConnectionState(peerUUID string, state webrtc.PeerConnectionState) {
	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.handleConnectionState",
		"peer":     peerUUID,
		"state":    state.String(),
	}).Debug("Connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.mu.Lock()
		n.cancelHangupLocked(peerUUID)
		n.mu.Unlock()

	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.current == nil {
			return
		}
		if _, scheduled := n.hangupTimers[peerUUID]; scheduled {
			return
		}
		n.hangupTimers[peerUUID] = time.AfterFunc(n.debounce, func() {
			n.hangupExpired(peerUUID)
		})
		logrus.WithFields(logrus.Fields{
			"function": "Negotiator.handleConnectionState",
			"peer":     peerUUID,
			"debounce": n.debounce,
		}).Info("Scheduled hangup after connection loss")
	}
}

func (n *Negotiator) cancelHangupLocked(peerUUID string) {
	if timer, ok := n.hangupTimers[peerUUID]; ok {
		timer.Stop()
		delete(n.hangupTimers, peerUUID)
	}
}

// hangupExpired fires when the debounce elapses with the connection still
// down. A recovered connection in the meantime is left alone.
func (n *Negotiator) hangupExpired(peerUUID string) {
	n.mu.Lock()
	delete(n.hangupTimers, peerUUID)
	if n.current == nil {
		n.mu.Unlock()
		return
	}

	if session, ok := n.registry.Session(peerUUID); ok {
		if session.Conn.ConnectionState() == webrtc.PeerConnectionStateConnected {
			n.mu.Unlock()
			return
		}
	}

	direct := n.current.Role == RoleDirect
	var endedGroup string
	if direct {
		endedGroup = n.leaveLocked()
		n.mu.Unlock()
		n.notifyEnded(endedGroup)
		return
	}
	n.mu.Unlock()

	// Group call: prune only this peer, the call continues.
	_ = n.registry.CloseSession(peerUUID)
	logrus.WithFields(logrus.Fields{
		"function": "Negotiator.hangupExpired",
		"peer":     peerUUID,
	}).Info("Pruned failed peer from group call")
}

func (n *Negotiator) callType() signaling.CallType {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.current != nil && n.current.Role == RoleDirect {
		return signaling.CallDirect
	}
	return signaling.CallGroup
}
