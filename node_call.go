package wisp

import (
	"context"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/opd-ai/wisp/call"
)

// OnIncomingCall registers the ringing callback.
func (n *Node) OnIncomingCall(fn func(from, groupID string)) {
	n.negotiator.OnRinging(fn)
}

// OnCallEnded registers the call-teardown callback.
func (n *Node) OnCallEnded(fn func(groupID string)) {
	n.negotiator.OnCallEnded(fn)
}

// OnSpeaking registers the voice-activity callback; uuid is empty for the
// local stream.
func (n *Node) OnSpeaking(fn func(uuid string, speaking bool)) {
	n.negotiator.OnSpeaking(fn)
}

// OnRemoteTrack registers the callback fired when a call peer's media track
// arrives; the host attaches its renderer or audio sink to the track.
func (n *Node) OnRemoteTrack(fn func(peerUUID string, track *webrtc.TrackRemote)) {
	n.negotiator.OnRemoteTrack(fn)
}

// RemoteTracks returns the media tracks received from a call peer so far,
// for hosts that attach renderers after the track callback fired.
func (n *Node) RemoteTracks(peerUUID string) []*webrtc.TrackRemote {
	return n.registry.RemoteTracks(peerUUID)
}

// StartCall rings a peer in a fresh 1:1 call and returns its group id.
func (n *Node) StartCall(ctx context.Context, peerUUID string, video bool) (string, error) {
	groupID := uuid.NewString()
	err := n.negotiator.Join(ctx, groupID, call.JoinOptions{
		Role:       call.RoleDirect,
		Video:      video,
		RingTarget: peerUUID,
	})
	if err != nil {
		return "", err
	}
	return groupID, nil
}

// JoinGroupCall enters a group call; offers fan out per the uuid ordering
// rule once the roster arrives.
func (n *Node) JoinGroupCall(ctx context.Context, groupID string, video bool) error {
	return n.negotiator.Join(ctx, groupID, call.JoinOptions{Role: call.RoleGroup, Video: video})
}

// AcceptCall answers the ringing incoming call.
func (n *Node) AcceptCall(ctx context.Context, video bool) error {
	return n.negotiator.Accept(ctx, video)
}

// DeclineCall drops the ringing incoming call.
func (n *Node) DeclineCall() error {
	return n.negotiator.Decline()
}

// Hangup leaves the current call. Safe when idle.
func (n *Node) Hangup() {
	n.negotiator.Leave()
}

// InCall reports whether a call is live.
func (n *Node) InCall() bool {
	return n.negotiator.Active()
}

// Renegotiate refreshes offers toward stable peers, typically after local
// tracks changed.
func (n *Node) Renegotiate() {
	n.negotiator.Renegotiate()
}
