package call

import (
	"github.com/pion/webrtc/v4"
)

// negotiationState tracks where a peer is in the offer/answer exchange.
// Glare detection hinges on haveLocalOffer; the rest mirrors the native
// connection for observability.
type negotiationState uint8

const (
	negStateNew negotiationState = iota
	negStateHaveLocalOffer
	negStateHaveRemoteOffer
	negStateStable
)

// PeerSession owns every piece of transient state for one peer in a call:
// the native connection, the candidate buffer, and the audio meter. Nothing
// about a peer is bolted onto foreign objects.
type PeerSession struct {
	PeerUUID string
	Conn     PeerConnection

	meter *EnergyMeter

	// speaking is the VAD presentation flag, read and written only by the
	// sampler goroutine. Hosts observe flips through the speaking callback.
	speaking bool

	negState       negotiationState
	remoteSet      bool
	candidateQueue []webrtc.ICECandidateInit
	remoteTracks   []*webrtc.TrackRemote
}

// Meter returns the session's audio energy meter.
func (s *PeerSession) Meter() *EnergyMeter {
	return s.meter
}

// CallRole distinguishes a direct 1:1 call from a group call.
type CallRole uint8

const (
	// RoleDirect is a 1:1 call: losing the sole peer ends the call.
	RoleDirect CallRole = iota
	// RoleGroup is a group call: peers come and go independently.
	RoleGroup
)

// CallSession is the one active call of a node. Joining a new call always
// force-closes the previous session first; two never coexist.
type CallSession struct {
	GroupID string
	Role    CallRole
	Local   *LocalMedia
}
