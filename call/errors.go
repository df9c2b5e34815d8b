package call

import "errors"

// Sentinel errors for call operations. These enable reliable classification
// with errors.Is().

var (
	// ErrNegotiation indicates an SDP or ICE failure the negotiator could
	// not absorb locally. It may trigger an auto-hangup.
	ErrNegotiation = errors.New("negotiation failed")

	// ErrMediaAcquisition indicates no usable media could be acquired, even
	// after falling back to audio only.
	ErrMediaAcquisition = errors.New("media acquisition failed")

	// ErrNoActiveCall indicates an operation that requires a live call.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoPendingCall indicates there is no ringing call to accept or
	// decline.
	ErrNoPendingCall = errors.New("no pending incoming call")

	// ErrSessionNotFound indicates no session exists for the peer.
	ErrSessionNotFound = errors.New("no session for peer")
)
