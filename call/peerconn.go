package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of the native WebRTC connection surface the
// registry and negotiator consume. Keeping it an interface decouples the
// state machine from pion internals and lets tests drive negotiation with
// scripted connections.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	AddTrack(track webrtc.TrackLocal) error

	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnTrack(fn func(*webrtc.TrackRemote))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// Dialer creates peer connections. The default dials real pion connections;
// tests substitute scripted ones.
type Dialer func(config webrtc.Configuration) (PeerConnection, error)

// NewRTCDialer returns the production Dialer backed by pion/webrtc.
func NewRTCDialer() Dialer {
	return func(config webrtc.Configuration) (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNegotiation, err)
		}
		return &rtcConn{pc: pc}, nil
	}
}

// rtcConn adapts *webrtc.PeerConnection to the PeerConnection interface.
type rtcConn struct {
	pc *webrtc.PeerConnection
}

func (c *rtcConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *rtcConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *rtcConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *rtcConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *rtcConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *rtcConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *rtcConn) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *rtcConn) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

func (c *rtcConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

func (c *rtcConn) OnTrack(fn func(*webrtc.TrackRemote)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track)
	})
}

func (c *rtcConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *rtcConn) Close() error {
	return c.pc.Close()
}
