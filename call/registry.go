package call

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// DefaultICEServers is the fixed ICE server list sessions are created with.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// Registry is the arena of live peer sessions, keyed by peer uuid. It owns
// session creation, the ICE candidate queues, and teardown; the negotiator
// drives it but never touches a native connection directly.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*PeerSession

	dial   Dialer
	config webrtc.Configuration

	localTracks []webrtc.TrackLocal

	// onCandidate forwards locally gathered candidates toward signaling.
	onCandidate func(peerUUID string, candidate webrtc.ICECandidateInit)
	// onStateChange reports native connection state transitions.
	onStateChange func(peerUUID string, state webrtc.PeerConnectionState)
	// onTrack reports a remote track becoming available.
	onTrack func(peerUUID string, track *webrtc.TrackRemote)
}

// NewRegistry creates a Registry dialing through dial. A nil dial falls
// back to real pion connections against the default ICE servers.
func NewRegistry(dial Dialer) *Registry {
	if dial == nil {
		dial = NewRTCDialer()
	}
	return &Registry{
		sessions: make(map[string]*PeerSession),
		dial:     dial,
		config:   webrtc.Configuration{ICEServers: DefaultICEServers},
	}
}

// SetICEServers overrides the ICE server list for sessions created from
// now on.
func (r *Registry) SetICEServers(servers []webrtc.ICEServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config.ICEServers = servers
}

// OnCandidate registers the local-candidate observer. Must be set before
// sessions are created.
func (r *Registry) OnCandidate(fn func(peerUUID string, candidate webrtc.ICECandidateInit)) {
	r.onCandidate = fn
}

// OnStateChange registers the connection-state observer.
func (r *Registry) OnStateChange(fn func(peerUUID string, state webrtc.PeerConnectionState)) {
	r.onStateChange = fn
}

// OnTrack registers the remote-track observer.
func (r *Registry) OnTrack(fn func(peerUUID string, track *webrtc.TrackRemote)) {
	r.onTrack = fn
}

// SetLocalTracks fixes the local tracks attached to sessions created from
// now on. Existing sessions pick new tracks up through renegotiation.
func (r *Registry) SetLocalTracks(tracks []webrtc.TrackLocal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localTracks = tracks
}

// CreateSession opens a session toward a peer, instantiating the native
// connection, attaching local tracks, and registering observers. It is
// idempotent per uuid: an existing open session is returned as is.
func (r *Registry) CreateSession(peerUUID string) (*PeerSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[peerUUID]; ok {
		return existing, nil
	}

	conn, err := r.dial(r.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection for %s: %w", peerUUID, err)
	}

	session := &PeerSession{
		PeerUUID: peerUUID,
		Conn:     conn,
		meter:    NewEnergyMeter(),
	}

	for _, track := range r.localTracks {
		if err := conn.AddTrack(track); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to attach local track for %s: %w", peerUUID, err)
		}
	}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || r.onCandidate == nil {
			return
		}
		r.onCandidate(peerUUID, c.ToJSON())
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if r.onStateChange != nil {
			r.onStateChange(peerUUID, state)
		}
	})
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		r.mu.Lock()
		session.remoteTracks = append(session.remoteTracks, track)
		r.mu.Unlock()
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go PumpTrack(track, session.meter)
		}
		if r.onTrack != nil {
			r.onTrack(peerUUID, track)
		}
	})

	r.sessions[peerUUID] = session

	logrus.WithFields(logrus.Fields{
		"function": "Registry.CreateSession",
		"peer":     peerUUID,
		"tracks":   len(r.localTracks),
	}).Info("Peer session created")

	return session, nil
}

// Session returns the open session for a peer, if any.
func (r *Registry) Session(peerUUID string) (*PeerSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peerUUID]
	return s, ok
}

// Peers returns the uuids of all open sessions.
func (r *Registry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for uuid := range r.sessions {
		out = append(out, uuid)
	}
	return out
}

// Count returns the number of open sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// RemoteTracks returns the remote media tracks received from a peer so far,
// for hosts that missed the track callback or attach renderers late.
func (r *Registry) RemoteTracks(peerUUID string) []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[peerUUID]
	if !ok {
		return nil
	}
	out := make([]*webrtc.TrackRemote, len(session.remoteTracks))
	copy(out, session.remoteTracks)
	return out
}

// EnqueueCandidate buffers a remote candidate until the session's remote
// description is set, or applies it immediately once it is.
func (r *Registry) EnqueueCandidate(peerUUID string, candidate webrtc.ICECandidateInit) error {
	r.mu.Lock()
	session, ok := r.sessions[peerUUID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}

	if !session.remoteSet {
		session.candidateQueue = append(session.candidateQueue, candidate)
		queued := len(session.candidateQueue)
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Registry.EnqueueCandidate",
			"peer":     peerUUID,
			"queued":   queued,
		}).Debug("Buffered ICE candidate before remote description")
		return nil
	}
	r.mu.Unlock()

	if err := session.Conn.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}
	return nil
}

// SetRemoteDescription applies the remote SDP and then flushes the buffered
// candidates exactly once, in original arrival order. A re-applied remote
// description (renegotiation) does not replay candidates already flushed.
func (r *Registry) SetRemoteDescription(peerUUID string, desc webrtc.SessionDescription) error {
	r.mu.Lock()
	session, ok := r.sessions[peerUUID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	r.mu.Unlock()

	if err := session.Conn.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrNegotiation, err)
	}

	r.mu.Lock()
	session.remoteSet = true
	pending := session.candidateQueue
	session.candidateQueue = nil
	r.mu.Unlock()

	for _, candidate := range pending {
		if err := session.Conn.AddICECandidate(candidate); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.SetRemoteDescription",
				"peer":     peerUUID,
				"error":    err.Error(),
			}).Warn("Failed to apply buffered candidate")
		}
	}

	if len(pending) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.SetRemoteDescription",
			"peer":     peerUUID,
			"flushed":  len(pending),
		}).Debug("Flushed buffered ICE candidates")
	}

	return nil
}

// CloseSession closes the native connection, drops the candidate queue, and
// removes the session from the registry.
func (r *Registry) CloseSession(peerUUID string) error {
	r.mu.Lock()
	session, ok := r.sessions[peerUUID]
	delete(r.sessions, peerUUID)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	session.candidateQueue = nil
	if err := session.Conn.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Registry.CloseSession",
			"peer":     peerUUID,
			"error":    err.Error(),
		}).Warn("Error closing peer connection")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Registry.CloseSession",
		"peer":     peerUUID,
	}).Info("Peer session closed")

	return nil
}

// CloseAll closes every session. Used on leave; never leaves orphaned
// native connections behind.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*PeerSession)
	r.mu.Unlock()

	for uuid, session := range sessions {
		if err := session.Conn.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Registry.CloseAll",
				"peer":     uuid,
				"error":    err.Error(),
			}).Warn("Error closing peer connection")
		}
	}
}
