// Package call implements the real-time call layer of wisp: per-peer
// WebRTC session management and the perfect-negotiation state machine on
// top of it.
//
// # Sessions
//
// All of a peer's transient call state lives in one [PeerSession] owned by
// the [Registry]: the native connection handle, the ICE candidate queue,
// the remote stream, and the audio energy meter. Candidates arriving before
// the remote description are buffered and flushed exactly once, in arrival
// order, the moment the description lands.
//
// # Negotiation
//
// The [Negotiator] implements glare-free offer/answer exchange with
// deterministic roles: the peer with the lexicographically smaller uuid is
// impolite (always the initiator, never yields), the larger is polite
// (yields its in-flight offer when a remote offer collides with it). Join,
// leave, renegotiation, ringing, and debounced auto-hangup all run through
// it; the host application only supplies intent.
//
// # Voice activity
//
// A 100 ms sampler polls each session's audio energy and flips a
// per-session speaking flag around a fixed threshold. The flag is a
// presentation signal only and never feeds back into negotiation.
package call
