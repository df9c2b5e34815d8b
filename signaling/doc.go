// Package signaling defines the boundary between the wisp core and the
// relay transport that carries its traffic.
//
// Transport and serialization are owned externally; this package fixes only
// the shapes. Inbound traffic arrives as a stream of tagged [Event] values
// on a channel, and outbound traffic leaves through [Relay.Send]: explicit
// message passing instead of listener registration, with the relay client
// owning its lifecycle through Open and Close.
//
// Decrypted message payloads are likewise parsed into tagged variants at
// the boundary ([ParsePayload]) rather than field-sniffed ad hoc: a payload
// is a [PlainMessage], a [SystemMessage], or [Unrecognized].
//
// [Hub] is an in-memory relay implementation used by tests and local
// development; it routes events between endpoints the way a relay server
// would, including join rosters and queued-message flushes.
package signaling
