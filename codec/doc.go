// Package codec implements the message wire codec for wisp.
//
// Outbound text is sealed into an AES-GCM envelope and framed with an
// optional sender public key prefix:
//
//	[1 byte pubKeyLen][pubKeyRaw if len==97][12-byte IV][ciphertext+tag]
//
// The prefix is what makes key agreement opportunistic: a recipient that has
// never spoken to the sender derives a shared secret from the embedded key
// on first contact, with no handshake round trip.
//
// Inbound bytes run through a fixed four-step decryption cascade: the
// embedded sender key, the cached conversation secret, the account master
// secret against the stripped envelope, and the master secret against the
// raw bytes for legacy senders. Exhausting the cascade never raises an
// error to the caller; the message is surfaced as an undecryptable sentinel
// together with a request to ping the sender for a re-handshake, so key
// desynchronization self-heals without user intervention.
package codec
