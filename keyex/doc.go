// Package keyex implements the key exchange layer for wisp.
//
// This package owns the ECDH keypair lifecycle, shared-secret derivation,
// and the caches that make key agreement opportunistic: rather than a
// stateful handshake round trip, every outbound message may carry the
// sender's raw public key, and any recipient that has not yet cached a
// shared secret for that sender derives it the moment such a message
// arrives. Agreement is therefore idempotent and order-independent, safe
// under message loss, reordering, and duplicate delivery.
//
// # Keys
//
// Keypairs live on NIST P-384. Two encodings exist:
//
//   - a fixed 97-byte raw uncompressed point, used on the wire
//   - a JWK document, used only for local persistence
//
// # Shared secrets
//
// Secrets come from ECDH followed by SHA-256, base64-encoded. Derivation is
// commutative: both endpoints compute the identical value independently.
//
//	secret, _ := keyex.DeriveSharedSecret(mine.Private, peerPublic)
//
// # Identity derivation
//
// The Argon2id identity KDF is memory-hard and must never block interactive
// event handling, so [DeriveWorker] runs it on its own goroutine and talks
// to callers exclusively through request/response messages.
package keyex
