// Package crypto implements the cryptographic primitives for wisp.
//
// This package provides the foundation the rest of the module builds on:
// AES-256-GCM authenticated envelopes, SHA-256 digests, Argon2id identity
// derivation, and memory-safe handling of secret material.
//
// # Envelopes
//
// An envelope is the symmetric wire unit: a random 12-byte IV followed by
// the GCM ciphertext and its 16-byte authentication tag.
//
//	envelope, _ := crypto.Seal(plaintext, key)
//	plaintext, err := crypto.Open(envelope, key)
//
// Open never returns partially decrypted data; a tag mismatch surfaces as
// [ErrAuthentication].
//
// # Identity derivation
//
// Account identities are deterministic outputs of Argon2id over a passphrase
// and salt. The 64-byte hash splits into a 32-byte uuid half and a 32-byte
// master secret half, so the same credentials always reproduce the same
// identity with nothing secret ever leaving the device.
//
//	id, _ := crypto.DeriveIdentityHash("passphrase", []byte("salt"))
//	defer id.Wipe()
package crypto
