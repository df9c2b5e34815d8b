package crypto

import (
	"encoding/hex"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for identity derivation. These are part of the wire
// contract: both endpoints of an account must use identical parameters or
// they will derive different identities from the same credentials.
const (
	KdfTime        = 2
	KdfMemoryKiB   = 16384
	KdfParallelism = 1
	KdfOutputLen   = 64
)

// ErrKdfInput indicates invalid key-derivation input (empty passphrase or
// salt). This is the only failure mode of identity derivation.
var ErrKdfInput = errors.New("invalid KDF input")

// IdentityHash is the deterministic Argon2id output an account identity is
// split from: the first 32 bytes become the account uuid, the next 32 the
// master secret.
type IdentityHash struct {
	UUID         [32]byte
	MasterSecret [32]byte
}

// UUIDString returns the hex form of the uuid half, as used on the wire and
// in peer addressing.
func (h *IdentityHash) UUIDString() string {
	return hex.EncodeToString(h.UUID[:])
}

// Wipe erases the master secret. The uuid half is public and left intact.
func (h *IdentityHash) Wipe() {
	ZeroBytes(h.MasterSecret[:])
}

// DeriveIdentityHash runs Argon2id over a passphrase and salt and splits the
// 64-byte output into the identity halves. The derivation is deterministic:
// identical inputs always reproduce the identical identity.
//
// Callers on an interactive path should not invoke this directly; the keyex
// package provides a worker that runs it off the event-dispatch context.
func DeriveIdentityHash(passphrase string, salt []byte) (*IdentityHash, error) {
	if passphrase == "" || len(salt) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "DeriveIdentityHash",
			"empty_pass": passphrase == "",
			"empty_salt": len(salt) == 0,
		}).Error("KDF input validation failed")
		return nil, ErrKdfInput
	}

	logrus.WithFields(logrus.Fields{
		"function":    "DeriveIdentityHash",
		"time":        KdfTime,
		"memory_kib":  KdfMemoryKiB,
		"parallelism": KdfParallelism,
	}).Debug("Running Argon2id identity derivation")

	raw := argon2.IDKey([]byte(passphrase), salt, KdfTime, KdfMemoryKiB, KdfParallelism, KdfOutputLen)

	var h IdentityHash
	copy(h.UUID[:], raw[:32])
	copy(h.MasterSecret[:], raw[32:])
	ZeroBytes(raw)

	logrus.WithFields(logrus.Fields{
		"function": "DeriveIdentityHash",
		"uuid":     h.UUIDString()[:8],
	}).Info("Identity derived")

	return &h, nil
}
