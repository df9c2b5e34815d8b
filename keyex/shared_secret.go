package keyex

import (
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/sirupsen/logrus"
)

// DeriveSharedSecret computes the conversation secret between two parties:
// ECDH on P-384 followed by a SHA-256 digest, base64-encoded.
//
// The derivation is pure and commutative:
//
//	DeriveSharedSecret(aPriv, bPub) == DeriveSharedSecret(bPriv, aPub)
func DeriveSharedSecret(private *ecdh.PrivateKey, peerPublic *ecdh.PublicKey) (string, error) {
	shared, err := private.ECDH(peerPublic)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveSharedSecret",
			"error":    err.Error(),
		}).Error("ECDH computation failed")
		return "", fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}

	digest := sha256.Sum256(shared)

	// Wipe the raw ECDH output; only the digest survives.
	for i := range shared {
		shared[i] = 0
	}

	secret := base64.StdEncoding.EncodeToString(digest[:])

	logrus.WithFields(logrus.Fields{
		"function": "DeriveSharedSecret",
	}).Debug("Derived shared secret")

	return secret, nil
}

// DeriveSharedSecretRaw derives the conversation secret from a raw 97-byte
// peer public key as carried on the wire.
func DeriveSharedSecretRaw(private *ecdh.PrivateKey, peerRaw []byte) (string, error) {
	pub, err := ImportPublicRaw(peerRaw)
	if err != nil {
		return "", err
	}
	return DeriveSharedSecret(private, pub)
}

// SecretKeyBytes decodes a base64 conversation secret into the 32-byte
// symmetric key the envelope cipher consumes.
func SecretKeyBytes(secret string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("malformed conversation secret: %w", err)
	}
	if len(key) != sha256.Size {
		return nil, fmt.Errorf("conversation secret has %d bytes, want %d", len(key), sha256.Size)
	}
	return key, nil
}
