package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Envelope layout constants. An envelope is IV || ciphertext || tag.
const (
	// IVSize is the length of the random GCM nonce prefix.
	IVSize = 12
	// TagSize is the length of the GCM authentication tag suffix.
	TagSize = 16
	// KeySize is the length of an AES-256 key.
	KeySize = 32
)

// ErrAuthentication indicates a GCM tag mismatch: either the key is wrong
// or the envelope was tampered with. Decryption with a wrong key is
// indistinguishable from tampering and must never yield plaintext.
var ErrAuthentication = errors.New("envelope authentication failed")

// MaxPlaintextSize bounds envelope payloads (1MB) to prevent excessive
// memory usage.
const MaxPlaintextSize = 1024 * 1024

// Seal encrypts plaintext under a 32-byte symmetric key using AES-256-GCM.
// The returned envelope is a fresh random IV followed by the ciphertext and
// authentication tag.
func Seal(plaintext, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, errors.New("plaintext too large")
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends ciphertext+tag directly after the IV prefix.
	envelope := aead.Seal(iv, iv, plaintext, nil)

	logrus.WithFields(logrus.Fields{
		"function":      "Seal",
		"plaintext_len": len(plaintext),
		"envelope_len":  len(envelope),
	}).Debug("Sealed envelope")

	return envelope, nil
}

// Open authenticates and decrypts an envelope produced by Seal. It returns
// ErrAuthentication when the tag does not verify under the given key, and
// never returns garbage plaintext.
func Open(envelope, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	if len(envelope) < IVSize+TagSize {
		return nil, fmt.Errorf("envelope too short: %d bytes", len(envelope))
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, envelope[:IVSize], envelope[IVSize:], nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Open",
			"envelope_len": len(envelope),
		}).Debug("Envelope authentication failed")
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// Digest computes the SHA-256 digest of data.
func Digest(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
