package codec

import (
	"github.com/opd-ai/wisp/crypto"
)

// Encode seals plaintext into an AES-256-GCM envelope under a 32-byte key.
func Encode(plaintext string, key []byte) ([]byte, error) {
	return crypto.Seal([]byte(plaintext), key)
}

// Decode authenticates and opens an envelope. A tag mismatch (wrong key or
// tampering) surfaces as crypto.ErrAuthentication; Decode never returns
// partially decrypted text.
func Decode(envelope, key []byte) (string, error) {
	plaintext, err := crypto.Open(envelope, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
