package keyex

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RawPublicKeySize is the length of a P-384 uncompressed point
// (0x04 prefix plus two 48-byte coordinates). This is the only public key
// encoding that appears on the wire.
const RawPublicKeySize = 97

// ErrKeyAgreement indicates a malformed or foreign-curve public key. The
// decryption cascade treats it as a skippable candidate failure, never a
// fatal error.
var ErrKeyAgreement = errors.New("key agreement failed")

// KeyPair is a P-384 ECDH keypair. It is generated once per identity,
// persisted in JWK form, and never regenerated implicitly.
type KeyPair struct {
	Private *ecdh.PrivateKey
	Public  *ecdh.PublicKey
}

// GenerateKeyPair creates a new random P-384 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-384 keypair: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"curve":    "P-384",
	}).Info("Generated ECDH keypair")

	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}

// ExportPublicRaw returns the fixed 97-byte uncompressed point encoding of
// a public key, as embedded in message envelopes.
func ExportPublicRaw(pub *ecdh.PublicKey) []byte {
	return pub.Bytes()
}

// ImportPublicRaw parses a 97-byte raw point into a P-384 public key. It
// returns ErrKeyAgreement for wrong lengths, points off the curve, and any
// other malformed input.
func ImportPublicRaw(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != RawPublicKeySize {
		return nil, fmt.Errorf("%w: raw key length %d, want %d", ErrKeyAgreement, len(raw), RawPublicKeySize)
	}
	pub, err := ecdh.P384().NewPublicKey(raw)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ImportPublicRaw",
			"error":    err.Error(),
		}).Warn("Rejected malformed public key")
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return pub, nil
}

// jwk is the persisted interchange form of a keypair. It never appears on
// the wire.
type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	D   string `json:"d,omitempty"`
}

// MarshalJWK encodes the keypair (including the private scalar) as a JWK
// document for local persistence.
func (kp *KeyPair) MarshalJWK() ([]byte, error) {
	raw := kp.Public.Bytes()
	if len(raw) != RawPublicKeySize {
		return nil, fmt.Errorf("unexpected public key length %d", len(raw))
	}

	doc := jwk{
		Kty: "EC",
		Crv: "P-384",
		X:   base64.RawURLEncoding.EncodeToString(raw[1:49]),
		Y:   base64.RawURLEncoding.EncodeToString(raw[49:97]),
		D:   base64.RawURLEncoding.EncodeToString(kp.Private.Bytes()),
	}
	return json.Marshal(doc)
}

// UnmarshalJWK decodes a persisted JWK document back into a keypair.
func UnmarshalJWK(data []byte) (*KeyPair, error) {
	var doc jwk
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JWK: %w", err)
	}
	if doc.Kty != "EC" || doc.Crv != "P-384" {
		return nil, fmt.Errorf("unsupported JWK key type %q/%q", doc.Kty, doc.Crv)
	}
	if doc.D == "" {
		return nil, errors.New("JWK is missing the private scalar")
	}

	d, err := base64.RawURLEncoding.DecodeString(doc.D)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private scalar: %w", err)
	}

	priv, err := ecdh.P384().NewPrivateKey(d)
	if err != nil {
		return nil, fmt.Errorf("invalid private scalar: %w", err)
	}

	return &KeyPair{Private: priv, Public: priv.PublicKey()}, nil
}
