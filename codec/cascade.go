package codec

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/keyex"
)

// UndecryptableSentinel is what the application sees in place of a message
// no candidate key could open. It is a value, not an error: delivery never
// blocks on crypto convergence.
const UndecryptableSentinel = "[unable to decrypt]"

// KeyUsed identifies which cascade step opened an inbound message.
type KeyUsed uint8

const (
	// KeyNone means every cascade step failed.
	KeyNone KeyUsed = iota
	// KeyEmbedded means the secret was derived fresh from the sender key
	// embedded in this very message.
	KeyEmbedded
	// KeyCached means the cached conversation secret worked.
	KeyCached
	// KeyMasterStripped means the account master secret opened the envelope
	// after the key prefix was stripped.
	KeyMasterStripped
	// KeyMasterRaw means the master secret opened the raw, unstripped bytes
	// (legacy senders with no key-exchange support).
	KeyMasterRaw
)

// String returns a short name for logging.
func (k KeyUsed) String() string {
	switch k {
	case KeyEmbedded:
		return "embedded"
	case KeyCached:
		return "cached"
	case KeyMasterStripped:
		return "master-stripped"
	case KeyMasterRaw:
		return "master-raw"
	default:
		return "none"
	}
}

// InboundResult is the outcome of the decryption cascade. Rehandshake asks
// the caller to emit an out-of-band ping toward the sender so a fresh key
// exchange repairs the desynchronization.
type InboundResult struct {
	Plaintext   string
	KeyUsed     KeyUsed
	Rehandshake bool
}

// Cascade decrypts inbound wire bytes by trying an ordered list of candidate
// keys, first success wins.
type Cascade struct {
	selfUUID string
	master   []byte
	keys     *keyex.Manager
}

// NewCascade builds a cascade around the local account. master is the
// 32-byte account master secret; keys supplies derived and cached
// conversation secrets.
func NewCascade(selfUUID string, master []byte, keys *keyex.Manager) *Cascade {
	return &Cascade{selfUUID: selfUUID, master: master, keys: keys}
}

type candidate struct {
	keyUsed KeyUsed
	try     func() (string, error)
}

// DecryptInbound runs the cascade over one inbound message. The four steps,
// in fixed order:
//
//  1. a secret derived fresh from the embedded sender key, unless the
//     message is an echo of our own
//  2. the cached conversation secret
//  3. the master secret against the stripped envelope
//  4. the master secret against the raw bytes
//
// If every step fails the result carries the undecryptable sentinel and
// Rehandshake=true; no error reaches the caller.
func (c *Cascade) DecryptInbound(wire []byte, senderUUID, conversationID string) InboundResult {
	senderRaw, envelope := Unpack(wire)

	candidates := make([]candidate, 0, 4)

	if senderRaw != nil && senderUUID != c.selfUUID {
		candidates = append(candidates, candidate{KeyEmbedded, func() (string, error) {
			// Derive without touching the cache: the previously cached
			// secret still gets its own try in the next step.
			secret, err := keyex.DeriveSharedSecretRaw(c.keys.KeyPair().Private, senderRaw)
			if err != nil {
				return "", err
			}
			key, err := keyex.SecretKeyBytes(secret)
			if err != nil {
				return "", err
			}
			plaintext, err := Decode(envelope, key)
			if err != nil {
				return "", err
			}
			// Proven against a real message: adopt it as the conversation
			// secret from here on.
			if _, err := c.keys.SecretFromRaw(conversationID, senderRaw); err != nil {
				return "", err
			}
			return plaintext, nil
		}})
	}

	candidates = append(candidates,
		candidate{KeyCached, func() (string, error) {
			secret, ok := c.keys.CachedSecret(conversationID)
			if !ok {
				return "", keyex.ErrKeyAgreement
			}
			key, err := keyex.SecretKeyBytes(secret)
			if err != nil {
				return "", err
			}
			return Decode(envelope, key)
		}},
		candidate{KeyMasterStripped, func() (string, error) {
			return Decode(envelope, c.master)
		}},
		candidate{KeyMasterRaw, func() (string, error) {
			return Decode(wire, c.master)
		}},
	)

	for _, cand := range candidates {
		plaintext, err := cand.try()
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Cascade.DecryptInbound",
				"sender":       senderUUID,
				"conversation": conversationID,
				"key_used":     cand.keyUsed.String(),
			}).Debug("Inbound message decrypted")
			return InboundResult{Plaintext: plaintext, KeyUsed: cand.keyUsed}
		}
		logrus.WithFields(logrus.Fields{
			"function": "Cascade.DecryptInbound",
			"step":     cand.keyUsed.String(),
			"error":    err.Error(),
		}).Debug("Cascade step failed")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Cascade.DecryptInbound",
		"sender":       senderUUID,
		"conversation": conversationID,
	}).Warn("All cascade steps failed, requesting re-handshake")

	return InboundResult{
		Plaintext:   UndecryptableSentinel,
		KeyUsed:     KeyNone,
		Rehandshake: true,
	}
}
