package codec

import (
	"fmt"

	"github.com/opd-ai/wisp/keyex"
)

// PackWithKey frames an envelope for the wire, prefixing it with the
// sender's raw public key so recipients can derive a shared secret
// opportunistically. Senders could omit the prefix once both sides have
// converged; this implementation always keeps it for robustness.
func PackWithKey(envelope, publicRaw []byte) ([]byte, error) {
	if len(publicRaw) != keyex.RawPublicKeySize {
		return nil, fmt.Errorf("public key prefix has %d bytes, want %d", len(publicRaw), keyex.RawPublicKeySize)
	}

	wire := make([]byte, 0, 1+len(publicRaw)+len(envelope))
	wire = append(wire, byte(len(publicRaw)))
	wire = append(wire, publicRaw...)
	wire = append(wire, envelope...)
	return wire, nil
}

// Unpack splits wire bytes into an optional sender public key and the
// envelope. Only a leading length byte of exactly 97 with enough bytes
// behind it counts as a key prefix; anything else means no prefix, and the
// entire input is the envelope. Unpack never fails: legacy senders with no
// key-exchange support produce bare envelopes.
func Unpack(wire []byte) (senderPublicRaw, envelope []byte) {
	if len(wire) > keyex.RawPublicKeySize && int(wire[0]) == keyex.RawPublicKeySize {
		return wire[1 : 1+keyex.RawPublicKeySize], wire[1+keyex.RawPublicKeySize:]
	}
	return nil, wire
}
