package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		plaintext string
	}{
		{"simple ascii", "hello, world"},
		{"empty string", ""},
		{"utf8 text", "привет, мир — こんにちは 🔐"},
		{"binary-ish", string([]byte{0, 1, 2, 255, 254, 0})},
	}

	key := randomKey(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := Seal([]byte(tt.plaintext), key)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(envelope), IVSize+TagSize)

			plaintext, err := Open(envelope, key)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, string(plaintext))
		})
	}
}

func TestSealProducesUniqueIVs(t *testing.T) {
	key := randomKey(t)
	a, err := Seal([]byte("same message"), key)
	require.NoError(t, err)
	b, err := Seal([]byte("same message"), key)
	require.NoError(t, err)

	if bytes.Equal(a[:IVSize], b[:IVSize]) {
		t.Fatal("two envelopes reused the same IV")
	}
	if bytes.Equal(a, b) {
		t.Fatal("two envelopes of the same plaintext are identical")
	}
}

func TestOpenWrongKeyFailsAuthentication(t *testing.T) {
	k1 := randomKey(t)
	k2 := randomKey(t)

	envelope, err := Seal([]byte("secret"), k1)
	require.NoError(t, err)

	plaintext, err := Open(envelope, k2)
	assert.Nil(t, plaintext, "wrong key must never yield plaintext")
	assert.True(t, errors.Is(err, ErrAuthentication), "expected ErrAuthentication, got %v", err)
}

func TestOpenTamperedEnvelope(t *testing.T) {
	key := randomKey(t)
	envelope, err := Seal([]byte("integrity matters"), key)
	require.NoError(t, err)

	// Flip one ciphertext bit.
	envelope[IVSize] ^= 0x01

	_, err = Open(envelope, key)
	assert.True(t, errors.Is(err, ErrAuthentication))
}

func TestOpenRejectsShortEnvelope(t *testing.T) {
	key := randomKey(t)
	_, err := Open(make([]byte, IVSize+TagSize-1), key)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrAuthentication), "truncated input is a format error, not a tag failure")
}

func TestSealRejectsBadKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := Seal([]byte("x"), make([]byte, n))
		assert.Error(t, err, "key length %d", n)
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest([]byte("abc"))
	b := Digest([]byte("abc"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Digest([]byte("abd")))
}
