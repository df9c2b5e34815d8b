package keyex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, kp.Private)
	require.NotNil(t, kp.Public)

	raw := ExportPublicRaw(kp.Public)
	assert.Len(t, raw, RawPublicKeySize)
	assert.Equal(t, byte(0x04), raw[0], "raw encoding is an uncompressed point")
}

func TestExportImportPublicRawRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	raw := ExportPublicRaw(kp.Public)
	pub, err := ImportPublicRaw(raw)
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(pub))
}

func TestImportPublicRawRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"short", make([]byte, 96)},
		{"long", make([]byte, 98)},
		{"right length, off curve", append([]byte{0x04}, make([]byte, 96)...)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ImportPublicRaw(tt.raw)
			assert.True(t, errors.Is(err, ErrKeyAgreement), "got %v", err)
		})
	}
}

func TestJWKRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	doc, err := kp.MarshalJWK()
	require.NoError(t, err)
	assert.Contains(t, string(doc), `"crv":"P-384"`)

	restored, err := UnmarshalJWK(doc)
	require.NoError(t, err)
	assert.True(t, kp.Public.Equal(restored.Public))
	assert.True(t, kp.Private.Equal(restored.Private))
}

func TestUnmarshalJWKRejectsForeignKeys(t *testing.T) {
	_, err := UnmarshalJWK([]byte(`{"kty":"OKP","crv":"Ed25519","x":"aa"}`))
	assert.Error(t, err)

	_, err = UnmarshalJWK([]byte(`{"kty":"EC","crv":"P-384","x":"aa","y":"bb"}`))
	assert.Error(t, err, "missing private scalar")

	_, err = UnmarshalJWK([]byte(`not json`))
	assert.Error(t, err)
}
