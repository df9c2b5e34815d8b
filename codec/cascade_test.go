package codec

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wisp/keyex"
	"github.com/opd-ai/wisp/store"
)

type cascadeFixture struct {
	selfUUID string
	master   []byte
	keys     *keyex.Manager
	peer     *keyex.KeyPair
	cascade  *Cascade
}

func newCascadeFixture(t *testing.T) *cascadeFixture {
	t.Helper()

	kp, err := keyex.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := keyex.GenerateKeyPair()
	require.NoError(t, err)

	master := make([]byte, 32)
	_, err = rand.Read(master)
	require.NoError(t, err)

	keys := keyex.NewManager(kp, store.NewMemoryStore())
	return &cascadeFixture{
		selfUUID: "self-uuid",
		master:   master,
		keys:     keys,
		peer:     peer,
		cascade:  NewCascade("self-uuid", master, keys),
	}
}

// sharedKey returns the symmetric key both endpoints of the fixture derive.
func (f *cascadeFixture) sharedKey(t *testing.T) []byte {
	t.Helper()
	secret, err := keyex.DeriveSharedSecret(f.peer.Private, f.keys.KeyPair().Public)
	require.NoError(t, err)
	key, err := keyex.SecretKeyBytes(secret)
	require.NoError(t, err)
	return key
}

func TestCascadeEmbeddedKeyFirstContact(t *testing.T) {
	f := newCascadeFixture(t)

	// Peer seals with the commutative shared secret and embeds its key:
	// the very first message is decryptable with no prior exchange.
	envelope, err := Encode("first contact", f.sharedKey(t))
	require.NoError(t, err)
	wire, err := PackWithKey(envelope, keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(wire, "peer-uuid", "conv-1")
	assert.Equal(t, "first contact", res.Plaintext)
	assert.Equal(t, KeyEmbedded, res.KeyUsed)
	assert.False(t, res.Rehandshake)

	// Success adopts the secret into the conversation cache.
	_, ok := f.keys.CachedSecret("conv-1")
	assert.True(t, ok)
}

func TestCascadeCachedSecret(t *testing.T) {
	f := newCascadeFixture(t)

	// Prime the cache the way a previous message would have.
	_, err := f.keys.SecretFromRaw("conv-1", keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	// No embedded key on this message.
	envelope, err := Encode("short form", f.sharedKey(t))
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(envelope, "peer-uuid", "conv-1")
	assert.Equal(t, "short form", res.Plaintext)
	assert.Equal(t, KeyCached, res.KeyUsed)
}

// TestCascadeMasterSecretOrdering is the ordering property: a message only
// the master secret can open must still decrypt even though the earlier
// cascade steps fail first.
func TestCascadeMasterSecretOrdering(t *testing.T) {
	f := newCascadeFixture(t)

	// Prime cache and embed a key so steps 1 and 2 genuinely run and fail.
	_, err := f.keys.SecretFromRaw("conv-1", keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	envelope, err := Encode("note to self", f.master)
	require.NoError(t, err)
	wire, err := PackWithKey(envelope, keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(wire, "peer-uuid", "conv-1")
	assert.Equal(t, "note to self", res.Plaintext)
	assert.Equal(t, KeyMasterStripped, res.KeyUsed)
	assert.False(t, res.Rehandshake)
}

func TestCascadeMasterSecretRawLegacy(t *testing.T) {
	f := newCascadeFixture(t)

	// A legacy sender ships a bare envelope sealed with the master secret
	// and no framing at all. If its first byte happens not to be 97 the
	// whole input is the envelope and step 4 equals step 3; the interesting
	// case is an envelope whose first byte IS 97, which strips wrongly and
	// only step 4 recovers.
	const legacyText = "legacy hello from a sender that has never heard of key exchange and pads this message long enough"
	var envelope []byte
	for {
		var err error
		envelope, err = Encode(legacyText, f.master)
		require.NoError(t, err)
		if len(envelope) > 97 && envelope[0] == 97 {
			break
		}
	}

	res := f.cascade.DecryptInbound(envelope, "peer-uuid", "conv-1")
	assert.Equal(t, legacyText, res.Plaintext)
	assert.Equal(t, KeyMasterRaw, res.KeyUsed)
}

func TestCascadeExhaustedReturnsSentinel(t *testing.T) {
	f := newCascadeFixture(t)

	// Sealed under a key nobody involved has.
	stranger := make([]byte, 32)
	envelope, err := Encode("lost forever", stranger)
	require.NoError(t, err)
	wire, err := PackWithKey(envelope, keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(wire, "peer-uuid", "conv-1")
	assert.Equal(t, UndecryptableSentinel, res.Plaintext)
	assert.Equal(t, KeyNone, res.KeyUsed)
	assert.True(t, res.Rehandshake, "exhausted cascade must request a re-handshake")
}

func TestCascadeIgnoresEmbeddedKeyOnOwnEcho(t *testing.T) {
	f := newCascadeFixture(t)

	// Our own relayed message comes back carrying our key; the embedded
	// step must be skipped and the cached secret used instead.
	_, err := f.keys.SecretFromRaw("conv-1", keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)

	envelope, err := Encode("echo", f.sharedKey(t))
	require.NoError(t, err)
	wire, err := PackWithKey(envelope, f.keys.PublicRaw())
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(wire, f.selfUUID, "conv-1")
	assert.Equal(t, "echo", res.Plaintext)
	assert.Equal(t, KeyCached, res.KeyUsed)
}

func TestCascadeFailedEmbeddedKeyDoesNotPoisonCache(t *testing.T) {
	f := newCascadeFixture(t)

	// Old secret in cache decrypts; the attached key belongs to some other
	// pair, so step 1 fails and must not overwrite the working secret.
	_, err := f.keys.SecretFromRaw("conv-1", keyex.ExportPublicRaw(f.peer.Public))
	require.NoError(t, err)
	before, _ := f.keys.CachedSecret("conv-1")

	other, err := keyex.GenerateKeyPair()
	require.NoError(t, err)

	envelope, err := Encode("still readable", f.sharedKey(t))
	require.NoError(t, err)
	wire, err := PackWithKey(envelope, keyex.ExportPublicRaw(other.Public))
	require.NoError(t, err)

	res := f.cascade.DecryptInbound(wire, "peer-uuid", "conv-1")
	assert.Equal(t, "still readable", res.Plaintext)
	assert.Equal(t, KeyCached, res.KeyUsed)

	after, _ := f.keys.CachedSecret("conv-1")
	assert.Equal(t, before, after)
}
