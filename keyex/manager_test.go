package keyex

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/wisp/store"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	return NewManager(kp, st), st
}

func TestManagerNotePeerKey(t *testing.T) {
	m, st := newTestManager(t)
	peer, err := GenerateKeyPair()
	require.NoError(t, err)
	raw := ExportPublicRaw(peer.Public)

	require.NoError(t, m.NotePeerKey("peer-1", raw))

	got, ok := m.PeerKey("peer-1")
	require.True(t, ok)
	assert.Equal(t, raw, got)

	// Persisted through the store collaborator too.
	persisted, err := st.Get(store.BucketPeerKeys, "peer-1")
	require.NoError(t, err)
	assert.Equal(t, raw, persisted)
}

func TestManagerNotePeerKeyRejectsMalformed(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.NotePeerKey("peer-1", []byte("garbage"))
	assert.True(t, errors.Is(err, ErrKeyAgreement))

	_, ok := m.PeerKey("peer-1")
	assert.False(t, ok, "malformed key must not be cached")
}

func TestManagerNewerKeyReplaces(t *testing.T) {
	m, _ := newTestManager(t)
	first, _ := GenerateKeyPair()
	second, _ := GenerateKeyPair()

	require.NoError(t, m.NotePeerKey("p", ExportPublicRaw(first.Public)))
	require.NoError(t, m.NotePeerKey("p", ExportPublicRaw(second.Public)))

	got, ok := m.PeerKey("p")
	require.True(t, ok)
	assert.Equal(t, ExportPublicRaw(second.Public), got)
}

func TestManagerKeyChangeDropsStaleSecret(t *testing.T) {
	m, _ := newTestManager(t)
	first, _ := GenerateKeyPair()
	second, _ := GenerateKeyPair()

	// Conversations are keyed by the peer uuid; the secret derived from the
	// old key must not survive a key change.
	require.NoError(t, m.NotePeerKey("p", ExportPublicRaw(first.Public)))
	stale, err := m.SecretFor("p", "p")
	require.NoError(t, err)

	require.NoError(t, m.NotePeerKey("p", ExportPublicRaw(second.Public)))
	_, ok := m.CachedSecret("p")
	assert.False(t, ok, "stale secret must be dropped")

	fresh, err := m.SecretFor("p", "p")
	require.NoError(t, err)
	assert.NotEqual(t, stale, fresh)
}

func TestManagerSecretForDerivesOnceAndCaches(t *testing.T) {
	m, st := newTestManager(t)
	peer, _ := GenerateKeyPair()
	require.NoError(t, m.NotePeerKey("peer-1", ExportPublicRaw(peer.Public)))

	secret, err := m.SecretFor("conv-1", "peer-1")
	require.NoError(t, err)

	// The commutative counterpart matches.
	expected, err := DeriveSharedSecret(peer.Private, m.KeyPair().Public)
	require.NoError(t, err)
	assert.Equal(t, expected, secret)

	cached, ok := m.CachedSecret("conv-1")
	require.True(t, ok)
	assert.Equal(t, secret, cached)

	persisted, err := st.Get(store.BucketConversations, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, secret, string(persisted))
}

func TestManagerSecretForUnknownPeer(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.SecretFor("conv-x", "stranger")
	assert.True(t, errors.Is(err, ErrKeyAgreement))
}

func TestManagerSecretFromRaw(t *testing.T) {
	m, _ := newTestManager(t)
	peer, _ := GenerateKeyPair()

	secret, err := m.SecretFromRaw("conv-2", ExportPublicRaw(peer.Public))
	require.NoError(t, err)

	cached, ok := m.CachedSecret("conv-2")
	require.True(t, ok)
	assert.Equal(t, secret, cached)
}

func TestManagerHydratesFromStore(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	st := store.NewMemoryStore()
	peer, _ := GenerateKeyPair()
	raw := ExportPublicRaw(peer.Public)
	require.NoError(t, st.Put(store.BucketPeerKeys, "old-friend", raw))
	require.NoError(t, st.Put(store.BucketConversations, "old-conv", []byte("persisted-secret")))

	m := NewManager(kp, st)

	got, ok := m.PeerKey("old-friend")
	require.True(t, ok)
	assert.Equal(t, raw, got)

	secret, ok := m.CachedSecret("old-conv")
	require.True(t, ok)
	assert.Equal(t, "persisted-secret", secret)
}

func TestManagerWipe(t *testing.T) {
	m, st := newTestManager(t)
	peer, _ := GenerateKeyPair()
	require.NoError(t, m.NotePeerKey("p", ExportPublicRaw(peer.Public)))
	_, err := m.SecretFor("c", "p")
	require.NoError(t, err)

	m.Wipe()

	_, ok := m.CachedSecret("c")
	assert.False(t, ok)
	_, err = st.Get(store.BucketConversations, "c")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
