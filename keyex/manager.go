package keyex

import (
	"bytes"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/store"
)

// Manager owns the local keypair and the two caches that make opportunistic
// key agreement work: the raw public key last seen per peer, and the derived
// shared secret per conversation. Both caches write through to the store
// collaborator so they survive restarts.
type Manager struct {
	mu       sync.RWMutex
	keyPair  *KeyPair
	store    store.Store
	peerKeys map[string][]byte
	secrets  map[string]string
}

// NewManager creates a Manager around an existing keypair. A nil st falls
// back to an in-memory store.
func NewManager(keyPair *KeyPair, st store.Store) *Manager {
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Manager{
		keyPair:  keyPair,
		store:    st,
		peerKeys: make(map[string][]byte),
		secrets:  make(map[string]string),
	}
}

// KeyPair returns the local keypair.
func (m *Manager) KeyPair() *KeyPair {
	return m.keyPair
}

// PublicRaw returns the local public key in wire form.
func (m *Manager) PublicRaw() []byte {
	return ExportPublicRaw(m.keyPair.Public)
}

// NotePeerKey records the raw public key a message or presence event carried
// for a peer. The newest key always wins; a key change invalidates any cached
// conversation secrets derived from the old one, which re-derive lazily.
func (m *Manager) NotePeerKey(peerUUID string, raw []byte) error {
	if _, err := ImportPublicRaw(raw); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, had := m.peerKeys[peerUUID]
	if had && bytes.Equal(prev, raw) {
		return nil
	}

	stored := make([]byte, len(raw))
	copy(stored, raw)
	m.peerKeys[peerUUID] = stored

	// A replaced key orphans the secret of the conversation keyed by this
	// peer; drop it so the next use re-derives from the new key.
	if had {
		delete(m.secrets, peerUUID)
		if err := m.store.Delete(store.BucketConversations, peerUUID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.NotePeerKey",
				"peer":     peerUUID,
				"error":    err.Error(),
			}).Warn("Failed to drop stale conversation secret")
		}
	}

	if err := m.store.Put(store.BucketPeerKeys, peerUUID, stored); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.NotePeerKey",
			"peer":     peerUUID,
			"error":    err.Error(),
		}).Warn("Failed to persist peer key")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.NotePeerKey",
		"peer":     peerUUID,
		"replaced": had,
	}).Debug("Cached peer public key")

	return nil
}

// PeerKey returns the cached raw public key for a peer, consulting the store
// on a cache miss.
func (m *Manager) PeerKey(peerUUID string) ([]byte, bool) {
	m.mu.RLock()
	raw, ok := m.peerKeys[peerUUID]
	m.mu.RUnlock()
	if ok {
		return raw, true
	}

	stored, err := m.store.Get(store.BucketPeerKeys, peerUUID)
	if err != nil {
		return nil, false
	}

	m.mu.Lock()
	m.peerKeys[peerUUID] = stored
	m.mu.Unlock()
	return stored, true
}

// SecretFor returns the conversation secret for a peer, deriving and caching
// it on first use. It fails with ErrKeyAgreement when no public key is known
// for the peer yet.
func (m *Manager) SecretFor(conversationID, peerUUID string) (string, error) {
	if secret, ok := m.CachedSecret(conversationID); ok {
		return secret, nil
	}

	raw, ok := m.PeerKey(peerUUID)
	if !ok {
		return "", ErrKeyAgreement
	}

	secret, err := DeriveSharedSecretRaw(m.keyPair.Private, raw)
	if err != nil {
		return "", err
	}

	m.cacheSecret(conversationID, secret)
	return secret, nil
}

// SecretFromRaw derives the conversation secret directly from a raw public
// key embedded in an inbound message, caching the result. This is the
// opportunistic path: the first message from an unknown peer is decryptable
// without any prior exchange.
func (m *Manager) SecretFromRaw(conversationID string, raw []byte) (string, error) {
	secret, err := DeriveSharedSecretRaw(m.keyPair.Private, raw)
	if err != nil {
		return "", err
	}
	m.cacheSecret(conversationID, secret)
	return secret, nil
}

// CachedSecret returns the cached conversation secret, consulting the store
// on a cache miss.
func (m *Manager) CachedSecret(conversationID string) (string, bool) {
	m.mu.RLock()
	secret, ok := m.secrets[conversationID]
	m.mu.RUnlock()
	if ok {
		return secret, true
	}

	stored, err := m.store.Get(store.BucketConversations, conversationID)
	if err != nil {
		return "", false
	}

	secret = string(stored)
	m.mu.Lock()
	m.secrets[conversationID] = secret
	m.mu.Unlock()
	return secret, true
}

// Wipe clears all cached key material. Peer public keys are not secret and
// stay persisted; conversation secrets are removed from the store as well.
func (m *Manager) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.secrets {
		if err := m.store.Delete(store.BucketConversations, id); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Manager.Wipe",
				"conversation": id,
				"error":        err.Error(),
			}).Warn("Failed to delete persisted secret")
		}
	}
	m.secrets = make(map[string]string)
	m.peerKeys = make(map[string][]byte)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.Wipe",
	}).Info("Key caches wiped")
}

func (m *Manager) cacheSecret(conversationID, secret string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secrets[conversationID] = secret
	if err := m.store.Put(store.BucketConversations, conversationID, []byte(secret)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Manager.cacheSecret",
			"conversation": conversationID,
			"error":        err.Error(),
		}).Warn("Failed to persist conversation secret")
	}
}
