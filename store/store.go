// Package store defines the key-value collaborator the core persists through.
//
// The core does not own a storage schema; the host application supplies any
// engine satisfying [Store]. Records are grouped into buckets: the identity
// record, the per-peer public-key cache, and the per-conversation shared
// secret cache. [MemoryStore] is the built-in implementation used in tests
// and by hosts that keep state in memory.
package store

import (
	"errors"
	"sync"
)

// Bucket names used by the core.
const (
	BucketIdentity      = "identity"
	BucketPeerKeys      = "peer_keys"
	BucketConversations = "conversation_secrets"
)

// ErrNotFound indicates the bucket/key pair has no value.
var ErrNotFound = errors.New("store: key not found")

// Store is a minimal key-value collaborator. Implementations must be safe
// for concurrent use.
type Store interface {
	// Get returns the value for key in bucket, or ErrNotFound.
	Get(bucket, key string) ([]byte, error)

	// Put stores value under key in bucket, overwriting any prior value.
	Put(bucket, key string, value []byte) error

	// Delete removes key from bucket. Deleting a missing key is not an error.
	Delete(bucket, key string) error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

// Get implements Store.
func (m *MemoryStore) Get(bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := b[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put implements Store.
func (m *MemoryStore) Put(bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		b = make(map[string][]byte)
		m.buckets[bucket] = b
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	b[key] = stored
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[bucket]; ok {
		delete(b, key)
	}
	return nil
}
