// Package wisp is an embeddable end-to-end encrypted messaging and call
// core. A Node owns the account identity (derived deterministically from a
// passphrase and salt), the opportunistic ECDH key-exchange caches, the
// AES-GCM message codec with its fallback decryption cascade, and the
// WebRTC call negotiator. The host application supplies a relay transport
// and receives everything else through callbacks.
package wisp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/wisp/call"
	"github.com/opd-ai/wisp/codec"
	"github.com/opd-ai/wisp/crypto"
	"github.com/opd-ai/wisp/keyex"
	"github.com/opd-ai/wisp/signaling"
	"github.com/opd-ai/wisp/store"
)

// ErrNodeClosed indicates an operation on a closed node.
var ErrNodeClosed = errors.New("node is closed")

// ErrKdfParamsMismatch indicates a salt record advertising Argon2id
// parameters other than the fixed set this core derives with. Deriving
// under different parameters would silently produce a different identity
// from the same credentials, so the record is refused instead.
var ErrKdfParamsMismatch = errors.New("unsupported KDF parameters in salt record")

// identityKeypairKey is where the persisted keypair lives in the identity
// bucket.
const identityKeypairKey = "keypair"

// RelayDialer opens the relay client for an account once its uuid is known.
type RelayDialer func(uuid string) (signaling.Relay, error)

// Options contains configuration for creating a Node.
type Options struct {
	// Passphrase is the account passphrase the identity derives from.
	Passphrase string
	// Salt is the per-account KDF salt, resolved through ResolveSalt or
	// stored by the host.
	Salt []byte
	// Relay opens the relay client once the account uuid is derived.
	Relay RelayDialer
	// Store persists peer keys, conversation secrets, and the keypair.
	// Nil falls back to an in-memory store.
	Store store.Store
	// ICEServers overrides the default STUN list.
	ICEServers []webrtc.ICEServer
	// MediaProvider overrides local media acquisition. Nil uses the
	// built-in sample-fed track provider.
	MediaProvider call.MediaProvider
	// Dialer overrides peer connection creation. Nil dials real pion
	// connections.
	Dialer call.Dialer
	// LookupTimeout bounds relay account lookups.
	LookupTimeout time.Duration
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ICEServers:    call.DefaultICEServers,
		LookupTimeout: 5 * time.Second,
	}
}

// ResolveSalt looks up the KDF salt for a username on the relay, bounded by
// timeout. A found record is checked against the derivation parameters this
// core supports before its salt is trusted. An unknown account gets a
// freshly minted salt; the second return reports whether that happened
// (i.e. this is a registration).
func ResolveSalt(ctx context.Context, relay signaling.Relay, username string, timeout time.Duration) ([]byte, bool, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := relay.LookupSalt(lookupCtx, username)
	if err == nil {
		if !kdfParamsSupported(info.KdfParams) {
			logrus.WithFields(logrus.Fields{
				"function": "ResolveSalt",
				"username": username,
				"params":   info.KdfParams,
			}).Error("Salt record advertises foreign KDF parameters")
			return nil, false, fmt.Errorf("%w for %s", ErrKdfParamsMismatch, username)
		}
		return info.Salt, false, nil
	}
	if !errors.Is(err, signaling.ErrSaltNotFound) {
		return nil, false, fmt.Errorf("salt lookup failed: %w", err)
	}

	salt := []byte(uuid.NewString())
	logrus.WithFields(logrus.Fields{
		"function": "ResolveSalt",
		"username": username,
	}).Info("Unknown account, minted fresh salt")
	return salt, true, nil
}

// kdfParamsSupported reports whether a salt record's advertised Argon2id
// parameters, keyed "time", "memory" (KiB), and "threads", match the fixed
// set identity derivation runs with. An empty map means the record predates
// parameter advertisement and is accepted.
func kdfParamsSupported(params map[string]int) bool {
	supported := map[string]int{
		"time":    crypto.KdfTime,
		"memory":  crypto.KdfMemoryKiB,
		"threads": crypto.KdfParallelism,
	}
	for key, value := range params {
		want, ok := supported[key]
		if !ok || want != value {
			return false
		}
	}
	return true
}

// Node is one running account: identity, key exchange, message codec, call
// negotiation, and the dispatch loop over the relay's inbound events.
type Node struct {
	options  *Options
	selfUUID string
	identity *crypto.IdentityHash

	keys    *keyex.Manager
	cascade *codec.Cascade
	store   store.Store
	relay   signaling.Relay

	registry   *call.Registry
	negotiator *call.Negotiator

	mu         sync.Mutex
	started    bool
	closed     bool
	deliveries map[string]DeliveryState

	done chan struct{}

	// Callbacks, registered before events flow.
	messageCallback       func(from string, msg signaling.PlainMessage, msgID string)
	undecryptableCallback func(from, msgID string)
	rehandshakeCallback   func(from string)
	deliveryCallback      func(msgID string, state DeliveryState)
	presenceCallback      func(uuid, status string)
}

// New creates a Node: derives the identity off the caller's goroutine,
// loads or generates the ECDH keypair, and dials the relay. Register
// callbacks, then call Start to open the relay and begin dispatching
// inbound events.
func New(ctx context.Context, options *Options) (*Node, error) {
	if options == nil || options.Relay == nil {
		return nil, errors.New("options with a relay dialer are required")
	}

	worker := keyex.NewDeriveWorker()
	identity, err := worker.Derive(ctx, options.Passphrase, options.Salt)
	worker.Close()
	if err != nil {
		return nil, fmt.Errorf("identity derivation failed: %w", err)
	}
	selfUUID := identity.UUIDString()

	st := options.Store
	if st == nil {
		st = store.NewMemoryStore()
	}

	keyPair, err := loadOrCreateKeyPair(st)
	if err != nil {
		return nil, err
	}

	keys := keyex.NewManager(keyPair, st)
	cascade := codec.NewCascade(selfUUID, identity.MasterSecret[:], keys)

	relay, err := options.Relay(selfUUID)
	if err != nil {
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}

	registry := call.NewRegistry(options.Dialer)
	if len(options.ICEServers) > 0 {
		registry.SetICEServers(options.ICEServers)
	}
	negotiator := call.NewNegotiator(selfUUID, relay, registry, options.MediaProvider)

	node := &Node{
		options:    options,
		selfUUID:   selfUUID,
		identity:   identity,
		keys:       keys,
		cascade:    cascade,
		store:      st,
		relay:      relay,
		registry:   registry,
		negotiator: negotiator,
		deliveries: make(map[string]DeliveryState),
		done:       make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"uuid":     selfUUID,
	}).Info("Node created")

	return node, nil
}

// Start opens the relay, announces the account (broadcasting the public key
// for opportunistic propagation), and launches the dispatch loop. Callbacks
// registered after Start race inbound events.
func (n *Node) Start(ctx context.Context) error {
	if err := n.relay.Open(ctx); err != nil {
		return fmt.Errorf("relay open failed: %w", err)
	}
	if err := n.relay.Send(signaling.RegisterMaster{UUID: n.selfUUID, PublicKey: n.keys.PublicRaw()}); err != nil {
		_ = n.relay.Close()
		return fmt.Errorf("registration failed: %w", err)
	}

	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	go n.dispatch()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"uuid":     n.selfUUID,
	}).Info("Node started")

	return nil
}

// loadOrCreateKeyPair restores the persisted keypair, generating and
// persisting a fresh one on first run.
func loadOrCreateKeyPair(st store.Store) (*keyex.KeyPair, error) {
	if data, err := st.Get(store.BucketIdentity, identityKeypairKey); err == nil {
		keyPair, err := keyex.UnmarshalJWK(data)
		if err == nil {
			return keyPair, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "loadOrCreateKeyPair",
			"error":    err.Error(),
		}).Warn("Persisted keypair unreadable, generating a new one")
	}

	keyPair, err := keyex.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("keypair generation failed: %w", err)
	}
	data, err := keyPair.MarshalJWK()
	if err != nil {
		return nil, err
	}
	if err := st.Put(store.BucketIdentity, identityKeypairKey, data); err != nil {
		return nil, fmt.Errorf("keypair persistence failed: %w", err)
	}
	return keyPair, nil
}

// LookupAccount resolves another account's salt record by username, bounded
// by the configured lookup timeout.
func (n *Node) LookupAccount(ctx context.Context, username string) (*signaling.SaltInfo, error) {
	timeout := n.options.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return n.relay.LookupSalt(lookupCtx, username)
}

// UUID returns the account uuid.
func (n *Node) UUID() string {
	return n.selfUUID
}

// PublicKey returns the local public key in wire form.
func (n *Node) PublicKey() []byte {
	return n.keys.PublicRaw()
}

// Close shuts the node down: any live call is left, the relay closed, and
// the dispatch loop drained. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	started := n.started
	n.mu.Unlock()

	n.negotiator.Leave()
	err := n.relay.Close()
	if started {
		<-n.done
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"uuid":     n.UUID(),
	}).Info("Node stopped")

	return err
}

// Logout closes the node and wipes all secret material: the master secret,
// the cached conversation secrets, and their persisted copies. The account
// itself survives; the same passphrase and salt reproduce it.
func (n *Node) Logout() error {
	err := n.Close()
	n.keys.Wipe()
	n.identity.Wipe()

	logrus.WithFields(logrus.Fields{
		"function": "Logout",
	}).Info("Secret material wiped")

	return err
}
