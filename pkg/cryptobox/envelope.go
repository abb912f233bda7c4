// Package cryptobox implements the crypto envelope: ChaCha20-Poly1305
// AEAD sealing under a 32-byte network key, per-message nonce discipline
// (a random 4-byte startup prefix plus an 8-byte counter, per spec.md §9),
// and the network_id demultiplexing header.
package cryptobox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// ErrAuthFailed means the ciphertext did not authenticate under this key.
var ErrAuthFailed = errors.New("cryptobox: AEAD authentication failed")

// NetworkIDFromKey derives the 8-byte demultiplexing id from a network key.
func NetworkIDFromKey(key meshtypes.NetworkKey) meshtypes.NetworkID {
	sum := sha256.Sum256(key[:])
	var id meshtypes.NetworkID
	copy(id[:], sum[:8])
	return id
}

// NonceSource produces non-repeating 12-byte ChaCha20-Poly1305 nonces for
// the lifetime of a process: a 4-byte value chosen randomly at startup,
// concatenated with an 8-byte monotonically increasing counter. Per
// spec.md §9, restart-survival of the counter is not required because the
// prefix re-randomizes on every startup.
type NonceSource struct {
	prefix  [4]byte
	counter atomic.Uint64
}

// NewNonceSource picks a fresh random prefix.
func NewNonceSource() (*NonceSource, error) {
	ns := &NonceSource{}
	if _, err := rand.Read(ns.prefix[:]); err != nil {
		return nil, err
	}
	return ns, nil
}

// Next returns the next 12-byte nonce; safe for concurrent use.
func (ns *NonceSource) Next() [12]byte {
	var nonce [12]byte
	copy(nonce[:4], ns.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], ns.counter.Add(1))
	return nonce
}

// Seal encrypts plaintext under key using the given nonce, with no
// additional authenticated data (the outer envelope header is not AEAD-AD;
// it is a separate cleartext routing prefix per spec.md §6).
func Seal(key meshtypes.NetworkKey, nonce [12]byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// Open decrypts ciphertext under key using nonce. Returns ErrAuthFailed on
// any authentication failure (bit flip in nonce, ciphertext, or tag; wrong
// key). Never returns a partially-decrypted plaintext on failure.
func Open(key meshtypes.NetworkKey, nonce [12]byte, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// KeyRing looks up a NetworkKey by its NetworkID, letting a node that
// belongs to multiple networks demultiplex inbound packets. A datagram
// that authenticates under none of the held keys must be dropped silently
// (spec.md §3 invariant).
type KeyRing struct {
	byID map[meshtypes.NetworkID]meshtypes.NetworkKey
}

// NewKeyRing builds a ring from a set of network keys.
func NewKeyRing(keys ...meshtypes.NetworkKey) *KeyRing {
	kr := &KeyRing{byID: make(map[meshtypes.NetworkID]meshtypes.NetworkKey, len(keys))}
	for _, k := range keys {
		kr.byID[NetworkIDFromKey(k)] = k
	}
	return kr
}

// Add inserts (or replaces) a key in the ring.
func (kr *KeyRing) Add(key meshtypes.NetworkKey) meshtypes.NetworkID {
	id := NetworkIDFromKey(key)
	kr.byID[id] = key
	return id
}

// Lookup returns the key for a network id, and whether it is known.
func (kr *KeyRing) Lookup(id meshtypes.NetworkID) (meshtypes.NetworkKey, bool) {
	k, ok := kr.byID[id]
	return k, ok
}
