// Package identity implements cryptographic peer identity: Ed25519
// keypairs, BIP-39 mnemonic generation/derivation, signing/verification,
// and the HKDF-derived X25519 key-agreement key. It is purely functional —
// no I/O, no network — per spec.md §4.1.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

// keyAgreementSalt is the fixed HKDF salt used to derive an X25519
// agreement key from the Ed25519 seed, so the signing key is never used
// for ECDH directly (spec.md §4.1).
const keyAgreementSalt = "omerta-key-agreement"

// mnemonicEntropyBits is 128 bits, producing a 12-word BIP-39 mnemonic.
const mnemonicEntropyBits = 128

// Keypair holds a node's signing identity.
type Keypair struct {
	Priv ed25519.PrivateKey
	Pub  ed25519.PublicKey
}

// PeerIDFromPublicKey returns hex(sha256(public_key)[:8]), the 16-hex-char peer_id.
func PeerIDFromPublicKey(pub ed25519.PublicKey) meshtypes.PeerId {
	sum := sha256.Sum256(pub)
	return meshtypes.PeerId(hex.EncodeToString(sum[:8]))
}

// PeerID is a convenience accessor over Keypair.
func (k Keypair) PeerID() meshtypes.PeerId {
	return PeerIDFromPublicKey(k.Pub)
}

// Generate creates 128 bits of entropy, a 12-word mnemonic, and the
// keypair derived from it.
func Generate() (Keypair, string, error) {
	entropy, err := bip39.NewEntropy(mnemonicEntropyBits)
	if err != nil {
		return Keypair{}, "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return Keypair{}, "", err
	}
	kp, err := DeriveFrom(mnemonic)
	if err != nil {
		return Keypair{}, "", err
	}
	return kp, mnemonic, nil
}

// DeriveFrom deterministically derives the same keypair (and hence the
// same peer_id) from a valid BIP-39 mnemonic every time it is called.
func DeriveFrom(mnemonic string) (Keypair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return Keypair{}, errors.New("identity: invalid mnemonic (bad word or checksum)")
	}
	// No BIP-39 passphrase: the mnemonic alone is the identity secret.
	seedMaterial := bip39.NewSeed(mnemonic, "")
	hk := hkdf.New(sha256.New, seedMaterial, nil, []byte("omerta-identity-seed"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hk, seed); err != nil {
		return Keypair{}, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Keypair{}, errors.New("identity: unexpected public key type")
	}
	return Keypair{Priv: priv, Pub: pub}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (k Keypair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Priv, msg)
}

// Verify checks a 64-byte Ed25519 signature over msg against pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// KeyAgreementKey derives this node's X25519 agreement keypair from its
// Ed25519 private key via HKDF-SHA256, so the same signing key never
// touches an ECDH directly.
func (k Keypair) KeyAgreementKey() (priv, pub [32]byte, err error) {
	hk := hkdf.New(sha256.New, k.Priv.Seed(), []byte(keyAgreementSalt), []byte("omerta-x25519"))
	if _, err = io.ReadFull(hk, priv[:]); err != nil {
		return priv, pub, err
	}
	// X25519 scalar clamping.
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return priv, pub, err
	}
	copy(pub[:], pubSlice)
	return priv, pub, nil
}

// SharedSecret computes the X25519 shared secret with a remote agreement
// public key, for use as HKDF input material (never as a key directly).
func SharedSecret(localAgreementPriv [32]byte, remoteAgreementPub [32]byte) ([]byte, error) {
	return curve25519.X25519(localAgreementPriv[:], remoteAgreementPub[:])
}
