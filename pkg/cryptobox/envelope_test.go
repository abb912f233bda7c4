package cryptobox

import (
	"bytes"
	"testing"

	"github.com/omerta-mesh/mesh/pkg/meshtypes"
)

func testKey(b byte) meshtypes.NetworkKey {
	var k meshtypes.NetworkKey
	for i := range k {
		k[i] = b
	}
	return k
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(0x42)
	ns, err := NewNonceSource()
	if err != nil {
		t.Fatalf("NewNonceSource: %v", err)
	}
	plain := []byte("hello")
	nonce := ns.Next()
	ct, err := Seal(key, nonce, plain)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(key, nonce, ct)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(pt, plain) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plain)
	}
}

func TestBitFlipFailsAuthentication(t *testing.T) {
	key := testKey(0x01)
	ns, _ := NewNonceSource()
	nonce := ns.Next()
	ct, err := Seal(key, nonce, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip a bit in the ciphertext/tag.
	corrupted := append([]byte(nil), ct...)
	corrupted[len(corrupted)-1] ^= 0x01
	if _, err := Open(key, nonce, corrupted); err == nil {
		t.Fatalf("expected ciphertext bit flip to fail authentication")
	}

	// Flip a bit in the nonce.
	corruptNonce := nonce
	corruptNonce[0] ^= 0x01
	if _, err := Open(key, corruptNonce, ct); err == nil {
		t.Fatalf("expected nonce bit flip to fail authentication")
	}
}

func TestSwappedMessagesDecryptIndependently(t *testing.T) {
	key := testKey(0x07)
	ns, _ := NewNonceSource()
	n1 := ns.Next()
	n2 := ns.Next()
	ct1, _ := Seal(key, n1, []byte("first"))
	ct2, _ := Seal(key, n2, []byte("second"))

	// Swapping nonce/ciphertext pairs must fail, never decrypt to the
	// other message's plaintext.
	if pt, err := Open(key, n1, ct2); err == nil {
		t.Fatalf("expected swapped nonce/ciphertext to fail, got %q", pt)
	}
	if pt, err := Open(key, n2, ct1); err == nil {
		t.Fatalf("expected swapped nonce/ciphertext to fail, got %q", pt)
	}

	// Each decrypts correctly on its own.
	pt1, err := Open(key, n1, ct1)
	if err != nil || !bytes.Equal(pt1, []byte("first")) {
		t.Fatalf("Open(n1, ct1) = %q, %v", pt1, err)
	}
	pt2, err := Open(key, n2, ct2)
	if err != nil || !bytes.Equal(pt2, []byte("second")) {
		t.Fatalf("Open(n2, ct2) = %q, %v", pt2, err)
	}
}

func TestNonceSourceNeverRepeats(t *testing.T) {
	ns, err := NewNonceSource()
	if err != nil {
		t.Fatalf("NewNonceSource: %v", err)
	}
	seen := make(map[[12]byte]bool)
	for i := 0; i < 10000; i++ {
		n := ns.Next()
		if seen[n] {
			t.Fatalf("nonce repeated at iteration %d", i)
		}
		seen[n] = true
	}
}

func TestKeyRingDemux(t *testing.T) {
	k1 := testKey(0x11)
	k2 := testKey(0x22)
	kr := NewKeyRing(k1, k2)

	id1 := NetworkIDFromKey(k1)
	got, ok := kr.Lookup(id1)
	if !ok || got != k1 {
		t.Fatalf("expected to find k1 by its network id")
	}

	unknown := testKey(0x33)
	if _, ok := kr.Lookup(NetworkIDFromKey(unknown)); ok {
		t.Fatalf("unexpected hit for an unregistered network key")
	}
}
