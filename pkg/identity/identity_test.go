package identity

import (
	"strings"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func TestGenerateDeriveRoundTrip(t *testing.T) {
	kp, mnemonic, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(strings.Fields(mnemonic)) != 12 {
		t.Fatalf("expected a 12-word mnemonic, got %d words", len(strings.Fields(mnemonic)))
	}

	derived, err := DeriveFrom(mnemonic)
	if err != nil {
		t.Fatalf("DeriveFrom: %v", err)
	}
	if kp.PeerID() != derived.PeerID() {
		t.Fatalf("peer_id mismatch: %s != %s", kp.PeerID(), derived.PeerID())
	}

	again, err := DeriveFrom(mnemonic)
	if err != nil {
		t.Fatalf("DeriveFrom (second time): %v", err)
	}
	if derived.PeerID() != again.PeerID() {
		t.Fatalf("derivation is not deterministic")
	}
}

func TestDeriveFromRejectsBadChecksum(t *testing.T) {
	_, mnemonic, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	words := strings.Fields(mnemonic)
	// Flip the last word to something else in the wordlist; this either
	// breaks the checksum (most likely) or changes the derived peer_id,
	// but must never silently reproduce the same identity.
	wl := bip39.GetWordList()
	var replacement string
	for _, w := range wl {
		if w != words[len(words)-1] {
			replacement = w
			break
		}
	}
	original := words[len(words)-1]
	words[len(words)-1] = replacement
	tampered := strings.Join(words, " ")

	if bip39.IsMnemonicValid(tampered) {
		derived, err := DeriveFrom(tampered)
		if err != nil {
			t.Fatalf("DeriveFrom(tampered): %v", err)
		}
		orig, err := DeriveFrom(strings.Replace(tampered, replacement, original, 1))
		if err != nil {
			t.Fatalf("DeriveFrom(original): %v", err)
		}
		if derived.PeerID() == orig.PeerID() {
			t.Fatalf("tampering a word changed neither the checksum validity nor the peer_id")
		}
	} else if _, err := DeriveFrom(tampered); err == nil {
		t.Fatalf("DeriveFrom accepted a mnemonic with a bad checksum")
	}
}

func TestSignVerify(t *testing.T) {
	kp, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("hello mesh")
	sig := kp.Sign(msg)
	if !Verify(kp.Pub, msg, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(kp.Pub, []byte("hello mess"), sig) {
		t.Fatalf("signature verified against a different message")
	}
	other, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate (other): %v", err)
	}
	if Verify(other.Pub, msg, sig) {
		t.Fatalf("signature verified against a different public key")
	}
}

func TestKeyAgreementSharedSecret(t *testing.T) {
	a, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate a: %v", err)
	}
	b, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate b: %v", err)
	}
	aPriv, aPub, err := a.KeyAgreementKey()
	if err != nil {
		t.Fatalf("a.KeyAgreementKey: %v", err)
	}
	bPriv, bPub, err := b.KeyAgreementKey()
	if err != nil {
		t.Fatalf("b.KeyAgreementKey: %v", err)
	}
	s1, err := SharedSecret(aPriv, bPub)
	if err != nil {
		t.Fatalf("SharedSecret a->b: %v", err)
	}
	s2, err := SharedSecret(bPriv, aPub)
	if err != nil {
		t.Fatalf("SharedSecret b->a: %v", err)
	}
	if string(s1) != string(s2) {
		t.Fatalf("shared secrets disagree")
	}
}

func TestPeerIDDerivationTotalAndDeterministic(t *testing.T) {
	kp, _, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id1 := PeerIDFromPublicKey(kp.Pub)
	id2 := PeerIDFromPublicKey(kp.Pub)
	if id1 != id2 {
		t.Fatalf("peer_id derivation is not deterministic")
	}
	if len(id1) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(id1))
	}
}
