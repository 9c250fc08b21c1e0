package core

import (
	"bytes"
	"testing"
)

func TestLatticeNoiseIsInvolution(t *testing.T) {
	data := []byte("xor with a seeded stream, applied twice, is the identity")
	noised, err := applyLatticeNoise(7, data)
	if err != nil {
		t.Fatalf("noise: %v", err)
	}
	if bytes.Equal(noised, data) {
		t.Fatal("noise layer changed nothing")
	}
	back, err := applyLatticeNoise(7, noised)
	if err != nil {
		t.Fatalf("denoise: %v", err)
	}
	if !bytes.Equal(back, data) {
		t.Fatal("double application is not the identity")
	}
}

func TestSuperpositionSealOpen(t *testing.T) {
	nonce := make([]byte, 12)
	plaintext := []byte("selected from 2^20 candidate keys")

	hint := collapseHintFor(99, nonce)
	if hint >= superpositionKeySpace {
		t.Fatalf("hint %d outside key space", hint)
	}

	sealed, err := superpositionSeal(99, hint, nonce, plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	out, err := superpositionOpen(99, hint, nonce, sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(out, plaintext) {
		t.Fatal("round trip mismatch")
	}

	if _, err := superpositionOpen(99, hint+1, nonce, sealed); err == nil {
		t.Fatal("wrong collapse hint must not open")
	}
	if _, err := superpositionOpen(98, hint, nonce, sealed); err == nil {
		t.Fatal("wrong seed must not open")
	}
}

func TestFragmentNonceProperties(t *testing.T) {
	a := fragmentNonce(sampleBlock().GroupUUID, 0, "outer")
	b := fragmentNonce(sampleBlock().GroupUUID, 0, "outer")
	if !bytes.Equal(a, b) {
		t.Fatal("fragment nonce must be deterministic")
	}
	if bytes.Equal(a, fragmentNonce(sampleBlock().GroupUUID, 1, "outer")) {
		t.Fatal("nonce must vary with fragment index")
	}
	if bytes.Equal(a, fragmentNonce(sampleBlock().GroupUUID, 0, "inner")) {
		t.Fatal("nonce must vary with layer label")
	}
	if len(a) != 12 {
		t.Fatalf("expected 12-byte nonce, got %d", len(a))
	}
}
