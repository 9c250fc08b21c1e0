package core

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func sampleBlock() *Block {
	b := &Block{
		UUID:               uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		GroupUUID:          uuid.MustParse("66666666-7777-8888-9999-aaaaaaaaaaaa"),
		PreviousUUID:       uuid.MustParse("bbbbbbbb-cccc-dddd-eeee-ffffffffffff"),
		KEMAlgorithm:       AlgoKEMMlkem1024,
		KEMCiphertext:      []byte{1, 2, 3, 4},
		SignatureAlgorithm: AlgoSignatureMldsa87,
		NonceOuter:         []byte{5, 6, 7},
		NonceInner:         []byte{8, 9},
		Ciphertext:         []byte{10, 11, 12, 13, 14},
		StripeIndex:        3,
		Fragment:           FragmentCoords{Threshold: 3, Total: 5, Index: 2},
		Erasure:            ErasureCoords{DataShards: 10, ParityShards: 4, Index: 1},
		Compression:        CompressionLZ,
		Obfuscated:         true,
		NoiseSeed:          0xdeadbeefcafe,
		CollapseHint:       0xabcde,
		Signature:          []byte{42, 43, 44},
		CreatedAt:          1234567890,
	}
	for i := range b.PreviousHash {
		b.PreviousHash[i] = byte(i)
	}
	return b
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	b := sampleBlock()
	if !bytes.Equal(b.CanonicalBytes(false), b.CanonicalBytes(false)) {
		t.Fatal("canonical encoding is not deterministic")
	}
	if b.CanonicalBytes(false)[0] != BlockWireVersion {
		t.Fatal("canonical encoding must lead with the wire version byte")
	}
}

func TestCanonicalHashExcludesSignature(t *testing.T) {
	a := sampleBlock()
	b := sampleBlock()
	b.Signature = []byte{99, 98, 97, 96}

	if a.CanonicalHash() != b.CanonicalHash() {
		t.Fatal("canonical hash must not cover the signature field")
	}
	if a.WireHash() == b.WireHash() {
		t.Fatal("wire hash must cover the signature field")
	}
}

func TestParseBlockRoundTrip(t *testing.T) {
	b := sampleBlock()
	parsed, err := ParseBlock(b.CanonicalBytes(false))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed.CanonicalBytes(false), b.CanonicalBytes(false)) {
		t.Fatal("re-encoded block differs from original")
	}
	if parsed.UUID != b.UUID || parsed.PreviousUUID != b.PreviousUUID || parsed.PreviousHash != b.PreviousHash {
		t.Fatal("identity fields did not survive the round trip")
	}
	if parsed.StripeIndex != b.StripeIndex || parsed.Fragment != b.Fragment || parsed.Erasure != b.Erasure {
		t.Fatal("shard coordinates did not survive the round trip")
	}
	if parsed.Compression != b.Compression || parsed.Obfuscated != b.Obfuscated ||
		parsed.NoiseSeed != b.NoiseSeed || parsed.CollapseHint != b.CollapseHint ||
		parsed.CreatedAt != b.CreatedAt {
		t.Fatal("pipeline metadata did not survive the round trip")
	}
}

func TestParseBlockRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"WrongVersion", []byte{0xff, 1, 2, 3}},
		{"Truncated", sampleBlock().CanonicalBytes(false)[:20]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseBlock(tc.data); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}
