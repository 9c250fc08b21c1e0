package core

import (
	"bytes"
	"testing"
)

func testShards(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{byte(i + 1)}, size)
	}
	return out
}

func TestEncodeStripesShape(t *testing.T) {
	stripes, err := encodeStripes(testShards(5, 64), 2, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(stripes) != 3 {
		t.Fatalf("expected 3 stripes for 5 shards at d=2, got %d", len(stripes))
	}
	for i, s := range stripes {
		if len(s.shards) != 3 {
			t.Fatalf("stripe %d: expected d+p=3 shards, got %d", i, len(s.shards))
		}
	}
}

func TestReconstructStripeAfterLoss(t *testing.T) {
	data := testShards(4, 128)
	stripes, err := encodeStripes(data, 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stripe := stripes[0].shards

	// Lose any p=2 shards.
	lost := append([][]byte{}, stripe...)
	lost[1] = nil
	lost[4] = nil
	if err := reconstructStripe(lost, 4, 2); err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	for i := 0; i < 4; i++ {
		if !bytes.Equal(lost[i], data[i]) {
			t.Fatalf("data shard %d not recovered", i)
		}
	}
}

func TestReconstructStripeTooFewShards(t *testing.T) {
	stripes, err := encodeStripes(testShards(4, 32), 4, 2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	stripe := append([][]byte{}, stripes[0].shards...)
	stripe[0], stripe[2], stripe[5] = nil, nil, nil // p+1 losses

	err = reconstructStripe(stripe, 4, 2)
	kindOfOrFail(t, err, ErrInsufficientShards)
}

func TestEncodeStripesInvalidParams(t *testing.T) {
	if _, err := encodeStripes(testShards(2, 8), 0, 1); err == nil {
		t.Fatal("expected error for d=0")
	}
	if _, err := encodeStripes(testShards(2, 8), 2, 0); err == nil {
		t.Fatal("expected error for p=0")
	}
}
