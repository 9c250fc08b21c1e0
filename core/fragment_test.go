package core

import (
	"bytes"
	"testing"
)

func TestFragmentSplitCombine(t *testing.T) {
	secret := []byte("any k of n shards reconstruct, fewer reveal nothing")

	shards, err := fragmentSplit(secret, 3, 5)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(shards) != 5 {
		t.Fatalf("expected 5 shards, got %d", len(shards))
	}

	// Every 3-shard subset reconstructs.
	subsets := [][]int{{0, 1, 2}, {2, 3, 4}, {0, 2, 4}, {1, 3, 4}}
	for _, idx := range subsets {
		subset := [][]byte{shards[idx[0]], shards[idx[1]], shards[idx[2]]}
		out, err := fragmentCombine(subset, 3)
		if err != nil {
			t.Fatalf("combine %v: %v", idx, err)
		}
		if !bytes.Equal(out, secret) {
			t.Fatalf("combine %v produced wrong secret", idx)
		}
	}
}

func TestFragmentBelowThreshold(t *testing.T) {
	shards, err := fragmentSplit([]byte("threshold"), 3, 5)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	_, err = fragmentCombine(shards[:2], 3)
	kindOfOrFail(t, err, ErrInsufficientShards)
}

func TestFragmentInvalidParams(t *testing.T) {
	tests := []struct {
		name             string
		threshold, total int
	}{
		{"ThresholdOne", 1, 5},
		{"TotalBelowThreshold", 4, 3},
		{"TotalTooLarge", 3, 300},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := fragmentSplit([]byte("x"), tc.threshold, tc.total); err == nil {
				t.Fatal("expected parameter error")
			}
		})
	}
}
