package core

// fragment.go is the threshold-fragmentation stage: the post-noise
// ciphertext is split into n shards such that any k reconstruct the
// original and fewer reveal nothing. hashicorp/vault/shamir supplies the
// Shamir secret sharing over GF(256), so the fewer-than-k guarantee is
// information-theoretic rather than hand-rolled.

import (
	"github.com/hashicorp/vault/shamir"
)

// fragmentSplit splits data into total shards such that any threshold of
// them reconstruct it exactly.
func fragmentSplit(data []byte, threshold, total int) ([][]byte, error) {
	if threshold < 2 || total < threshold || total > 255 {
		return nil, NewError(ErrInvalidInput, "invalid fragment threshold/total")
	}
	shards, err := shamir.Split(data, total, threshold)
	if err != nil {
		return nil, WrapErr(ErrIoError, "shamir split", err)
	}
	return shards, nil
}

// fragmentCombine reconstructs the original data from at least threshold
// shards. Shamir's scheme itself enforces the threshold: fewer than
// threshold (non-matching) shards fail to recombine to the right value,
// but MeshVault also checks the count explicitly so it surfaces the
// documented InsufficientShards error rather than silently returning
// garbage.
func fragmentCombine(shards [][]byte, threshold int) ([]byte, error) {
	if len(shards) < threshold {
		return nil, NewError(ErrInsufficientShards, "fewer than threshold fragments available")
	}
	out, err := shamir.Combine(shards)
	if err != nil {
		return nil, WrapErr(ErrInsufficientShards, "shamir combine", err)
	}
	return out, nil
}
