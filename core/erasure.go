package core

// erasure.go is the Reed-Solomon stage: consecutive shards are coded into
// (d, p) stripes, each tolerating the loss of any p of its d+p shards.

import (
	"github.com/klauspost/reedsolomon"
)

// erasureStripe is one (d, p) Reed-Solomon group: the first dataShards
// entries are real fragment shards (possibly zero-padded to a common
// length), the remaining parityShards entries are computed parity.
type erasureStripe struct {
	shards [][]byte
}

// encodeStripes groups dataShards into stripes of at most d real shards
// each, pads the final stripe with zero shards if needed, and computes p
// parity shards per stripe.
func encodeStripes(dataShards [][]byte, d, p int) ([]erasureStripe, error) {
	if d < 1 || p < 1 {
		return nil, NewError(ErrInvalidInput, "invalid erasure parameters")
	}
	enc, err := reedsolomon.New(d, p)
	if err != nil {
		return nil, WrapErr(ErrIoError, "init reed-solomon", err)
	}

	shardLen := 0
	for _, s := range dataShards {
		if len(s) > shardLen {
			shardLen = len(s)
		}
	}

	var stripes []erasureStripe
	for off := 0; off < len(dataShards); off += d {
		end := off + d
		if end > len(dataShards) {
			end = len(dataShards)
		}
		group := make([][]byte, d+p)
		for i := 0; i < d; i++ {
			src := off + i
			buf := make([]byte, shardLen)
			if src < end {
				copy(buf, dataShards[src])
			}
			group[i] = buf
		}
		for i := d; i < d+p; i++ {
			group[i] = make([]byte, shardLen)
		}
		if err := enc.Encode(group); err != nil {
			return nil, WrapErr(ErrIoError, "reed-solomon encode", err)
		}
		stripes = append(stripes, erasureStripe{shards: group})
	}
	return stripes, nil
}

// reconstructStripe fills in any nil entries of shards (length d+p) given
// at least d present entries. It returns ErrInsufficientShards if fewer
// than d shards survive.
func reconstructStripe(shards [][]byte, d, p int) error {
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < d {
		return NewError(ErrInsufficientShards, "fewer than d erasure shards present")
	}
	enc, err := reedsolomon.New(d, p)
	if err != nil {
		return WrapErr(ErrIoError, "init reed-solomon", err)
	}
	if err := enc.Reconstruct(shards); err != nil {
		return WrapErr(ErrInsufficientShards, "reed-solomon reconstruct", err)
	}
	return nil
}
