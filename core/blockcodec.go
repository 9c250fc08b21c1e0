package core

// blockcodec.go is the block codec: the full encode/decode pipeline from
// one plaintext chunk to a vector of signed, erasure-coded Block records,
// and back. Every step's failure aborts the whole chunk — partially
// produced blocks are discarded, never partially persisted.

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
)

// CodecParams carries the tunable pipeline parameters (defaults: fragment
// k=3 n=5, erasure d=10 p=4).
type CodecParams struct {
	FragmentThreshold int
	FragmentTotal     int
	ErasureData       int
	ErasureParity     int
	ObfuscationLayers bool
}

// EncodeChunk runs the full pipeline over one plaintext chunk, producing
// every physical Block record for it (data and parity shards alike).
// previousGroupUUID/previousHash chain this chunk to its predecessor in the
// file (zero values for the chain head).
func EncodeChunk(
	chunk []byte,
	previousGroupUUID uuid.UUID,
	previousHash [32]byte,
	producer *UnlockedIdentity,
	recipientKemPublic []byte,
	params CodecParams,
) ([]*Block, error) {
	compressed, err := compress(chunk)
	if err != nil {
		return nil, WrapErr(ErrIoError, "compress chunk", err)
	}

	pipelineBytes := compressed
	var seed uint64
	var hint uint32
	var noiseNonce []byte
	obfuscated := params.ObfuscationLayers
	if obfuscated {
		seed, err = randomSeed()
		if err != nil {
			return nil, WrapErr(ErrIoError, "generate noise seed", err)
		}
		noised, err := applyLatticeNoise(seed, pipelineBytes)
		if err != nil {
			return nil, err
		}
		noiseNonce = make([]byte, 12)
		if _, err := rand.Read(noiseNonce); err != nil {
			return nil, WrapErr(ErrIoError, "generate collapse nonce", err)
		}
		hint = collapseHintFor(seed, noiseNonce)
		sealed, err := superpositionSeal(seed, hint, noiseNonce, noised)
		if err != nil {
			return nil, err
		}
		pipelineBytes = append(append([]byte{}, noiseNonce...), sealed...)
	}

	shards, err := fragmentSplit(pipelineBytes, params.FragmentThreshold, params.FragmentTotal)
	if err != nil {
		return nil, err
	}

	kemCiphertext, sharedSecret, err := KemEncapsulate(recipientKemPublic)
	if err != nil {
		return nil, err
	}
	outerKey, err := deriveOuterKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	groupUUID := uuid.New()

	// Nonces are derived from (group uuid, fragment index) rather than drawn
	// at random: a fragment whose block is lost and later rebuilt from parity
	// must still be decryptable, and a rebuilt shard has no header to carry a
	// random nonce in. Uniqueness holds because the outer and ephemeral keys
	// are fresh per chunk.
	encryptedShards := make([][]byte, len(shards))
	fragmentNonces := make([][]byte, len(shards))
	ephemeralNonces := make([][]byte, len(shards))
	for i, shard := range shards {
		nonceOuter := fragmentNonce(groupUUID, i, "outer")
		outerCt, err := outerSeal(outerKey, nonceOuter, shard)
		if err != nil {
			return nil, err
		}
		nonceInner := fragmentNonce(groupUUID, i, "inner")
		ephemeralCt, err := ephemeralSeal(sharedSecret, nonceInner, outerCt)
		if err != nil {
			return nil, err
		}
		encryptedShards[i] = ephemeralCt
		fragmentNonces[i] = nonceOuter
		ephemeralNonces[i] = nonceInner
	}

	stripes, err := encodeStripes(encryptedShards, params.ErasureData, params.ErasureParity)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixNano()
	var blocks []*Block

	for stripeIdx, stripe := range stripes {
		for pos, shardBytes := range stripe.shards {
			globalFragmentIdx := stripeIdx*params.ErasureData + pos
			isFragmentShard := pos < params.ErasureData && globalFragmentIdx < len(shards)

			b := &Block{
				UUID:               uuid.New(),
				GroupUUID:          groupUUID,
				StripeIndex:        uint16(stripeIdx),
				PreviousUUID:       previousGroupUUID,
				PreviousHash:       previousHash,
				KEMAlgorithm:       AlgoKEMMlkem1024,
				KEMCiphertext:      kemCiphertext,
				SignatureAlgorithm: AlgoSignatureMldsa87,
				Compression:        CompressionTag(compressed[0]),
				Obfuscated:         obfuscated,
				NoiseSeed:          seed,
				CollapseHint:       hint,
				Erasure: ErasureCoords{
					DataShards:   uint16(params.ErasureData),
					ParityShards: uint16(params.ErasureParity),
					Index:        uint16(pos),
				},
				Ciphertext: shardBytes,
				CreatedAt:  now,
			}
			if isFragmentShard {
				b.Fragment = FragmentCoords{
					Threshold: uint16(params.FragmentThreshold),
					Total:     uint16(params.FragmentTotal),
					Index:     uint16(globalFragmentIdx),
				}
				b.NonceOuter = fragmentNonces[globalFragmentIdx]
				b.NonceInner = ephemeralNonces[globalFragmentIdx]
			}

			hash := b.CanonicalHash()
			sig, err := Sign(producer, hash[:])
			if err != nil {
				return nil, WrapErr(ErrIoError, "sign block", err)
			}
			b.Signature = sig
			blocks = append(blocks, b)
		}
	}

	return blocks, nil
}

// DecodeChunk reverses EncodeChunk. It requires, for the chunk's erasure
// stripes, at least d of each stripe's d+p shards, and for the resulting
// fragment shards at least k of n — both enforced by erasure.go/fragment.go
// and surfaced as ErrInsufficientShards when unmet.
//
// blocks need not be complete or in order; stripe layout is rebuilt from
// each Block's stripe and erasure coordinates.
func DecodeChunk(blocks []*Block, producerSigPublic []byte, recipient *UnlockedIdentity, params CodecParams) ([]byte, error) {
	if len(blocks) == 0 {
		return nil, NewError(ErrInsufficientShards, "no blocks supplied")
	}

	for _, b := range blocks {
		hash := b.CanonicalHash()
		ok, err := Verify(producerSigPublic, hash[:], b.Signature)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, NewError(ErrTamperingDetected, "block signature verification failed")
		}
	}

	representative := blocks[0]
	d := int(representative.Erasure.DataShards)
	p := int(representative.Erasure.ParityShards)
	if d < 1 || p < 1 {
		return nil, NewError(ErrTamperingDetected, "block carries invalid erasure parameters")
	}

	stripeCount := 0
	for _, b := range blocks {
		if int(b.StripeIndex)+1 > stripeCount {
			stripeCount = int(b.StripeIndex) + 1
		}
	}

	stripes := make([][][]byte, stripeCount)
	for i := range stripes {
		stripes[i] = make([][]byte, d+p)
	}
	for _, b := range blocks {
		si, pos := int(b.StripeIndex), int(b.Erasure.Index)
		if si < stripeCount && pos < d+p && stripes[si][pos] == nil {
			stripes[si][pos] = b.Ciphertext
		}
	}

	fragmentTotal := 0
	for _, b := range blocks {
		if int(b.Fragment.Total) > fragmentTotal {
			fragmentTotal = int(b.Fragment.Total)
		}
	}
	if fragmentTotal == 0 {
		fragmentTotal = params.FragmentTotal
	}

	// A stripe that cannot be rebuilt only costs its own fragments; the
	// k-of-n threshold below decides whether the chunk as a whole survives.
	encryptedShards := make([][]byte, fragmentTotal)
	for stripeIdx, stripe := range stripes {
		if err := reconstructStripe(stripe, d, p); err != nil && KindOf(err) != ErrInsufficientShards {
			return nil, err
		}
		for pos := 0; pos < d; pos++ {
			globalIdx := stripeIdx*d + pos
			if globalIdx < fragmentTotal && stripe[pos] != nil {
				encryptedShards[globalIdx] = stripe[pos]
			}
		}
	}

	threshold := 0
	for _, b := range blocks {
		if int(b.Fragment.Threshold) > threshold {
			threshold = int(b.Fragment.Threshold)
		}
	}
	if threshold == 0 {
		threshold = params.FragmentThreshold
	}

	sharedSecret, err := KemDecapsulate(recipient, representative.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	outerKey, err := deriveOuterKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	var availableShards [][]byte
	for i, enc := range encryptedShards {
		if enc == nil {
			continue
		}
		outerCt, err := ephemeralOpen(sharedSecret, fragmentNonce(representative.GroupUUID, i, "inner"), enc)
		if err != nil {
			return nil, err
		}
		plain, err := outerOpen(outerKey, fragmentNonce(representative.GroupUUID, i, "outer"), outerCt)
		if err != nil {
			return nil, err
		}
		availableShards = append(availableShards, plain)
	}

	if len(availableShards) < threshold {
		return nil, NewError(ErrInsufficientShards, "fewer than k fragment shards recovered")
	}

	pipelineBytes, err := fragmentCombine(availableShards, threshold)
	if err != nil {
		return nil, err
	}

	if representative.Obfuscated {
		if len(pipelineBytes) < 12 {
			return nil, NewError(ErrTamperingDetected, "truncated obfuscation envelope")
		}
		noiseNonce := pipelineBytes[:12]
		sealed := pipelineBytes[12:]
		noised, err := superpositionOpen(representative.NoiseSeed, representative.CollapseHint, noiseNonce, sealed)
		if err != nil {
			return nil, err
		}
		compressed, err := applyLatticeNoise(representative.NoiseSeed, noised)
		if err != nil {
			return nil, err
		}
		pipelineBytes = compressed
	}

	return decompress(pipelineBytes)
}
