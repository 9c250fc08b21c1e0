package core

// compression.go is the adaptive compression stage: classify a chunk by a
// Shannon-entropy estimate and a small magic-byte sniff, then pick one of
// three compressors — none for ciphertext-like entropy, s2 for the fast
// LZ-class path, zstd for the entropy/dictionary-class path.

import (
	"bytes"
	"math"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// highEntropyThreshold is the Shannon-entropy-per-byte (bits, max 8) above
// which a chunk is treated as already compressed or encrypted and left
// uncompressed.
const highEntropyThreshold = 7.5

var knownCompressedMagic = [][]byte{
	{0x50, 0x4b, 0x03, 0x04}, // zip
	{0x1f, 0x8b},             // gzip
	{0x28, 0xb5, 0x2f, 0xfd}, // zstd
	{0x89, 0x50, 0x4e, 0x47}, // png
	{0xff, 0xd8, 0xff},       // jpeg
}

func looksPrecompressed(data []byte) bool {
	for _, magic := range knownCompressedMagic {
		if bytes.HasPrefix(data, magic) {
			return true
		}
	}
	return false
}

func shannonEntropyPerByte(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	n := float64(len(data))
	var entropy float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// classify picks a CompressionTag for the given plaintext chunk.
func classify(data []byte) CompressionTag {
	if looksPrecompressed(data) {
		return CompressionNone
	}
	if shannonEntropyPerByte(data) >= highEntropyThreshold {
		return CompressionNone
	}
	if isLikelyTextOrCode(data) {
		return CompressionEntropy
	}
	return CompressionLZ
}

// isLikelyTextOrCode is a cheap heuristic: mostly printable ASCII with
// reasonable line lengths reads as text or source code, a good fit for a
// dictionary-aware compressor.
func isLikelyTextOrCode(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	printable := 0
	for _, b := range sample {
		if b == '\n' || b == '\t' || b == '\r' || (b >= 0x20 && b < 0x7f) {
			printable++
		}
	}
	return float64(printable)/float64(len(sample)) > 0.95
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
var zstdDecoder, _ = zstd.NewReader(nil)

// compress applies adaptive compression and prepends the 1-byte tag.
func compress(data []byte) ([]byte, error) {
	tag := classify(data)
	var body []byte
	switch tag {
	case CompressionNone:
		body = data
	case CompressionLZ:
		body = s2.Encode(nil, data)
	case CompressionEntropy:
		body = zstdEncoder.EncodeAll(data, nil)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(tag)
	copy(out[1:], body)
	return out, nil
}

// decompress reverses compress, reading the leading tag byte.
func decompress(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, NewError(ErrInvalidInput, "empty compressed chunk")
	}
	tag := CompressionTag(data[0])
	body := data[1:]
	switch tag {
	case CompressionNone:
		return body, nil
	case CompressionLZ:
		out, err := s2.Decode(nil, body)
		if err != nil {
			return nil, WrapErr(ErrTamperingDetected, "s2 decode", err)
		}
		return out, nil
	case CompressionEntropy:
		out, err := zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, WrapErr(ErrTamperingDetected, "zstd decode", err)
		}
		return out, nil
	default:
		return nil, NewError(ErrInvalidInput, "unknown compression tag")
	}
}
