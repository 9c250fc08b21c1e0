package core

// block.go defines the on-wire Block record and its
// canonical encoding. Two independent
// implementations of this encoding must produce byte-identical output for
// the same block, so the layout here is fixed-order, length-prefixed, and
// little-endian throughout — no reflection-based serialization.

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// BlockWireVersion is the first byte of every serialized block, reserved
// for future wire-format evolution.
const BlockWireVersion byte = 1

// CompressionTag identifies which compressor ran over a chunk; it is also
// the chunk's leading payload byte.
type CompressionTag uint8

const (
	CompressionNone CompressionTag = iota
	CompressionLZ
	CompressionEntropy
)

// FragmentCoords locates a block within its k-of-n threshold fragmentation
// group.
type FragmentCoords struct {
	Threshold uint16
	Total     uint16
	Index     uint16
}

// ErasureCoords locates a block within its (d, p) Reed-Solomon stripe.
type ErasureCoords struct {
	DataShards   uint16
	ParityShards uint16
	Index        uint16
}

// Block is the on-wire, content-addressed storage unit.
type Block struct {
	UUID               uuid.UUID
	GroupUUID          uuid.UUID // shared by every shard produced for the same chunk
	PreviousUUID       uuid.UUID // zero UUID for the chain head
	PreviousHash       [32]byte  // zero hash for the chain head
	KEMAlgorithm       string
	KEMCiphertext      []byte
	SignatureAlgorithm string
	NonceOuter         []byte
	NonceInner         []byte
	Ciphertext         []byte
	StripeIndex        uint16 // which (d,p) erasure stripe this shard belongs to, within its chunk
	Fragment           FragmentCoords
	Erasure            ErasureCoords
	Compression        CompressionTag
	Obfuscated         bool   // whether the lattice-noise/superposition layers ran
	NoiseSeed          uint64 // per-block seed for the lattice-noise XOR stream
	CollapseHint       uint32 // selects one of the 2^20 superposition keys
	Signature          []byte
	CreatedAt          int64 // wall-clock unix nanos (time.Now) set by the producer; not monotonic across clock adjustments
}

// CanonicalBytes returns the deterministic encoding of the block used both
// as the signed payload and as the wire representation. When zeroSignature
// is true the signature field is emitted as an empty length-prefixed slice,
// matching the hash the signature covers.
func (b *Block) CanonicalBytes(zeroSignature bool) []byte {
	var buf bytes.Buffer
	buf.WriteByte(BlockWireVersion)

	writeBytes(&buf, b.UUID[:])
	writeBytes(&buf, b.GroupUUID[:])
	writeBytes(&buf, b.PreviousUUID[:])
	writeBytes(&buf, b.PreviousHash[:])
	writeString(&buf, b.KEMAlgorithm)
	writeBytes(&buf, b.KEMCiphertext)
	writeString(&buf, b.SignatureAlgorithm)
	writeBytes(&buf, b.NonceOuter)
	writeBytes(&buf, b.NonceInner)
	writeBytes(&buf, b.Ciphertext)

	writeUint16(&buf, b.StripeIndex)

	writeUint16(&buf, b.Fragment.Threshold)
	writeUint16(&buf, b.Fragment.Total)
	writeUint16(&buf, b.Fragment.Index)

	writeUint16(&buf, b.Erasure.DataShards)
	writeUint16(&buf, b.Erasure.ParityShards)
	writeUint16(&buf, b.Erasure.Index)

	buf.WriteByte(byte(b.Compression))

	if b.Obfuscated {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	writeUint64(&buf, b.NoiseSeed)
	writeUint32(&buf, b.CollapseHint)

	if zeroSignature {
		writeBytes(&buf, nil)
	} else {
		writeBytes(&buf, b.Signature)
	}

	writeInt64(&buf, b.CreatedAt)

	return buf.Bytes()
}

// CanonicalHash is the hash covered by the producer's signature: the
// canonical encoding with the signature field zeroed.
func (b *Block) CanonicalHash() [32]byte {
	return sha256.Sum256(b.CanonicalBytes(true))
}

// WireHash is the hash of the fully-signed block, used as the previous_hash
// of the next block in the chain.
func (b *Block) WireHash() [32]byte {
	return sha256.Sum256(b.CanonicalBytes(false))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	buf.Write(l[:])
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) { writeBytes(buf, []byte(s)) }

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// ParseBlock reconstructs a Block from its canonical wire encoding, the
// inverse of CanonicalBytes(false).
func ParseBlock(data []byte) (*Block, error) {
	if len(data) < 1 || data[0] != BlockWireVersion {
		return nil, NewError(ErrInvalidInput, "unsupported block wire version")
	}
	r := bytes.NewReader(data[1:])
	b := &Block{}

	fields := [][]byte{}
	readers := []func() ([]byte, error){
		func() ([]byte, error) { return readBytes(r) }, // uuid
		func() ([]byte, error) { return readBytes(r) }, // group_uuid
		func() ([]byte, error) { return readBytes(r) }, // previous_uuid
		func() ([]byte, error) { return readBytes(r) }, // previous_hash
		func() ([]byte, error) { return readBytes(r) }, // kem algo
		func() ([]byte, error) { return readBytes(r) }, // kem ciphertext
		func() ([]byte, error) { return readBytes(r) }, // sig algo
		func() ([]byte, error) { return readBytes(r) }, // nonce outer
		func() ([]byte, error) { return readBytes(r) }, // nonce inner
		func() ([]byte, error) { return readBytes(r) }, // ciphertext
	}
	for _, fn := range readers {
		v, err := fn()
		if err != nil {
			return nil, NewError(ErrInvalidInput, fmt.Sprintf("decode block: %v", err))
		}
		fields = append(fields, v)
	}

	copy(b.UUID[:], fields[0])
	copy(b.GroupUUID[:], fields[1])
	copy(b.PreviousUUID[:], fields[2])
	copy(b.PreviousHash[:], fields[3])
	b.KEMAlgorithm = string(fields[4])
	b.KEMCiphertext = fields[5]
	b.SignatureAlgorithm = string(fields[6])
	b.NonceOuter = fields[7]
	b.NonceInner = fields[8]
	b.Ciphertext = fields[9]

	var err error
	if b.StripeIndex, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode stripe index")
	}
	if b.Fragment.Threshold, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode fragment threshold")
	}
	if b.Fragment.Total, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode fragment total")
	}
	if b.Fragment.Index, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode fragment index")
	}
	if b.Erasure.DataShards, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode erasure data shards")
	}
	if b.Erasure.ParityShards, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode erasure parity shards")
	}
	if b.Erasure.Index, err = readUint16(r); err != nil {
		return nil, NewError(ErrInvalidInput, "decode erasure index")
	}

	compByte, err := r.ReadByte()
	if err != nil {
		return nil, NewError(ErrInvalidInput, "decode compression tag")
	}
	b.Compression = CompressionTag(compByte)

	obfByte, err := r.ReadByte()
	if err != nil {
		return nil, NewError(ErrInvalidInput, "decode obfuscation flag")
	}
	b.Obfuscated = obfByte != 0

	noiseRaw := make([]byte, 8)
	if _, err := io.ReadFull(r, noiseRaw); err != nil {
		return nil, NewError(ErrInvalidInput, "decode noise seed")
	}
	b.NoiseSeed = binary.LittleEndian.Uint64(noiseRaw)

	hintRaw := make([]byte, 4)
	if _, err := io.ReadFull(r, hintRaw); err != nil {
		return nil, NewError(ErrInvalidInput, "decode collapse hint")
	}
	b.CollapseHint = binary.LittleEndian.Uint32(hintRaw)

	b.Signature, err = readBytes(r)
	if err != nil {
		return nil, NewError(ErrInvalidInput, "decode signature")
	}

	createdRaw := make([]byte, 8)
	if _, err := io.ReadFull(r, createdRaw); err != nil {
		return nil, NewError(ErrInvalidInput, "decode created_at")
	}
	b.CreatedAt = int64(binary.LittleEndian.Uint64(createdRaw))

	return b, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	lenRaw := make([]byte, 4)
	if _, err := io.ReadFull(r, lenRaw); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenRaw)
	if uint64(n) > uint64(r.Len()) {
		return nil, fmt.Errorf("field length %d exceeds remaining %d bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readUint16(r *bytes.Reader) (uint16, error) {
	b := make([]byte, 2)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}
