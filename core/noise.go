package core

// noise.go holds the lattice-noise XOR obfuscation layer and the
// superposition-key AEAD layer. Neither is load-bearing for
// confidentiality — that rests on the KEM, the two real AEAD layers and
// the signature — so both can be disabled by
// Config.Codec.ObfuscationLayers while staying byte-compatible with
// enabled blocks (the Obfuscated flag on Block records which path ran).

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"math/big"

	"golang.org/x/crypto/chacha20"
)

// superpositionKeySpace is N = 2^20, the number of candidate keys the
// superposition-key layer selects from by hashing a per-block seed and
// index.
const superpositionKeySpace = 1 << 20

// applyLatticeNoise XORs data with a deterministic pseudo-random stream
// seeded by seed, in place conceptually (returns a new slice). ChaCha20 is
// used purely as a keyed PRNG here, not as an AEAD — there is no
// authentication tag at this layer by design.
func applyLatticeNoise(seed uint64, data []byte) ([]byte, error) {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:8], seed)
	sum := sha256.Sum256(key[:8])
	copy(key[:], sum[:])

	var nonce [12]byte
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		return nil, WrapErr(ErrIoError, "init noise stream", err)
	}
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

// deriveSuperpositionKey hashes (seed || index) to produce one of the
// 2^20 candidate AES-256 keys, and the collapse hint selects which index
// was used.
func deriveSuperpositionKey(seed uint64, index uint32) []byte {
	var buf [12]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint32(buf[8:], index)
	sum := sha256.Sum256(buf[:])
	return sum[:32]
}

// collapseHintFor derives the candidate index (the "collapse hint") from a
// seed and a block-specific nonce, bounding it to the key space.
func collapseHintFor(seed uint64, nonce []byte) uint32 {
	h := sha256.Sum256(append(nonce, byte(seed), byte(seed>>8), byte(seed>>16), byte(seed>>24)))
	n := new(big.Int).SetBytes(h[:4])
	return uint32(n.Uint64() % superpositionKeySpace)
}

// superpositionSeal derives the selected key from (seed, hint) and seals
// plaintext with AES-256-GCM.
func superpositionSeal(seed uint64, hint uint32, nonce, plaintext []byte) ([]byte, error) {
	key := deriveSuperpositionKey(seed, hint)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapErr(ErrIoError, "init superposition cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapErr(ErrIoError, "init superposition gcm", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, NewError(ErrInvalidInput, "bad superposition nonce size")
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

func superpositionOpen(seed uint64, hint uint32, nonce, ciphertext []byte) ([]byte, error) {
	key := deriveSuperpositionKey(seed, hint)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, WrapErr(ErrIoError, "init superposition cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, WrapErr(ErrIoError, "init superposition gcm", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, NewError(ErrInvalidInput, "bad superposition nonce size")
	}
	out, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, WrapErr(ErrTamperingDetected, "superposition open", err)
	}
	return out, nil
}

func randomSeed() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
