package core

import (
	"crypto/rand"
	"math"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// KDF parameters for the passphrase-derived encryption key. Argon2id is
// the memory-hard KDF wrapping identity secrets at rest.
const (
	kdfTimeCost    = 3
	kdfMemoryKiB   = 64 * 1024
	kdfParallelism = 4
	kdfKeyLen      = 32
	saltLen        = 32

	minPassphraseEntropyBits = 40
)

// deriveKey runs Argon2id over passphrase and salt, producing the symmetric
// key used to wrap an identity's secret key halves.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, kdfTimeCost, kdfMemoryKiB, kdfParallelism, kdfKeyLen)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// passphraseEntropyBits is a coarse Shannon-style estimate: per-character
// bits scale with the size of the character classes actually used. It is
// intentionally conservative, not a full zxcvbn-grade estimator.
func passphraseEntropyBits(passphrase string) float64 {
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	poolSize := 0
	if hasLower {
		poolSize += 26
	}
	if hasUpper {
		poolSize += 26
	}
	if hasDigit {
		poolSize += 10
	}
	if hasSymbol {
		poolSize += 33
	}
	if poolSize == 0 {
		return 0
	}
	bitsPerChar := math.Log2(float64(poolSize))
	return bitsPerChar * float64(len([]rune(passphrase)))
}
