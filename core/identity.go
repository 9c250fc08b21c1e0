package core

// identity.go covers generation and unlocking of a participant's
// long-lived post-quantum key material, and the signature/KEM primitives
// the block codec drives on top of it.
//
// Both primitives are NIST level 5 lattice schemes from CIRCL: ML-DSA-87
// for signatures, ML-KEM-1024 for encapsulation. Both are accessed through
// CIRCL's generic sign.Scheme / kem.Scheme interfaces; the algorithm
// identifiers are recorded on each Block, not on the Identity record.

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifiers carried by every block, kept
// unambiguous so key material can be migrated to a successor scheme.
const (
	AlgoSignatureMldsa87 = "ML-DSA-87"
	AlgoKEMMlkem1024     = "ML-KEM-1024"
)

func sigScheme() sign.Scheme { return mldsa87.Scheme() }
func kemScheme() kem.Scheme  { return mlkem1024.Scheme() }

// CreateIdentity generates a fresh signature and KEM keypair, wraps both
// secret halves under a passphrase-derived key, and returns both the
// durable Identity record and its unlocked in-memory form.
func CreateIdentity(displayName, passphrase string) (*Identity, *UnlockedIdentity, error) {
	if passphraseEntropyBits(passphrase) < minPassphraseEntropyBits {
		return nil, nil, NewError(ErrWeakPassphrase, "passphrase below entropy floor")
	}

	sigPub, sigPriv, err := sigScheme().GenerateKey()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "generate signature keypair", err)
	}
	kemPub, kemPriv, err := kemScheme().GenerateKeyPair()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "generate kem keypair", err)
	}

	sigPubBytes, err := sigPub.MarshalBinary()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "marshal signature public key", err)
	}
	sigPrivBytes, err := sigPriv.MarshalBinary()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "marshal signature secret key", err)
	}
	kemPubBytes, err := kemPub.MarshalBinary()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "marshal kem public key", err)
	}
	kemPrivBytes, err := kemPriv.MarshalBinary()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "marshal kem secret key", err)
	}

	salt, err := newSalt()
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "generate salt", err)
	}
	key := deriveKey(passphrase, salt)
	defer zero(key)

	sigNonce, encSig, err := sealSecret(key, sigPrivBytes)
	if err != nil {
		return nil, nil, err
	}
	kemNonce, encKem, err := sealSecret(key, kemPrivBytes)
	if err != nil {
		return nil, nil, err
	}

	id := &Identity{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().Unix(),
		DisplayName:  displayName,
		SigPublic:    sigPubBytes,
		KemPublic:    kemPubBytes,
		Salt:         salt,
		EncSigSecret: encSig,
		EncKemSecret: encKem,
		SigNonce:     sigNonce,
		KemNonce:     kemNonce,
	}

	unlocked := &UnlockedIdentity{
		ID:        id.ID,
		SigPublic: sigPubBytes,
		KemPublic: kemPubBytes,
		SigSecret: sigPrivBytes,
		KemSecret: kemPrivBytes,
	}
	return id, unlocked, nil
}

// UnlockIdentity re-derives the passphrase key and decrypts both secret
// halves, returning a process-memory-only UnlockedIdentity.
func UnlockIdentity(id *Identity, passphrase string) (*UnlockedIdentity, error) {
	key := deriveKey(passphrase, id.Salt)
	defer zero(key)

	sigSecret, err := openSecret(key, id.SigNonce, id.EncSigSecret)
	if err != nil {
		return nil, NewError(ErrBadPassphrase, "decrypt signature secret")
	}
	kemSecret, err := openSecret(key, id.KemNonce, id.EncKemSecret)
	if err != nil {
		zero(sigSecret)
		return nil, NewError(ErrBadPassphrase, "decrypt kem secret")
	}
	return &UnlockedIdentity{
		ID:        id.ID,
		SigPublic: id.SigPublic,
		KemPublic: id.KemPublic,
		SigSecret: sigSecret,
		KemSecret: kemSecret,
	}, nil
}

// RotatePassphrase re-encrypts both secret halves under a new passphrase,
// in place on the durable Identity record.
func RotatePassphrase(id *Identity, unlocked *UnlockedIdentity, newPassphrase string) error {
	if passphraseEntropyBits(newPassphrase) < minPassphraseEntropyBits {
		return NewError(ErrWeakPassphrase, "passphrase below entropy floor")
	}
	salt, err := newSalt()
	if err != nil {
		return WrapErr(ErrIoError, "generate salt", err)
	}
	key := deriveKey(newPassphrase, salt)
	defer zero(key)

	sigNonce, encSig, err := sealSecret(key, unlocked.SigSecret)
	if err != nil {
		return err
	}
	kemNonce, encKem, err := sealSecret(key, unlocked.KemSecret)
	if err != nil {
		return err
	}
	id.Salt = salt
	id.SigNonce = sigNonce
	id.KemNonce = kemNonce
	id.EncSigSecret = encSig
	id.EncKemSecret = encKem
	id.PassphraseRotatedAt = time.Now().Unix()
	return nil
}

// Sign produces an ML-DSA-87 signature over msg.
func Sign(u *UnlockedIdentity, msg []byte) ([]byte, error) {
	sk, err := sigScheme().UnmarshalBinaryPrivateKey(u.SigSecret)
	if err != nil {
		return nil, WrapErr(ErrIoError, "unmarshal signature secret key", err)
	}
	return sigScheme().Sign(sk, msg, nil), nil
}

// Verify checks an ML-DSA-87 signature against a raw public key. It never
// accepts an empty or malformed signature.
func Verify(sigPublic, msg, signature []byte) (bool, error) {
	pk, err := sigScheme().UnmarshalBinaryPublicKey(sigPublic)
	if err != nil {
		return false, WrapErr(ErrIoError, "unmarshal signature public key", err)
	}
	return sigScheme().Verify(pk, msg, signature, nil), nil
}

// KemEncapsulate encapsulates a fresh shared secret against a recipient's
// raw KEM public key.
func KemEncapsulate(recipientKemPublic []byte) (ciphertext, sharedSecret []byte, err error) {
	pk, err := kemScheme().UnmarshalBinaryPublicKey(recipientKemPublic)
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "unmarshal kem public key", err)
	}
	ct, ss, err := kemScheme().Encapsulate(pk)
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "kem encapsulate", err)
	}
	return ct, ss, nil
}

// KemDecapsulate recovers the shared secret from a KEM ciphertext using the
// unlocked identity's secret key.
func KemDecapsulate(u *UnlockedIdentity, ciphertext []byte) ([]byte, error) {
	sk, err := kemScheme().UnmarshalBinaryPrivateKey(u.KemSecret)
	if err != nil {
		return nil, WrapErr(ErrIoError, "unmarshal kem secret key", err)
	}
	ss, err := kemScheme().Decapsulate(sk, ciphertext)
	if err != nil {
		return nil, WrapErr(ErrIoError, "kem decapsulate", err)
	}
	return ss, nil
}

//---------------------------------------------------------------------
// Secret-at-rest sealing (XChaCha20-Poly1305)
//---------------------------------------------------------------------

func sealSecret(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, WrapErr(ErrIoError, "init aead", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, WrapErr(ErrIoError, "generate nonce", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

func openSecret(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
