package core

import (
	"bytes"
	"testing"
)

func TestCreateAndUnlockIdentity(t *testing.T) {
	rec, unlocked := testIdentity(t)

	if rec.ID == "" || rec.DisplayName != "test-peer" {
		t.Fatal("identity record is incomplete")
	}
	if len(rec.SigPublic) == 0 || len(rec.KemPublic) == 0 {
		t.Fatal("public key halves missing")
	}
	if len(rec.EncSigSecret) == 0 || len(rec.EncKemSecret) == 0 {
		t.Fatal("encrypted secret halves missing")
	}
	if bytes.Contains(rec.EncSigSecret, unlocked.SigSecret[:32]) {
		t.Fatal("secret key appears unencrypted in the durable record")
	}

	reopened, err := UnlockIdentity(rec, testPassphrase)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !bytes.Equal(reopened.SigSecret, unlocked.SigSecret) || !bytes.Equal(reopened.KemSecret, unlocked.KemSecret) {
		t.Fatal("unlocked secrets differ from the originals")
	}
}

func TestUnlockWrongPassphrase(t *testing.T) {
	rec, _ := testIdentity(t)
	_, err := UnlockIdentity(rec, "not the passphrase, 100% Wrong!")
	kindOfOrFail(t, err, ErrBadPassphrase)
}

func TestCreateIdentityWeakPassphrase(t *testing.T) {
	_, _, err := CreateIdentity("weak", "abc")
	kindOfOrFail(t, err, ErrWeakPassphrase)
}

func TestSignVerify(t *testing.T) {
	rec, unlocked := testIdentity(t)
	msg := []byte("the chain head carries a zero hash")

	sig, err := Sign(unlocked, msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(rec.SigPublic, msg, sig)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("valid signature rejected")
	}

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0x01
	if ok, _ := Verify(rec.SigPublic, tampered, sig); ok {
		t.Fatal("signature accepted over altered message")
	}

	badSig := append([]byte{}, sig...)
	badSig[10] ^= 0x01
	if ok, _ := Verify(rec.SigPublic, msg, badSig); ok {
		t.Fatal("altered signature accepted")
	}
	if ok, _ := Verify(rec.SigPublic, msg, nil); ok {
		t.Fatal("empty signature accepted")
	}
}

func TestKemRoundTrip(t *testing.T) {
	rec, unlocked := testIdentity(t)

	ct, secret, err := KemEncapsulate(rec.KemPublic)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	recovered, err := KemDecapsulate(unlocked, ct)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if !bytes.Equal(secret, recovered) {
		t.Fatal("decapsulated secret differs from encapsulated one")
	}
}

func TestRotatePassphrase(t *testing.T) {
	rec, unlocked, err := CreateIdentity("rotator", testPassphrase)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const next = "Completely-Different-Phrase-77"
	if err := RotatePassphrase(rec, unlocked, next); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := UnlockIdentity(rec, testPassphrase); err == nil {
		t.Fatal("old passphrase still unlocks after rotation")
	}
	reopened, err := UnlockIdentity(rec, next)
	if err != nil {
		t.Fatalf("unlock with new passphrase: %v", err)
	}
	if !bytes.Equal(reopened.SigSecret, unlocked.SigSecret) {
		t.Fatal("rotation changed the underlying secret key")
	}
	if rec.PassphraseRotatedAt == 0 {
		t.Fatal("rotation timestamp not recorded")
	}
}

func TestWipe(t *testing.T) {
	_, unlocked, err := CreateIdentity("wiper", testPassphrase)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	unlocked.Wipe()
	for _, b := range unlocked.SigSecret {
		if b != 0 {
			t.Fatal("signature secret not zeroed")
		}
	}
	for _, b := range unlocked.KemSecret {
		if b != 0 {
			t.Fatal("kem secret not zeroed")
		}
	}
	unlocked.Wipe() // second call must be a no-op
}
