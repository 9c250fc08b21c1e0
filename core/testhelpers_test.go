package core

import (
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

//------------------------------------------------------------
// Shared fixtures: key generation is the slow part of this
// package's tests, so one identity is built lazily and reused.
//------------------------------------------------------------

const testPassphrase = "Orbital-Walrus-Chandelier-42"

var (
	testIdentityOnce sync.Once
	testIdentityRec  *Identity
	testIdentityUnl  *UnlockedIdentity
	testIdentityErr  error
)

func testIdentity(t *testing.T) (*Identity, *UnlockedIdentity) {
	t.Helper()
	testIdentityOnce.Do(func() {
		testIdentityRec, testIdentityUnl, testIdentityErr = CreateIdentity("test-peer", testPassphrase)
	})
	if testIdentityErr != nil {
		t.Fatalf("create test identity: %v", testIdentityErr)
	}
	return testIdentityRec, testIdentityUnl
}

// testCodecParams keeps the shard fan-out small so pipeline tests stay fast:
// 3 fragments with threshold 2, striped 2+1.
func testCodecParams() CodecParams {
	return CodecParams{
		FragmentThreshold: 2,
		FragmentTotal:     3,
		ErasureData:       2,
		ErasureParity:     1,
		ObfuscationLayers: true,
	}
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func kindOfOrFail(t *testing.T, err error, want ErrKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := KindOf(err); got != want {
		t.Fatalf("expected %s error, got %s (%v)", want, got, err)
	}
}
