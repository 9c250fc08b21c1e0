package core

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// newTestVFS builds a single-node VFS over a throwaway data directory, with
// no P2P node attached: reads and writes exercise local persistence only.
func newTestVFS(t *testing.T, mutate func(*Config)) (*VFS, *Persistence) {
	t.Helper()
	_, unlocked := testIdentity(t)

	cfg := DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.VFS.ChunkSize = 1024
	cfg.Codec.FragmentThreshold = 2
	cfg.Codec.FragmentTotal = 3
	cfg.Codec.ErasureData = 2
	cfg.Codec.ErasureParity = 1
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := NewPersistence(cfg.Storage.DataDir, quietLogger())
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	v, err := NewVFS(p, nil, nil, unlocked, cfg, quietLogger())
	if err != nil {
		t.Fatalf("build vfs: %v", err)
	}
	return v, p
}

func TestVFSWriteReadRoundTrip(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	rng := rand.New(rand.NewSource(0x1234))
	data := make([]byte, 4096) // 4 chunks at the test chunk size
	rng.Read(data)

	head, err := v.Write(context.Background(), "/files/blob.bin", data)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := v.Read(context.Background(), "/files/blob.bin")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("read bytes differ from written bytes")
	}

	files := v.List()
	if len(files) != 1 {
		t.Fatalf("expected 1 file, got %d", len(files))
	}
	f := files[0]
	if f.Path != "/files/blob.bin" || f.Size != 4096 || f.BlockCount != 4 || f.UUID != head.String() {
		t.Fatalf("metadata wrong: %+v", f)
	}

	// Repeated reads must be byte-identical.
	again, err := v.Read(context.Background(), "/files/blob.bin")
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !bytes.Equal(again, out) {
		t.Fatal("repeated read returned different bytes")
	}
}

func TestVFSEmptyFile(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	if _, err := v.Write(context.Background(), "/empty", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := v.Read(context.Background(), "/empty")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(out))
	}
}

func TestVFSWriteProgress(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	var calls [][2]int
	_, err := v.WriteWithProgress(context.Background(), "/p", make([]byte, 3*1024), func(done, total int) {
		calls = append(calls, [2]int{done, total})
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(calls) != 3 {
		t.Fatalf("expected 3 progress calls, got %d", len(calls))
	}
	last := calls[len(calls)-1]
	if last[0] != 3 || last[1] != 3 {
		t.Fatalf("final progress call wrong: %v", last)
	}
}

func TestVFSQuota(t *testing.T) {
	v, p := newTestVFS(t, func(c *Config) {
		c.VFS.StorageQuotaBytes = 2048
	})
	_, err := v.Write(context.Background(), "/big", make([]byte, 4096))
	kindOfOrFail(t, err, ErrQuotaExceeded)

	// A rejected write must leave no blocks behind.
	if n := len(p.IterateBlocks()); n != 0 {
		t.Fatalf("rejected write persisted %d blocks", n)
	}
	if len(v.List()) != 0 {
		t.Fatal("rejected write is listed")
	}

	// A smaller write that fits under the quota succeeds.
	if _, err := v.Write(context.Background(), "/small", make([]byte, 512)); err != nil {
		t.Fatalf("write under quota: %v", err)
	}
}

func TestVFSSetQuotaValidation(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	if err := v.SetQuota(1); err == nil {
		t.Fatal("expected range error")
	}
	if err := v.SetQuota(200 * 1024 * 1024); err != nil {
		t.Fatalf("valid quota rejected: %v", err)
	}
	if v.Quota() != 200*1024*1024 {
		t.Fatal("quota not applied")
	}
}

func TestVFSTamperedBlockFailsRead(t *testing.T) {
	v, p := newTestVFS(t, nil)
	data := []byte(bytesOfLen(2048))
	if _, err := v.Write(context.Background(), "/t", data); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Flip one byte near the end of every shard file of the first chunk —
	// inside the signed region, past the length-prefixed framing.
	m, err := p.LoadManifest("/t")
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range m.Chain[0].ShardUUIDs {
		path := filepath.Join(p.blocksDir, id.String())
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		raw[len(raw)-5] ^= 0x01 // inside the created_at field
		if err := os.WriteFile(path, raw, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	_, err = v.Read(context.Background(), "/t")
	kindOfOrFail(t, err, ErrTamperingDetected)
}

func TestVFSMissingFile(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	_, err := v.Read(context.Background(), "/nope")
	kindOfOrFail(t, err, ErrNotFound)
	err = v.Delete("/nope")
	kindOfOrFail(t, err, ErrNotFound)
}

func TestVFSDeleteAndCollect(t *testing.T) {
	v, p := newTestVFS(t, nil)
	if _, err := v.Write(context.Background(), "/doomed", make([]byte, 1500)); err != nil {
		t.Fatalf("write: %v", err)
	}
	stored := len(p.IterateBlocks())
	if stored == 0 {
		t.Fatal("write persisted nothing")
	}

	if err := v.Delete("/doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Blocks linger until a sweep runs.
	if len(p.IterateBlocks()) != stored {
		t.Fatal("delete removed blocks inline")
	}
	if n, _ := p.CollectGarbage(); n != stored {
		t.Fatalf("sweep collected %d of %d blocks", n, stored)
	}
	if len(p.IterateBlocks()) != 0 {
		t.Fatal("orphaned blocks survived the sweep")
	}
}

func TestVFSOverwriteKeepsCreatedAt(t *testing.T) {
	v, p := newTestVFS(t, nil)
	if _, err := v.Write(context.Background(), "/f", []byte("one")); err != nil {
		t.Fatal(err)
	}
	first, err := p.LoadManifest("/f")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Write(context.Background(), "/f", []byte("two")); err != nil {
		t.Fatal(err)
	}
	second, err := p.LoadManifest("/f")
	if err != nil {
		t.Fatal(err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Fatal("overwrite reset the creation timestamp")
	}
	out, err := v.Read(context.Background(), "/f")
	if err != nil || string(out) != "two" {
		t.Fatalf("overwrite not visible: %q %v", out, err)
	}
}

func TestVFSCancelledWrite(t *testing.T) {
	v, _ := newTestVFS(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := v.Write(ctx, "/c", make([]byte, 4096))
	if err == nil {
		t.Fatal("cancelled write succeeded")
	}
	if len(v.List()) != 0 {
		t.Fatal("cancelled write left a visible file")
	}
}

// bytesOfLen builds deterministic low-entropy content so the compressor's
// text path gets exercised alongside the random-data tests.
func bytesOfLen(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte('a' + i%20)
	}
	return string(buf)
}
