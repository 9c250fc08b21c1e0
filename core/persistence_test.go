package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newTestPersistence(t *testing.T) (*Persistence, string) {
	t.Helper()
	dir := t.TempDir()
	p, err := NewPersistence(dir, quietLogger())
	if err != nil {
		t.Fatalf("open persistence: %v", err)
	}
	return p, dir
}

func storedTestBlock(t *testing.T, p *Persistence) *Block {
	t.Helper()
	b := sampleBlock()
	b.UUID = uuid.New()
	if err := p.StoreBlock(b); err != nil {
		t.Fatalf("store: %v", err)
	}
	return b
}

func TestStoreLoadBlock(t *testing.T) {
	p, _ := newTestPersistence(t)
	b := storedTestBlock(t, p)

	loaded, err := p.LoadBlock(b.UUID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.UUID != b.UUID || loaded.WireHash() != b.WireHash() {
		t.Fatal("loaded block differs from stored block")
	}
	if !p.HasBlock(b.UUID) {
		t.Fatal("HasBlock false for stored block")
	}
}

func TestLoadMissingBlock(t *testing.T) {
	p, _ := newTestPersistence(t)
	_, err := p.LoadBlock(uuid.New())
	kindOfOrFail(t, err, ErrNotFound)
}

func TestStoreBlockIdempotent(t *testing.T) {
	p, dir := newTestPersistence(t)
	b := storedTestBlock(t, p)
	if err := p.StoreBlock(b); err != nil {
		t.Fatalf("second store: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, blocksSubdir))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 block file, got %d", len(entries))
	}
	if len(p.IterateBlocks()) != 1 {
		t.Fatal("index counts the block more than once")
	}
}

func TestTempFileCleanupOnStartup(t *testing.T) {
	dir := t.TempDir()
	blocks := filepath.Join(dir, blocksSubdir)
	if err := os.MkdirAll(blocks, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(blocks, uuid.NewString()+tmpSuffix)
	if err := os.WriteFile(stale, []byte("interrupted"), 0o644); err != nil {
		t.Fatal(err)
	}
	staleTable := filepath.Join(dir, manifestFileName+tmpSuffix)
	if err := os.WriteFile(staleTable, []byte("torn"), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := NewPersistence(dir, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale block temp file survived startup")
	}
	if _, err := os.Stat(staleTable); !os.IsNotExist(err) {
		t.Fatal("stale manifest temp file survived startup")
	}
	if n := len(p.IterateBlocks()); n != 0 {
		t.Fatalf("temp file leaked into the block index: %d entries", n)
	}
}

func manifestFor(blocks ...*Block) *ManifestRecord {
	var link ChunkLink
	for _, b := range blocks {
		link.GroupUUID = b.GroupUUID
		link.ShardUUIDs = append(link.ShardUUIDs, b.UUID)
	}
	return &ManifestRecord{
		HeadUUID:   link.GroupUUID,
		Chain:      []ChunkLink{link},
		SizeBytes:  42,
		BlockCount: 1,
	}
}

func TestManifestStoreLoadDelete(t *testing.T) {
	p, dir := newTestPersistence(t)
	b := storedTestBlock(t, p)
	m := manifestFor(b)

	if err := p.StoreManifest("/docs/readme.txt", m); err != nil {
		t.Fatalf("store manifest: %v", err)
	}
	got, err := p.LoadManifest("/docs/readme.txt")
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if got.SizeBytes != 42 || len(got.Chain) != 1 {
		t.Fatal("manifest fields lost")
	}

	// Reload from disk in a second instance.
	p2, err := NewPersistence(dir, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := p2.LoadManifest("/docs/readme.txt"); err != nil {
		t.Fatalf("manifest not durable: %v", err)
	}
	if len(p2.ListManifests()) != 1 {
		t.Fatal("manifest table wrong after reload")
	}

	if err := p.DeleteManifest("/docs/readme.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = p.LoadManifest("/docs/readme.txt")
	kindOfOrFail(t, err, ErrNotFound)

	err = p.DeleteManifest("/docs/readme.txt")
	kindOfOrFail(t, err, ErrNotFound)
}

// A block referenced by two manifests must survive until the last reference
// is gone; then a sweep collects it.
func TestRefcountedGarbageCollection(t *testing.T) {
	p, _ := newTestPersistence(t)
	shared := storedTestBlock(t, p)

	if err := p.StoreManifest("/a", manifestFor(shared)); err != nil {
		t.Fatal(err)
	}
	if err := p.StoreManifest("/b", manifestFor(shared)); err != nil {
		t.Fatal(err)
	}

	if err := p.DeleteManifest("/a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.CollectGarbage(); n != 0 {
		t.Fatalf("block collected while still referenced (%d)", n)
	}
	if !p.HasBlock(shared.UUID) {
		t.Fatal("shared block deleted too early")
	}

	if err := p.DeleteManifest("/b"); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.CollectGarbage(); n != 1 {
		t.Fatalf("expected 1 collected block, got %d", n)
	}
	if p.HasBlock(shared.UUID) {
		t.Fatal("orphaned block survived the sweep")
	}
}

func TestManifestOverwriteAdjustsRefcounts(t *testing.T) {
	p, _ := newTestPersistence(t)
	oldBlock := storedTestBlock(t, p)
	newBlock := storedTestBlock(t, p)

	if err := p.StoreManifest("/file", manifestFor(oldBlock)); err != nil {
		t.Fatal(err)
	}
	if err := p.StoreManifest("/file", manifestFor(newBlock)); err != nil {
		t.Fatal(err)
	}

	if n, _ := p.CollectGarbage(); n != 1 {
		t.Fatalf("expected the replaced block to be collected, got %d", n)
	}
	if p.HasBlock(oldBlock.UUID) {
		t.Fatal("replaced block survived")
	}
	if !p.HasBlock(newBlock.UUID) {
		t.Fatal("current block collected")
	}
}

func TestBytesUsed(t *testing.T) {
	p, _ := newTestPersistence(t)
	if used, err := p.BytesUsed(); err != nil || used != 0 {
		t.Fatalf("fresh store reports %d bytes (%v)", used, err)
	}
	storedTestBlock(t, p)
	used, err := p.BytesUsed()
	if err != nil || used == 0 {
		t.Fatalf("expected non-zero usage, got %d (%v)", used, err)
	}
}
