package core

// persistence.go is the durability layer: on-disk storage of blocks and
// per-file manifests, atomic write-then-rename, startup iteration, and a
// refcount-based GC sweep instead of deleting blocks inline on file
// deletion. One file per block uuid under a data directory, a single
// serialized table for manifests.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

const (
	blocksSubdir     = "blocks"
	manifestFileName = "manifests.json"
	tmpSuffix        = ".tmp"
)

// ChunkLink is one logical hash-chain link: a plaintext chunk's whole shard
// fan-out (every fragment and erasure-parity Block produced for it), keyed
// by the GroupUUID every shard of the chunk shares. The hash-chain
// invariant is verified at this chunk granularity — one link per
// plaintext chunk — since every shard in a group carries the same
// previous_uuid (the prior chunk's GroupUUID) and previous_hash (the wire
// hash of the prior chunk's representative shard).
type ChunkLink struct {
	GroupUUID  uuid.UUID   `json:"group_uuid"`
	ShardUUIDs []uuid.UUID `json:"shard_uuids"`
}

// ManifestRecord is the durable form of a file manifest. Chain is the
// canonical ordered chunk-link list; HeadUUID and the previous_* fields on
// each Block are verification data, never used for traversal.
type ManifestRecord struct {
	HeadUUID    uuid.UUID   `json:"head_uuid"`
	Chain       []ChunkLink `json:"chain"`
	SizeBytes   uint64      `json:"size_bytes"`
	BlockCount  int         `json:"block_count"`
	ContentType string      `json:"content_type"`
	Extension   string      `json:"extension"`
	CreatedAt   int64       `json:"created_at"`
	ModifiedAt  int64       `json:"modified_at"`
}

// BlockUUIDs flattens every physical shard uuid across the chain, for
// refcounting and GC.
func (m *ManifestRecord) BlockUUIDs() []uuid.UUID {
	var out []uuid.UUID
	for _, link := range m.Chain {
		out = append(out, link.ShardUUIDs...)
	}
	return out
}

// Persistence owns the on-disk representation of blocks and manifests. It
// is the only component that may mutate stored bytes.
type Persistence struct {
	dataDir      string
	blocksDir    string
	log          *logrus.Logger
	zlog         *zap.Logger
	mu           sync.RWMutex // guards manifests + refcounts, held for the duration of a table write
	manifests    map[string]*ManifestRecord
	refcounts    map[uuid.UUID]int
	blockIndexMu sync.Map // uuid -> struct{}, concurrent per-key presence cache
}

// NewPersistence opens (or creates) the data directory, removes the temp
// files of writes interrupted by a prior crash, and reloads the manifest
// table and block refcounts from disk.
func NewPersistence(dataDir string, log *logrus.Logger) (*Persistence, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	blocksDir := filepath.Join(dataDir, blocksSubdir)
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, WrapErr(ErrIoError, "create blocks dir", err)
	}
	zlog, _ := zap.NewProduction()
	if zlog == nil {
		zlog = zap.NewNop()
	}

	p := &Persistence{
		dataDir:   dataDir,
		blocksDir: blocksDir,
		log:       log,
		zlog:      zlog,
		manifests: make(map[string]*ManifestRecord),
		refcounts: make(map[uuid.UUID]int),
	}

	if err := p.cleanupTemp(); err != nil {
		return nil, err
	}
	if err := p.loadManifestTable(); err != nil {
		return nil, err
	}
	p.rebuildRefcounts()

	ids, err := p.iterateBlocksOnDisk()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		p.blockIndexMu.Store(id, struct{}{})
	}

	p.log.Infof("persistence: opened %s (%d blocks, %d manifests)", dataDir, len(ids), len(p.manifests))
	return p, nil
}

// cleanupTemp removes any *.tmp files left behind by a write that was
// interrupted before its rename.
func (p *Persistence) cleanupTemp() error {
	entries, err := os.ReadDir(p.blocksDir)
	if err != nil {
		return WrapErr(ErrIoError, "read blocks dir", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == tmpSuffix {
			_ = os.Remove(filepath.Join(p.blocksDir, e.Name()))
		}
	}
	if _, err := os.Stat(p.manifestFilePath() + tmpSuffix); err == nil {
		_ = os.Remove(p.manifestFilePath() + tmpSuffix)
	}
	return nil
}

func (p *Persistence) manifestFilePath() string {
	return filepath.Join(p.dataDir, manifestFileName)
}

func (p *Persistence) blockFilePath(id uuid.UUID) string {
	return filepath.Join(p.blocksDir, id.String())
}

// atomicWrite writes data to path via write-then-rename: the temp file is
// fsynced and renamed into place so the call is atomic — either the whole
// file is visible afterward or nothing changed.
func atomicWrite(path string, data []byte) error {
	tmp := path + tmpSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return WrapErr(ErrIoError, "open temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return WrapErr(ErrIoError, "write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return WrapErr(ErrIoError, "sync temp file", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return WrapErr(ErrIoError, "close temp file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return WrapErr(ErrIoError, "rename temp file", err)
	}
	return nil
}

// StoreBlock durably writes block by its uuid. Idempotent: storing the
// same uuid twice is observationally equivalent to storing it once.
func (p *Persistence) StoreBlock(b *Block) error {
	path := p.blockFilePath(b.UUID)
	if _, ok := p.blockIndexMu.Load(b.UUID); ok {
		return nil
	}
	if err := atomicWrite(path, b.CanonicalBytes(false)); err != nil {
		return err
	}
	p.blockIndexMu.Store(b.UUID, struct{}{})
	p.zlog.Debug("stored block", zap.String("uuid", b.UUID.String()), zap.Int("bytes", len(b.Ciphertext)))
	return nil
}

// LoadBlock reads and parses a block by uuid, returning ErrNotFound if it
// isn't present.
func (p *Persistence) LoadBlock(id uuid.UUID) (*Block, error) {
	data, err := os.ReadFile(p.blockFilePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewError(ErrNotFound, fmt.Sprintf("block %s not found", id))
		}
		return nil, WrapErr(ErrIoError, "read block", err)
	}
	return ParseBlock(data)
}

// HasBlock reports whether a block is present locally without reading it.
func (p *Persistence) HasBlock(id uuid.UUID) bool {
	_, ok := p.blockIndexMu.Load(id)
	return ok
}

// DeleteBlock best-effort removes a block's on-disk file. Callers must
// check the refcount first — DeleteBlock itself performs no refcount
// bookkeeping, it is the mechanism the GC sweep uses.
func (p *Persistence) DeleteBlock(id uuid.UUID) error {
	if err := os.Remove(p.blockFilePath(id)); err != nil && !os.IsNotExist(err) {
		return WrapErr(ErrIoError, "delete block", err)
	}
	p.blockIndexMu.Delete(id)
	return nil
}

// IterateBlocks returns every uuid currently known to the local block
// index. Restartable: backed by the in-memory index populated at
// NewPersistence and updated on every StoreBlock/DeleteBlock.
func (p *Persistence) IterateBlocks() []uuid.UUID {
	var ids []uuid.UUID
	p.blockIndexMu.Range(func(k, _ interface{}) bool {
		ids = append(ids, k.(uuid.UUID))
		return true
	})
	return ids
}

func (p *Persistence) iterateBlocksOnDisk() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(p.blocksDir)
	if err != nil {
		return nil, WrapErr(ErrIoError, "read blocks dir", err)
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == tmpSuffix {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BytesUsed sums the size of every locally stored block, for VFS quota
// accounting.
func (p *Persistence) BytesUsed() (uint64, error) {
	entries, err := os.ReadDir(p.blocksDir)
	if err != nil {
		return 0, WrapErr(ErrIoError, "read blocks dir", err)
	}
	var total uint64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == tmpSuffix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += uint64(info.Size())
	}
	return total, nil
}

//---------------------------------------------------------------------
// Manifests
//---------------------------------------------------------------------

func (p *Persistence) loadManifestTable() error {
	data, err := os.ReadFile(p.manifestFilePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return WrapErr(ErrIoError, "read manifest table", err)
	}
	var table map[string]*ManifestRecord
	if err := json.Unmarshal(data, &table); err != nil {
		return WrapErr(ErrIoError, "decode manifest table", err)
	}
	p.manifests = table
	return nil
}

// rebuildRefcounts recomputes every block's refcount from the manifest
// table's block lists. Called once at startup; StoreManifest/DeleteManifest
// maintain it incrementally afterward.
func (p *Persistence) rebuildRefcounts() {
	counts := make(map[uuid.UUID]int)
	for _, m := range p.manifests {
		for _, id := range m.BlockUUIDs() {
			counts[id]++
		}
	}
	p.refcounts = counts
}

func (p *Persistence) saveManifestTableLocked() error {
	data, err := json.Marshal(p.manifests)
	if err != nil {
		return WrapErr(ErrIoError, "encode manifest table", err)
	}
	return atomicWrite(p.manifestFilePath(), data)
}

// StoreManifest atomically swaps in a new manifest for path, adjusting
// block refcounts for the old and new block lists. The table write is
// serialized under mu for the duration of the call.
func (p *Persistence) StoreManifest(path string, m *ManifestRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, hadOld := p.manifests[path]
	if hadOld {
		for _, id := range old.BlockUUIDs() {
			p.refcounts[id]--
		}
	}
	for _, id := range m.BlockUUIDs() {
		p.refcounts[id]++
	}
	p.manifests[path] = m
	if err := p.saveManifestTableLocked(); err != nil {
		// The swap never took durable effect; restore the previous entry and
		// its refcounts.
		for _, id := range m.BlockUUIDs() {
			p.refcounts[id]--
		}
		if hadOld {
			p.manifests[path] = old
			for _, id := range old.BlockUUIDs() {
				p.refcounts[id]++
			}
		} else {
			delete(p.manifests, path)
		}
		return err
	}
	return nil
}

// LoadManifest returns the manifest for path, or ErrNotFound.
func (p *Persistence) LoadManifest(path string) (*ManifestRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.manifests[path]
	if !ok {
		return nil, NewError(ErrNotFound, fmt.Sprintf("no manifest for %s", path))
	}
	return m, nil
}

// DeleteManifest removes path's manifest entry and decrements refcounts for
// its blocks. It does not delete any block itself — collection happens via
// CollectGarbage at refcount zero.
func (p *Persistence) DeleteManifest(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.manifests[path]
	if !ok {
		return NewError(ErrNotFound, fmt.Sprintf("no manifest for %s", path))
	}
	delete(p.manifests, path)
	if err := p.saveManifestTableLocked(); err != nil {
		p.manifests[path] = m
		return err
	}
	for _, id := range m.BlockUUIDs() {
		p.refcounts[id]--
	}
	return nil
}

// ListManifests returns every (path, manifest) pair currently known.
func (p *Persistence) ListManifests() map[string]*ManifestRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]*ManifestRecord, len(p.manifests))
	for k, v := range p.manifests {
		out[k] = v
	}
	return out
}

// CollectGarbage deletes every locally stored block whose refcount has
// dropped to zero or below. It is a sweep, not an inline deletion triggered
// by DeleteManifest, so a block shared by several files survives until the
// last reference goes.
func (p *Persistence) CollectGarbage() (int, error) {
	p.mu.Lock()
	var dead []uuid.UUID
	for id, n := range p.refcounts {
		if n <= 0 {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(p.refcounts, id)
	}
	p.mu.Unlock()

	collected := 0
	for _, id := range dead {
		if !p.HasBlock(id) {
			continue
		}
		if err := p.DeleteBlock(id); err != nil {
			p.log.Warnf("gc: delete block %s: %v", id, err)
			continue
		}
		collected++
	}
	if collected > 0 {
		p.log.Infof("gc: collected %d orphaned blocks", collected)
	}
	return collected, nil
}
