package core

// replication.go drives block replication: after a block is produced,
// STORE it on the R closest peers to its uuid; each recipient publishes
// itself as a provider and periodically republishes until the provider
// record would otherwise expire. Replication is per-peer unicast rather
// than pubsub broadcast since it targets a specific closest-R set.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// blockAnnounceTopic carries gossip announcements of freshly replicated
// block uuids; listeners record the announcer as a provider.
// manifestAnnounceTopic carries whole manifests so peers can list and fetch
// files they did not write themselves.
const (
	blockAnnounceTopic    = "meshvault-blocks/1.0.0"
	manifestAnnounceTopic = "meshvault-manifests/1.0.0"
)

type manifestAnnouncement struct {
	Path     string          `json:"path"`
	Manifest *ManifestRecord `json:"manifest"`
}

// Replicator drives block replication, gossip announcements and periodic
// provider republish.
type Replicator struct {
	node *Node
	log  *logrus.Logger
	r    int

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReplicator builds a Replicator issuing STORE to the R closest peers
// to a block's uuid (default R=6).
func NewReplicator(node *Node, log *logrus.Logger) *Replicator {
	r := node.cfg.Network.ReplicationR
	if r <= 0 {
		r = 6
	}
	return &Replicator{node: node, log: log, r: r, stopCh: make(chan struct{})}
}

// Replicate issues STORE for blk against the R peers closest to its uuid,
// tracking which succeeded, registers the local node as a provider, and
// announces the block on the gossip topic.
func (rep *Replicator) Replicate(ctx context.Context, blk *Block) (succeeded int) {
	rep.node.providers.AddProvider(blk.UUID, rep.node.ID())
	if err := rep.node.Broadcast(blockAnnounceTopic, blk.UUID[:]); err != nil {
		rep.log.Debugf("announce %s: %v", blk.UUID, err)
	}

	target := NodeID(blk.UUID.String())
	peers := rep.node.routing.Nearest(target, rep.r)
	if len(peers) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, p := range peers {
		wg.Add(1)
		go func(peerID NodeID) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, rep.node.cfg.Network.RPCTimeout)
			defer cancel()
			if err := rep.node.StoreOnPeer(rctx, peerID, blk); err != nil {
				rep.log.Debugf("replicate to %s failed: %v", peerID, err)
				rep.node.routing.Strike(peerID)
				return
			}
			rep.node.providers.AddProvider(blk.UUID, peerID)
			mu.Lock()
			succeeded++
			mu.Unlock()
		}(p)
	}
	wg.Wait()
	return succeeded
}

// RunRepublishLoop periodically re-announces every block this node
// provides and sweeps expired provider records, until Stop is called.
func (rep *Replicator) RunRepublishLoop(blockIDs func() []uuid.UUID) {
	interval := rep.node.cfg.Network.ProvideRepublish
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rep.node.providers.Sweep()
			for _, id := range blockIDs() {
				if rep.node.providers.NeedsRepublish(id, rep.node.ID()) {
					rep.node.providers.AddProvider(id, rep.node.ID())
					if err := rep.node.Broadcast(blockAnnounceTopic, id[:]); err != nil {
						rep.log.Debugf("republish %s: %v", id, err)
					}
				}
			}
		case <-rep.stopCh:
			return
		case <-rep.node.ctx.Done():
			return
		}
	}
}

// RunAnnounceLoop consumes gossip block announcements and records each
// announcer as a provider for the announced uuid, until Stop is called.
func (rep *Replicator) RunAnnounceLoop() {
	ch, err := rep.node.Subscribe(blockAnnounceTopic)
	if err != nil {
		rep.log.Warnf("subscribe %s: %v", blockAnnounceTopic, err)
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			id, err := uuid.FromBytes(msg.Data)
			if err != nil {
				continue
			}
			if msg.From == rep.node.ID() {
				continue
			}
			rep.node.providers.AddProvider(id, msg.From)
		case <-rep.stopCh:
			return
		case <-rep.node.ctx.Done():
			return
		}
	}
}

// AnnounceManifest publishes a file's manifest on the gossip topic so other
// peers can list the file and resolve its chain.
func (rep *Replicator) AnnounceManifest(path string, m *ManifestRecord) {
	data, err := json.Marshal(manifestAnnouncement{Path: path, Manifest: m})
	if err != nil {
		return
	}
	if err := rep.node.Broadcast(manifestAnnounceTopic, data); err != nil {
		rep.log.Debugf("announce manifest %s: %v", path, err)
	}
}

// RunManifestSyncLoop applies manifests announced by other peers to the
// local table, newest modification wins, until Stop is called. Blocks named
// by a synced manifest are fetched lazily on first read.
func (rep *Replicator) RunManifestSyncLoop(persistence *Persistence) {
	ch, err := rep.node.Subscribe(manifestAnnounceTopic)
	if err != nil {
		rep.log.Warnf("subscribe %s: %v", manifestAnnounceTopic, err)
		return
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.From == rep.node.ID() {
				continue
			}
			var ann manifestAnnouncement
			if err := json.Unmarshal(msg.Data, &ann); err != nil || ann.Manifest == nil {
				continue
			}
			if err := validatePath(ann.Path); err != nil {
				continue
			}
			if existing, err := persistence.LoadManifest(ann.Path); err == nil && existing.ModifiedAt >= ann.Manifest.ModifiedAt {
				continue
			}
			if err := persistence.StoreManifest(ann.Path, ann.Manifest); err != nil {
				rep.log.Warnf("sync manifest %s: %v", ann.Path, err)
				continue
			}
			rep.log.Infof("synced manifest %s from %s", ann.Path, msg.From)
		case <-rep.stopCh:
			return
		case <-rep.node.ctx.Done():
			return
		}
	}
}

// Stop ends RunRepublishLoop, RunAnnounceLoop and RunManifestSyncLoop.
func (rep *Replicator) Stop() {
	rep.stopOnce.Do(func() { close(rep.stopCh) })
}

// LocateProviders resolves candidate holders for a block: first the local
// provider table, then a PROVIDE query fanned out to the alpha nearest
// peers.
func (rep *Replicator) LocateProviders(ctx context.Context, id uuid.UUID) []NodeID {
	known := rep.node.providers.Providers(id)
	if len(known) > 0 {
		return known
	}

	alpha := rep.node.cfg.Network.Alpha
	if alpha <= 0 {
		alpha = 3
	}
	target := NodeID(id.String())
	candidates := rep.node.routing.Nearest(target, alpha)

	var mu sync.Mutex
	var found []NodeID
	var wg sync.WaitGroup
	for _, c := range candidates {
		wg.Add(1)
		go func(peerID NodeID) {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, rep.node.cfg.Network.RPCTimeout)
			defer cancel()
			providers, err := rep.node.FindProviders(rctx, peerID, id)
			if err != nil {
				return
			}
			mu.Lock()
			found = append(found, providers...)
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return dedupeNodeIDs(found)
}

func dedupeNodeIDs(ids []NodeID) []NodeID {
	seen := make(map[NodeID]struct{}, len(ids))
	out := make([]NodeID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
