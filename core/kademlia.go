package core

// kademlia.go holds the DHT routing and provider tables: a 256-bit peer-id
// k-bucket routing table with a configurable bucket size k (default 20),
// and a provider table kept entirely separate. Peers are keyed by id in one
// table, providers keyed by block uuid in another, and every
// cross-reference is by id, never by direct pointer, so neither table can
// form a reference cycle and eviction never has to chase pointers.

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const kademliaKeyBits = 256

func idHash(id NodeID) [32]byte {
	return sha256.Sum256([]byte(id))
}

// RoutingTable is a Kademlia-style k-bucket table keyed by the local node's
// 256-bit id.
type RoutingTable struct {
	self       NodeID
	bucketSize int
	mu         sync.RWMutex
	buckets    [kademliaKeyBits][]NodeID
	strikes    map[NodeID]int
	maxStrikes int
}

// NewRoutingTable creates a routing table for self with the given bucket
// size and eviction strike threshold.
func NewRoutingTable(self NodeID, bucketSize, maxStrikes int) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = 20
	}
	if maxStrikes <= 0 {
		maxStrikes = 5
	}
	return &RoutingTable{
		self:       self,
		bucketSize: bucketSize,
		strikes:    make(map[NodeID]int),
		maxStrikes: maxStrikes,
	}
}

// AddPeer inserts id into its bucket, dropping self-entries. Returns false
// if id was a self-reference or the bucket was full.
func (rt *RoutingTable) AddPeer(id NodeID) bool {
	if id == rt.self {
		return false
	}
	idx := rt.bucketIndex(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for _, p := range bucket {
		if p == id {
			return true
		}
	}
	if len(bucket) >= rt.bucketSize {
		return false
	}
	rt.buckets[idx] = append(bucket, id)
	delete(rt.strikes, id)
	return true
}

// RemovePeer drops id from the table unconditionally.
func (rt *RoutingTable) RemovePeer(id NodeID) {
	idx := rt.bucketIndex(id)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	bucket := rt.buckets[idx]
	for i, p := range bucket {
		if p == id {
			rt.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	delete(rt.strikes, id)
}

// Strike records a dial/RPC failure against id and evicts it once it crosses
// the configured strike count.
func (rt *RoutingTable) Strike(id NodeID) (evicted bool) {
	rt.mu.Lock()
	rt.strikes[id]++
	n := rt.strikes[id]
	rt.mu.Unlock()
	if n >= rt.maxStrikes {
		rt.RemovePeer(id)
		return true
	}
	return false
}

// Contains reports whether id is currently present in the table.
func (rt *RoutingTable) Contains(id NodeID) bool {
	idx := rt.bucketIndex(id)
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	for _, p := range rt.buckets[idx] {
		if p == id {
			return true
		}
	}
	return false
}

// Nearest returns up to count peer ids ordered by ascending XOR distance to
// target, for iterative lookups.
func (rt *RoutingTable) Nearest(target NodeID, count int) []NodeID {
	rt.mu.RLock()
	all := make([]NodeID, 0)
	for _, bucket := range rt.buckets {
		all = append(all, bucket...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return xorDistance(all[i], target).Cmp(xorDistance(all[j], target)) < 0
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size returns the total number of peers across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b)
	}
	return n
}

func (rt *RoutingTable) bucketIndex(id NodeID) int {
	d := xorDistance(rt.self, id)
	if d.Sign() == 0 {
		return kademliaKeyBits - 1
	}
	idx := kademliaKeyBits - d.BitLen()
	if idx < 0 {
		idx = 0
	}
	if idx >= kademliaKeyBits {
		idx = kademliaKeyBits - 1
	}
	return idx
}

func xorDistance(a, b NodeID) *big.Int {
	ah := idHash(a)
	bh := idHash(b)
	var diff [32]byte
	for i := range diff {
		diff[i] = ah[i] ^ bh[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

//---------------------------------------------------------------------
// Provider table
//---------------------------------------------------------------------

type providerEntry struct {
	peers map[NodeID]time.Time // last (re)publish time, last-writer-wins per (uuid, peer)
}

// ProviderTable tracks, for each block uuid, which peer ids have announced
// themselves as providers and when. Entries expire after provideExpiry
// without a republish.
type ProviderTable struct {
	mu              sync.RWMutex
	entries         map[uuid.UUID]*providerEntry
	provideExpiry   time.Duration
	republishPeriod time.Duration
}

// NewProviderTable creates a provider table with the given republish
// interval and expiry window.
func NewProviderTable(republishPeriod, provideExpiry time.Duration) *ProviderTable {
	return &ProviderTable{
		entries:         make(map[uuid.UUID]*providerEntry),
		provideExpiry:   provideExpiry,
		republishPeriod: republishPeriod,
	}
}

// AddProvider records peer as a provider for id, last-writer-wins on
// (id, peer).
func (pt *ProviderTable) AddProvider(id uuid.UUID, peer NodeID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[id]
	if !ok {
		e = &providerEntry{peers: make(map[NodeID]time.Time)}
		pt.entries[id] = e
	}
	e.peers[peer] = time.Now()
}

// Providers returns the peer ids currently known to provide id, excluding
// any entries that expired without a republish.
func (pt *ProviderTable) Providers(id uuid.UUID) []NodeID {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, ok := pt.entries[id]
	if !ok {
		return nil
	}
	cutoff := time.Now().Add(-pt.provideExpiry)
	var out []NodeID
	for peer, at := range e.peers {
		if at.After(cutoff) {
			out = append(out, peer)
		}
	}
	return out
}

// Sweep drops expired provider records and returns how many were removed.
func (pt *ProviderTable) Sweep() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	cutoff := time.Now().Add(-pt.provideExpiry)
	removed := 0
	for id, e := range pt.entries {
		for peer, at := range e.peers {
			if at.Before(cutoff) {
				delete(e.peers, peer)
				removed++
			}
		}
		if len(e.peers) == 0 {
			delete(pt.entries, id)
		}
	}
	return removed
}

// NeedsRepublish reports whether self's own provider record for id is due
// for a periodic republish.
func (pt *ProviderTable) NeedsRepublish(id uuid.UUID, self NodeID) bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	e, ok := pt.entries[id]
	if !ok {
		return true
	}
	at, ok := e.peers[self]
	if !ok {
		return true
	}
	return time.Since(at) >= pt.republishPeriod
}
