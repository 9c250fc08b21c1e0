package core

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRoutingTableRejectsSelf(t *testing.T) {
	rt := NewRoutingTable("self-peer", 20, 3)
	if rt.AddPeer("self-peer") {
		t.Fatal("routing table accepted its own id")
	}
	if rt.Size() != 0 {
		t.Fatal("self entry leaked into a bucket")
	}
}

func TestRoutingTableAddRemove(t *testing.T) {
	rt := NewRoutingTable("self-peer", 20, 3)
	if !rt.AddPeer("peer-a") {
		t.Fatal("add failed")
	}
	if !rt.AddPeer("peer-a") {
		t.Fatal("re-adding an existing peer must succeed")
	}
	if rt.Size() != 1 {
		t.Fatalf("expected size 1, got %d", rt.Size())
	}
	if !rt.Contains("peer-a") {
		t.Fatal("Contains false for present peer")
	}
	rt.RemovePeer("peer-a")
	if rt.Contains("peer-a") || rt.Size() != 0 {
		t.Fatal("peer survived removal")
	}
}

func TestRoutingTableStrikeEviction(t *testing.T) {
	rt := NewRoutingTable("self-peer", 20, 3)
	rt.AddPeer("flaky")

	if rt.Strike("flaky") {
		t.Fatal("evicted on first strike")
	}
	if rt.Strike("flaky") {
		t.Fatal("evicted on second strike")
	}
	if !rt.Strike("flaky") {
		t.Fatal("not evicted at the strike limit")
	}
	if rt.Contains("flaky") {
		t.Fatal("struck-out peer still present")
	}

	// A successful re-add clears the strike count.
	rt.AddPeer("flaky")
	if rt.Strike("flaky") {
		t.Fatal("strike count not reset after re-add")
	}
}

func TestNearestOrdering(t *testing.T) {
	rt := NewRoutingTable("self-peer", 20, 3)
	for i := 0; i < 30; i++ {
		rt.AddPeer(NodeID(fmt.Sprintf("peer-%d", i)))
	}

	target := NodeID("lookup-target")
	nearest := rt.Nearest(target, 8)
	if len(nearest) != 8 {
		t.Fatalf("expected 8 results, got %d", len(nearest))
	}
	for i := 1; i < len(nearest); i++ {
		if xorDistance(nearest[i-1], target).Cmp(xorDistance(nearest[i], target)) > 0 {
			t.Fatal("results not ordered by ascending XOR distance")
		}
	}
}

func TestBucketCapacity(t *testing.T) {
	rt := NewRoutingTable("self-peer", 2, 3)
	added := 0
	for i := 0; i < 200; i++ {
		if rt.AddPeer(NodeID(fmt.Sprintf("peer-%d", i))) {
			added++
		}
	}
	if added == 200 {
		t.Fatal("no bucket ever filled at size 2")
	}
	for _, bucket := range rt.buckets {
		if len(bucket) > 2 {
			t.Fatalf("bucket exceeded capacity: %d", len(bucket))
		}
	}
}

func TestProviderTable(t *testing.T) {
	pt := NewProviderTable(time.Hour, 24*time.Hour)
	id := uuid.New()

	pt.AddProvider(id, "peer-a")
	pt.AddProvider(id, "peer-b")
	pt.AddProvider(id, "peer-a") // last-writer-wins, no duplicate

	providers := pt.Providers(id)
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}
	if got := pt.Providers(uuid.New()); got != nil {
		t.Fatal("unknown key returned providers")
	}
}

func TestProviderExpiry(t *testing.T) {
	pt := NewProviderTable(5*time.Millisecond, 20*time.Millisecond)
	id := uuid.New()
	pt.AddProvider(id, "peer-a")

	time.Sleep(30 * time.Millisecond)
	if got := pt.Providers(id); len(got) != 0 {
		t.Fatalf("expired provider still served: %v", got)
	}
	if removed := pt.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d records, expected 1", removed)
	}
}

func TestNeedsRepublish(t *testing.T) {
	pt := NewProviderTable(10*time.Millisecond, time.Hour)
	id := uuid.New()

	if !pt.NeedsRepublish(id, "self") {
		t.Fatal("unknown record must need publishing")
	}
	pt.AddProvider(id, "self")
	if pt.NeedsRepublish(id, "self") {
		t.Fatal("fresh record must not need republishing")
	}
	time.Sleep(15 * time.Millisecond)
	if !pt.NeedsRepublish(id, "self") {
		t.Fatal("stale record must need republishing")
	}
}
