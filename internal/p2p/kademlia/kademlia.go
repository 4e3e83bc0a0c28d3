// Package kademlia implements the peer routing table used for discovery,
// adapted from core/kademlia.go: 160 XOR-distance buckets over a
// SHA-256-derived 160-bit peer id, generalized to back the
// /discovery/routing_table and /discovery/bootstrap_stats endpoints named
// in spec.md §6 and SPEC_FULL.md §C.7.
package kademlia

import (
	"crypto/sha256"
	"math/big"
	"sort"
	"sync"
)

// PeerId is the node's own identity-derived string, usually a libp2p
// peer.ID rendered as a string.
type PeerId string

func hash160(data []byte) [20]byte {
	sum := sha256.Sum256(data)
	var h [20]byte
	copy(h[:], sum[:20])
	return h
}

// Table is a minimal in-memory Kademlia routing table.
type Table struct {
	self    PeerId
	buckets [160][]PeerId

	mu sync.RWMutex

	bootstrapInFlight int
	bootstrapDone     int
}

// New creates a routing table centered on self.
func New(self PeerId) *Table {
	return &Table{self: self}
}

// AddPeer inserts a peer into the appropriate distance bucket, ignoring
// duplicates and self-insertion.
func (t *Table) AddPeer(id PeerId) {
	if id == t.self {
		return
	}
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.buckets[idx] {
		if p == id {
			return
		}
	}
	t.buckets[idx] = append(t.buckets[idx], id)
}

// RemovePeer drops a peer from its bucket, called on disconnect.
func (t *Table) RemovePeer(id PeerId) {
	idx := t.bucketIndex(id)
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.buckets[idx]
	for i, p := range list {
		if p == id {
			t.buckets[idx] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Nearest returns up to count peer ids with XOR distance closest to target.
func (t *Table) Nearest(target PeerId, count int) []PeerId {
	idx := t.bucketIndex(target)
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]PeerId, 0, count)
	for i := idx; i < len(t.buckets) && len(peers) < count*4; i++ {
		peers = append(peers, t.buckets[i]...)
	}
	sort.Slice(peers, func(i, j int) bool {
		return t.distance(peers[i], target).Cmp(t.distance(peers[j], target)) < 0
	})
	if len(peers) > count {
		peers = peers[:count]
	}
	return peers
}

func (t *Table) bucketIndex(id PeerId) int {
	diff := t.xor(id)
	bn := new(big.Int).SetBytes(diff[:])
	if bn.Sign() == 0 {
		return 159
	}
	return 159 - bn.BitLen() + 1
}

func (t *Table) xor(id PeerId) [20]byte {
	a := hash160([]byte(t.self))
	b := hash160([]byte(id))
	var diff [20]byte
	for i := range diff {
		diff[i] = a[i] ^ b[i]
	}
	return diff
}

func (t *Table) distance(a, b PeerId) *big.Int {
	ah := hash160([]byte(a))
	bh := hash160([]byte(b))
	var diff [20]byte
	for i := range diff {
		diff[i] = ah[i] ^ bh[i]
	}
	return new(big.Int).SetBytes(diff[:])
}

// RoutingTableSnapshot is the shape returned by /discovery/routing_table.
type RoutingTableSnapshot struct {
	Self          PeerId           `json:"self"`
	BucketCounts  [160]int         `json:"bucket_counts"`
	TotalPeers    int              `json:"total_peers"`
}

// Snapshot returns a read-only view of current bucket occupancy.
func (t *Table) Snapshot() RoutingTableSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var snap RoutingTableSnapshot
	snap.Self = t.self
	total := 0
	for i, b := range t.buckets {
		snap.BucketCounts[i] = len(b)
		total += len(b)
	}
	snap.TotalPeers = total
	return snap
}

// BootstrapStats is the shape returned by /discovery/bootstrap_stats.
type BootstrapStats struct {
	InFlightQueries  int `json:"in_flight_queries"`
	CompletedQueries int `json:"completed_queries"`
}

// RecordQueryStart marks one FIND_NODE query as in flight.
func (t *Table) RecordQueryStart() {
	t.mu.Lock()
	t.bootstrapInFlight++
	t.mu.Unlock()
}

// RecordQueryDone marks one FIND_NODE query as completed.
func (t *Table) RecordQueryDone() {
	t.mu.Lock()
	t.bootstrapInFlight--
	t.bootstrapDone++
	t.mu.Unlock()
}

// Stats returns the current bootstrap query counters.
func (t *Table) Stats() BootstrapStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return BootstrapStats{InFlightQueries: t.bootstrapInFlight, CompletedQueries: t.bootstrapDone}
}
