package syncengine

import (
	"fmt"
	"time"

	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
)

// emptyHashes is shared across ledger syncs; empty-subtree hashes depend
// only on the tree depth.
var emptyHashes = ledger.NewHashesMatrix(64, 16)

// ReconstructNumAccountsRoot places contentsHash at the subtree height
// covering count leaves and fills the remainder of the tree with
// empty-subtree hashes, returning the implied root (spec.md §4.4.1).
func ReconstructNumAccountsRoot(count uint64, contentsHash [32]byte, depth int) [32]byte {
	h := ledger.TreeHeightForNumAccounts(count, depth)
	root := contentsHash
	for height := h; height < depth; height++ {
		root = ledger.HashNode(root, emptyHashes.EmptyHashAtHeight(height))
	}
	return root
}

// CheckNumAccounts applies the acceptance rule: the response is accepted
// iff the reconstructed root equals the target snarked-ledger hash.
func CheckNumAccounts(count uint64, contentsHash [32]byte, target [32]byte, depth int) bool {
	return ReconstructNumAccountsRoot(count, contentsHash, depth) == target
}

// acceptNumAccounts transitions the ledger sync into the Merkle phase,
// seeding the queue with the single address at depth D - h and the
// contents hash as its expected value.
func (ls *LedgerSync) acceptNumAccounts(count uint64, contentsHash [32]byte, depth int) {
	ls.Count = count
	ls.ContentsHash = contentsHash
	ls.Phase = LedgerNumAccountsSuccess

	h := ledger.TreeHeightForNumAccounts(count, depth)
	seed := ledger.RootAddress()
	for i := 0; i < depth-h; i++ {
		seed = seed.ChildLeft()
	}
	ls.Queue = []QueueEntry{{Addr: seed, Expected: contentsHash}}
	ls.Phase = LedgerMerkleTreeSyncPending
}

// retryEligible reports whether a pending address may be re-issued: every
// recorded attempt is an Error older than the backoff, or no peer is
// currently pending on it (spec.md §4.4.1 retry policy).
func (p *PendingAddress) retryEligible(now time.Time, backoff time.Duration) bool {
	anyPending := false
	allErroredOld := len(p.Attempts) > 0
	for _, a := range p.Attempts {
		switch a.Status {
		case AttemptPending:
			anyPending = true
			allErroredOld = false
		case AttemptError:
			if now.Sub(a.Since) < backoff {
				allErroredOld = false
			}
		default:
			allErroredOld = false
		}
	}
	return allErroredOld || !anyPending
}

// peerTried reports whether peer already has a recorded attempt.
func (p *PendingAddress) peerTried(peer p2p.PeerId) bool {
	_, ok := p.Attempts[peer]
	return ok
}

// peersQueryLedger issues at most one RPC per available peer: a retry
// address when one is eligible, else the next queued address. Intents are
// appended to the engine's pending-request queue.
func (s *SyncState) peersQueryLedger(ls *LedgerSync, kind LedgerKind, peers []p2p.PeerId, now time.Time) {
	for _, peer := range peers {
		if s.peerHasPendingQuery(ls, peer) {
			continue
		}
		if pa := s.pickRetryAddress(ls, peer, now); pa != nil {
			s.issueAddressQuery(ls, kind, peer, pa.Addr, pa.Expected, now)
			continue
		}
		if len(ls.Queue) == 0 {
			continue
		}
		entry := ls.Queue[0]
		ls.Queue = ls.Queue[1:]
		pa := &PendingAddress{Addr: entry.Addr, Expected: entry.Expected, Attempts: make(map[p2p.PeerId]*Attempt)}
		ls.Pending[entry.Addr.Key()] = pa
		s.issueAddressQuery(ls, kind, peer, entry.Addr, entry.Expected, now)
	}
}

func (s *SyncState) peerHasPendingQuery(ls *LedgerSync, peer p2p.PeerId) bool {
	for _, pa := range ls.Pending {
		if a, ok := pa.Attempts[peer]; ok && a.Status == AttemptPending {
			return true
		}
	}
	return false
}

func (s *SyncState) pickRetryAddress(ls *LedgerSync, peer p2p.PeerId, now time.Time) *PendingAddress {
	for _, pa := range ls.Pending {
		if pa.retryEligible(now, s.RetryBackoff) && !pa.peerTried(peer) {
			return pa
		}
	}
	return nil
}

func (s *SyncState) issueAddressQuery(ls *LedgerSync, kind LedgerKind, peer p2p.PeerId, addr ledger.Address, expected [32]byte, now time.Time) {
	rpcId := s.NextRpcId()
	pa := ls.Pending[addr.Key()]
	pa.Attempts[peer] = &Attempt{Status: AttemptPending, RpcId: rpcId, Since: now}

	qk := QueryChildHashes
	if addr.Length() >= ledger.Depth-ledger.AccountSubtreeHeight {
		qk = QueryChildContents
	}
	s.PendingRequests = append(s.PendingRequests, PeerQuery{
		Peer: peer, Kind: qk, Ledger: kind, Addr: addr, Hash: expected, RpcId: rpcId,
	})
}

// onChildHashes validates a WhatChildHashes response for addr and, on
// acceptance, enqueues each non-empty child whose hash is not already
// known at that position.
func (s *SyncState) onChildHashes(ls *LedgerSync, addr ledger.Address, peer p2p.PeerId, left, right [32]byte, known func(ledger.Address) ([32]byte, bool)) error {
	pa, ok := ls.Pending[addr.Key()]
	if !ok {
		return fmt.Errorf("syncengine: child hashes for unqueried address %s", addr)
	}
	if ledger.HashNode(left, right) != pa.Expected {
		if a, ok := pa.Attempts[peer]; ok {
			a.Status = AttemptError
			a.Error = "child_hashes_rejected"
		}
		return fmt.Errorf("syncengine: child hashes of %s do not hash to expected value", addr)
	}
	if a, ok := pa.Attempts[peer]; ok {
		a.Status = AttemptSuccess
	}
	delete(ls.Pending, addr.Key())

	childHeight := ledger.Depth - addr.Length() - 1
	empty := emptyHashes.EmptyHashAtHeight(childHeight)
	for _, child := range []struct {
		addr ledger.Address
		hash [32]byte
	}{
		{addr.ChildLeft(), left},
		{addr.ChildRight(), right},
	} {
		if child.hash == empty {
			continue
		}
		if known != nil {
			if prev, ok := known(child.addr); ok && prev == child.hash {
				continue
			}
		}
		ls.Queue = append(ls.Queue, QueueEntry{Addr: child.addr, Expected: child.hash})
	}
	s.maybeFinishMerkle(ls)
	return nil
}

// RehashSubtree folds a contiguous account list into the root hash of a
// full subtree of the given height, padding with empty leaves.
func RehashSubtree(accounts []*ledger.Account, height int) [32]byte {
	width := 1 << uint(height)
	level := make([][32]byte, width)
	for i := range level {
		if i < len(accounts) {
			level[i] = accounts[i].Hash()
		} else {
			level[i] = emptyHashes.EmptyHashAtHeight(0)
		}
	}
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := range next {
			next[i] = ledger.HashNode(level[2*i], level[2*i+1])
		}
		level = next
	}
	return level[0]
}

// onChildAccounts validates a WhatContents response against the expected
// subtree hash and, on acceptance, reports the accounts for installation.
func (s *SyncState) onChildAccounts(ls *LedgerSync, addr ledger.Address, peer p2p.PeerId, accounts []*ledger.Account) error {
	pa, ok := ls.Pending[addr.Key()]
	if !ok {
		return fmt.Errorf("syncengine: child accounts for unqueried address %s", addr)
	}
	height := ledger.Depth - addr.Length()
	if RehashSubtree(accounts, height) != pa.Expected {
		if a, ok := pa.Attempts[peer]; ok {
			a.Status = AttemptError
			a.Error = "child_accounts_rejected"
		}
		return fmt.Errorf("syncengine: accounts at %s do not hash to expected subtree root", addr)
	}
	if a, ok := pa.Attempts[peer]; ok {
		a.Status = AttemptSuccess
	}
	delete(ls.Pending, addr.Key())
	ls.SyncedAccountsCount += len(accounts)
	s.maybeFinishMerkle(ls)
	return nil
}

// maybeFinishMerkle terminates the Merkle phase once both the queue and
// the pending set are empty.
func (s *SyncState) maybeFinishMerkle(ls *LedgerSync) {
	if ls.Phase == LedgerMerkleTreeSyncPending && len(ls.Queue) == 0 && len(ls.Pending) == 0 {
		ls.Phase = LedgerMerkleTreeSyncSuccess
		ls.Phase = LedgerSuccess
	}
}

// onPeerError records a query failure (timeout, disconnect, rejection) so
// the address becomes retry-eligible after the backoff. Matching by rpc id
// keeps a late error from clobbering a newer attempt.
func (s *SyncState) onPeerError(ls *LedgerSync, peer p2p.PeerId, rpcId uint64, errText string, now time.Time) {
	for _, pa := range ls.Pending {
		if a, ok := pa.Attempts[peer]; ok && a.RpcId == rpcId && a.Status == AttemptPending {
			a.Status = AttemptError
			a.Error = errText
			a.Since = now
			return
		}
	}
	if a, ok := ls.NumAccountsAttempts[peer]; ok && a.RpcId == rpcId && a.Status == AttemptPending {
		a.Status = AttemptError
		a.Error = errText
		a.Since = now
	}
}

// onPeerDisconnected errors every pending attempt held by peer across the
// NumAccounts map and all pending addresses (spec.md §4.3 disconnection
// cleanup).
func (s *SyncState) onPeerDisconnected(ls *LedgerSync, peer p2p.PeerId, now time.Time) {
	if a, ok := ls.NumAccountsAttempts[peer]; ok && a.Status == AttemptPending {
		a.Status = AttemptError
		a.Error = "disconnected"
		a.Since = now
	}
	for _, pa := range ls.Pending {
		if a, ok := pa.Attempts[peer]; ok && a.Status == AttemptPending {
			a.Status = AttemptError
			a.Error = "disconnected"
			a.Since = now
		}
	}
}
