package syncengine

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"mina-core/internal/action"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
)

// harness wires a SyncState and a P2pState behind the reader interfaces and
// routes dispatched actions to the owning reducer, mirroring the Store's
// routing for the two subsystems under test.
type harness struct {
	sync *SyncState
	ps   *p2p.P2pState
	meta action.Meta
}

func (h *harness) TransitionFrontier() *SyncState { return h.sync }
func (h *harness) P2pState() *p2p.P2pState        { return h.ps }

func (h *harness) Dispatch(a action.Action) bool {
	if !a.IsEnabled(h, h.meta.Time) {
		return false
	}
	switch a.Kind() {
	case action.KindTransitionFrontier:
		Reduce(h, a, h.meta, h)
	case action.KindP2p:
		p2p.Reduce(h.ps, a, h.meta, h)
	}
	return true
}

func newHarness(k int) *harness {
	ps := p2p.NewPending(p2p.Config{MaxPeers: 16, MaxSendQueueBytes: 1 << 20, RPCTimeout: time.Second})
	ps.MakeReady("mina:test")
	return &harness{
		sync: NewSyncState(k),
		ps:   ps,
		meta: action.Meta{Time: time.Unix(1000, 0), Kind: action.KindTransitionFrontier},
	}
}

func (h *harness) addReadyPeer(id p2p.PeerId, age time.Duration) {
	h.ps.Peers[id] = &p2p.Peer{
		ID: id, Status: p2p.PeerReady, RPCCapable: true,
		ConnAddr:    string(id) + ":8302",
		ConnectedAt: h.meta.Time.Add(-age),
	}
	h.ps.Scheduler.Connections[string(id)+":8302"] = &p2p.Connection{
		Addr: string(id) + ":8302", Peer: id, State: p2p.ConnEstablished,
	}
}

func testAccount(i byte) *ledger.Account {
	return &ledger.Account{
		PublicKey:   string([]byte{'p', 'k', i}),
		TokenId:     ledger.DefaultTokenId,
		Balance:     uint256.NewInt(uint64(i) * 100),
		Permissions: ledger.DefaultPermissions(),
	}
}

func withSmallTree(t *testing.T, depth, subtree int) {
	oldD, oldH := ledger.Depth, ledger.AccountSubtreeHeight
	ledger.Depth = depth
	ledger.AccountSubtreeHeight = subtree
	t.Cleanup(func() {
		ledger.Depth = oldD
		ledger.AccountSubtreeHeight = oldH
	})
}

func testBlock(prev [32]byte, height uint64, snarked [32]byte) *Block {
	return &Block{Header: Header{ProtocolState: ProtocolState{
		PreviousStateHash: prev,
		BodyHash:          sha256.Sum256([]byte{byte(height)}),
		BlockchainLength:  height,
		SnarkedLedgerHash: snarked,
	}}}
}

func TestNumAccountsAcceptanceLaw(t *testing.T) {
	withSmallTree(t, 4, 2)
	accounts := []*ledger.Account{testAccount(1), testAccount(2), testAccount(3)}
	contents := RehashSubtree(accounts, 2)
	target := ReconstructNumAccountsRoot(3, contents, 4)

	require.True(t, CheckNumAccounts(3, contents, target, 4))
	require.False(t, CheckNumAccounts(5, contents, target, 4), "a different count implies a different placement depth")
	other := sha256.Sum256([]byte("other"))
	require.False(t, CheckNumAccounts(3, other, target, 4))
}

// Scenario: happy Merkle sync of 3 accounts at depth 4, walking child
// hashes from the root down to a WhatContents call.
func TestHappyMerkleSyncOfThreeAccountsAtDepthFour(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(2)
	h.addReadyPeer("peer-a", time.Minute)

	accounts := []*ledger.Account{testAccount(1), testAccount(2), testAccount(3)}
	contents := RehashSubtree(accounts, 2)
	e2 := emptyHashes.EmptyHashAtHeight(2)
	e3 := emptyHashes.EmptyHashAtHeight(3)
	hl := ledger.HashNode(contents, e2)
	target := ledger.HashNode(hl, e3)

	ls := NewLedgerSync(target)
	ls.Phase = LedgerMerkleTreeSyncPending
	ls.Queue = []QueueEntry{{Addr: ledger.RootAddress(), Expected: target}}
	h.sync.Staking = ls
	h.sync.NextEpoch = NewLedgerSync([32]byte{})
	h.sync.Root = NewLedgerSync([32]byte{})
	h.sync.Phase = PhaseStakingLedgerPending

	// Root query: a WhatChildHashes RPC goes out to the only peer.
	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs := h.sync.DrainRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, QueryChildHashes, reqs[0].Kind)
	require.True(t, reqs[0].Addr.IsRoot())

	require.True(t, h.Dispatch(ActionChildHashesReceived{
		Ledger: LedgerStaking, Peer: "peer-a", RpcId: reqs[0].RpcId,
		Addr: ledger.RootAddress(), Left: hl, Right: e3,
	}))
	// Only the non-empty left child is enqueued.
	require.Len(t, ls.Queue, 1)
	require.Equal(t, ledger.RootAddress().ChildLeft().Key(), ls.Queue[0].Addr.Key())

	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs = h.sync.DrainRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, QueryChildHashes, reqs[0].Kind)

	require.True(t, h.Dispatch(ActionChildHashesReceived{
		Ledger: LedgerStaking, Peer: "peer-a", RpcId: reqs[0].RpcId,
		Addr: reqs[0].Addr, Left: contents, Right: e2,
	}))
	require.Len(t, ls.Queue, 1)

	// Depth 2 == D - ACCOUNT_SUBTREE_HEIGHT: contents are fetched whole.
	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs = h.sync.DrainRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, QueryChildContents, reqs[0].Kind)

	require.True(t, h.Dispatch(ActionChildAccountsReceived{
		Ledger: LedgerStaking, Peer: "peer-a", RpcId: reqs[0].RpcId,
		Addr: reqs[0].Addr, Accounts: accounts,
	}))

	require.Equal(t, 3, ls.SyncedAccountsCount)
	require.Equal(t, LedgerSuccess, ls.Phase)
	require.Len(t, h.sync.AccountsToInstall, 1)
	require.Equal(t, PhaseNextEpochLedgerPending, h.sync.Phase)
}

// Scenario: a rejected ChildHashes response keeps the address pending and
// a different peer retries it.
func TestChildHashesMismatchRetriesWithDifferentPeer(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(2)
	h.addReadyPeer("peer-a", 2*time.Minute)

	target := sha256.Sum256([]byte("target"))
	ls := NewLedgerSync(target)
	ls.Phase = LedgerMerkleTreeSyncPending
	ls.Queue = []QueueEntry{{Addr: ledger.RootAddress(), Expected: target}}
	h.sync.Staking = ls
	h.sync.Phase = PhaseStakingLedgerPending

	require.True(t, h.Dispatch(ActionPeersQuery{}))
	req := h.sync.DrainRequests()[0]

	bad := sha256.Sum256([]byte("bad"))
	require.True(t, h.Dispatch(ActionChildHashesReceived{
		Ledger: LedgerStaking, Peer: "peer-a", RpcId: req.RpcId,
		Addr: ledger.RootAddress(), Left: bad, Right: bad,
	}))
	require.Len(t, ls.Pending, 1, "rejected address stays pending")

	h.addReadyPeer("peer-b", time.Minute)
	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs := h.sync.DrainRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, p2p.PeerId("peer-b"), reqs[0].Peer)
}

// Scenario: peer disconnects mid snarked-ledger query; the address returns
// to retry-eligible and the next PeersQuery re-dispatches to another peer.
func TestPeerDisconnectMidQueryRetriesElsewhere(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(2)
	h.addReadyPeer("peer-p", 2*time.Minute)

	target := sha256.Sum256([]byte("target"))
	ls := NewLedgerSync(target)
	ls.Phase = LedgerMerkleTreeSyncPending
	ls.Queue = []QueueEntry{{Addr: ledger.RootAddress(), Expected: target}}
	h.sync.Staking = ls
	h.sync.Phase = PhaseStakingLedgerPending

	require.True(t, h.Dispatch(ActionPeersQuery{}))
	req := h.sync.DrainRequests()[0]
	require.Equal(t, p2p.PeerId("peer-p"), req.Peer)

	require.True(t, h.Dispatch(ActionPeerDisconnected{Peer: "peer-p"}))
	pa := ls.Pending[ledger.RootAddress().Key()]
	att := pa.Attempts["peer-p"]
	require.Equal(t, AttemptError, att.Status)
	require.Equal(t, "disconnected", att.Error)

	h.addReadyPeer("peer-q", time.Minute)
	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs := h.sync.DrainRequests()
	require.Len(t, reqs, 1)
	require.Equal(t, p2p.PeerId("peer-q"), reqs[0].Peer)
}

// Scenario: a NumAccounts response whose reconstructed root does not match
// the target disconnects the peer with NumAccountsRejected.
func TestNumAccountsMismatchDisconnectsPeer(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(2)
	h.addReadyPeer("peer-p", time.Minute)

	target := sha256.Sum256([]byte("target"))
	ls := NewLedgerSync(target)
	h.sync.Staking = ls
	h.sync.Phase = PhaseStakingLedgerPending

	require.True(t, h.Dispatch(ActionPeersQuery{}))
	req := h.sync.DrainRequests()[0]
	require.Equal(t, QueryNumAccounts, req.Kind)
	require.Equal(t, LedgerNumAccountsPending, ls.Phase)

	wrong := sha256.Sum256([]byte("not the contents"))
	require.True(t, h.Dispatch(ActionNumAccountsReceived{
		Ledger: LedgerStaking, Peer: "peer-p", RpcId: req.RpcId,
		Count: 3, ContentsHash: wrong,
	}))

	require.Equal(t, p2p.PeerDisconnected, h.ps.Peers["peer-p"].Status)
	require.Equal(t, LedgerNumAccountsPending, ls.Phase, "ledger stays pending for a different peer")
}

// Scenario: best-tip replace mid-block-fetch with the same snarked root
// stays in BlocksPending and retains fetched/applied work by hash.
func TestBestTipReplaceSameRootRetainsBlockWork(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(3)

	snarked := sha256.Sum256([]byte("snarked-root"))
	r := testBlock([32]byte{}, 10, snarked)
	b1 := testBlock(r.Hash(), 11, snarked)
	b2 := testBlock(b1.Hash(), 12, snarked)
	tip := testBlock(b2.Hash(), 13, snarked)

	done := func(target [32]byte) *LedgerSync {
		ls := NewLedgerSync(target)
		ls.Phase = LedgerSuccess
		return ls
	}
	h.sync.Staking = done(r.Header.ProtocolState.StakingLedgerHash)
	h.sync.NextEpoch = done(r.Header.ProtocolState.NextEpochLedgerHash)
	h.sync.Root = done(snarked)
	h.sync.Staged = &StagedFetch{Fetched: true, Reconstructed: true}
	h.sync.RootBlock = r
	h.sync.BlocksInbetween = []*Block{b1, b2}
	h.sync.BestTip = tip
	h.sync.startBlocksPhase(nil)

	// Mark R applied and T fetched; B1/B2 stay pending.
	h.sync.Chain[0].State = BlockApplySuccess
	h.sync.Chain[3].State = BlockFetchSuccess
	h.sync.Chain[3].Block = tip

	// New chain from the same root: B2' and T' replaced, B1 reused.
	b2p := testBlock(b1.Hash(), 12, snarked)
	b2p.Header.ProtocolState.BodyHash = sha256.Sum256([]byte("b2-prime"))
	tipP := testBlock(b2p.Hash(), 13, snarked)

	require.True(t, h.Dispatch(ActionBestTipUpdate{Root: r, Inbetween: []*Block{b1, b2p}, Tip: tipP}))

	require.Equal(t, PhaseBlocksPending, h.sync.Phase)
	require.Equal(t, BlockApplySuccess, h.sync.Chain[0].State, "old root's applied state is retained")
	require.Equal(t, BlockFetchPending, h.sync.Chain[2].State, "genuinely new hash refetches")
	require.Equal(t, BlockFetchPending, h.sync.Chain[3].State)
}

// Scenario: blocks apply strictly in order from the root and completion of
// the best tip finishes the phase and commits.
func TestBlocksApplySequentiallyThenCommit(t *testing.T) {
	withSmallTree(t, 4, 2)
	h := newHarness(2)
	h.addReadyPeer("peer-a", time.Minute)

	snarked := sha256.Sum256([]byte("snarked"))
	r := testBlock([32]byte{}, 1, snarked)
	b1 := testBlock(r.Hash(), 2, snarked)
	tip := testBlock(b1.Hash(), 3, snarked)

	h.sync.RootBlock = r
	h.sync.BlocksInbetween = []*Block{b1}
	h.sync.BestTip = tip
	h.sync.startBlocksPhase(nil)

	require.True(t, h.Dispatch(ActionPeersQuery{}))
	reqs := h.sync.DrainRequests()
	require.NotEmpty(t, reqs)
	require.Equal(t, QueryBlock, reqs[0].Kind)

	// Root arrives pre-fetched; apply starts there and no further apply is
	// eligible until b1 is fetched.
	require.Len(t, h.sync.ApplyQueue, 1)
	require.Equal(t, r.Hash(), h.sync.ApplyQueue[0].Hash())

	require.True(t, h.Dispatch(ActionBlockApplySuccess{Hash: r.Hash()}))
	require.True(t, h.Dispatch(ActionBlockFetchSuccess{Peer: "peer-a", Block: b1}))
	require.True(t, h.Dispatch(ActionBlockApplySuccess{Hash: b1.Hash()}))
	require.True(t, h.Dispatch(ActionBlockFetchSuccess{Peer: "peer-a", Block: tip}))
	require.True(t, h.Dispatch(ActionBlockApplySuccess{Hash: tip.Hash()}))

	require.Equal(t, PhaseBlocksSuccess, h.sync.Phase)
	require.NotNil(t, h.sync.PendingCommit)
	require.Equal(t, tip, h.sync.PendingCommit.NewBestTip)

	require.True(t, h.Dispatch(ActionCommitSuccess{}))
	require.Equal(t, PhaseSynced, h.sync.Phase)
	require.Len(t, h.sync.BestChain, 3)
}
