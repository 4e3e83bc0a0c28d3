package syncengine

import (
	"time"

	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
)

// Phase orders the sync engine's top-level state machine.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStakingLedgerPending
	PhaseStakingLedgerSuccess
	PhaseNextEpochLedgerPending
	PhaseNextEpochLedgerSuccess
	PhaseRootLedgerPending
	PhaseRootLedgerSuccess
	PhaseBlocksPending
	PhaseBlocksSuccess
	PhaseSynced
)

// LedgerPhase is the nested per-snarked-ledger state machine.
type LedgerPhase int

const (
	LedgerInit LedgerPhase = iota
	LedgerNumAccountsPending
	LedgerNumAccountsSuccess
	LedgerMerkleTreeSyncPending
	LedgerMerkleTreeSyncSuccess
	LedgerSuccess
)

// AttemptStatus is the per-(address,peer) RPC attempt lifecycle.
type AttemptStatus int

const (
	AttemptInit AttemptStatus = iota
	AttemptPending
	AttemptSuccess
	AttemptError
)

// Attempt records one peer's progress against one query.
type Attempt struct {
	Status AttemptStatus
	RpcId  uint64
	Since  time.Time
	Error  string
}

// QueueEntry is one address awaiting a Merkle query with its expected hash.
type QueueEntry struct {
	Addr     ledger.Address
	Expected [32]byte
}

// PendingAddress tracks an in-flight or retry-eligible address query.
type PendingAddress struct {
	Addr     ledger.Address
	Expected [32]byte
	Attempts map[p2p.PeerId]*Attempt
}

// LedgerSync is the per-snarked-ledger sync state (staking, next-epoch, or
// root), driving the NumAccounts and Merkle phases.
type LedgerSync struct {
	Target [32]byte
	Phase  LedgerPhase

	NumAccountsAttempts map[p2p.PeerId]*Attempt
	Count               uint64
	ContentsHash        [32]byte

	Queue   []QueueEntry
	Pending map[string]*PendingAddress

	SyncedAccountsCount int
}

// NewLedgerSync starts a sync toward the given snarked-ledger hash.
func NewLedgerSync(target [32]byte) *LedgerSync {
	return &LedgerSync{
		Target:              target,
		Phase:               LedgerInit,
		NumAccountsAttempts: make(map[p2p.PeerId]*Attempt),
		Pending:             make(map[string]*PendingAddress),
	}
}

// Done reports whether this ledger reached its terminal Success phase.
func (ls *LedgerSync) Done() bool { return ls.Phase == LedgerSuccess }

// BlockState is the per-block-in-chain fetch/apply lifecycle.
type BlockState int

const (
	BlockFetchPending BlockState = iota
	BlockFetchSuccess
	BlockApplyPending
	BlockApplySuccess
)

// SyncBlock is one entry of the blocks-phase chain.
type SyncBlock struct {
	Hash     [32]byte
	State    BlockState
	Block    *Block
	Attempts map[p2p.PeerId]*Attempt
}

// StagedFetch tracks the staged-ledger parts fetch (spec.md §4.4.2).
type StagedFetch struct {
	TargetStagedHash [32]byte
	Attempts         map[p2p.PeerId]*Attempt
	Fetched          bool
	Reconstructed    bool
}

// QueryKind distinguishes the outbound sync RPCs.
type QueryKind int

const (
	QueryNumAccounts QueryKind = iota
	QueryChildHashes
	QueryChildContents
	QueryStagedLedgerParts
	QueryBlock
)

// PeerQuery is one outbound RPC intent; the effectful layer drains these
// and issues the actual p2p RPC.
type PeerQuery struct {
	Peer   p2p.PeerId
	Kind   QueryKind
	Ledger LedgerKind
	Addr   ledger.Address
	Hash   [32]byte
	RpcId  uint64
}

// LedgerKind names which snarked ledger a query belongs to.
type LedgerKind int

const (
	LedgerStaking LedgerKind = iota
	LedgerNextEpoch
	LedgerRoot
)

// InstallAccounts is a validated account batch awaiting installation into
// the target snarked ledger by the LedgerManager.
type InstallAccounts struct {
	Ledger   LedgerKind
	Addr     ledger.Address
	Accounts []*ledger.Account
}

// Commit is the single LedgerManager call ending a successful blocks phase
// (spec.md §4.4.3): reparent the mask stack onto the new root, drop masks
// not in LedgersToKeep, and update the epoch ledgers.
type Commit struct {
	LedgersToKeep            []string
	RootSnarkedLedgerUpdates map[string][32]byte
	NeededProtocolStates     [][32]byte
	NewRoot                  *Block
	NewBestTip               *Block
}

// SyncState is the transition-frontier substate owned by the Store.
type SyncState struct {
	Phase Phase

	RootBlock       *Block
	BlocksInbetween []*Block
	BestTip         *Block

	Staking   *LedgerSync
	NextEpoch *LedgerSync
	Root      *LedgerSync

	Staged *StagedFetch

	Chain     []*SyncBlock
	BestChain []*Block

	// PendingRequests is the outbound-RPC intent queue the effectful layer
	// drains; reducers only append.
	PendingRequests []PeerQuery
	// AccountsToInstall queues validated WhatContents payloads for the
	// LedgerManager to write.
	AccountsToInstall []InstallAccounts
	// ApplyQueue holds blocks handed to the LedgerManager for application.
	ApplyQueue []*Block
	// PendingCommit, when set, is the commit call awaiting the
	// LedgerManager's completion.
	PendingCommit *Commit
	nextRpcId     uint64

	// K is the frontier depth: the blocks-phase chain has length K+1.
	K int

	// RetryBackoff gates when an errored address becomes retry-eligible.
	RetryBackoff time.Duration
}

// NewSyncState creates an idle engine with the given frontier depth.
func NewSyncState(k int) *SyncState {
	return &SyncState{Phase: PhaseInit, K: k, RetryBackoff: 3 * time.Second}
}

// NextRpcId allocates a fresh rpc id for an outbound query.
func (s *SyncState) NextRpcId() uint64 {
	s.nextRpcId++
	return s.nextRpcId
}

// DrainRequests removes and returns all pending outbound query intents.
func (s *SyncState) DrainRequests() []PeerQuery {
	out := s.PendingRequests
	s.PendingRequests = nil
	return out
}

// CurrentLedger returns the ledger sync the engine is working on in its
// current phase, or nil outside the ledger phases.
func (s *SyncState) CurrentLedger() (*LedgerSync, LedgerKind) {
	switch s.Phase {
	case PhaseStakingLedgerPending:
		return s.Staking, LedgerStaking
	case PhaseNextEpochLedgerPending:
		return s.NextEpoch, LedgerNextEpoch
	case PhaseRootLedgerPending:
		return s.Root, LedgerRoot
	}
	return nil, 0
}

// bestChainBlock finds a block in the applied best chain.
func (s *SyncState) bestChainBlock(hash [32]byte) *Block {
	for _, b := range s.BestChain {
		if b.Hash() == hash {
			return b
		}
	}
	return nil
}
