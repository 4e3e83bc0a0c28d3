// Package state defines the node's single source of truth: the State
// product type the Store owns, substate access handles for reducers, and
// the action-statistics ring buffer backing /stats/actions.
package state

import (
	"time"

	"mina-core/internal/action"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
	"mina-core/internal/snarkpool"
	"mina-core/internal/syncengine"
	"mina-core/internal/txpool"
)

// LedgerState holds the Store's handles into the mask stack. Masks are
// owned by the LedgerManager thread; the Store refers to them by uuid and
// never dereferences contents outside a manager request.
type LedgerState struct {
	RootMaskUUID        string
	StagedMaskUUID      string
	StakingLedgerUUID   string
	NextEpochLedgerUUID string
}

// VerifyQueueEntry tracks one in-flight verification task.
type VerifyQueueEntry struct {
	ID      uint64
	Kind    string
	Since   time.Time
	PeerRef p2p.PeerId
}

// ConsensusState is the consensus collaborator's view the reducers need.
type ConsensusState struct {
	BestTipHash [32]byte
	GlobalSlot  uint64
}

// ExternalWorkerState tracks the external SNARK worker subprocess.
type ExternalWorkerState struct {
	Running bool
	Fee     uint64
}

// BlockProducerState configures local block production.
type BlockProducerState struct {
	Enabled   bool
	PublicKey string
}

// RpcPending tracks one RPC-frontend request awaiting its reducer reply.
type RpcPending struct {
	ID    uint64
	Kind  string
	Since time.Time
}

// RpcState is the rpc substate.
type RpcState struct {
	Pending map[uint64]RpcPending
}

// State is the product of all substates (spec.md §3.1).
type State struct {
	P2p                 *p2p.P2pState
	Ledger              LedgerState
	SnarkVerify         map[uint64]VerifyQueueEntry
	Consensus           ConsensusState
	TransitionFrontierS *syncengine.SyncState
	SnarkPoolS          *snarkpool.Pool
	ExternalSnarkWorker ExternalWorkerState
	TransactionPool     *txpool.Pool
	BlockProducer       BlockProducerState
	Rpc                 RpcState
	WatchedAccounts     map[ledger.AccountId][]WatchedEvent

	LastAction          action.Meta
	AppliedActionsCount uint64

	Stats *ActionStats
}

// WatchedEvent is one observed change to a watched account.
type WatchedEvent struct {
	Time    time.Time
	Kind    string
	Balance string
}

// Config seeds a new State.
type Config struct {
	P2p       p2p.Config
	K         int
	Pool      txpool.Config
	StatsSize int
}

// New constructs the initial State from explicit configuration; there is
// no module-level state.
func New(cfg Config) *State {
	statsSize := cfg.StatsSize
	if statsSize <= 0 {
		statsSize = 2048
	}
	return &State{
		P2p:                 p2p.NewPending(cfg.P2p),
		SnarkVerify:         make(map[uint64]VerifyQueueEntry),
		TransitionFrontierS: syncengine.NewSyncState(cfg.K),
		SnarkPoolS:          snarkpool.New(),
		TransactionPool:     txpool.New(cfg.Pool),
		Rpc:                 RpcState{Pending: make(map[uint64]RpcPending)},
		WatchedAccounts:     make(map[ledger.AccountId][]WatchedEvent),
		Stats:               NewActionStats(statsSize),
	}
}

// The reader interfaces each subsystem's enabling conditions type-assert
// against (p2p.StateReader, syncengine.StateReader, ...).

func (s *State) P2pState() *p2p.P2pState                   { return s.P2p }
func (s *State) TransitionFrontier() *syncengine.SyncState { return s.TransitionFrontierS }
func (s *State) TxPool() *txpool.Pool                      { return s.TransactionPool }
func (s *State) SnarkPool() *snarkpool.Pool                { return s.SnarkPoolS }

var (
	_ p2p.StateReader        = (*State)(nil)
	_ syncengine.StateReader = (*State)(nil)
	_ txpool.StateReader     = (*State)(nil)
	_ snarkpool.StateReader  = (*State)(nil)
)
