package state

import (
	"fmt"

	"mina-core/internal/action"
	"mina-core/internal/p2p"
	"mina-core/internal/snarkpool"
	"mina-core/internal/syncengine"
	"mina-core/internal/txpool"
)

// DebugChecks enables fail-fast substate ownership assertions. Reducers
// may only mutate the substate they own; crossing that line is a
// programming bug, caught here in debug builds rather than silently
// corrupting state.
var DebugChecks = true

// Substate is the handle a reducer receives: mutable access to its owned
// substate, read access to the rest of the State, and nothing else. The
// Store constructs one per dispatch, bound to the action's owning kind.
type Substate struct {
	st    *State
	owner action.Kind
}

// NewSubstate binds a handle to the owning subsystem kind.
func NewSubstate(st *State, owner action.Kind) Substate {
	return Substate{st: st, owner: owner}
}

func (s Substate) assertOwner(k action.Kind) {
	if DebugChecks && s.owner != k {
		panic(fmt.Sprintf("state: reducer for %q mutating substate owned by %q", s.owner, k))
	}
}

// State exposes the whole state read-only. Mutating through this is the
// bug the owned accessors exist to prevent; it is not enforceable by the
// type system in Go, so the convention is backed by the owned accessors'
// assertions and review.
func (s Substate) State() *State { return s.st }

// P2p grants mutable access to the p2p substate.
func (s Substate) P2p() *p2p.P2pState {
	s.assertOwner(action.KindP2p)
	return s.st.P2p
}

// TransitionFrontier grants mutable access to the sync substate.
func (s Substate) TransitionFrontier() *syncengine.SyncState {
	s.assertOwner(action.KindTransitionFrontier)
	return s.st.TransitionFrontierS
}

// TxPool grants mutable access to the transaction pool.
func (s Substate) TxPool() *txpool.Pool {
	s.assertOwner(action.KindTransactionPool)
	return s.st.TransactionPool
}

// SnarkPool grants mutable access to the snark pool.
func (s Substate) SnarkPool() *snarkpool.Pool {
	s.assertOwner(action.KindSnarkPool)
	return s.st.SnarkPoolS
}

// Ledger grants mutable access to the ledger handle substate.
func (s Substate) Ledger() *LedgerState {
	s.assertOwner(action.KindLedger)
	return &s.st.Ledger
}

// Rpc grants mutable access to the rpc substate.
func (s Substate) Rpc() *RpcState {
	s.assertOwner(action.KindRpc)
	return &s.st.Rpc
}
