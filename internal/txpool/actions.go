package txpool

import (
	"time"

	"mina-core/internal/action"
	"mina-core/internal/ledger"
)

// StateReader is the read view transaction-pool actions resolve against.
type StateReader interface {
	TxPool() *Pool
}

func poolOf(state any) *Pool {
	r, ok := state.(StateReader)
	if !ok {
		return nil
	}
	return r.TxPool()
}

// ActionApplyVerifiedDiff admits a verified command diff. The effectful
// layer snapshots the fee payers' accounts at the best tip before
// dispatching, so the reducer stays ledger-free.
type ActionApplyVerifiedDiff struct {
	Diff     []*Command
	Slot     uint64
	Accounts map[ledger.AccountId]AccountSnapshot
	Local    bool
}

func (ActionApplyVerifiedDiff) Kind() action.Kind { return action.KindTransactionPool }
func (a ActionApplyVerifiedDiff) IsEnabled(state any, _ time.Time) bool {
	return poolOf(state) != nil && len(a.Diff) > 0
}

// ActionBestTipChanged reanchors the pool at a new best tip, removing
// commands the chain committed.
type ActionBestTipChanged struct {
	BestTipHash [32]byte
	Committed   []CommandHash
}

func (ActionBestTipChanged) Kind() action.Kind { return action.KindTransactionPool }
func (ActionBestTipChanged) IsEnabled(state any, _ time.Time) bool {
	return poolOf(state) != nil
}

// Reduce is the transaction-pool reducer. The outcome of the latest diff
// application is left on the pool's LastApply field for the gossip layer's
// rebroadcast decision and the RPC frontend.
func Reduce(st StateReader, a action.Action, meta action.Meta, _ action.Dispatcher) {
	p := st.TxPool()
	switch act := a.(type) {
	case ActionApplyVerifiedDiff:
		res := p.UnsafeApply(act.Diff, act.Slot, act.Accounts, act.Local, meta.Time)
		p.LastApply = &res
	case ActionBestTipChanged:
		p.OnNewBestTip(act.BestTipHash, act.Committed, meta.Time)
	}
}
