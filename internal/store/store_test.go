package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/action"
	"mina-core/internal/state"
)

// setRootMask is a minimal ledger-kind action for exercising dispatch
// semantics: enabled only when it would change the substate.
type setRootMask struct{ UUID string }

func (setRootMask) Kind() action.Kind { return action.KindLedger }
func (a setRootMask) IsEnabled(st any, _ time.Time) bool {
	s, ok := st.(*state.State)
	return ok && s.Ledger.RootMaskUUID != a.UUID
}

// chainMask additionally dispatches a follow-up, exercising the FIFO
// drain.
type chainMask struct{ First, Then string }

func (chainMask) Kind() action.Kind              { return action.KindLedger }
func (chainMask) IsEnabled(any, time.Time) bool  { return true }

func newTestStore(clock Clock) *Store {
	st := state.New(state.Config{K: 2})
	s := New(st, clock)
	s.Register(action.KindLedger, func(sub state.Substate, a action.Action, meta action.Meta, d action.Dispatcher) {
		switch act := a.(type) {
		case setRootMask:
			sub.Ledger().RootMaskUUID = act.UUID
		case chainMask:
			sub.Ledger().RootMaskUUID = act.First
			d.Dispatch(setRootMask{UUID: act.Then})
		}
	})
	return s
}

func stepClock(start time.Time, step time.Duration) Clock {
	t := start
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func TestDispatchAppliesEnabledAction(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	require.True(t, s.Dispatch(setRootMask{UUID: "m1"}))
	require.Equal(t, "m1", s.State().Ledger.RootMaskUUID)
	require.Equal(t, uint64(1), s.State().AppliedActionsCount)
}

func TestDisabledActionLeavesStateUnchanged(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	require.True(t, s.Dispatch(setRootMask{UUID: "m1"}))
	before := *s.State()

	// Same UUID again: the enabling condition rejects it.
	require.False(t, s.Dispatch(setRootMask{UUID: "m1"}))
	require.Equal(t, before.AppliedActionsCount, s.State().AppliedActionsCount)
	require.Equal(t, before.LastAction, s.State().LastAction)
	require.Equal(t, "m1", s.State().Ledger.RootMaskUUID)
}

func TestFollowUpActionsDrainFifoAfterReducer(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	require.True(t, s.Dispatch(chainMask{First: "m1", Then: "m2"}))
	require.Equal(t, "m2", s.State().Ledger.RootMaskUUID)
	require.Equal(t, uint64(2), s.State().AppliedActionsCount, "parent plus one follow-up")
}

func TestMetaTimeIsMonotone(t *testing.T) {
	// A clock that goes backward must not move LastAction.Time backward.
	times := []time.Time{
		time.Unix(1000, 0),
		time.Unix(900, 0),
		time.Unix(1100, 0),
	}
	i := 0
	s := newTestStore(func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	})

	require.True(t, s.Dispatch(setRootMask{UUID: "a"}))
	first := s.State().LastAction.Time
	require.True(t, s.Dispatch(setRootMask{UUID: "b"}))
	second := s.State().LastAction.Time
	require.False(t, second.Before(first))
	require.True(t, s.Dispatch(setRootMask{UUID: "c"}))
	require.False(t, s.State().LastAction.Time.Before(second))
}

func TestDeterministicReplayProducesIdenticalState(t *testing.T) {
	run := func() *state.State {
		s := newTestStore(stepClock(time.Unix(1000, 0), 7*time.Millisecond))
		s.Dispatch(setRootMask{UUID: "m1"})
		s.Dispatch(chainMask{First: "m2", Then: "m3"})
		s.Dispatch(setRootMask{UUID: "m3"}) // disabled: no-op
		s.Dispatch(setRootMask{UUID: "m4"})
		return s.State()
	}
	a, b := run(), run()
	require.Equal(t, a.AppliedActionsCount, b.AppliedActionsCount)
	require.Equal(t, a.Ledger, b.Ledger)
	require.Equal(t, a.LastAction, b.LastAction)
}

func TestSubstateOwnershipViolationFailsFast(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	s.Register(action.KindRpc, func(sub state.Substate, _ action.Action, _ action.Meta, _ action.Dispatcher) {
		// An rpc reducer reaching into the ledger substate is a bug.
		sub.Ledger().RootMaskUUID = "stolen"
	})
	require.Panics(t, func() {
		s.Dispatch(rpcProbe{})
	})
}

type rpcProbe struct{}

func (rpcProbe) Kind() action.Kind             { return action.KindRpc }
func (rpcProbe) IsEnabled(any, time.Time) bool { return true }

func TestObserverSeesAppliedActionsOnly(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	var seen []action.Kind
	s.Observe(func(a action.Action, _ action.Meta) {
		seen = append(seen, a.Kind())
	})
	s.Dispatch(setRootMask{UUID: "m1"})
	s.Dispatch(setRootMask{UUID: "m1"}) // disabled
	require.Len(t, seen, 1)
}

func TestActionStatsRecordsPerDispatch(t *testing.T) {
	s := newTestStore(stepClock(time.Unix(1000, 0), time.Millisecond))
	s.Dispatch(setRootMask{UUID: "m1"})
	s.Dispatch(chainMask{First: "m2", Then: "m3"})

	id, ok := s.State().Stats.Latest()
	require.True(t, ok)
	require.Equal(t, uint64(2), id, "three applied actions -> ids 0..2")
	sums := s.State().Stats.Summaries()
	require.Len(t, sums, 1)
	require.Equal(t, 3, sums[0].Count)
}
