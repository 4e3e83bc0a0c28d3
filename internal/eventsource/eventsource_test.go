package eventsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/action"
	"mina-core/internal/state"
	"mina-core/internal/store"
)

type markEvent struct{ UUID string }

func (markEvent) EventKind() action.Kind { return action.KindLedger }

type markAction struct{ UUID string }

func (markAction) Kind() action.Kind             { return action.KindLedger }
func (markAction) IsEnabled(any, time.Time) bool { return true }

func newLoopStore() *store.Store {
	st := state.New(state.Config{K: 2})
	s := store.New(st, nil)
	s.Register(action.KindEventSource, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		Reduce(sub, a, m, d)
	})
	s.Register(action.KindLedger, func(sub state.Substate, a action.Action, _ action.Meta, _ action.Dispatcher) {
		if act, ok := a.(markAction); ok {
			sub.Ledger().RootMaskUUID = act.UUID
		}
	})
	return s
}

// The tests drive the loop's steps synchronously rather than racing the
// goroutine; Run only sequences these same steps around its select.

func TestEventIsReifiedAndDispatched(t *testing.T) {
	s := newLoopStore()
	es := New(s, 8)
	es.SetReify(func(ev action.Event) action.Action {
		if m, ok := ev.(markEvent); ok {
			return markAction{UUID: m.UUID}
		}
		return nil
	})

	es.handleEvent(markEvent{UUID: "from-event"})
	require.Equal(t, "from-event", s.State().Ledger.RootMaskUUID)
	// ActionNewEvent plus the reified ledger action were both applied.
	require.Equal(t, uint64(2), s.State().AppliedActionsCount)
}

func TestUnreifiableEventOnlyRecordsNewEvent(t *testing.T) {
	s := newLoopStore()
	es := New(s, 8)
	es.SetReify(func(action.Event) action.Action { return nil })

	es.handleEvent(markEvent{UUID: "dropped"})
	require.Empty(t, s.State().Ledger.RootMaskUUID)
	require.Equal(t, uint64(1), s.State().AppliedActionsCount)
}

func TestRpcRequestReachesHandlerAndReplies(t *testing.T) {
	s := newLoopStore()
	es := New(s, 8)
	es.SetRpcHandler(func(req RpcRequest, d action.Dispatcher) {
		d.Dispatch(markAction{UUID: "via-rpc"})
		req.Reply <- "done"
	})

	reply := make(chan any, 1)
	es.handleRpc(RpcRequest{ID: 1, Kind: "probe", Reply: reply})
	require.Equal(t, "done", <-reply)
	require.Equal(t, "via-rpc", s.State().Ledger.RootMaskUUID)
}

func TestRpcChannelIsBounded(t *testing.T) {
	es := New(newLoopStore(), 2)
	es.RpcChannel() <- RpcRequest{ID: 1}
	es.RpcChannel() <- RpcRequest{ID: 2}
	select {
	case es.RpcChannel() <- RpcRequest{ID: 3}:
		t.Fatal("third send should have blocked on the bounded channel")
	default:
	}
}

func TestTimeoutCheckersFireOnTick(t *testing.T) {
	s := newLoopStore()
	es := New(s, 8)
	var fired int
	es.AddTimeoutChecker(func(_ time.Time, d action.Dispatcher) { fired++ })
	es.AddTimeoutChecker(func(_ time.Time, d action.Dispatcher) { fired++ })

	es.checkTimeouts()
	require.Equal(t, 2, fired)
	require.Equal(t, uint64(1), s.State().AppliedActionsCount, "CheckTimeouts itself was dispatched")
}

func TestPendingEventsDrainFifoWithPerCycleCap(t *testing.T) {
	s := newLoopStore()
	es := New(s, 8)
	var order []string
	es.SetReify(func(ev action.Event) action.Action {
		m := ev.(markEvent)
		order = append(order, m.UUID)
		return markAction{UUID: m.UUID}
	})
	for i := 0; i < MaxEventsPerCycle+5; i++ {
		es.Enqueue(markEvent{UUID: string(rune('a' + i%26))})
	}

	es.processPending()
	require.Len(t, order, MaxEventsPerCycle, "one cycle drains at most the cap")
	es.processPending()
	require.Len(t, order, MaxEventsPerCycle+5)
}
