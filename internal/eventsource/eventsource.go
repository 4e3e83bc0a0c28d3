// Package eventsource runs the node's single async loop: it merges
// external events, RPC-frontend requests, and a 100ms timer into the
// Store's dispatch stream (spec.md §4.2). Reducers never await; this loop
// holds every suspension point in the core.
package eventsource

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/store"
)

// TickInterval is the periodic timeout used to advance TTL-bound state.
const TickInterval = 100 * time.Millisecond

// MaxEventsPerCycle bounds how many events one ProcessEvents cycle drains.
const MaxEventsPerCycle = 1024

// RpcRequest is one HTTP-frontend request crossing into the Store's
// world. Reply is buffered so the reducer's send never blocks.
type RpcRequest struct {
	ID      uint64
	Kind    string
	Payload any
	Reply   chan any
}

// Reify converts an external event into the action the Store should
// dispatch; nil means the event is dropped. The wiring registers one
// converter per event source at construction (callbacks, not type
// dispatch).
type Reify func(ev action.Event) action.Action

// --- Event-source actions --------------------------------------------------

// ActionProcessEvents drains queued events at the top of each loop cycle.
type ActionProcessEvents struct{}

func (ActionProcessEvents) Kind() action.Kind                 { return action.KindEventSource }
func (ActionProcessEvents) IsEnabled(any, time.Time) bool     { return true }

// ActionWaitForEvents marks the loop entering its await.
type ActionWaitForEvents struct{}

func (ActionWaitForEvents) Kind() action.Kind             { return action.KindEventSource }
func (ActionWaitForEvents) IsEnabled(any, time.Time) bool { return true }

// ActionNewEvent delivers one external event for reification.
type ActionNewEvent struct{ Event action.Event }

func (ActionNewEvent) Kind() action.Kind { return action.KindEventSource }
func (a ActionNewEvent) IsEnabled(any, time.Time) bool {
	return a.Event != nil
}

// ActionWaitTimeout fires when the 100ms tick elapses with no events.
type ActionWaitTimeout struct{}

func (ActionWaitTimeout) Kind() action.Kind             { return action.KindEventSource }
func (ActionWaitTimeout) IsEnabled(any, time.Time) bool { return true }

// ActionCheckTimeouts walks timeout-bearing substates and emits targeted
// expiry actions through the registered checkers.
type ActionCheckTimeouts struct{}

func (ActionCheckTimeouts) Kind() action.Kind             { return action.KindEventSource }
func (ActionCheckTimeouts) IsEnabled(any, time.Time) bool { return true }

// TimeoutChecker is one subsystem's timeout sweep, dispatched from
// CheckTimeouts.
type TimeoutChecker func(now time.Time, d action.Dispatcher)

// EventSource is the loop itself.
type EventSource struct {
	store *store.Store

	sources []<-chan action.Event
	merged  chan action.Event
	rpc     chan RpcRequest

	reify      Reify
	checkers   []TimeoutChecker
	rpcHandler func(req RpcRequest, d action.Dispatcher)

	// pending holds events queued inside the state machine's world by
	// synchronous effectful actions, drained ahead of channel events.
	pending []action.Event

	log *logrus.Entry
}

// New creates an event source over the store with a bounded RPC channel.
func New(st *store.Store, rpcBuf int) *EventSource {
	return &EventSource{
		store:  st,
		merged: make(chan action.Event, 4096),
		rpc:    make(chan RpcRequest, rpcBuf),
		log:    logrus.WithField("component", "eventsource"),
	}
}

// AddSource merges one external event channel into the loop. Each source
// keeps its single-producer guarantee; the fan-in goroutine is the single
// consumer.
func (es *EventSource) AddSource(ch <-chan action.Event) {
	es.sources = append(es.sources, ch)
}

// SetReify installs the event-to-action converter.
func (es *EventSource) SetReify(fn Reify) { es.reify = fn }

// AddTimeoutChecker registers one subsystem's timeout sweep.
func (es *EventSource) AddTimeoutChecker(fn TimeoutChecker) {
	es.checkers = append(es.checkers, fn)
}

// SetRpcHandler installs the reducer-side handler for frontend requests.
func (es *EventSource) SetRpcHandler(fn func(req RpcRequest, d action.Dispatcher)) {
	es.rpcHandler = fn
}

// RpcChannel is where the HTTP frontend submits requests; sends block when
// the bounded channel is full, applying backpressure to the frontend.
func (es *EventSource) RpcChannel() chan<- RpcRequest { return es.rpc }

// Enqueue adds an event to the in-state pending queue, used by synchronous
// effectful actions that produce follow-up events without a channel hop.
func (es *EventSource) Enqueue(ev action.Event) {
	es.pending = append(es.pending, ev)
}

// Run drives the cooperative loop until ctx is cancelled. Dropping the
// context is the only cancellation path: source channels then go
// unconsumed and their workers stop on their own contexts.
func (es *EventSource) Run(ctx context.Context) {
	for _, src := range es.sources {
		go func(ch <-chan action.Event) {
			for ev := range ch {
				select {
				case es.merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		es.store.Dispatch(ActionProcessEvents{})
		es.processPending()
		es.drainReady()
		es.store.Dispatch(ActionWaitForEvents{})

		select {
		case <-ctx.Done():
			return
		case ev := <-es.merged:
			es.handleEvent(ev)
		case req := <-es.rpc:
			es.handleRpc(req)
		case <-ticker.C:
			es.store.Dispatch(ActionWaitTimeout{})
			es.checkTimeouts()
		}
	}
}

// drainReady consumes events already waiting on the channels without
// blocking, up to the per-cycle cap.
func (es *EventSource) drainReady() {
	for i := 0; i < MaxEventsPerCycle; i++ {
		select {
		case ev := <-es.merged:
			es.handleEvent(ev)
		case req := <-es.rpc:
			es.handleRpc(req)
		default:
			return
		}
	}
}

func (es *EventSource) processPending() {
	n := len(es.pending)
	if n > MaxEventsPerCycle {
		n = MaxEventsPerCycle
	}
	batch := es.pending[:n]
	es.pending = es.pending[n:]
	for _, ev := range batch {
		es.handleEvent(ev)
	}
}

func (es *EventSource) handleEvent(ev action.Event) {
	es.store.Dispatch(ActionNewEvent{Event: ev})
	if es.reify == nil {
		return
	}
	if a := es.reify(ev); a != nil {
		es.store.Dispatch(a)
	}
}

func (es *EventSource) handleRpc(req RpcRequest) {
	if es.rpcHandler == nil {
		if req.Reply != nil {
			req.Reply <- nil
		}
		return
	}
	es.rpcHandler(req, es.store)
}

func (es *EventSource) checkTimeouts() {
	es.store.Dispatch(ActionCheckTimeouts{})
	now := time.Now()
	for _, check := range es.checkers {
		check(now, es.store)
	}
}

// Reduce is the event-source reducer: the loop-control actions carry no
// state beyond bookkeeping, so the reducer only logs at trace level.
func Reduce(_ any, a action.Action, _ action.Meta, _ action.Dispatcher) {
	switch a.(type) {
	case ActionProcessEvents, ActionWaitForEvents, ActionNewEvent, ActionWaitTimeout, ActionCheckTimeouts:
	}
}
