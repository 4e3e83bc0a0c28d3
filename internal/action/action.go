// Package action defines the tagged-union Action/Event types that flow
// through the node's Store. Actions carry no behavior of their own beyond
// their enabling condition; reducers live alongside the State they mutate.
package action

import "time"

// Kind tags an Action for statistics and dispatch routing. It is a closed
// set, partitioned by subsystem, matching the "Action" data-model shape.
type Kind string

const (
	KindP2p               Kind = "p2p"
	KindLedger            Kind = "ledger"
	KindSnark             Kind = "snark"
	KindTransitionFrontier Kind = "transition_frontier"
	KindTransactionPool   Kind = "transaction_pool"
	KindSnarkPool         Kind = "snark_pool"
	KindBlockProducer     Kind = "block_producer"
	KindRpc               Kind = "rpc"
	KindEventSource       Kind = "event_source"
	KindWatchedAccounts   Kind = "watched_accounts"
	KindExternalWorker    Kind = "external_snark_worker"
)

// Meta is the envelope every dispatched Action is stamped with.
type Meta struct {
	Time time.Time
	Kind Kind
}

// Action is the interface every concrete action variant implements. Kind
// identifies the owning subsystem for routing and statistics; IsEnabled is
// the per-variant enabling condition that the Store consults before
// reducing. State is passed as `any` here to avoid an import cycle between
// this package and the package owning State — concrete actions type-assert
// it to their subsystem's read-only view.
type Action interface {
	Kind() Kind
	// IsEnabled reports whether this action may be dispatched against the
	// given state at the given time. Dispatching a disabled action is a
	// no-op: the Store must not invoke the reducer.
	IsEnabled(state any, now time.Time) bool
}

// Event is the reified external-origin payload the EventSource turns into
// an Action. Each subsystem's event-source reducer consumes one variant.
type Event interface {
	EventKind() Kind
}

// Dispatcher is the handle reducers use to enqueue follow-up actions. It is
// satisfied by the Store; reducers never hold a reference to the Store
// itself, only to this narrow interface, enforcing that reducers cannot
// read unrelated substates or perform I/O through it.
type Dispatcher interface {
	Dispatch(a Action) bool
}

// Stats is a lightweight recording of one applied action, kept in a
// fixed-capacity ring buffer for the /stats/actions endpoint.
type Stats struct {
	Kind     Kind
	Time     time.Time
	Duration time.Duration
}
