// Package store owns the State and dispatches actions through the
// top-level reducer: enabling-condition check, meta stamping, substate
// routing, FIFO follow-up drain, and the global post-hook (spec.md §4.1).
package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/state"
)

var appliedActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mina_store_applied_actions_total",
	Help: "Actions applied by the store, by subsystem kind.",
}, []string{"kind"})

// Reducer is one subsystem's reducer, registered at construction. Reducers
// are pure over (Substate, Action, Meta): no I/O, no wall clock, only
// meta.Time.
type Reducer func(sub state.Substate, a action.Action, meta action.Meta, d action.Dispatcher)

// Clock abstracts wall time so recordings replay deterministically.
type Clock func() time.Time

// Store owns the State. It is not safe for concurrent dispatch: the
// EventSource is its only caller, one action at a time.
type Store struct {
	st       *state.State
	reducers map[action.Kind]Reducer
	clock    Clock

	queue    []action.Action
	reducing bool

	// observers run in the post-hook of every applied action, used by the
	// recorder and the disconnect fanout wiring.
	observers []func(a action.Action, meta action.Meta)

	log *logrus.Entry
}

// New creates a Store over st. Reducers and observers are registered
// before the first dispatch.
func New(st *state.State, clock Clock) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		st:       st,
		reducers: make(map[action.Kind]Reducer),
		clock:    clock,
		log:      logrus.WithField("component", "store"),
	}
}

// Register installs the reducer for one subsystem kind.
func (s *Store) Register(kind action.Kind, r Reducer) {
	s.reducers[kind] = r
}

// Observe installs a post-hook observer.
func (s *Store) Observe(fn func(a action.Action, meta action.Meta)) {
	s.observers = append(s.observers, fn)
}

// State exposes the owned state to the effectful layers; they read it only
// between dispatches (the EventSource serializes access).
func (s *Store) State() *state.State { return s.st }

// Dispatch applies one action. It returns false, leaving the state
// untouched, when the action's enabling condition rejects it. Calls made
// from within a reducer enqueue FIFO and are drained after the current
// reduction completes, so the reducer is never reentered.
func (s *Store) Dispatch(a action.Action) bool {
	if s.reducing {
		s.queue = append(s.queue, a)
		return true
	}
	applied := s.apply(a)
	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.apply(next)
	}
	return applied
}

func (s *Store) apply(a action.Action) bool {
	now := s.clock()
	if now.Before(s.st.LastAction.Time) {
		now = s.st.LastAction.Time
	}
	if !a.IsEnabled(s.st, now) {
		return false
	}
	meta := action.Meta{Time: now, Kind: a.Kind()}

	reducer, ok := s.reducers[a.Kind()]
	if !ok {
		s.log.WithField("kind", a.Kind()).Warn("no reducer registered for action kind")
		return false
	}

	start := time.Now()
	s.reducing = true
	reducer(state.NewSubstate(s.st, a.Kind()), a, meta, s)
	s.reducing = false

	s.st.LastAction = meta
	s.st.AppliedActionsCount++
	s.st.Stats.Record(action.Stats{Kind: a.Kind(), Time: meta.Time, Duration: time.Since(start)})
	appliedActions.WithLabelValues(string(a.Kind())).Inc()
	for _, obs := range s.observers {
		obs(a, meta)
	}
	return true
}

var _ action.Dispatcher = (*Store)(nil)
