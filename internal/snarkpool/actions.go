package snarkpool

import (
	"time"

	"mina-core/internal/action"
	"mina-core/internal/p2p"
)

// StateReader is the read view snark-pool actions resolve against.
type StateReader interface {
	SnarkPool() *Pool
}

func poolOf(state any) *Pool {
	r, ok := state.(StateReader)
	if !ok {
		return nil
	}
	return r.SnarkPool()
}

// ActionWorkFetchSuccess inserts fetched candidate work from a peer.
type ActionWorkFetchSuccess struct {
	Peer      p2p.PeerId
	Candidate Candidate
}

func (ActionWorkFetchSuccess) Kind() action.Kind { return action.KindSnarkPool }
func (a ActionWorkFetchSuccess) IsEnabled(state any, _ time.Time) bool {
	return poolOf(state) != nil && a.Candidate.Job != ""
}

// ActionInfoReceived inserts gossiped candidate work from a peer.
type ActionInfoReceived struct {
	Peer      p2p.PeerId
	Candidate Candidate
}

func (ActionInfoReceived) Kind() action.Kind { return action.KindSnarkPool }
func (a ActionInfoReceived) IsEnabled(state any, _ time.Time) bool {
	return poolOf(state) != nil && a.Candidate.Job != ""
}

// ActionWorkFetchError removes a peer's candidates after a failed fetch.
type ActionWorkFetchError struct{ Peer p2p.PeerId }

func (ActionWorkFetchError) Kind() action.Kind { return action.KindSnarkPool }
func (a ActionWorkFetchError) IsEnabled(state any, _ time.Time) bool {
	p := poolOf(state)
	return p != nil && p.CandidateCount(a.Peer) > 0
}

// ActionPeerPrune removes a disconnected peer's candidates.
type ActionPeerPrune struct{ Peer p2p.PeerId }

func (ActionPeerPrune) Kind() action.Kind { return action.KindSnarkPool }
func (a ActionPeerPrune) IsEnabled(state any, _ time.Time) bool {
	p := poolOf(state)
	return p != nil && p.CandidateCount(a.Peer) > 0
}

// ActionCandidateVerified promotes a candidate whose proof the verifier
// pool accepted.
type ActionCandidateVerified struct {
	Peer p2p.PeerId
	Job  JobId
}

func (ActionCandidateVerified) Kind() action.Kind { return action.KindSnarkPool }
func (a ActionCandidateVerified) IsEnabled(state any, _ time.Time) bool {
	return poolOf(state) != nil
}

// Reduce is the snark-pool reducer.
func Reduce(st StateReader, a action.Action, meta action.Meta, _ action.Dispatcher) {
	p := st.SnarkPool()
	switch act := a.(type) {
	case ActionWorkFetchSuccess:
		p.AddCandidate(act.Peer, act.Candidate)
	case ActionInfoReceived:
		p.AddCandidate(act.Peer, act.Candidate)
	case ActionWorkFetchError:
		p.PrunePeer(act.Peer)
	case ActionPeerPrune:
		p.PrunePeer(act.Peer)
	case ActionCandidateVerified:
		p.PromoteCandidate(act.Peer, act.Job, meta.Time)
	}
}
