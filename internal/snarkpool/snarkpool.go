// Package snarkpool holds completed snark work and per-peer candidate
// work awaiting verification (spec.md §3.5/§4.6). Candidates enter
// through gossip or work-fetch RPCs, are verified by the external
// verifier pool, and only then become pool entries available to block
// production.
package snarkpool

import (
	"sort"
	"time"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"mina-core/internal/p2p"
)

// JobId names one snark job (a scan-state work bundle).
type JobId string

// Snark is one completed, verified proof offered for a job.
type Snark struct {
	Prover string
	Fee    *uint256.Int
	Proof  []byte
}

// Commitment records a snarker's promise to produce work for a job,
// placed via POST /snarker/job/commit.
type Commitment struct {
	Snarker   string
	Fee       *uint256.Int
	Committed time.Time
}

// JobState is one pool entry.
type JobState struct {
	Job        JobId
	Commitment *Commitment
	Snark      *Snark
	Time       time.Time
}

// Candidate is unverified work attributed to the peer that sent it.
type Candidate struct {
	Job      JobId
	Snark    Snark
	Received time.Time
}

// Pool is the snark pool plus its per-peer candidate partition.
type Pool struct {
	jobs       map[JobId]*JobState
	candidates map[p2p.PeerId]map[JobId]*Candidate

	log *logrus.Entry
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		jobs:       make(map[JobId]*JobState),
		candidates: make(map[p2p.PeerId]map[JobId]*Candidate),
		log:        logrus.WithField("component", "snarkpool"),
	}
}

// AddJob registers a job the scan state needs work for.
func (p *Pool) AddJob(id JobId, now time.Time) {
	if _, ok := p.jobs[id]; !ok {
		p.jobs[id] = &JobState{Job: id, Time: now}
	}
}

// Job returns one pool entry.
func (p *Pool) Job(id JobId) (*JobState, bool) {
	j, ok := p.jobs[id]
	return j, ok
}

// Jobs returns every pool entry ordered by job id.
func (p *Pool) Jobs() []*JobState {
	out := make([]*JobState, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Commit records a snarker's commitment to a job.
func (p *Pool) Commit(id JobId, snarker string, fee *uint256.Int, now time.Time) bool {
	j, ok := p.jobs[id]
	if !ok {
		return false
	}
	j.Commitment = &Commitment{Snarker: snarker, Fee: fee, Committed: now}
	return true
}

// AddCandidate records unverified work from a peer, inserted by
// WorkFetchSuccess or InfoReceived.
func (p *Pool) AddCandidate(peer p2p.PeerId, c Candidate) {
	byJob, ok := p.candidates[peer]
	if !ok {
		byJob = make(map[JobId]*Candidate)
		p.candidates[peer] = byJob
	}
	byJob[c.Job] = &c
}

// CandidateCount reports how many candidates a peer currently holds.
func (p *Pool) CandidateCount(peer p2p.PeerId) int {
	return len(p.candidates[peer])
}

// Candidates returns peer's candidates ordered by job id, the order the
// verifier pool drains them.
func (p *Pool) Candidates(peer p2p.PeerId) []*Candidate {
	out := make([]*Candidate, 0, len(p.candidates[peer]))
	for _, c := range p.candidates[peer] {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// PrunePeer drops every candidate attributed to peer, called on
// WorkFetchError and on peer disconnect (PeerPrune).
func (p *Pool) PrunePeer(peer p2p.PeerId) {
	delete(p.candidates, peer)
}

// PromoteCandidate moves verified work from a peer's candidate set into
// the pool, keeping the cheaper snark when the job already has one.
func (p *Pool) PromoteCandidate(peer p2p.PeerId, id JobId, now time.Time) bool {
	byJob, ok := p.candidates[peer]
	if !ok {
		return false
	}
	c, ok := byJob[id]
	if !ok {
		return false
	}
	delete(byJob, id)
	j, ok := p.jobs[id]
	if !ok {
		j = &JobState{Job: id, Time: now}
		p.jobs[id] = j
	}
	if j.Snark == nil || snarkCheaper(&c.Snark, j.Snark) {
		s := c.Snark
		j.Snark = &s
		j.Time = now
		return true
	}
	return false
}

func snarkCheaper(a, b *Snark) bool {
	if a.Fee == nil {
		return true
	}
	if b.Fee == nil {
		return false
	}
	return a.Fee.Lt(b.Fee)
}

// ScanStateSummary is the /scan-state/summary shape: jobs still needing
// work versus jobs with a verified snark.
type ScanStateSummary struct {
	Todo int `json:"todo"`
	Done int `json:"done"`
}

// Summary computes the current scan-state work summary.
func (p *Pool) Summary() ScanStateSummary {
	var s ScanStateSummary
	for _, j := range p.jobs {
		if j.Snark != nil {
			s.Done++
		} else {
			s.Todo++
		}
	}
	return s
}
