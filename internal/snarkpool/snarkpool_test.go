package snarkpool

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func TestCandidateLifecycle(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)

	p.AddCandidate("peer-a", Candidate{Job: "job-1", Snark: Snark{Prover: "s1", Fee: uint256.NewInt(10)}, Received: now})
	p.AddCandidate("peer-a", Candidate{Job: "job-2", Snark: Snark{Prover: "s1", Fee: uint256.NewInt(20)}, Received: now})
	require.Equal(t, 2, p.CandidateCount("peer-a"))

	require.True(t, p.PromoteCandidate("peer-a", "job-1", now))
	require.Equal(t, 1, p.CandidateCount("peer-a"))
	j, ok := p.Job("job-1")
	require.True(t, ok)
	require.NotNil(t, j.Snark)
	require.Equal(t, "s1", j.Snark.Prover)
}

func TestPromoteKeepsCheaperSnark(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)

	p.AddCandidate("peer-a", Candidate{Job: "job-1", Snark: Snark{Prover: "expensive", Fee: uint256.NewInt(100)}})
	require.True(t, p.PromoteCandidate("peer-a", "job-1", now))

	p.AddCandidate("peer-b", Candidate{Job: "job-1", Snark: Snark{Prover: "cheap", Fee: uint256.NewInt(5)}})
	require.True(t, p.PromoteCandidate("peer-b", "job-1", now))
	j, _ := p.Job("job-1")
	require.Equal(t, "cheap", j.Snark.Prover)

	p.AddCandidate("peer-c", Candidate{Job: "job-1", Snark: Snark{Prover: "mid", Fee: uint256.NewInt(50)}})
	require.False(t, p.PromoteCandidate("peer-c", "job-1", now))
	j, _ = p.Job("job-1")
	require.Equal(t, "cheap", j.Snark.Prover)
}

func TestPeerPruneDropsAllCandidates(t *testing.T) {
	p := New()
	p.AddCandidate("peer-a", Candidate{Job: "job-1"})
	p.AddCandidate("peer-a", Candidate{Job: "job-2"})
	p.AddCandidate("peer-b", Candidate{Job: "job-3"})

	p.PrunePeer("peer-a")
	require.Equal(t, 0, p.CandidateCount("peer-a"))
	require.Equal(t, 1, p.CandidateCount("peer-b"))
}

func TestCommitRequiresKnownJob(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)
	require.False(t, p.Commit("nope", "snarker", uint256.NewInt(1), now))

	p.AddJob("job-1", now)
	require.True(t, p.Commit("job-1", "snarker", uint256.NewInt(1), now))
	j, _ := p.Job("job-1")
	require.Equal(t, "snarker", j.Commitment.Snarker)
}

func TestScanStateSummary(t *testing.T) {
	p := New()
	now := time.Unix(1000, 0)
	p.AddJob("job-1", now)
	p.AddJob("job-2", now)
	p.AddCandidate("peer-a", Candidate{Job: "job-1", Snark: Snark{Fee: uint256.NewInt(1)}})
	p.PromoteCandidate("peer-a", "job-1", now)

	require.Equal(t, ScanStateSummary{Todo: 1, Done: 1}, p.Summary())
}
