package state

import (
	"sort"
	"time"

	"mina-core/internal/action"
)

// ActionStats is a fixed-capacity ring buffer of applied-action records
// backing the /stats/actions endpoint. Entries are addressable by their
// monotonically increasing id, so `?id=<u64>` can page backward through
// whatever the ring still holds.
type ActionStats struct {
	ring   []action.Stats
	ids    []uint64
	next   uint64
	filled int
	head   int
}

// NewActionStats creates a ring of the given capacity.
func NewActionStats(capacity int) *ActionStats {
	return &ActionStats{
		ring: make([]action.Stats, capacity),
		ids:  make([]uint64, capacity),
	}
}

// Record appends one applied action, returning its id.
func (a *ActionStats) Record(s action.Stats) uint64 {
	id := a.next
	a.next++
	a.ring[a.head] = s
	a.ids[a.head] = id
	a.head = (a.head + 1) % len(a.ring)
	if a.filled < len(a.ring) {
		a.filled++
	}
	return id
}

// Latest returns the id of the most recently recorded action, with
// ok=false when nothing was recorded yet.
func (a *ActionStats) Latest() (uint64, bool) {
	if a.next == 0 {
		return 0, false
	}
	return a.next - 1, true
}

// Get returns the record with the given id if the ring still holds it.
func (a *ActionStats) Get(id uint64) (action.Stats, bool) {
	for i := 0; i < a.filled; i++ {
		if a.ids[i] == id {
			return a.ring[i], true
		}
	}
	return action.Stats{}, false
}

// KindSummary aggregates per-kind counts and durations.
type KindSummary struct {
	Kind     action.Kind   `json:"kind"`
	Count    int           `json:"count"`
	Total    time.Duration `json:"total"`
	Max      time.Duration `json:"max"`
	MeanNs   int64         `json:"mean_ns"`
	P95Ns    int64         `json:"p95_ns"`
}

// Summaries aggregates the ring's contents by action kind.
func (a *ActionStats) Summaries() []KindSummary {
	byKind := make(map[action.Kind][]time.Duration)
	for i := 0; i < a.filled; i++ {
		s := a.ring[i]
		byKind[s.Kind] = append(byKind[s.Kind], s.Duration)
	}
	out := make([]KindSummary, 0, len(byKind))
	for kind, durs := range byKind {
		sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })
		var total, max time.Duration
		for _, d := range durs {
			total += d
			if d > max {
				max = d
			}
		}
		p95 := durs[(len(durs)*95)/100]
		out = append(out, KindSummary{
			Kind:   kind,
			Count:  len(durs),
			Total:  total,
			Max:    max,
			MeanNs: int64(total) / int64(len(durs)),
			P95Ns:  int64(p95),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}
