// Package consensus is the named consensus collaborator: best-tip
// selection among candidate chains and block prevalidation for the gossip
// layer. The selection mathematics themselves are out of scope; this
// implementation orders by (blockchain length, state hash) which is the
// shape every caller depends on, and delegates the allow_block_too_late
// predicate to explicit configuration rather than reinventing the
// threshold.
package consensus

import (
	"bytes"
	"time"

	"mina-core/internal/syncengine"
)

// Oracle is the consensus collaborator handed to the pubsub prevalidator
// and the sync engine wiring.
type Oracle struct {
	// SlotDuration converts wall time to global slots.
	SlotDuration time.Duration
	// GenesisTime anchors slot zero.
	GenesisTime time.Time
	// AllowTooLate permits blocks older than the current slot window; it
	// stands in for history-dependent acceptance the consensus layer owns.
	AllowTooLate bool
	// EarlyTolerance is how many slots ahead of the clock a block may
	// claim before being ignored as received-too-early.
	EarlyTolerance uint64
	// LateTolerance is how many slots behind the clock a block may lag
	// before the too-late policy applies.
	LateTolerance uint64
}

// Default returns the devnet oracle parameters.
func Default() *Oracle {
	return &Oracle{
		SlotDuration:   3 * time.Minute,
		GenesisTime:    time.Unix(1_600_000_000, 0),
		EarlyTolerance: 1,
		LateTolerance:  290,
	}
}

// GlobalSlot converts a wall-clock instant into a global slot number.
func (o *Oracle) GlobalSlot(now time.Time) uint64 {
	if now.Before(o.GenesisTime) {
		return 0
	}
	return uint64(now.Sub(o.GenesisTime) / o.SlotDuration)
}

// Select picks the better chain tip of a and b, preferring greater
// blockchain length and breaking ties on the lexicographically greater
// state hash, mirroring the long-fork rule's observable ordering.
func (o *Oracle) Select(a, b *syncengine.Block) *syncengine.Block {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	la := a.Header.ProtocolState.BlockchainLength
	lb := b.Header.ProtocolState.BlockchainLength
	if la != lb {
		if la > lb {
			return a
		}
		return b
	}
	ah, bh := a.Hash(), b.Hash()
	if bytes.Compare(ah[:], bh[:]) >= 0 {
		return a
	}
	return b
}

// PrevalidateVerdict classifies a candidate block's timing.
type PrevalidateVerdict int

const (
	Valid PrevalidateVerdict = iota
	ReceivedTooEarly
	ReceivedTooLate
	Invalid
)

// PrevalidateSlot checks a block's claimed global slot against the clock.
func (o *Oracle) PrevalidateSlot(blockSlot uint64, now time.Time) PrevalidateVerdict {
	cur := o.GlobalSlot(now)
	if blockSlot > cur+o.EarlyTolerance {
		return ReceivedTooEarly
	}
	if cur > o.LateTolerance && blockSlot < cur-o.LateTolerance {
		return ReceivedTooLate
	}
	return Valid
}

// AllowBlockTooLate is the predicate the pubsub prevalidator consults for
// too-late blocks.
func (o *Oracle) AllowBlockTooLate() bool { return o.AllowTooLate }
