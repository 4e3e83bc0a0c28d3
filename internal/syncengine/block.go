// Package syncengine implements the transition-frontier sync state
// machine: snarked-ledger acquisition by address-addressed Merkle queries,
// staged-ledger reconstruction, and block fetch/apply toward a validated
// best tip, with mid-sync best-tip changes retaining completed work.
package syncengine

import (
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ProtocolState is the header-carried chain state; its body hash links each
// block to its predecessor.
type ProtocolState struct {
	PreviousStateHash [32]byte
	BodyHash          [32]byte
	BlockchainLength  uint64
	GlobalSlot        uint64
	SnarkedLedgerHash [32]byte
	StagedLedgerHash  [32]byte
	StakingLedgerHash  [32]byte
	NextEpochLedgerHash     [32]byte
}

// Header carries the protocol state plus versioning fields.
type Header struct {
	ProtocolState          ProtocolState
	CurrentProtocolVersion string
	GenesisStateHash       [32]byte
	Delta                  uint32
}

// Body holds the block's transactions and completed snark work, opaque to
// the sync engine (applied by the ledger worker).
type Body struct {
	Payload []byte
}

// Block is a header plus body with a derived hash.
type Block struct {
	Header Header
	Body   Body

	hash    [32]byte
	hashSet bool
}

type headerRLP struct {
	PreviousStateHash []byte
	BodyHash          []byte
	BlockchainLength  uint64
	GlobalSlot        uint64
	SnarkedLedgerHash []byte
	StagedLedgerHash  []byte
	Version           string
	GenesisStateHash  []byte
	Delta             uint32
}

// Hash returns the block's derived state hash, memoized after first use.
func (b *Block) Hash() [32]byte {
	if b.hashSet {
		return b.hash
	}
	ps := b.Header.ProtocolState
	enc, err := rlp.EncodeToBytes(headerRLP{
		PreviousStateHash: ps.PreviousStateHash[:],
		BodyHash:          ps.BodyHash[:],
		BlockchainLength:  ps.BlockchainLength,
		GlobalSlot:        ps.GlobalSlot,
		SnarkedLedgerHash: ps.SnarkedLedgerHash[:],
		StagedLedgerHash:  ps.StagedLedgerHash[:],
		Version:           b.Header.CurrentProtocolVersion,
		GenesisStateHash:  b.Header.GenesisStateHash[:],
		Delta:             b.Header.Delta,
	})
	if err != nil {
		panic("syncengine: block header rlp encode: " + err.Error())
	}
	b.hash = sha256.Sum256(enc)
	b.hashSet = true
	return b.hash
}

// ChainsTo reports whether child's previous_state_hash links to parent.
func (b *Block) ChainsTo(parent *Block) bool {
	return b.Header.ProtocolState.PreviousStateHash == parent.Hash()
}

// ValidateChain checks that root..inbetween..tip forms a contiguous chain.
func ValidateChain(root *Block, inbetween []*Block, tip *Block) error {
	prev := root
	for i, b := range append(append([]*Block{}, inbetween...), tip) {
		if !b.ChainsTo(prev) {
			return fmt.Errorf("syncengine: block %d does not chain to predecessor", i)
		}
		prev = b
	}
	return nil
}
