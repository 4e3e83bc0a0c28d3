package syncengine

import (
	"time"

	"mina-core/internal/p2p"
)

// blocksFanout bounds how many block fetches may be in flight at once.
const blocksFanout = 8

// startBlocksPhase forms the fetch/apply chain for root..best_tip, seeding
// hashes already applied in the best chain as ApplySuccess and reusing
// fetched blocks from a previous chain by hash (spec.md §4.4).
func (s *SyncState) startBlocksPhase(prev []*SyncBlock) {
	ordered := append(append([]*Block{s.RootBlock}, s.BlocksInbetween...), s.BestTip)
	prevByHash := make(map[[32]byte]*SyncBlock, len(prev))
	for _, sb := range prev {
		prevByHash[sb.Hash] = sb
	}
	s.Chain = make([]*SyncBlock, 0, len(ordered))
	for _, b := range ordered {
		h := b.Hash()
		sb := &SyncBlock{Hash: h, State: BlockFetchPending, Attempts: make(map[p2p.PeerId]*Attempt)}
		if applied := s.bestChainBlock(h); applied != nil {
			sb.State = BlockApplySuccess
			sb.Block = applied
		} else if old, ok := prevByHash[h]; ok && (old.State == BlockFetchSuccess || old.State == BlockApplySuccess) {
			sb.State = old.State
			sb.Block = old.Block
		}
		s.Chain = append(s.Chain, sb)
	}
	// The root block always arrives with the BestTipUpdate itself.
	if s.Chain[0].State == BlockFetchPending {
		s.Chain[0].State = BlockFetchSuccess
		s.Chain[0].Block = s.RootBlock
	}
	s.Phase = PhaseBlocksPending
}

// blocksPeersQuery assigns each FetchPending entry to an available peer,
// one in-flight query per block, up to the fanout cap.
func (s *SyncState) blocksPeersQuery(peers []p2p.PeerId, now time.Time) {
	inFlight := 0
	for _, sb := range s.Chain {
		if sb.State != BlockFetchPending {
			continue
		}
		for _, a := range sb.Attempts {
			if a.Status == AttemptPending {
				inFlight++
			}
		}
	}
	pi := 0
	for _, sb := range s.Chain {
		if inFlight >= blocksFanout || pi >= len(peers) {
			return
		}
		if sb.State != BlockFetchPending || s.blockHasPending(sb) {
			continue
		}
		peer := peers[pi]
		pi++
		rpcId := s.NextRpcId()
		sb.Attempts[peer] = &Attempt{Status: AttemptPending, RpcId: rpcId, Since: now}
		s.PendingRequests = append(s.PendingRequests, PeerQuery{
			Peer: peer, Kind: QueryBlock, Hash: sb.Hash, RpcId: rpcId,
		})
		inFlight++
	}
}

func (s *SyncState) blockHasPending(sb *SyncBlock) bool {
	for _, a := range sb.Attempts {
		if a.Status == AttemptPending {
			return true
		}
	}
	return false
}

// onBlockFetched transitions a chain entry to FetchSuccess.
func (s *SyncState) onBlockFetched(peer p2p.PeerId, b *Block) bool {
	h := b.Hash()
	for _, sb := range s.Chain {
		if sb.Hash != h {
			continue
		}
		if a, ok := sb.Attempts[peer]; ok {
			a.Status = AttemptSuccess
		}
		if sb.State == BlockFetchPending {
			sb.State = BlockFetchSuccess
			sb.Block = b
		}
		return true
	}
	return false
}

// nextApplyCandidate returns the first chain entry eligible for apply: its
// immediate predecessor is ApplySuccess and it is FetchSuccess. Apply is
// strictly sequential from the root.
func (s *SyncState) nextApplyCandidate() *SyncBlock {
	for i, sb := range s.Chain {
		if sb.State == BlockApplySuccess {
			continue
		}
		if sb.State != BlockFetchSuccess {
			return nil
		}
		if i == 0 || s.Chain[i-1].State == BlockApplySuccess {
			return sb
		}
		return nil
	}
	return nil
}

// onBlockApplied advances the chain; when the best tip is ApplySuccess the
// blocks phase completes.
func (s *SyncState) onBlockApplied(hash [32]byte) {
	for _, sb := range s.Chain {
		if sb.Hash == hash && sb.State == BlockApplyPending {
			sb.State = BlockApplySuccess
		}
	}
	if len(s.Chain) > 0 && s.Chain[len(s.Chain)-1].State == BlockApplySuccess {
		s.Phase = PhaseBlocksSuccess
	}
}

// onBlockPeerError returns a failed fetch to retry-eligibility.
func (s *SyncState) onBlockPeerError(peer p2p.PeerId, rpcId uint64, errText string, now time.Time) {
	for _, sb := range s.Chain {
		if a, ok := sb.Attempts[peer]; ok && a.RpcId == rpcId && a.Status == AttemptPending {
			a.Status = AttemptError
			a.Error = errText
			a.Since = now
		}
	}
}

// applyBestTipUpdate retargets the engine mid-sync, retaining completed
// work: a snarked ledger stays Success when the new target hash matches
// what was already synced; the blocks chain preserves entries by hash.
func (s *SyncState) applyBestTipUpdate(root *Block, inbetween []*Block, tip *Block) {
	oldRoot := s.RootBlock
	prevChain := s.Chain

	s.RootBlock = root
	s.BlocksInbetween = inbetween
	s.BestTip = tip

	newRootSnarked := root.Header.ProtocolState.SnarkedLedgerHash
	retainSnarked := false
	if oldRoot != nil && oldRoot.Header.ProtocolState.SnarkedLedgerHash == newRootSnarked {
		retainSnarked = true
	}
	if len(s.BestChain) > 0 && s.BestChain[0].Header.ProtocolState.SnarkedLedgerHash == newRootSnarked {
		retainSnarked = true
	}

	retarget := func(ls *LedgerSync, target [32]byte) *LedgerSync {
		if ls != nil && ls.Done() && ls.Target == target {
			return ls
		}
		if ls != nil && retainSnarked && ls.Target == target {
			return ls
		}
		return NewLedgerSync(target)
	}
	s.Staking = retarget(s.Staking, root.Header.ProtocolState.StakingLedgerHash)
	s.NextEpoch = retarget(s.NextEpoch, root.Header.ProtocolState.NextEpochLedgerHash)
	s.Root = retarget(s.Root, newRootSnarked)

	switch {
	case s.Phase >= PhaseBlocksPending && retainSnarked && s.ledgersDone():
		// Stay in the blocks phase; rebuild the chain reusing prior work.
		s.startBlocksPhase(prevChain)
	case !s.Staking.Done():
		s.Phase = PhaseStakingLedgerPending
	case !s.NextEpoch.Done():
		s.Phase = PhaseNextEpochLedgerPending
	case !s.Root.Done():
		s.Phase = PhaseRootLedgerPending
	default:
		s.startBlocksPhase(prevChain)
	}
}

func (s *SyncState) ledgersDone() bool {
	return s.Staking != nil && s.Staking.Done() &&
		s.NextEpoch != nil && s.NextEpoch.Done() &&
		s.Root != nil && s.Root.Done()
}

// advanceLedgerPhases moves the top-level phase forward as each ledger
// completes, entering the staged-ledger reconstruct before the blocks
// phase.
func (s *SyncState) advanceLedgerPhases() {
	switch s.Phase {
	case PhaseStakingLedgerPending:
		if s.Staking.Done() {
			s.Phase = PhaseStakingLedgerSuccess
			s.Phase = PhaseNextEpochLedgerPending
		}
	case PhaseNextEpochLedgerPending:
		if s.NextEpoch.Done() {
			s.Phase = PhaseNextEpochLedgerSuccess
			s.Phase = PhaseRootLedgerPending
		}
	case PhaseRootLedgerPending:
		if s.Root.Done() && s.Staged != nil && s.Staged.Reconstructed {
			s.Phase = PhaseRootLedgerSuccess
			s.startBlocksPhase(nil)
		}
	}
}

// BuildCommit assembles the commit call for a completed blocks phase.
func (s *SyncState) BuildCommit(ledgersToKeep []string) Commit {
	needed := make([][32]byte, 0, len(s.Chain))
	for _, sb := range s.Chain {
		needed = append(needed, sb.Hash)
	}
	return Commit{
		LedgersToKeep:            ledgersToKeep,
		RootSnarkedLedgerUpdates: map[string][32]byte{"root": s.RootBlock.Header.ProtocolState.SnarkedLedgerHash},
		NeededProtocolStates:     needed,
		NewRoot:                  s.RootBlock,
		NewBestTip:               s.BestTip,
	}
}
