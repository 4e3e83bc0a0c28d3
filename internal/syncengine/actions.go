package syncengine

import (
	"time"

	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
)

// StateReader is the read view sync actions need: mutable access to the
// transition-frontier substate is granted only to the reducer; the p2p
// substate is consulted read-only for peer selection.
type StateReader interface {
	TransitionFrontier() *SyncState
	P2pState() *p2p.P2pState
}

func syncOf(state any) *SyncState {
	r, ok := state.(StateReader)
	if !ok {
		return nil
	}
	return r.TransitionFrontier()
}

// ActionBestTipUpdate retargets the engine at a consensus-selected best
// tip. It both starts an Init engine and redirects a mid-sync one.
type ActionBestTipUpdate struct {
	Root      *Block
	Inbetween []*Block
	Tip       *Block
}

func (ActionBestTipUpdate) Kind() action.Kind { return action.KindTransitionFrontier }
func (a ActionBestTipUpdate) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	if s == nil || a.Root == nil || a.Tip == nil {
		return false
	}
	return ValidateChain(a.Root, a.Inbetween, a.Tip) == nil
}

// ActionPeersQuery is the periodic tick assigning work to ready peers in
// whatever phase the engine is in.
type ActionPeersQuery struct{}

func (ActionPeersQuery) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionPeersQuery) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase != PhaseInit && s.Phase != PhaseSynced
}

// ActionNumAccountsReceived carries a peer's NumAccounts response.
type ActionNumAccountsReceived struct {
	Ledger       LedgerKind
	Peer         p2p.PeerId
	RpcId        uint64
	Count        uint64
	ContentsHash [32]byte
}

func (ActionNumAccountsReceived) Kind() action.Kind { return action.KindTransitionFrontier }
func (a ActionNumAccountsReceived) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	if s == nil {
		return false
	}
	ls := s.ledgerByKind(a.Ledger)
	return ls != nil && ls.Phase == LedgerNumAccountsPending
}

// ActionChildHashesReceived carries a WhatChildHashes response.
type ActionChildHashesReceived struct {
	Ledger LedgerKind
	Peer   p2p.PeerId
	RpcId  uint64
	Addr   ledger.Address
	Left   [32]byte
	Right  [32]byte
}

func (ActionChildHashesReceived) Kind() action.Kind { return action.KindTransitionFrontier }
func (a ActionChildHashesReceived) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	if s == nil {
		return false
	}
	ls := s.ledgerByKind(a.Ledger)
	return ls != nil && ls.Phase == LedgerMerkleTreeSyncPending
}

// ActionChildAccountsReceived carries a WhatContents response.
type ActionChildAccountsReceived struct {
	Ledger   LedgerKind
	Peer     p2p.PeerId
	RpcId    uint64
	Addr     ledger.Address
	Accounts []*ledger.Account
}

func (ActionChildAccountsReceived) Kind() action.Kind { return action.KindTransitionFrontier }
func (a ActionChildAccountsReceived) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	if s == nil {
		return false
	}
	ls := s.ledgerByKind(a.Ledger)
	return ls != nil && ls.Phase == LedgerMerkleTreeSyncPending
}

// ActionPeerQueryError records a failed outbound query: timeout, transport
// error, or peer disconnect, keyed by rpc id.
type ActionPeerQueryError struct {
	Peer  p2p.PeerId
	RpcId uint64
	Error string
}

func (ActionPeerQueryError) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionPeerQueryError) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase != PhaseInit
}

// ActionPeerDisconnected errors every pending attempt held by the peer
// across all sync substates; the Store fans it out from the p2p reducer's
// disconnect notification.
type ActionPeerDisconnected struct{ Peer p2p.PeerId }

func (ActionPeerDisconnected) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionPeerDisconnected) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase != PhaseInit && s.Phase != PhaseSynced
}

// ActionStagedPartsFetchSuccess records the staged-ledger parts arriving.
type ActionStagedPartsFetchSuccess struct {
	Peer  p2p.PeerId
	RpcId uint64
}

func (ActionStagedPartsFetchSuccess) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionStagedPartsFetchSuccess) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Staged != nil && !s.Staged.Fetched
}

// ActionStagedReconstructResult records the LedgerManager finishing (or
// failing) the staged-ledger reconstruction.
type ActionStagedReconstructResult struct{ Err string }

func (ActionStagedReconstructResult) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionStagedReconstructResult) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Staged != nil && s.Staged.Fetched && !s.Staged.Reconstructed
}

// ActionBlockFetchSuccess records a fetched block.
type ActionBlockFetchSuccess struct {
	Peer  p2p.PeerId
	Block *Block
}

func (ActionBlockFetchSuccess) Kind() action.Kind { return action.KindTransitionFrontier }
func (a ActionBlockFetchSuccess) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase == PhaseBlocksPending && a.Block != nil
}

// ActionNextApplyInit hands the next eligible block to the LedgerManager.
type ActionNextApplyInit struct{}

func (ActionNextApplyInit) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionNextApplyInit) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase == PhaseBlocksPending && s.nextApplyCandidate() != nil
}

// ActionBlockApplySuccess records the LedgerManager finishing one apply.
type ActionBlockApplySuccess struct{ Hash [32]byte }

func (ActionBlockApplySuccess) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionBlockApplySuccess) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase == PhaseBlocksPending
}

// ActionCommit finalizes a completed blocks phase: the mask stack is
// reparented onto the new root and the engine reaches Synced.
type ActionCommit struct{ LedgersToKeep []string }

func (ActionCommit) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionCommit) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase == PhaseBlocksSuccess
}

// ActionCommitSuccess records the LedgerManager finishing the commit.
type ActionCommitSuccess struct{}

func (ActionCommitSuccess) Kind() action.Kind { return action.KindTransitionFrontier }
func (ActionCommitSuccess) IsEnabled(state any, _ time.Time) bool {
	s := syncOf(state)
	return s != nil && s.Phase == PhaseBlocksSuccess && s.PendingCommit != nil
}

func (s *SyncState) ledgerByKind(k LedgerKind) *LedgerSync {
	switch k {
	case LedgerStaking:
		return s.Staking
	case LedgerNextEpoch:
		return s.NextEpoch
	case LedgerRoot:
		return s.Root
	}
	return nil
}

var log = logrus.WithField("component", "syncengine")

// Reduce is the transition-frontier reducer.
func Reduce(st StateReader, a action.Action, meta action.Meta, d action.Dispatcher) {
	s := st.TransitionFrontier()
	switch act := a.(type) {
	case ActionBestTipUpdate:
		s.applyBestTipUpdate(act.Root, act.Inbetween, act.Tip)
		log.WithFields(logrus.Fields{"phase": s.Phase, "height": act.Tip.Header.ProtocolState.BlockchainLength}).Info("best tip updated")
		d.Dispatch(ActionPeersQuery{})

	case ActionPeersQuery:
		peers := st.P2pState().ReadyRPCPeers()
		if len(peers) == 0 {
			return
		}
		if ls, kind := s.CurrentLedger(); ls != nil {
			switch ls.Phase {
			case LedgerInit, LedgerNumAccountsPending:
				s.queryNumAccounts(ls, kind, peers, meta.Time)
			case LedgerMerkleTreeSyncPending:
				s.peersQueryLedger(ls, kind, peers, meta.Time)
			}
			// The root ledger additionally needs the staged-ledger parts.
			if kind == LedgerRoot && ls.Done() && s.Staged != nil && !s.Staged.Fetched {
				s.queryStagedParts(peers, meta.Time)
			}
			return
		}
		if s.Phase == PhaseBlocksPending {
			s.blocksPeersQuery(peers, meta.Time)
			d.Dispatch(ActionNextApplyInit{})
		}

	case ActionNumAccountsReceived:
		ls := s.ledgerByKind(act.Ledger)
		if a, ok := ls.NumAccountsAttempts[act.Peer]; ok && a.Status == AttemptPending {
			a.Status = AttemptSuccess
		}
		if CheckNumAccounts(act.Count, act.ContentsHash, ls.Target, ledger.Depth) {
			ls.acceptNumAccounts(act.Count, act.ContentsHash, ledger.Depth)
			d.Dispatch(ActionPeersQuery{})
		} else {
			log.WithField("peer", act.Peer).Warn("num accounts response rejected")
			if a, ok := ls.NumAccountsAttempts[act.Peer]; ok {
				a.Status = AttemptError
				a.Error = "num_accounts_rejected"
			}
			d.Dispatch(p2p.ActionDisconnect{Peer: act.Peer, Reason: p2p.ErrNumAccountsRejected})
		}

	case ActionChildHashesReceived:
		ls := s.ledgerByKind(act.Ledger)
		if err := s.onChildHashes(ls, act.Addr, act.Peer, act.Left, act.Right, nil); err != nil {
			log.WithError(err).Debug("child hashes rejected")
		}
		s.afterLedgerStep(ls, act.Ledger, d)

	case ActionChildAccountsReceived:
		ls := s.ledgerByKind(act.Ledger)
		if err := s.onChildAccounts(ls, act.Addr, act.Peer, act.Accounts); err != nil {
			log.WithError(err).Debug("child accounts rejected")
		} else {
			s.AccountsToInstall = append(s.AccountsToInstall, InstallAccounts{
				Ledger: act.Ledger, Addr: act.Addr, Accounts: act.Accounts,
			})
		}
		s.afterLedgerStep(ls, act.Ledger, d)

	case ActionPeerQueryError:
		if ls, _ := s.CurrentLedger(); ls != nil {
			s.onPeerError(ls, act.Peer, act.RpcId, act.Error, meta.Time)
		}
		s.onBlockPeerError(act.Peer, act.RpcId, act.Error, meta.Time)
		if s.Staged != nil {
			if a, ok := s.Staged.Attempts[act.Peer]; ok && a.RpcId == act.RpcId && a.Status == AttemptPending {
				a.Status = AttemptError
				a.Error = act.Error
				a.Since = meta.Time
			}
		}

	case ActionPeerDisconnected:
		for _, ls := range []*LedgerSync{s.Staking, s.NextEpoch, s.Root} {
			if ls != nil {
				s.onPeerDisconnected(ls, act.Peer, meta.Time)
			}
		}
		if s.Staged != nil {
			if a, ok := s.Staged.Attempts[act.Peer]; ok && a.Status == AttemptPending {
				a.Status = AttemptError
				a.Error = "disconnected"
				a.Since = meta.Time
			}
		}
		for _, sb := range s.Chain {
			if a, ok := sb.Attempts[act.Peer]; ok && a.Status == AttemptPending {
				a.Status = AttemptError
				a.Error = "disconnected"
				a.Since = meta.Time
			}
		}

	case ActionStagedPartsFetchSuccess:
		if a, ok := s.Staged.Attempts[act.Peer]; ok && a.RpcId == act.RpcId {
			a.Status = AttemptSuccess
		}
		s.Staged.Fetched = true

	case ActionStagedReconstructResult:
		if act.Err != "" {
			// Retry with a different peer on the next PeersQuery tick.
			s.Staged.Fetched = false
			log.WithField("err", act.Err).Warn("staged ledger reconstruct failed")
			return
		}
		s.Staged.Reconstructed = true
		s.advanceLedgerPhases()
		d.Dispatch(ActionPeersQuery{})

	case ActionBlockFetchSuccess:
		if s.onBlockFetched(act.Peer, act.Block) {
			d.Dispatch(ActionNextApplyInit{})
		}

	case ActionNextApplyInit:
		sb := s.nextApplyCandidate()
		sb.State = BlockApplyPending
		s.ApplyQueue = append(s.ApplyQueue, sb.Block)

	case ActionBlockApplySuccess:
		s.onBlockApplied(act.Hash)
		if s.Phase == PhaseBlocksSuccess {
			log.Info("blocks phase complete")
			d.Dispatch(ActionCommit{})
		} else {
			d.Dispatch(ActionNextApplyInit{})
		}

	case ActionCommit:
		c := s.BuildCommit(act.LedgersToKeep)
		s.PendingCommit = &c

	case ActionCommitSuccess:
		s.BestChain = append(append([]*Block{s.RootBlock}, s.BlocksInbetween...), s.BestTip)
		s.PendingCommit = nil
		s.Phase = PhaseSynced
		log.WithField("height", s.BestTip.Header.ProtocolState.BlockchainLength).Info("synced")
	}
}

// afterLedgerStep advances phases once a ledger completes: the staking and
// next-epoch ledgers roll straight into the next phase; the root ledger
// additionally waits on the staged-ledger reconstruct.
func (s *SyncState) afterLedgerStep(ls *LedgerSync, kind LedgerKind, d action.Dispatcher) {
	if !ls.Done() {
		return
	}
	if kind == LedgerRoot && s.Staged == nil {
		s.Staged = &StagedFetch{
			TargetStagedHash: s.RootBlock.Header.ProtocolState.StagedLedgerHash,
			Attempts:         make(map[p2p.PeerId]*Attempt),
		}
	}
	s.advanceLedgerPhases()
	d.Dispatch(ActionPeersQuery{})
}

// queryNumAccounts sends the NumAccounts query to the most senior ready
// peer that has no attempt yet or whose last attempt errored.
func (s *SyncState) queryNumAccounts(ls *LedgerSync, kind LedgerKind, peers []p2p.PeerId, now time.Time) {
	for _, peer := range peers {
		if a, ok := ls.NumAccountsAttempts[peer]; ok && a.Status != AttemptError {
			continue
		}
		rpcId := s.NextRpcId()
		ls.NumAccountsAttempts[peer] = &Attempt{Status: AttemptPending, RpcId: rpcId, Since: now}
		ls.Phase = LedgerNumAccountsPending
		s.PendingRequests = append(s.PendingRequests, PeerQuery{
			Peer: peer, Kind: QueryNumAccounts, Ledger: kind, Hash: ls.Target, RpcId: rpcId,
		})
		return
	}
}

// queryStagedParts requests the staged-ledger aux and pending coinbases
// from a peer not yet tried (spec.md §4.4.2).
func (s *SyncState) queryStagedParts(peers []p2p.PeerId, now time.Time) {
	for _, peer := range peers {
		if _, ok := s.Staged.Attempts[peer]; ok {
			continue
		}
		rpcId := s.NextRpcId()
		s.Staged.Attempts[peer] = &Attempt{Status: AttemptPending, RpcId: rpcId, Since: now}
		s.PendingRequests = append(s.PendingRequests, PeerQuery{
			Peer: peer, Kind: QueryStagedLedgerParts, Hash: s.Staged.TargetStagedHash, RpcId: rpcId,
		})
		return
	}
}
