package rpcapi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"mina-core/internal/action"
	"mina-core/internal/eventsource"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
	"mina-core/internal/p2p/kademlia"
	"mina-core/internal/snarkpool"
	"mina-core/internal/state"
	"mina-core/internal/store"
	"mina-core/internal/syncengine"
	"mina-core/internal/txpool"
	"mina-core/internal/verifier"
)

// Deps are the collaborators the responder answers from. It runs on the
// event loop (via EventSource.SetRpcHandler), so reading state and making
// synchronous LedgerManager requests here is safe.
type Deps struct {
	Store    *store.Store
	Ledger   *ledger.Manager
	RootMask func() ledger.BaseLedger
	Kademlia *kademlia.Table
	Verifier *verifier.Pool

	SnarkerPublicKey string
	SnarkerFee       uint64
	ChainID          string
}

// NewResponder builds the event-loop-side handler for frontend requests.
func NewResponder(deps Deps) func(req eventsource.RpcRequest, d action.Dispatcher) {
	return func(req eventsource.RpcRequest, d action.Dispatcher) {
		resp := respond(deps, req, d)
		if req.Reply != nil {
			req.Reply <- resp
		}
	}
}

func respond(deps Deps, req eventsource.RpcRequest, d action.Dispatcher) any {
	st := deps.Store.State()
	switch req.Kind {
	case KindState:
		filter, _ := req.Payload.(string)
		return filterView(stateView(st), filter)

	case KindStatus:
		return map[string]any{
			"chain_id":              deps.ChainID,
			"phase":                 phaseName(st.TransitionFrontierS.Phase),
			"applied_actions_count": st.AppliedActionsCount,
			"peers":                 len(st.P2p.Peers),
			"transaction_pool_size": st.TransactionPool.Size(),
		}

	case KindHealthz:
		return true

	case KindReadyz:
		return st.TransitionFrontierS.Phase == syncengine.PhaseSynced

	case KindPeers:
		type peerView struct {
			ID           string    `json:"peer_id"`
			Status       string    `json:"status"`
			ConnAddr     string    `json:"conn_addr"`
			ConnectedAt  time.Time `json:"connected_at"`
			RPCCapable   bool      `json:"rpc_capable"`
		}
		out := make([]peerView, 0, len(st.P2p.Peers))
		for _, p := range st.P2p.Peers {
			out = append(out, peerView{
				ID: string(p.ID), Status: peerStatusName(p.Status),
				ConnAddr: p.ConnAddr, ConnectedAt: p.ConnectedAt, RPCCapable: p.RPCCapable,
			})
		}
		return out

	case KindMessageProgress:
		out := make(map[string]any, len(st.P2p.Scheduler.Connections))
		for addr, c := range st.P2p.Scheduler.Connections {
			out[addr] = c.Stats
		}
		return out

	case KindStatsActions:
		ref, _ := req.Payload.(string)
		if ref == "" || ref == "latest" {
			if id, ok := st.Stats.Latest(); ok {
				rec, _ := st.Stats.Get(id)
				return map[string]any{"id": id, "record": rec, "summary": st.Stats.Summaries()}
			}
			return map[string]any{"summary": st.Stats.Summaries()}
		}
		id, err := strconv.ParseUint(ref, 10, 64)
		if err != nil {
			return fmt.Errorf("bad id %q", ref)
		}
		rec, ok := st.Stats.Get(id)
		if !ok {
			return fmt.Errorf("action %d no longer recorded", id)
		}
		return map[string]any{"id": id, "record": rec}

	case KindStatsSync:
		// The engine keeps only its live state; the endpoint returns the
		// current snapshot as a one-element page regardless of limit.
		return []any{syncSnapshot(st.TransitionFrontierS)}

	case KindStatsBlockProducer:
		return st.BlockProducer

	case KindScanStateSummary:
		return st.SnarkPoolS.Summary()

	case KindSnarkPoolJobs:
		return st.SnarkPoolS.Jobs()

	case KindSnarkPoolJob:
		id, _ := req.Payload.(string)
		j, ok := st.SnarkPoolS.Job(snarkpool.JobId(id))
		if !ok {
			return fmt.Errorf("unknown snark job %q", id)
		}
		return j

	case KindSnarkerJobCommit:
		id, _ := req.Payload.(string)
		ok := deps.Store.State().SnarkPoolS.Commit(
			snarkpool.JobId(id), deps.SnarkerPublicKey,
			uint256.NewInt(deps.SnarkerFee), time.Now(),
		)
		if !ok {
			return fmt.Errorf("unknown snark job %q", id)
		}
		return map[string]string{"committed": id}

	case KindSnarkerJobSpec:
		id, _ := req.Payload.(string)
		j, ok := st.SnarkPoolS.Job(snarkpool.JobId(id))
		if !ok {
			return fmt.Errorf("unknown snark job %q", id)
		}
		return map[string]any{"job_id": j.Job, "fee": deps.SnarkerFee}

	case KindSnarkerWorkers:
		workers := 0
		if deps.Verifier != nil {
			workers = deps.Verifier.Workers()
		}
		return map[string]any{"verifier_workers": workers, "external_worker": st.ExternalSnarkWorker}

	case KindSnarkerConfig:
		return map[string]any{"public_key": deps.SnarkerPublicKey, "fee": deps.SnarkerFee}

	case KindTransactionPool:
		return st.TransactionPool.All()

	case KindSendPayment:
		body, ok := req.Payload.(SendPaymentRequest)
		if !ok {
			return fmt.Errorf("bad payment payload")
		}
		return applyPayment(deps, st, body, d)

	case KindBestChainUserCommands:
		out := make([]any, 0, len(st.TransitionFrontierS.BestChain))
		for _, b := range st.TransitionFrontierS.BestChain {
			out = append(out, map[string]any{
				"hash":   fmt.Sprintf("%x", b.Hash()),
				"height": b.Header.ProtocolState.BlockchainLength,
			})
		}
		return out

	case KindAccounts:
		mask := deps.RootMask()
		if mask == nil {
			return []any{}
		}
		last, ok := mask.LastFilled()
		if !ok {
			return []any{}
		}
		addrs := make([]ledger.Address, 0, int(last.ToIndex())+1)
		for i := ledger.AccountIndex(0); i <= last.ToIndex(); i++ {
			addrs = append(addrs, ledger.AddressFromIndex(i, mask.Depth()))
		}
		accounts := deps.Ledger.AccountsGet(mask, addrs)
		out := make([]any, 0, len(accounts))
		for _, a := range accounts {
			if a == nil {
				continue
			}
			out = append(out, map[string]any{
				"public_key": a.PublicKey,
				"token_id":   a.TokenId,
				"nonce":      a.Nonce,
				"balance":    a.Balance.String(),
			})
		}
		return out

	case KindRoutingTable:
		return deps.Kademlia.Snapshot()

	case KindBootstrapStats:
		return deps.Kademlia.Stats()
	}
	return fmt.Errorf("unimplemented request kind %q", req.Kind)
}

// applyPayment snapshots the fee payer at the best tip and dispatches the
// pool admission action, reporting the per-command outcome.
func applyPayment(deps Deps, st *state.State, body SendPaymentRequest, d action.Dispatcher) any {
	payer := ledger.AccountId{PublicKey: body.From, TokenId: ledger.DefaultTokenId}
	snapshot := map[ledger.AccountId]txpool.AccountSnapshot{}
	if mask := deps.RootMask(); mask != nil {
		if addr, ok := mask.LocationOfAccount(payer); ok {
			if acct, err := deps.Ledger.Read(mask, addr); err == nil && acct != nil {
				snapshot[payer] = txpool.AccountSnapshot{
					Exists: true, Nonce: acct.Nonce,
					Balance: acct.Balance, Permissions: acct.Permissions,
				}
			}
		}
	}
	cmd := &txpool.Command{
		FeePayer:   payer,
		Nonce:      body.Nonce,
		Fee:        uint256.NewInt(body.Fee),
		Amount:     uint256.NewInt(body.Amount),
		ValidUntil: body.ValidUntil,
		Memo:       body.Memo,
	}
	if !d.Dispatch(txpool.ActionApplyVerifiedDiff{
		Diff: []*txpool.Command{cmd}, Slot: st.Consensus.GlobalSlot,
		Accounts: snapshot, Local: true,
	}) {
		return fmt.Errorf("payment rejected by enabling condition")
	}
	res := st.TransactionPool.LastApply
	if res == nil {
		return fmt.Errorf("pool produced no result")
	}
	if len(res.Rejected) > 0 {
		return fmt.Errorf("payment rejected: %s", res.Rejected[0].Reason)
	}
	return map[string]any{"hash": fmt.Sprintf("%x", cmd.Hash()), "accepted": true}
}

func stateView(st *state.State) map[string]any {
	return map[string]any{
		"p2p": map[string]any{
			"status": st.P2p.Status,
			"peers":  len(st.P2p.Peers),
		},
		"transition_frontier": syncSnapshot(st.TransitionFrontierS),
		"transaction_pool": map[string]any{
			"size": st.TransactionPool.Size(),
		},
		"snark_pool":            st.SnarkPoolS.Summary(),
		"last_action_time":      st.LastAction.Time,
		"applied_actions_count": st.AppliedActionsCount,
	}
}

func syncSnapshot(s *syncengine.SyncState) map[string]any {
	snap := map[string]any{"phase": phaseName(s.Phase)}
	if s.BestTip != nil {
		snap["best_tip_height"] = s.BestTip.Header.ProtocolState.BlockchainLength
	}
	for name, ls := range map[string]*syncengine.LedgerSync{
		"staking": s.Staking, "next_epoch": s.NextEpoch, "root": s.Root,
	} {
		if ls != nil {
			snap[name+"_synced_accounts"] = ls.SyncedAccountsCount
		}
	}
	applied := 0
	for _, sb := range s.Chain {
		if sb.State == syncengine.BlockApplySuccess {
			applied++
		}
	}
	snap["blocks_applied"] = applied
	return snap
}

// filterView applies a dotted-path filter over the JSON-shaped state view,
// e.g. "transition_frontier.phase".
func filterView(view map[string]any, filter string) any {
	if filter == "" {
		return view
	}
	var cur any = view
	for _, seg := range strings.Split(strings.Trim(filter, "."), ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("filter %q does not resolve", filter)
		}
		cur, ok = m[seg]
		if !ok {
			return fmt.Errorf("filter %q does not resolve", filter)
		}
	}
	return cur
}

func phaseName(p syncengine.Phase) string {
	switch p {
	case syncengine.PhaseInit:
		return "init"
	case syncengine.PhaseStakingLedgerPending:
		return "staking_ledger_pending"
	case syncengine.PhaseStakingLedgerSuccess:
		return "staking_ledger_success"
	case syncengine.PhaseNextEpochLedgerPending:
		return "next_epoch_ledger_pending"
	case syncengine.PhaseNextEpochLedgerSuccess:
		return "next_epoch_ledger_success"
	case syncengine.PhaseRootLedgerPending:
		return "root_ledger_pending"
	case syncengine.PhaseRootLedgerSuccess:
		return "root_ledger_success"
	case syncengine.PhaseBlocksPending:
		return "blocks_pending"
	case syncengine.PhaseBlocksSuccess:
		return "blocks_success"
	case syncengine.PhaseSynced:
		return "synced"
	}
	return "unknown"
}

func peerStatusName(s p2p.PeerStatus) string {
	switch s {
	case p2p.PeerConnecting:
		return "connecting"
	case p2p.PeerReady:
		return "ready"
	case p2p.PeerDisconnected:
		return "disconnected"
	}
	return "unknown"
}
