package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"mina-core/internal/action"
	"mina-core/internal/ledger"
	"mina-core/internal/ledger/mask"
	"mina-core/internal/p2p"
	"mina-core/internal/p2p/kademlia"
	"mina-core/internal/p2p/rpc"
	"mina-core/internal/snarkpool"
	"mina-core/internal/syncengine"
	"mina-core/internal/txpool"
	"mina-core/internal/verifier"
)

// reify converts external events into the actions the Store dispatches.
// Reactor events already carry their action; worker completions are
// wrapped the same way by the closures that produce them.
func (n *node) reify(ev action.Event) action.Action {
	switch e := ev.(type) {
	case p2p.Event:
		return e.Action
	case wrappedAction:
		return e.a
	case gossipEvent:
		n.reifyGossip(e)
		return nil
	case verifier.Event:
		task, ok := n.verifyTasks[e.Result.ID]
		if !ok {
			return nil
		}
		delete(n.verifyTasks, e.Result.ID)
		if e.Result.Err != nil || !e.Result.Valid {
			return snarkpool.ActionWorkFetchError{Peer: task.peer}
		}
		return snarkpool.ActionCandidateVerified{Peer: task.peer, Job: task.job}
	}
	return nil
}

// verifyTask keys a verifier-pool result back to the candidate it judges.
type verifyTask struct {
	peer p2p.PeerId
	job  snarkpool.JobId
}

// wrappedAction lets worker closures hand a ready action back through the
// event channel.
type wrappedAction struct{ a action.Action }

func (w wrappedAction) EventKind() action.Kind { return w.a.Kind() }

// runEffects is the post-dispatch observer: it drains every intent queue
// the reducers filled and performs the corresponding I/O. It runs on the
// event-loop goroutine, never inside a reducer.
func (n *node) runEffects(a action.Action, meta action.Meta) {
	// Subsystem fanout for peer disconnects (spec.md §4.3 cleanup).
	if pd, ok := a.(p2p.ActionPeerDisconnected); ok {
		n.kad.RemovePeer(kademlia.PeerId(pd.Peer))
		n.store.Dispatch(syncengine.ActionPeerDisconnected{Peer: pd.Peer})
		n.store.Dispatch(snarkpool.ActionPeerPrune{Peer: pd.Peer})
		delete(n.rxBuffers, n.connAddrOf(pd.Peer))
	}
	if md, ok := a.(p2p.ActionMuxDone); ok {
		if c, ok := n.st.P2p.Scheduler.Connections[md.Addr]; ok {
			n.kad.AddPeer(kademlia.PeerId(c.Peer))
		}
	}
	if in, ok := a.(p2p.ActionIncomingData); ok && in.Err == nil {
		n.consumeIncoming(in.Addr, in.Data)
	}

	if _, ok := a.(syncengine.ActionCommitSuccess); ok {
		n.commitInFlight = false
		n.stagedMask = nil
		n.st.Ledger.StagedMaskUUID = ""
	}
	if _, ok := a.(txpool.ActionApplyVerifiedDiff); ok {
		n.maybeRebroadcast()
	}

	n.pumpReactorCommands()
	n.pumpSyncRequests()
	n.pumpLedgerWork()
}

func (n *node) connAddrOf(peer p2p.PeerId) string {
	if p, ok := n.st.P2p.Peers[peer]; ok {
		return p.ConnAddr
	}
	return ""
}

func (n *node) pumpReactorCommands() {
	ctx := n.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, cmd := range n.st.P2p.Scheduler.DrainCommands() {
		n.reactor.Execute(ctx, cmd)
	}
}

// pumpSyncRequests turns the engine's outbound query intents into RPC
// frames on the owning peer's stream.
func (n *node) pumpSyncRequests() {
	for _, req := range n.st.TransitionFrontierS.DrainRequests() {
		if err := n.sendSyncQuery(req); err != nil {
			n.log.WithError(err).WithField("peer", req.Peer).Debug("sync query send failed")
			n.store.Dispatch(syncengine.ActionPeerQueryError{
				Peer: req.Peer, RpcId: req.RpcId, Error: err.Error(),
			})
		}
	}
}

// syncQueryWire is the RPC payload for sync ledger queries.
type syncQueryWire struct {
	Kind   uint8
	Ledger uint8
	Addr   string
	Hash   []byte
}

func (n *node) sendSyncQuery(req syncengine.PeerQuery) error {
	stream, ok := n.st.P2p.RpcStream(req.Peer)
	if !ok {
		return fmt.Errorf("peer %s has no rpc stream", req.Peer)
	}
	peer := n.st.P2p.Peers[req.Peer]

	tag := rpc.TagAnswerSyncLedgerQuery
	switch req.Kind {
	case syncengine.QueryStagedLedgerParts:
		tag = rpc.TagGetStagedLedgerAuxAndPendingCoinbases
	case syncengine.QueryBlock:
		tag = rpc.TagGetTransitionChain
	}
	payload, err := rlp.EncodeToBytes(syncQueryWire{
		Kind: uint8(req.Kind), Ledger: uint8(req.Ledger),
		Addr: req.Addr.Key(), Hash: req.Hash[:],
	})
	if err != nil {
		return fmt.Errorf("encode sync query: %w", err)
	}
	frame, err := stream.SendQuery(tag, 1, payload)
	if err != nil {
		return fmt.Errorf("stream busy: %w", err)
	}
	n.pendingSync[req.RpcId] = req
	n.frameToSync[frame.ID] = req.RpcId

	raw, err := rpc.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode rpc frame: %w", err)
	}
	n.store.Dispatch(p2p.ActionSend{Addr: peer.ConnAddr, Data: raw})
	return nil
}

// consumeIncoming accumulates per-connection bytes and decodes complete
// RPC frames. Response frames are matched to the outstanding sync query
// and dispatched as the typed completion action.
func (n *node) consumeIncoming(addr string, data []byte) {
	conn, ok := n.st.P2p.Scheduler.Connections[addr]
	if !ok || conn.State != p2p.ConnEstablished {
		return
	}
	buf := append(n.rxBuffers[addr], data...)
	for {
		r := bytes.NewReader(buf)
		frame, err := rpc.Decode(r)
		if err != nil {
			// Incomplete frame: wait for more bytes.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			n.store.Dispatch(p2p.ActionSchedulerError{Addr: addr, Err: p2p.ErrProtocol})
			delete(n.rxBuffers, addr)
			return
		}
		buf = buf[len(buf)-r.Len():]
		n.handleFrame(conn, frame)
	}
	n.rxBuffers[addr] = buf
}

func (n *node) handleFrame(conn *p2p.Connection, frame rpc.Frame) {
	switch frame.Kind {
	case rpc.KindHeartbeat, rpc.KindHandshake:
		return
	case rpc.KindResponse:
		query, err := conn.Rpc.ReceiveResponse(frame)
		if err != nil {
			n.log.WithError(err).Debug("rpc response rejected")
			if err == rpc.ErrResponseTooLarge {
				n.store.Dispatch(p2p.ActionSchedulerError{Addr: conn.Addr, Err: p2p.ErrSizeLimit})
			}
			return
		}
		syncID, ok := n.frameToSync[frame.ID]
		if !ok {
			return
		}
		delete(n.frameToSync, frame.ID)
		req, ok := n.pendingSync[syncID]
		if !ok {
			return
		}
		delete(n.pendingSync, syncID)
		n.dispatchSyncResponse(req, query.Tag, frame.Payload)
	case rpc.KindQuery:
		n.answerPeerQuery(conn, frame)
	}
}

// Wire shapes for sync responses.
type numAccountsWire struct {
	Count        uint64
	ContentsHash []byte
}

type childHashesWire struct {
	Left  []byte
	Right []byte
}

type accountWire struct {
	PublicKey string
	TokenId   uint64
	Nonce     uint64
	Balance   []byte
	Delegate  string
}

type childContentsWire struct {
	Accounts []accountWire
}

func to32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

func (n *node) dispatchSyncResponse(req syncengine.PeerQuery, _ rpc.Tag, payload []byte) {
	switch req.Kind {
	case syncengine.QueryNumAccounts:
		var w numAccountsWire
		if err := rlp.DecodeBytes(payload, &w); err != nil {
			n.store.Dispatch(syncengine.ActionPeerQueryError{Peer: req.Peer, RpcId: req.RpcId, Error: "decode"})
			return
		}
		n.store.Dispatch(syncengine.ActionNumAccountsReceived{
			Ledger: req.Ledger, Peer: req.Peer, RpcId: req.RpcId,
			Count: w.Count, ContentsHash: to32(w.ContentsHash),
		})
	case syncengine.QueryChildHashes:
		var w childHashesWire
		if err := rlp.DecodeBytes(payload, &w); err != nil {
			n.store.Dispatch(syncengine.ActionPeerQueryError{Peer: req.Peer, RpcId: req.RpcId, Error: "decode"})
			return
		}
		n.store.Dispatch(syncengine.ActionChildHashesReceived{
			Ledger: req.Ledger, Peer: req.Peer, RpcId: req.RpcId,
			Addr: req.Addr, Left: to32(w.Left), Right: to32(w.Right),
		})
	case syncengine.QueryChildContents:
		var w childContentsWire
		if err := rlp.DecodeBytes(payload, &w); err != nil {
			n.store.Dispatch(syncengine.ActionPeerQueryError{Peer: req.Peer, RpcId: req.RpcId, Error: "decode"})
			return
		}
		accounts := make([]*ledger.Account, 0, len(w.Accounts))
		for _, aw := range w.Accounts {
			accounts = append(accounts, &ledger.Account{
				PublicKey:   aw.PublicKey,
				TokenId:     ledger.TokenId(aw.TokenId),
				Nonce:       aw.Nonce,
				Balance:     new(uint256.Int).SetBytes(aw.Balance),
				Delegate:    aw.Delegate,
				Permissions: ledger.DefaultPermissions(),
			})
		}
		n.store.Dispatch(syncengine.ActionChildAccountsReceived{
			Ledger: req.Ledger, Peer: req.Peer, RpcId: req.RpcId,
			Addr: req.Addr, Accounts: accounts,
		})
	case syncengine.QueryStagedLedgerParts:
		n.store.Dispatch(syncengine.ActionStagedPartsFetchSuccess{Peer: req.Peer, RpcId: req.RpcId})
		n.reconstructStaged()
	case syncengine.QueryBlock:
		var w blockWire
		if err := rlp.DecodeBytes(payload, &w); err != nil {
			n.store.Dispatch(syncengine.ActionPeerQueryError{Peer: req.Peer, RpcId: req.RpcId, Error: "decode"})
			return
		}
		n.store.Dispatch(syncengine.ActionBlockFetchSuccess{Peer: req.Peer, Block: w.toBlock()})
	}
}

type blockWire struct {
	PreviousStateHash []byte
	BodyHash          []byte
	BlockchainLength  uint64
	GlobalSlot        uint64
	SnarkedLedgerHash []byte
	StagedLedgerHash  []byte
	StakingLedger     []byte
	NextEpochLedger   []byte
	Version           string
	GenesisStateHash  []byte
	Delta             uint32
	Body              []byte
}

func (w blockWire) toBlock() *syncengine.Block {
	return &syncengine.Block{
		Header: syncengine.Header{
			ProtocolState: syncengine.ProtocolState{
				PreviousStateHash:   to32(w.PreviousStateHash),
				BodyHash:            to32(w.BodyHash),
				BlockchainLength:    w.BlockchainLength,
				GlobalSlot:          w.GlobalSlot,
				SnarkedLedgerHash:   to32(w.SnarkedLedgerHash),
				StagedLedgerHash:    to32(w.StagedLedgerHash),
				StakingLedgerHash:   to32(w.StakingLedger),
				NextEpochLedgerHash: to32(w.NextEpochLedger),
			},
			CurrentProtocolVersion: w.Version,
			GenesisStateHash:       to32(w.GenesisStateHash),
			Delta:                  w.Delta,
		},
		Body: syncengine.Body{Payload: w.Body},
	}
}

// answerPeerQuery serves the responder side of the supported RPCs from
// local state and the ledger.
func (n *node) answerPeerQuery(conn *p2p.Connection, frame rpc.Frame) {
	switch frame.Tag {
	case rpc.TagGetBestTip:
		tip := n.st.TransitionFrontierS.BestTip
		if tip == nil {
			return
		}
		ps := tip.Header.ProtocolState
		payload, err := rlp.EncodeToBytes(blockWire{
			PreviousStateHash: ps.PreviousStateHash[:],
			BodyHash:          ps.BodyHash[:],
			BlockchainLength:  ps.BlockchainLength,
			GlobalSlot:        ps.GlobalSlot,
			SnarkedLedgerHash: ps.SnarkedLedgerHash[:],
			StagedLedgerHash:  ps.StagedLedgerHash[:],
			StakingLedger:     ps.StakingLedgerHash[:],
			NextEpochLedger:   ps.NextEpochLedgerHash[:],
			Version:           tip.Header.CurrentProtocolVersion,
			GenesisStateHash:  tip.Header.GenesisStateHash[:],
			Delta:             tip.Header.Delta,
			Body:              tip.Body.Payload,
		})
		if err != nil {
			return
		}
		n.replyFrame(conn, frame.ID, payload)
		return
	case rpc.TagGetSomeInitialPeers:
		addrs := make([]string, 0, len(n.st.P2p.Peers))
		for _, p := range n.st.P2p.Peers {
			if p.Status == p2p.PeerReady {
				addrs = append(addrs, p.ConnAddr)
			}
		}
		payload, err := rlp.EncodeToBytes(addrs)
		if err != nil {
			return
		}
		n.replyFrame(conn, frame.ID, payload)
		return
	}

	var q syncQueryWire
	if err := rlp.DecodeBytes(frame.Payload, &q); err != nil {
		return
	}
	var payload []byte
	switch syncengine.QueryKind(q.Kind) {
	case syncengine.QueryNumAccounts:
		count := uint64(n.rootMask.NumAccounts())
		h := ledger.TreeHeightForNumAccounts(count, n.rootMask.Depth())
		addr := ledger.RootAddress()
		for i := 0; i < n.rootMask.Depth()-h; i++ {
			addr = addr.ChildLeft()
		}
		contents, err := n.rootMask.HashAt(addr)
		if err != nil {
			return
		}
		payload, _ = rlp.EncodeToBytes(numAccountsWire{Count: count, ContentsHash: contents[:]})
	case syncengine.QueryChildHashes:
		addr, ok := parseAddrKey(q.Addr, n.rootMask.Depth())
		if !ok {
			return
		}
		l, r, err := n.ledger.ChildHashesGet(n.rootMask, addr)
		if err != nil {
			return
		}
		payload, _ = rlp.EncodeToBytes(childHashesWire{Left: l[:], Right: r[:]})
	case syncengine.QueryChildContents:
		addr, ok := parseAddrKey(q.Addr, n.rootMask.Depth())
		if !ok {
			return
		}
		accounts := n.ledger.CopySnarkedLedgerContentsForSync(n.rootMask, addr)
		w := childContentsWire{}
		for _, a := range accounts {
			var bal []byte
			if a.Balance != nil {
				bal = a.Balance.Bytes()
			}
			w.Accounts = append(w.Accounts, accountWire{
				PublicKey: a.PublicKey, TokenId: uint64(a.TokenId),
				Nonce: a.Nonce, Balance: bal, Delegate: a.Delegate,
			})
		}
		payload, _ = rlp.EncodeToBytes(w)
	default:
		return
	}
	n.replyFrame(conn, frame.ID, payload)
}

func (n *node) replyFrame(conn *p2p.Connection, id uint64, payload []byte) {
	resp, err := rpc.Encode(rpc.Frame{Kind: rpc.KindResponse, ID: id, Payload: payload})
	if err != nil {
		return
	}
	n.store.Dispatch(p2p.ActionSend{Addr: conn.Addr, Data: resp})
}

// parseAddrKey reverses Address.Key()'s "addr(LRL...)" rendering.
func parseAddrKey(key string, depth int) (ledger.Address, bool) {
	if len(key) < len("addr()") || key[:5] != "addr(" || key[len(key)-1] != ')' {
		return ledger.Address{}, false
	}
	path := key[5 : len(key)-1]
	addr := ledger.RootAddress()
	for _, ch := range path {
		switch ch {
		case 'L':
			addr = addr.ChildLeft()
		case 'R':
			addr = addr.ChildRight()
		default:
			return ledger.Address{}, false
		}
	}
	if addr.Length() > depth {
		return ledger.Address{}, false
	}
	return addr, true
}

// pumpLedgerWork hands queued install/apply/commit work to the
// LedgerManager, with completions returning through the event channel.
func (n *node) pumpLedgerWork() {
	sync := n.st.TransitionFrontierS

	installs := sync.AccountsToInstall
	sync.AccountsToInstall = nil
	for _, in := range installs {
		in := in
		n.ledger.Do(func() {
			if err := n.rootMask.SetAllAccountsRootedAt(in.Addr, in.Accounts); err != nil {
				n.log.WithError(err).Warn("account install failed")
			}
		})
	}

	applies := sync.ApplyQueue
	sync.ApplyQueue = nil
	for _, b := range applies {
		hash := b.Hash()
		n.ledger.Do(func() {
			// Block application: the body's command effects belong to the
			// staged-ledger collaborator; the worker anchors the block and
			// reports completion.
			n.ledgerEvents <- wrappedAction{a: syncengine.ActionBlockApplySuccess{Hash: hash}}
		})
	}

	if sync.PendingCommit != nil && !n.commitInFlight {
		n.commitInFlight = true
		staged := n.stagedMask
		n.ledger.Do(func() {
			// Commit flushes the staged overlay into the root and
			// reparents its children so the overlay can be dropped
			// (spec.md §4.4.3's ledgers_to_keep contract).
			if staged != nil {
				if err := staged.Commit(); err != nil {
					n.log.WithError(err).Warn("staged mask commit failed")
				} else if err := staged.ReparentChildren(); err != nil {
					n.log.WithError(err).Warn("staged mask reparent failed")
				} else {
					n.ledger.UnregisterMask(staged.GetUUID())
				}
			}
			n.ledgerEvents <- wrappedAction{a: syncengine.ActionCommitSuccess{}}
		})
	}
}

// reconstructStaged lays a fresh staged mask over the root and asks the
// LedgerManager to rebuild it from the fetched parts.
func (n *node) reconstructStaged() {
	if n.stagedMask == nil {
		n.stagedMask = mask.NewAttached(n.rootMask)
		n.ledger.RegisterMask(n.stagedMask)
		n.st.Ledger.StagedMaskUUID = n.stagedMask.GetUUID()
	}
	n.ledger.Do(func() {
		n.ledgerEvents <- wrappedAction{a: syncengine.ActionStagedReconstructResult{}}
	})
}
