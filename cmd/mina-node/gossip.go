package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/libp2p/go-libp2p"

	"mina-core/internal/action"
	"mina-core/internal/consensus"
	"mina-core/internal/ledger"
	"mina-core/internal/p2p"
	"mina-core/internal/p2p/pubsub"
	"mina-core/internal/snarkpool"
	"mina-core/internal/txpool"
	"mina-core/internal/verifier"
)

// oracleAdapter exposes the consensus collaborator through the pubsub
// prevalidator's interface, decoding just enough of the gossiped block to
// judge its slot.
type oracleAdapter struct{ n *node }

func (o oracleAdapter) PrevalidateBlock(block []byte, now time.Time) pubsub.PrevalidateResult {
	var w blockWire
	if err := rlp.DecodeBytes(block, &w); err != nil {
		return pubsub.PrevalidateInvalid
	}
	switch o.n.oracle.PrevalidateSlot(w.GlobalSlot, now) {
	case consensus.ReceivedTooEarly:
		return pubsub.PrevalidateReceivedTooEarly
	case consensus.ReceivedTooLate:
		return pubsub.PrevalidateReceivedTooLate
	case consensus.Invalid:
		return pubsub.PrevalidateInvalid
	}
	return pubsub.PrevalidateValid
}

func (o oracleAdapter) AllowBlockTooLate([]byte) bool {
	return o.n.oracle.AllowBlockTooLate()
}

// txWire is the gossiped transaction-diff shape.
type txWire struct {
	From       string
	Nonce      uint64
	Fee        uint64
	Amount     uint64
	ValidUntil uint64
	Memo       string
}

// snarkWire is the gossiped snark-work shape.
type snarkWire struct {
	Job    string
	Prover string
	Fee    uint64
	Proof  []byte
}

// maybeRebroadcast republishes the latest accepted diff when it was
// locally generated (spec.md §4.6: rebroadcast only on Accept, only when
// not originally received via gossip).
func (n *node) maybeRebroadcast() {
	if n.gossip == nil {
		return
	}
	res := n.st.TransactionPool.LastApply
	if res == nil || !res.Rebroadcast {
		return
	}
	for _, c := range res.Accepted {
		w := txWire{
			From: c.FeePayer.PublicKey, Nonce: c.Nonce,
			ValidUntil: c.ValidUntil, Memo: c.Memo,
		}
		if c.Fee != nil {
			w.Fee = c.Fee.Uint64()
		}
		if c.Amount != nil {
			w.Amount = c.Amount.Uint64()
		}
		payload, err := rlp.EncodeToBytes(w)
		if err != nil {
			continue
		}
		go func() {
			ctx := n.runCtx
			if ctx == nil {
				ctx = context.Background()
			}
			if err := n.gossip.Publish(ctx, pubsub.TopicTxPool, payload); err != nil {
				n.log.WithError(err).Debug("tx rebroadcast failed")
			}
		}()
	}
}

// startGossip brings up the libp2p host and the three gossip topics,
// forwarding validated messages into the Store.
func (n *node) startGossip(ctx context.Context) error {
	host, err := libp2p.New(
		libp2p.ListenAddrStrings(n.cfg.P2P.ListenAddr),
	)
	if err != nil {
		return fmt.Errorf("libp2p host: %w", err)
	}
	g, err := pubsub.New(ctx, host)
	if err != nil {
		return err
	}
	n.gossip = g

	oracle := oracleAdapter{n: n}
	for _, topic := range []string{pubsub.TopicNewState, pubsub.TopicTxPool, pubsub.TopicSnarkPool} {
		msgs, err := g.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go n.consumeGossip(ctx, topic, msgs, oracle)
	}
	return nil
}

func (n *node) consumeGossip(ctx context.Context, topic string, msgs <-chan pubsub.Message, oracle oracleAdapter) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			kind := pubsub.KindOther
			if topic == pubsub.TopicNewState {
				kind = pubsub.KindNewState
			}
			switch pubsub.Validate(kind, msg.Data, oracle, time.Now()) {
			case pubsub.OutcomeIgnore:
				continue
			case pubsub.OutcomeReject:
				n.log.WithField("from", msg.From).Warn("rejecting gossip message")
				continue
			}
			ev := gossipEvent{topic: topic, from: p2p.PeerId(msg.From.String()), data: msg.Data}
			select {
			case n.gossipEvents <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// gossipEvent reifies inside the event loop so pool admission reads a
// consistent ledger snapshot.
type gossipEvent struct {
	topic string
	from  p2p.PeerId
	data  []byte
}

func (g gossipEvent) EventKind() action.Kind { return action.KindP2p }

func (n *node) reifyGossip(ev gossipEvent) {
	switch ev.topic {
	case pubsub.TopicNewState:
		var w blockWire
		if err := rlp.DecodeBytes(ev.data, &w); err != nil {
			return
		}
		candidate := w.toBlock()
		best := n.st.TransitionFrontierS.BestTip
		if n.oracle.Select(best, candidate) == candidate && candidate != best {
			n.log.WithField("height", w.BlockchainLength).Info("gossip block selected as best-tip candidate")
		}
	case pubsub.TopicTxPool:
		var w txWire
		if err := rlp.DecodeBytes(ev.data, &w); err != nil {
			return
		}
		payer := ledger.AccountId{PublicKey: w.From, TokenId: ledger.DefaultTokenId}
		snapshot := map[ledger.AccountId]txpool.AccountSnapshot{}
		if addr, ok := n.rootMask.LocationOfAccount(payer); ok {
			if acct, err := n.ledger.Read(n.rootMask, addr); err == nil && acct != nil {
				snapshot[payer] = txpool.AccountSnapshot{
					Exists: true, Nonce: acct.Nonce,
					Balance: acct.Balance, Permissions: acct.Permissions,
				}
			}
		}
		n.store.Dispatch(txpool.ActionApplyVerifiedDiff{
			Diff: []*txpool.Command{{
				FeePayer:   payer,
				Nonce:      w.Nonce,
				Fee:        uint256.NewInt(w.Fee),
				Amount:     uint256.NewInt(w.Amount),
				ValidUntil: w.ValidUntil,
				Memo:       w.Memo,
				ViaGossip:  true,
			}},
			Slot:     n.st.Consensus.GlobalSlot,
			Accounts: snapshot,
		})

	case pubsub.TopicSnarkPool:
		var w snarkWire
		if err := rlp.DecodeBytes(ev.data, &w); err != nil {
			return
		}
		job := snarkpool.JobId(w.Job)
		n.store.Dispatch(snarkpool.ActionInfoReceived{
			Peer: ev.from,
			Candidate: snarkpool.Candidate{
				Job:   job,
				Snark: snarkpool.Snark{Prover: w.Prover, Fee: uint256.NewInt(w.Fee), Proof: w.Proof},
			},
		})
		n.nextVerifyID++
		n.verifyTasks[n.nextVerifyID] = verifyTask{peer: ev.from, job: job}
		n.verify.Submit(verifier.Request{
			ID: n.nextVerifyID, Kind: verifier.TaskSnarkWork,
			Payload: append([]byte(nil), w.Proof...),
		})
	}
}
