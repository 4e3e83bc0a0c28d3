package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	flynnnoise "github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/consensus"
	"mina-core/internal/eventsource"
	"mina-core/internal/ledger"
	"mina-core/internal/ledger/mask"
	"mina-core/internal/p2p"
	"mina-core/internal/p2p/identify"
	"mina-core/internal/p2p/kademlia"
	"mina-core/internal/p2p/nat"
	"mina-core/internal/p2p/noise"
	"mina-core/internal/p2p/pubsub"
	"mina-core/internal/p2p/selectproto"
	"mina-core/internal/replay"
	"mina-core/internal/rpcapi"
	"mina-core/internal/snarkpool"
	"mina-core/internal/state"
	"mina-core/internal/store"
	"mina-core/internal/syncengine"
	"mina-core/internal/txpool"
	"mina-core/internal/verifier"
	"mina-core/pkg/config"
)

// node owns every long-lived component and the wiring between them.
type node struct {
	cfg *config.Config
	log *logrus.Entry

	st    *state.State
	store *store.Store
	es    *eventsource.EventSource

	reactor    *p2p.Reactor
	ledger     *ledger.Manager
	rootMask   *mask.Mask
	stagedMask *mask.Mask
	kad      *kademlia.Table
	gossip   *pubsub.Gossip
	verify   *verifier.Pool
	oracle   *consensus.Oracle
	frontend *rpcapi.Frontend
	recorder *replay.Recorder

	// ledgerEvents carries completions from LedgerManager closures back
	// into the event loop; gossipEvents carries validated gossip.
	ledgerEvents chan action.Event
	gossipEvents chan action.Event

	peerID p2p.PeerId

	// effects bookkeeping, touched only on the event-loop goroutine.
	runCtx         context.Context
	rxBuffers      map[string][]byte
	pendingSync    map[uint64]syncengine.PeerQuery
	frameToSync    map[uint64]uint64
	verifyTasks    map[uint64]verifyTask
	nextVerifyID   uint64
	commitInFlight bool
}

func newNode(cfg *config.Config) (*node, error) {
	n := &node{
		cfg:          cfg,
		log:          logrus.WithField("component", "node"),
		ledgerEvents: make(chan action.Event, 256),
		gossipEvents: make(chan action.Event, 256),
		rxBuffers:    make(map[string][]byte),
		pendingSync:  make(map[uint64]syncengine.PeerQuery),
		frameToSync:  make(map[uint64]uint64),
		verifyTasks:  make(map[uint64]verifyTask),
	}

	key, err := n.identityKey()
	if err != nil {
		return nil, err
	}
	n.peerID = p2p.PeerId(noise.DerivePeerId(key.Public))
	n.log.WithField("peer_id", n.peerID).Info("node identity loaded")

	ledger.Depth = cfg.Ledger.Depth
	ledger.AccountSubtreeHeight = cfg.Ledger.AccountSubtreeHeight
	db := ledger.NewDatabase(cfg.Ledger.Depth)
	n.rootMask = mask.NewRoot(db)
	n.ledger = ledger.NewManager(256)
	n.ledger.RegisterMask(n.rootMask)

	n.st = state.New(state.Config{
		P2p: p2p.Config{
			ChainID:           cfg.ChainID,
			ListenPort:        cfg.Port,
			MaxPeers:          cfg.P2P.MaxPeers,
			PnetKey:           p2p.DerivePnetKey(cfg.ChainID),
			RPCTimeout:        cfg.P2P.RPCTimeout,
			MaxSendQueueBytes: cfg.P2P.MaxSendQueueBytes,
			MaxMessageBytes:   cfg.P2P.YamuxMaxMessageBytes,
			InitialPeers:      cfg.Peers,
		},
		K:    290,
		Pool: txpool.Config{MaxSize: cfg.Pool.MaxSize, ReplaceFeeFactor: cfg.Pool.ReplaceFeeFactor},
	})
	n.st.Ledger.RootMaskUUID = n.rootMask.GetUUID()
	n.st.BlockProducer = state.BlockProducerState{Enabled: cfg.PublicKey != "", PublicKey: cfg.PublicKey}
	n.st.P2p.MakeReady(cfg.ChainID)

	n.store = store.New(n.st, nil)
	n.registerReducers()
	n.store.Observe(n.runEffects)

	n.kad = kademlia.New(kademlia.PeerId(n.peerID))
	n.oracle = consensus.Default()
	n.oracle.AllowTooLate = cfg.P2P.AllowBlockTooLate
	n.verify = verifier.NewPool(verifier.DefaultWorkers(), func(verifier.TaskKind, []byte) (bool, error) {
		// Proof verification is the external Kimchi/Plonk collaborator;
		// the in-process stand-in accepts, so only shape errors surface.
		return true, nil
	})

	n.reactor = p2p.NewReactor(4096)
	n.reactor.SetTransport(p2p.Transport{
		PSK:             n.st.P2p.Config.PnetKey,
		StaticKey:       key,
		MaxMessageBytes: cfg.P2P.YamuxMaxMessageBytes,
		LocalInfo: identify.Info{
			PeerId:      string(n.peerID),
			ListenAddrs: []string{cfg.P2P.ListenAddr},
			Protocols: []string{
				selectproto.ProtoRPC,
				selectproto.ProtoGossipSub,
				selectproto.ProtoKademlia,
				selectproto.ProtoIdentify,
			},
			AgentString: "mina-core/0.1",
		},
	})

	n.es = eventsource.New(n.store, 64)
	n.es.AddSource(n.reactor.Events())
	n.es.AddSource(n.ledgerEvents)
	n.es.AddSource(n.gossipEvents)
	n.es.AddSource(n.verifierEvents())
	n.es.SetReify(n.reify)
	n.es.AddTimeoutChecker(func(now time.Time, d action.Dispatcher) {
		p2p.CheckTimeouts(n.st.P2p, now, d)
	})
	n.es.AddTimeoutChecker(func(_ time.Time, d action.Dispatcher) {
		d.Dispatch(syncengine.ActionPeersQuery{})
	})

	n.frontend = rpcapi.New(n.es.RpcChannel())
	n.es.SetRpcHandler(rpcapi.NewResponder(rpcapi.Deps{
		Store:            n.store,
		Ledger:           n.ledger,
		RootMask:         func() ledger.BaseLedger { return n.rootMask },
		Kademlia:         n.kad,
		Verifier:         n.verify,
		SnarkerPublicKey: cfg.PublicKey,
		SnarkerFee:       cfg.Fee,
		ChainID:          cfg.ChainID,
	}))

	if mode, err := replay.ParseMode(cfg.Record); err != nil {
		return nil, err
	} else if mode == replay.ModeStateWithInputActions {
		rec, err := replay.NewRecorder(cfg.WorkDir, replay.Header{
			RngSeed:   time.Now().UnixNano(),
			CreatedAt: time.Now(),
		})
		if err != nil {
			return nil, err
		}
		n.recorder = rec
		n.store.Observe(n.recordAction)
	}
	return n, nil
}

func (n *node) registerReducers() {
	n.store.Register(action.KindP2p, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		p2p.Reduce(sub.P2p(), a, m, d)
	})
	n.store.Register(action.KindTransitionFrontier, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		syncengine.Reduce(sub.State(), a, m, d)
	})
	n.store.Register(action.KindTransactionPool, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		txpool.Reduce(sub.State(), a, m, d)
	})
	n.store.Register(action.KindSnarkPool, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		snarkpool.Reduce(sub.State(), a, m, d)
	})
	n.store.Register(action.KindEventSource, func(sub state.Substate, a action.Action, m action.Meta, d action.Dispatcher) {
		eventsource.Reduce(sub, a, m, d)
	})
}

// identityKey loads (or derives, or generates-and-persists) the node's
// Noise static keypair. An explicit --p2p-secret-key wins; otherwise the
// work directory's persisted key is reused across restarts.
func (n *node) identityKey() (flynnnoise.DHKey, error) {
	if n.cfg.P2PSecretKey != "" {
		seed := sha256.Sum256([]byte(n.cfg.P2PSecretKey))
		return flynnnoise.DH25519.GenerateKeypair(bytes.NewReader(append(seed[:], seed[:]...)))
	}
	if err := os.MkdirAll(n.cfg.WorkDir, 0o700); err != nil {
		return flynnnoise.DHKey{}, fmt.Errorf("create work dir: %w", err)
	}
	path := filepath.Join(n.cfg.WorkDir, "p2p_key")
	if raw, err := os.ReadFile(path); err == nil {
		seed, err := hex.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil || len(seed) != 32 {
			return flynnnoise.DHKey{}, fmt.Errorf("corrupt p2p key at %s", path)
		}
		return flynnnoise.DH25519.GenerateKeypair(bytes.NewReader(append(seed, seed...)))
	}
	var seed [32]byte
	key, err := noise.GenerateStaticKey()
	if err != nil {
		return flynnnoise.DHKey{}, fmt.Errorf("generate p2p key: %w", err)
	}
	copy(seed[:], key.Private)
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed[:])), 0o600); err != nil {
		return flynnnoise.DHKey{}, fmt.Errorf("persist p2p key: %w", err)
	}
	return flynnnoise.DH25519.GenerateKeypair(bytes.NewReader(append(seed[:], seed[:]...)))
}

// verifierEvents adapts the verifier pool's result channel into the event
// stream.
func (n *node) verifierEvents() <-chan action.Event {
	out := make(chan action.Event, 64)
	go func() {
		for res := range n.verify.Results() {
			out <- verifier.Event{Result: res}
		}
	}()
	return out
}

// Run starts every worker and blocks on the event loop.
func (n *node) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer n.shutdown()
	n.runCtx = ctx

	listen := fmt.Sprintf("0.0.0.0:%d", n.cfg.Port)
	n.reactor.Execute(ctx, p2p.Command{Kind: p2p.CmdListenOn, Addr: listen})

	if err := n.startGossip(ctx); err != nil {
		n.log.WithError(err).Warn("gossip layer unavailable")
	}

	if mgr, err := nat.New(); err == nil {
		if err := mgr.Map(n.cfg.Port); err != nil {
			n.log.WithError(err).Debug("nat mapping failed")
		} else {
			n.log.WithField("ip", mgr.ExternalIP()).Info("nat mapping established")
		}
	}

	for _, peerAddr := range n.cfg.Peers {
		maddr, peerID, err := selectproto.ParsePeerMultiaddr(peerAddr)
		if err != nil {
			n.log.WithError(err).Warnf("skipping bootstrap peer %s", peerAddr)
			continue
		}
		dial, err := dialAddr(maddr.String())
		if err != nil {
			n.log.WithError(err).Warnf("skipping bootstrap peer %s", peerAddr)
			continue
		}
		n.store.Dispatch(p2p.ActionOutgoingConnect{Addr: dial, ExpectedPeer: p2p.PeerId(peerID)})
	}

	go func() {
		if err := n.frontend.Serve(n.cfg.HTTP.ListenAddr); err != nil {
			n.log.WithError(err).Error("http frontend stopped")
			cancel()
		}
	}()

	n.log.WithField("port", n.cfg.Port).Info("node running")
	n.es.Run(ctx)
	return nil
}

func (n *node) shutdown() {
	n.reactor.Close()
	n.verify.Close()
	n.ledger.Close()
	if n.recorder != nil {
		_ = n.recorder.Close()
	}
}

// dialAddr reduces a tcp multiaddr to host:port for the reactor's dialer.
func dialAddr(maddr string) (string, error) {
	var host string
	var port string
	parts := bytes.Split([]byte(maddr), []byte("/"))
	for i := 0; i < len(parts)-1; i++ {
		switch string(parts[i]) {
		case "ip4", "ip6", "dns4", "dns6":
			host = string(parts[i+1])
		case "tcp":
			port = string(parts[i+1])
		}
	}
	if host == "" || port == "" {
		return "", fmt.Errorf("no tcp endpoint in %s", maddr)
	}
	return host + ":" + port, nil
}

func (n *node) recordAction(a action.Action, meta action.Meta) {
	if n.recorder == nil {
		return
	}
	err := n.recorder.Record(replay.Entry{
		Kind: string(a.Kind()),
		Time: meta.Time,
		Data: []byte(fmt.Sprintf("%+v", a)),
	})
	if err != nil {
		n.log.WithError(err).Warn("recording failed, disabling recorder")
		_ = n.recorder.Close()
		n.recorder = nil
	}
}
