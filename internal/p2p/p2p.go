// Package p2p holds the peer-lifecycle and connection-scheduler state
// machine: a pure reducer over P2pState consuming reactor events and
// producing commands for the I/O reactor. The transport layers themselves
// (pnet framing, Noise XX, Yamux, multistream-select, gossip) live in the
// subpackages; this package sequences them per connection.
package p2p

import (
	"time"

	"mina-core/internal/p2p/rpc"
)

// PeerId identifies a remote node, derived from its Noise static key.
type PeerId string

// Status is the two-phase lifecycle of the p2p substate: Pending before the
// chain id is known, Ready afterward. It never transitions back.
type Status int

const (
	StatusPending Status = iota
	StatusReady
)

// Config is the p2p substate's construction-time configuration.
type Config struct {
	ChainID           string
	ListenPort        int
	MaxPeers          int
	PnetKey           [32]byte
	RPCTimeout        time.Duration
	MaxSendQueueBytes int64
	MaxMessageBytes   int
	InitialPeers      []string
}

// PeerStatus is the lifecycle of one known peer.
type PeerStatus int

const (
	PeerConnecting PeerStatus = iota
	PeerReady
	PeerDisconnected
)

// Peer is one entry of the peer table. A Ready peer always has exactly one
// open connection in the scheduler whose PeerId matches.
type Peer struct {
	ID          PeerId
	Status      PeerStatus
	ConnAddr    string
	ConnectedAt time.Time
	RPCCapable  bool
}

// P2pState is the p2p substate owned by the Store.
type P2pState struct {
	Status    Status
	Config    Config
	Peers     map[PeerId]*Peer
	Scheduler Scheduler
}

// NewPending creates the substate in its Pending phase.
func NewPending(cfg Config) *P2pState {
	return &P2pState{
		Status: StatusPending,
		Config: cfg,
		Peers:  make(map[PeerId]*Peer),
		Scheduler: Scheduler{
			Connections: make(map[string]*Connection),
		},
	}
}

// MakeReady moves the substate from Pending to Ready once the chain id is
// known. It is a one-way transition.
func (s *P2pState) MakeReady(chainID string) {
	if s.Status == StatusReady {
		return
	}
	s.Config.ChainID = chainID
	s.Status = StatusReady
}

// ReadyPeers returns the ids of peers currently in the Ready state, sorted
// is left to callers (the sync engine sorts by connection age).
func (s *P2pState) ReadyPeers() []PeerId {
	out := make([]PeerId, 0, len(s.Peers))
	for id, p := range s.Peers {
		if p.Status == PeerReady {
			out = append(out, id)
		}
	}
	return out
}

// ReadyRPCPeers returns Ready peers that have an open RPC stream, sorted by
// connection age descending (oldest connection first), the selection order
// the sync engine's NumAccounts phase requires.
func (s *P2pState) ReadyRPCPeers() []PeerId {
	out := make([]PeerId, 0, len(s.Peers))
	for id, p := range s.Peers {
		if p.Status == PeerReady && p.RPCCapable {
			out = append(out, id)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && s.Peers[out[j]].ConnectedAt.Before(s.Peers[out[j-1]].ConnectedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RpcStream returns the RPC stream of peer's open connection, if any.
func (s *P2pState) RpcStream(peer PeerId) (*rpc.Stream, bool) {
	p, ok := s.Peers[peer]
	if !ok || p.Status != PeerReady {
		return nil, false
	}
	c, ok := s.Scheduler.Connections[p.ConnAddr]
	if !ok || c.Rpc == nil {
		return nil, false
	}
	return c.Rpc, true
}
