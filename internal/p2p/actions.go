package p2p

import (
	"time"

	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/p2p/rpc"
)

// StateReader is the narrow read-only view actions use for their enabling
// conditions. The node's State satisfies it.
type StateReader interface {
	P2pState() *P2pState
}

func p2pOf(state any) *P2pState {
	r, ok := state.(StateReader)
	if !ok {
		return nil
	}
	return r.P2pState()
}

// --- Reactor events reified as actions -----------------------------------

// ActionInterfaceDetected records a local interface the reactor found.
type ActionInterfaceDetected struct{ Addr string }

func (ActionInterfaceDetected) Kind() action.Kind { return action.KindP2p }
func (ActionInterfaceDetected) IsEnabled(state any, _ time.Time) bool {
	return p2pOf(state) != nil
}

// ActionListenerReady records that the configured port is listening.
type ActionListenerReady struct{ Addr string }

func (ActionListenerReady) Kind() action.Kind { return action.KindP2p }
func (ActionListenerReady) IsEnabled(state any, _ time.Time) bool {
	return p2pOf(state) != nil
}

// ActionIncomingConnection registers an inbound connection pending accept.
type ActionIncomingConnection struct{ Addr string }

func (ActionIncomingConnection) Kind() action.Kind { return action.KindP2p }
func (a ActionIncomingConnection) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil || ps.Status != StatusReady {
		return false
	}
	_, exists := ps.Scheduler.Connections[a.Addr]
	return !exists
}

// ActionOutgoingConnect initiates a dial.
type ActionOutgoingConnect struct {
	Addr         string
	ExpectedPeer PeerId
}

func (ActionOutgoingConnect) Kind() action.Kind { return action.KindP2p }
func (a ActionOutgoingConnect) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil || ps.Status != StatusReady {
		return false
	}
	if _, exists := ps.Scheduler.Connections[a.Addr]; exists {
		return false
	}
	return ps.Scheduler.OpenConnections() < ps.Config.MaxPeers
}

// ActionOutgoingDidConnect records dial completion (or failure).
type ActionOutgoingDidConnect struct {
	Addr string
	Err  error
}

func (ActionOutgoingDidConnect) Kind() action.Kind { return action.KindP2p }
func (a ActionOutgoingDidConnect) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State == ConnPnetSetup && !c.Incoming
}

// ActionIncomingData carries one received chunk. Err != nil is a transport
// failure that closes the connection with a MioError.
type ActionIncomingData struct {
	Addr string
	Data []byte
	Err  error
}

func (ActionIncomingData) Kind() action.Kind { return action.KindP2p }
func (a ActionIncomingData) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State != ConnClosed
}

// ActionNoiseDone records handshake completion with derived keys and the
// authenticated remote peer id.
type ActionNoiseDone struct {
	Addr       string
	RemotePeer PeerId
	Mismatch   bool
}

func (ActionNoiseDone) Kind() action.Kind { return action.KindP2p }
func (a ActionNoiseDone) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	// Reactor-side upgrades complete the handshake before any chunk
	// surfaces, so PnetSetup is a legal predecessor here too.
	return ok && (c.State == ConnNoiseHandshake || c.State == ConnPnetSetup)
}

// ActionMuxDone records Yamux negotiation completion; the connection is
// then established, its RPC stream state is created, and the peer is marked
// ready.
type ActionMuxDone struct{ Addr string }

func (ActionMuxDone) Kind() action.Kind { return action.KindP2p }
func (a ActionMuxDone) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State == ConnSelectMux
}

// ActionSend queues outbound bytes on an established connection.
type ActionSend struct {
	Addr string
	Data []byte
}

func (ActionSend) Kind() action.Kind { return action.KindP2p }
func (a ActionSend) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State == ConnEstablished
}

// ActionSendFlushed credits back send-queue budget once the reactor wrote
// bytes to the socket.
type ActionSendFlushed struct {
	Addr  string
	Bytes int64
}

func (ActionSendFlushed) Kind() action.Kind { return action.KindP2p }
func (a ActionSendFlushed) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	_, ok := ps.Scheduler.Connections[a.Addr]
	return ok
}

// ActionSchedulerError closes a connection with a typed error.
type ActionSchedulerError struct {
	Addr string
	Err  ConnectionError
}

func (ActionSchedulerError) Kind() action.Kind { return action.KindP2p }
func (a ActionSchedulerError) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State != ConnClosed
}

// ActionConnectionDidClose records the reactor observing a close.
type ActionConnectionDidClose struct{ Addr string }

func (ActionConnectionDidClose) Kind() action.Kind { return action.KindP2p }
func (a ActionConnectionDidClose) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	c, ok := ps.Scheduler.Connections[a.Addr]
	return ok && c.State != ConnClosed
}

// ActionDisconnect requests an orderly disconnect of a peer.
type ActionDisconnect struct {
	Peer   PeerId
	Reason ConnectionError
}

func (ActionDisconnect) Kind() action.Kind { return action.KindP2p }
func (a ActionDisconnect) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	p, ok := ps.Peers[a.Peer]
	return ok && p.Status != PeerDisconnected
}

// ActionPeerDisconnected is the terminal per-peer cleanup notification; the
// Store's wiring fans it out to every subsystem holding per-peer pending
// RPCs (sync engine queries, staged-ledger fetch, block fetch, candidates).
type ActionPeerDisconnected struct{ Peer PeerId }

func (ActionPeerDisconnected) Kind() action.Kind { return action.KindP2p }
func (a ActionPeerDisconnected) IsEnabled(state any, _ time.Time) bool {
	ps := p2pOf(state)
	if ps == nil {
		return false
	}
	_, ok := ps.Peers[a.Peer]
	return ok
}

// --- Reducer --------------------------------------------------------------

var log = logrus.WithField("component", "p2p")

// Reduce is the p2p subsystem's top-level reducer. It mutates only the
// P2pState it is handed and communicates with the reactor exclusively via
// the scheduler's command queue.
func Reduce(ps *P2pState, a action.Action, meta action.Meta, d action.Dispatcher) {
	switch act := a.(type) {
	case ActionInterfaceDetected:
		ps.Scheduler.Interfaces = append(ps.Scheduler.Interfaces, act.Addr)

	case ActionListenerReady:
		ps.Scheduler.ListenAddrs = append(ps.Scheduler.ListenAddrs, act.Addr)

	case ActionIncomingConnection:
		if ps.Scheduler.OpenConnections() >= ps.Config.MaxPeers {
			ps.Scheduler.push(Command{Kind: CmdRefuse, Addr: act.Addr})
			return
		}
		ps.Scheduler.Connections[act.Addr] = &Connection{
			Addr:       act.Addr,
			Incoming:   true,
			State:      ConnPnetSetup,
			RecvBudget: ps.Config.MaxSendQueueBytes,
			Stats:      ConnectionStats{Opened: meta.Time},
		}
		ps.Scheduler.push(Command{Kind: CmdAccept, Addr: act.Addr})

	case ActionOutgoingConnect:
		ps.Scheduler.Connections[act.Addr] = &Connection{
			Addr:         act.Addr,
			State:        ConnPnetSetup,
			ExpectedPeer: act.ExpectedPeer,
			RecvBudget:   ps.Config.MaxSendQueueBytes,
			Stats:        ConnectionStats{Opened: meta.Time},
		}
		ps.Scheduler.push(Command{Kind: CmdConnect, Addr: act.Addr})

	case ActionOutgoingDidConnect:
		c := ps.Scheduler.Connections[act.Addr]
		if act.Err != nil {
			d.Dispatch(ActionSchedulerError{Addr: act.Addr, Err: ErrMio})
			return
		}
		c.State = ConnNoiseHandshake
		ps.Scheduler.push(Command{Kind: CmdRecv, Addr: act.Addr})

	case ActionIncomingData:
		c := ps.Scheduler.Connections[act.Addr]
		if act.Err != nil {
			d.Dispatch(ActionSchedulerError{Addr: act.Addr, Err: ErrMio})
			return
		}
		c.RecvBudget -= int64(len(act.Data))
		c.Stats.BytesRecv += uint64(len(act.Data))
		if c.State == ConnPnetSetup {
			c.State = ConnNoiseHandshake
		}
		if c.RecvBudget > 0 {
			ps.Scheduler.push(Command{Kind: CmdRecv, Addr: act.Addr})
		}

	case ActionNoiseDone:
		c := ps.Scheduler.Connections[act.Addr]
		if act.Mismatch || (c.ExpectedPeer != "" && c.ExpectedPeer != act.RemotePeer) {
			d.Dispatch(ActionSchedulerError{Addr: act.Addr, Err: ErrRemotePeerIdMismatch})
			return
		}
		c.Peer = act.RemotePeer
		c.State = ConnSelectMux

	case ActionMuxDone:
		c := ps.Scheduler.Connections[act.Addr]
		c.State = ConnEstablished
		c.Rpc = rpc.NewStream(rpc.DefaultSizeLimits())
		p, ok := ps.Peers[c.Peer]
		if !ok {
			p = &Peer{ID: c.Peer}
			ps.Peers[c.Peer] = p
		}
		p.Status = PeerReady
		p.ConnAddr = c.Addr
		p.ConnectedAt = meta.Time
		p.RPCCapable = true
		log.WithFields(logrus.Fields{"peer": c.Peer, "addr": c.Addr, "incoming": c.Incoming}).Info("connection established")

	case ActionSend:
		c := ps.Scheduler.Connections[act.Addr]
		c.SendQueueBytes += int64(len(act.Data))
		c.Stats.BytesSent += uint64(len(act.Data))
		if c.SendQueueBytes > ps.Config.MaxSendQueueBytes {
			d.Dispatch(ActionSchedulerError{Addr: act.Addr, Err: ErrSendQueueOverflow})
			return
		}
		ps.Scheduler.push(Command{Kind: CmdSend, Addr: act.Addr, Data: act.Data})

	case ActionSendFlushed:
		c := ps.Scheduler.Connections[act.Addr]
		c.SendQueueBytes -= act.Bytes
		if c.SendQueueBytes < 0 {
			c.SendQueueBytes = 0
		}

	case ActionSchedulerError:
		c := ps.Scheduler.Connections[act.Addr]
		c.CloseErr = act.Err
		log.WithFields(logrus.Fields{"addr": act.Addr, "err": act.Err}).Warn("closing connection")
		ps.Scheduler.push(Command{Kind: CmdDisconnect, Addr: act.Addr})
		d.Dispatch(ActionConnectionDidClose{Addr: act.Addr})

	case ActionConnectionDidClose:
		c := ps.Scheduler.Connections[act.Addr]
		c.State = ConnClosed
		if c.Rpc != nil {
			c.Rpc.Cancel()
		}
		if p, ok := ps.Peers[c.Peer]; ok && p.ConnAddr == act.Addr {
			p.Status = PeerDisconnected
			d.Dispatch(ActionPeerDisconnected{Peer: c.Peer})
		}
		delete(ps.Scheduler.Connections, act.Addr)

	case ActionDisconnect:
		p := ps.Peers[act.Peer]
		if c, ok := ps.Scheduler.Connections[p.ConnAddr]; ok {
			c.CloseErr = act.Reason
			ps.Scheduler.push(Command{Kind: CmdDisconnect, Addr: p.ConnAddr})
			d.Dispatch(ActionConnectionDidClose{Addr: p.ConnAddr})
		} else {
			p.Status = PeerDisconnected
			d.Dispatch(ActionPeerDisconnected{Peer: act.Peer})
		}

	case ActionPeerDisconnected:
		// Terminal; subsystem fanout is wired by the Store at construction.
	}
}

// CheckTimeouts walks every established connection's RPC stream and closes
// streams whose outstanding query exceeded the configured TTL, dispatching
// the owning connection's error (spec.md §4.2 CheckTimeouts / §4.3 RPC
// timeout contract).
func CheckTimeouts(ps *P2pState, now time.Time, d action.Dispatcher) {
	for addr, c := range ps.Scheduler.Connections {
		if c.Rpc != nil && c.Rpc.CheckTimeout(now, ps.Config.RPCTimeout) {
			d.Dispatch(ActionSchedulerError{Addr: addr, Err: ErrTimeout})
		}
	}
}
