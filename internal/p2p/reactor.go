package p2p

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
	"mina-core/internal/p2p/selectproto"
)

// Event wraps the action a reactor observation reifies into; the event
// source dispatches it unchanged. Keeping the reified action inside the
// event makes the event-source reducer for this subsystem a passthrough.
type Event struct{ Action action.Action }

func (Event) EventKind() action.Kind { return action.KindP2p }

// Reactor is the MIO-style I/O worker: it owns the TCP listener and every
// socket, drains the scheduler's command queue, and reports everything it
// observes back through the event channel. It holds no protocol state of
// its own beyond the socket table; the reducer owns the connection state
// machine. Adapted from the teacher's pooled-connection table: per-address
// entries guarded by one mutex, a dial path, and a background reaper
// replaced by explicit Disconnect commands.
type Reactor struct {
	mu       sync.Mutex
	conns    map[string]net.Conn
	sessions map[string]io.Closer
	listener net.Listener

	transport *Transport

	events chan action.Event
	dialTO time.Duration
	log    *logrus.Entry
}

// NewReactor creates a reactor emitting into a bounded event channel.
func NewReactor(eventBuf int) *Reactor {
	return &Reactor{
		conns:    make(map[string]net.Conn),
		sessions: make(map[string]io.Closer),
		events:   make(chan action.Event, eventBuf),
		dialTO:   10 * time.Second,
		log:      logrus.WithField("component", "p2p.reactor"),
	}
}

// SetTransport enables the full connection upgrade (pnet, Noise XX,
// multistream-select, Yamux) on every new socket. Without it, connections
// stay raw, which the reducer-level tests rely on.
func (r *Reactor) SetTransport(t Transport) { r.transport = &t }

// Events exposes the reactor's outbound event channel for the EventSource.
func (r *Reactor) Events() <-chan action.Event { return r.events }

func (r *Reactor) emit(a action.Action) {
	select {
	case r.events <- Event{Action: a}:
	default:
		r.log.Warn("event channel full, dropping reactor event")
	}
}

// Execute applies one scheduler command against the socket table.
func (r *Reactor) Execute(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CmdListenOn:
		r.listenOn(ctx, cmd.Addr)
	case CmdAccept:
		// The connection was already accepted by the listener loop; the
		// command acknowledges it and starts the upgrade or read pump.
		if r.transport != nil {
			go r.upgrade(cmd.Addr, false)
		} else {
			r.startRead(cmd.Addr)
		}
	case CmdRefuse, CmdDisconnect:
		r.closeConn(cmd.Addr)
	case CmdConnect:
		go r.connect(ctx, cmd.Addr)
	case CmdSend:
		r.send(cmd.Addr, cmd.Data)
	case CmdRecv:
		// Reads are pumped continuously per connection; Recv is a no-op
		// credit signal in this implementation.
	}
}

func (r *Reactor) listenOn(ctx context.Context, addr string) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.log.WithError(err).Error("listen failed")
		return
	}
	r.mu.Lock()
	r.listener = ln
	r.mu.Unlock()

	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			r.emit(ActionInterfaceDetected{Addr: a.String()})
		}
	}
	r.emit(ActionListenerReady{Addr: ln.Addr().String()})

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			remote := conn.RemoteAddr().String()
			r.mu.Lock()
			r.conns[remote] = conn
			r.mu.Unlock()
			r.emit(ActionIncomingConnection{Addr: remote})
		}
	}()
}

func (r *Reactor) connect(ctx context.Context, addr string) {
	dctx, cancel := context.WithTimeout(ctx, r.dialTO)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		r.emit(ActionOutgoingDidConnect{Addr: addr, Err: fmt.Errorf("p2p/reactor: dial %s: %w", addr, err)})
		return
	}
	r.mu.Lock()
	r.conns[addr] = conn
	r.mu.Unlock()
	r.emit(ActionOutgoingDidConnect{Addr: addr})
	if r.transport != nil {
		r.upgrade(addr, true)
		return
	}
	r.startRead(addr)
}

// upgrade runs the transport negotiation on the raw socket and, on
// success, swaps the connection entry for the default RPC stream before
// starting the read pump.
func (r *Reactor) upgrade(addr string, initiator bool) {
	r.mu.Lock()
	conn, ok := r.conns[addr]
	r.mu.Unlock()
	if !ok {
		return
	}
	up, err := upgradeConn(conn, *r.transport, initiator)
	if err != nil {
		r.log.WithError(err).WithField("addr", addr).Debug("connection upgrade failed")
		r.emit(ActionIncomingData{Addr: addr, Err: err})
		r.closeConn(addr)
		return
	}
	r.mu.Lock()
	r.conns[addr] = up.rpcStream
	r.sessions[addr] = up.session
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{
		"addr": addr, "peer": up.remote,
		"agent": up.remoteInfo.AgentString,
		"rpc":   up.remoteInfo.SupportsRPC(selectproto.ProtoRPC),
	}).Debug("connection upgraded")
	r.emit(ActionNoiseDone{Addr: addr, RemotePeer: up.remote})
	r.emit(ActionMuxDone{Addr: addr})
	r.startRead(addr)
}

// startRead pumps received chunks into the event channel until the socket
// closes. Chunk ordering within a connection is preserved by the single
// pump goroutine, matching the ordering guarantee of spec.md §5.
func (r *Reactor) startRead(addr string) {
	r.mu.Lock()
	conn, ok := r.conns[addr]
	r.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		buf := make([]byte, 64<<10)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				r.emit(ActionIncomingData{Addr: addr, Data: data})
			}
			if err != nil {
				r.emit(ActionConnectionDidClose{Addr: addr})
				r.closeConn(addr)
				return
			}
		}
	}()
}

func (r *Reactor) send(addr string, data []byte) {
	r.mu.Lock()
	conn, ok := r.conns[addr]
	r.mu.Unlock()
	if !ok {
		r.emit(ActionIncomingData{Addr: addr, Err: ErrNotConnected})
		return
	}
	n, err := conn.Write(data)
	if err != nil {
		r.emit(ActionIncomingData{Addr: addr, Err: fmt.Errorf("p2p/reactor: write %s: %w", addr, err)})
		return
	}
	r.emit(ActionSendFlushed{Addr: addr, Bytes: int64(n)})
}

func (r *Reactor) closeConn(addr string) {
	r.mu.Lock()
	conn, ok := r.conns[addr]
	sess := r.sessions[addr]
	delete(r.conns, addr)
	delete(r.sessions, addr)
	r.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	if ok {
		_ = conn.Close()
	}
}

// Close tears down the listener and every socket.
func (r *Reactor) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener != nil {
		_ = r.listener.Close()
	}
	for _, s := range r.sessions {
		_ = s.Close()
	}
	for _, c := range r.conns {
		_ = c.Close()
	}
	r.sessions = make(map[string]io.Closer)
	r.conns = make(map[string]net.Conn)
}
