package p2p

import (
	"errors"
	"time"

	"mina-core/internal/p2p/noise"
	"mina-core/internal/p2p/rpc"
)

// ConnectionError classifies why a connection was (or must be) closed,
// matching the transport/protocol error taxonomy of spec.md §7.
type ConnectionError string

const (
	ErrNone                 ConnectionError = ""
	ErrMio                  ConnectionError = "mio_error"
	ErrRemotePeerIdMismatch ConnectionError = "remote_peer_id_mismatch"
	ErrSendQueueOverflow    ConnectionError = "send_queue_overflow_probably_malicious"
	ErrSizeLimit            ConnectionError = "size_limit"
	ErrTimeout              ConnectionError = "timeout"
	ErrNumAccountsRejected  ConnectionError = "num_accounts_rejected"
	ErrProtocol             ConnectionError = "protocol_error"
)

var ErrNotConnected = errors.New("p2p: peer not connected")

// ConnState sequences one connection through its transport layers.
type ConnState int

const (
	ConnPnetSetup ConnState = iota
	ConnSelectAuth
	ConnNoiseHandshake
	ConnSelectMux
	ConnMuxReady
	ConnEstablished
	ConnClosed
)

// ConnectionStats carries the per-connection byte counters surfaced at
// /state/message-progress.
type ConnectionStats struct {
	BytesSent uint64    `json:"bytes_sent"`
	BytesRecv uint64    `json:"bytes_recv"`
	Opened    time.Time `json:"opened"`
}

// Connection is one scheduler entry, keyed by remote address. The pooled
// per-address bookkeeping generalizes the idle-connection table of the
// original connection pool to the budgeted, stateful entries the reducer
// contract requires.
type Connection struct {
	Addr     string
	Incoming bool
	State    ConnState

	// Peer identity, known only once the Noise handshake completes.
	Peer         PeerId
	ExpectedPeer PeerId

	Noise *noise.Handshake
	Rpc   *rpc.Stream

	// SendQueueBytes tracks queued-but-unsent outbound bytes. Exceeding
	// MaxSendQueueBytes closes the connection as probably malicious.
	SendQueueBytes int64
	// RecvBudget starts at MaxSendQueueBytes and is decremented by every
	// IncomingDataDidReceive; the reducer emits a Recv command only while it
	// is positive. Nothing replenishes it.
	RecvBudget int64

	Stats    ConnectionStats
	CloseErr ConnectionError
}

// PeerId returns the authenticated peer id, or "" before Noise completes.
func (c *Connection) PeerId() PeerId { return c.Peer }

// Scheduler is the connection table plus listener state, the reducer-owned
// mirror of what the I/O reactor holds in sockets.
type Scheduler struct {
	Connections map[string]*Connection
	ListenAddrs []string
	Interfaces  []string

	// Commands is the intent queue the reactor drains: the reducer appends,
	// the effectful layer consumes. Reducers never touch sockets.
	Commands []Command
}

// CommandKind enumerates the reactor command set of spec.md §4.3.
type CommandKind int

const (
	CmdListenOn CommandKind = iota
	CmdAccept
	CmdRefuse
	CmdConnect
	CmdSend
	CmdRecv
	CmdDisconnect
)

// Command is one intent for the I/O reactor.
type Command struct {
	Kind CommandKind
	Addr string
	Data []byte
}

func (s *Scheduler) push(cmd Command) {
	s.Commands = append(s.Commands, cmd)
}

// DrainCommands removes and returns all pending reactor intents.
func (s *Scheduler) DrainCommands() []Command {
	out := s.Commands
	s.Commands = nil
	return out
}

// OpenConnections counts entries not yet closed.
func (s *Scheduler) OpenConnections() int {
	n := 0
	for _, c := range s.Connections {
		if c.State != ConnClosed {
			n++
		}
	}
	return n
}
