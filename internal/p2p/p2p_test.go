package p2p

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/action"
)

// testState adapts a bare P2pState to the StateReader the enabling
// conditions expect, standing in for the node's full State.
type testState struct{ ps *P2pState }

func (s *testState) P2pState() *P2pState { return s.ps }

// testDispatcher applies follow-up actions immediately through the reducer,
// which is equivalent to the Store's FIFO drain for these single-chain
// cases.
type testDispatcher struct {
	st   *testState
	meta action.Meta
}

func (d *testDispatcher) Dispatch(a action.Action) bool {
	if !a.IsEnabled(d.st, d.meta.Time) {
		return false
	}
	Reduce(d.st.ps, a, d.meta, d)
	return true
}

func newTestState() (*testState, *testDispatcher) {
	ps := NewPending(Config{
		MaxPeers:          8,
		MaxSendQueueBytes: 1024,
		RPCTimeout:        time.Second,
	})
	ps.MakeReady("mina:test")
	st := &testState{ps: ps}
	return st, &testDispatcher{st: st, meta: action.Meta{Time: time.Unix(100, 0), Kind: action.KindP2p}}
}

func establish(t *testing.T, st *testState, d *testDispatcher, addr string, peer PeerId) {
	require.True(t, d.Dispatch(ActionIncomingConnection{Addr: addr}))
	require.True(t, d.Dispatch(ActionIncomingData{Addr: addr, Data: []byte{1}}))
	require.True(t, d.Dispatch(ActionNoiseDone{Addr: addr, RemotePeer: peer}))
	require.True(t, d.Dispatch(ActionMuxDone{Addr: addr}))
}

func TestConnectionEstablishmentMarksPeerReady(t *testing.T) {
	st, d := newTestState()
	establish(t, st, d, "10.0.0.1:8302", "peer-a")

	p, ok := st.ps.Peers["peer-a"]
	require.True(t, ok)
	require.Equal(t, PeerReady, p.Status)
	require.True(t, p.RPCCapable, "established connections open the default RPC stream")

	c := st.ps.Scheduler.Connections["10.0.0.1:8302"]
	require.Equal(t, ConnEstablished, c.State)
	require.NotNil(t, c.Rpc)
}

func TestReadyPeerHasExactlyOneOpenConnection(t *testing.T) {
	st, d := newTestState()
	establish(t, st, d, "10.0.0.1:8302", "peer-a")

	open := 0
	for _, c := range st.ps.Scheduler.Connections {
		if c.State != ConnClosed && c.PeerId() == "peer-a" {
			open++
		}
	}
	require.Equal(t, 1, open)
}

func TestSendQueueOverflowClosesAsProbablyMalicious(t *testing.T) {
	st, d := newTestState()
	establish(t, st, d, "10.0.0.1:8302", "peer-a")

	big := make([]byte, 2048)
	require.True(t, d.Dispatch(ActionSend{Addr: "10.0.0.1:8302", Data: big}))

	_, stillOpen := st.ps.Scheduler.Connections["10.0.0.1:8302"]
	require.False(t, stillOpen)
	require.Equal(t, PeerDisconnected, st.ps.Peers["peer-a"].Status)
}

func TestExpectedPeerMismatchClosesConnection(t *testing.T) {
	st, d := newTestState()
	require.True(t, d.Dispatch(ActionOutgoingConnect{Addr: "10.0.0.2:8302", ExpectedPeer: "peer-b"}))
	require.True(t, d.Dispatch(ActionOutgoingDidConnect{Addr: "10.0.0.2:8302"}))
	require.True(t, d.Dispatch(ActionNoiseDone{Addr: "10.0.0.2:8302", RemotePeer: "someone-else"}))

	_, stillOpen := st.ps.Scheduler.Connections["10.0.0.2:8302"]
	require.False(t, stillOpen)
}

func TestDisabledActionIsNoOp(t *testing.T) {
	st, d := newTestState()
	// No connection registered for this address.
	require.False(t, d.Dispatch(ActionIncomingData{Addr: "1.2.3.4:1", Data: []byte{1}}))
	require.Empty(t, st.ps.Scheduler.Connections)
}

func TestDisconnectEmitsPeerDisconnected(t *testing.T) {
	st, d := newTestState()
	establish(t, st, d, "10.0.0.1:8302", "peer-a")

	require.True(t, d.Dispatch(ActionDisconnect{Peer: "peer-a", Reason: ErrNumAccountsRejected}))
	require.Equal(t, PeerDisconnected, st.ps.Peers["peer-a"].Status)

	var sawDisconnectCmd bool
	for _, cmd := range st.ps.Scheduler.DrainCommands() {
		if cmd.Kind == CmdDisconnect {
			sawDisconnectCmd = true
		}
	}
	require.True(t, sawDisconnectCmd)
}

func TestIncomingConnectionRefusedAtMaxPeers(t *testing.T) {
	st, d := newTestState()
	st.ps.Config.MaxPeers = 1
	establish(t, st, d, "10.0.0.1:8302", "peer-a")
	st.ps.Scheduler.DrainCommands()

	require.True(t, d.Dispatch(ActionIncomingConnection{Addr: "10.0.0.9:8302"}))
	cmds := st.ps.Scheduler.DrainCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, CmdRefuse, cmds[0].Kind)
}

func TestRpcTimeoutClosesStream(t *testing.T) {
	st, d := newTestState()
	establish(t, st, d, "10.0.0.1:8302", "peer-a")

	stream, ok := st.ps.RpcStream("peer-a")
	require.True(t, ok)
	_, err := stream.SendQuery("get_best_tip", 1, nil)
	require.NoError(t, err)

	CheckTimeouts(st.ps, time.Now().Add(time.Minute), d)
	_, stillOpen := st.ps.Scheduler.Connections["10.0.0.1:8302"]
	require.False(t, stillOpen)
}
