package p2p

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/p2p/noise"
)

// tcpPair returns two ends of a loopback TCP connection, which buffers
// like the production transport does.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err == nil {
			dialed <- c
		}
	}()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	client := <-dialed
	t.Cleanup(func() {
		_ = client.Close()
		_ = accepted.Close()
	})
	return client, accepted
}

func TestConnectionUpgradeEndToEnd(t *testing.T) {
	clientKey, err := noise.GenerateStaticKey()
	require.NoError(t, err)
	serverKey, err := noise.GenerateStaticKey()
	require.NoError(t, err)
	psk := DerivePnetKey("mina:test")

	clientConn, serverConn := tcpPair(t)

	type result struct {
		up  *upgraded
		err error
	}
	clientRes := make(chan result, 1)
	serverRes := make(chan result, 1)
	go func() {
		up, err := upgradeConn(clientConn, Transport{PSK: psk, StaticKey: clientKey, MaxMessageBytes: 1 << 20}, true)
		clientRes <- result{up, err}
	}()
	go func() {
		up, err := upgradeConn(serverConn, Transport{PSK: psk, StaticKey: serverKey, MaxMessageBytes: 1 << 20}, false)
		serverRes <- result{up, err}
	}()

	var client, server result
	select {
	case client = <-clientRes:
	case <-time.After(5 * time.Second):
		t.Fatal("client upgrade timed out")
	}
	select {
	case server = <-serverRes:
	case <-time.After(5 * time.Second):
		t.Fatal("server upgrade timed out")
	}
	require.NoError(t, client.err)
	require.NoError(t, server.err)

	// Noise authenticated both directions: each side derived the other's
	// peer id from its static key.
	require.Equal(t, PeerId(noise.DerivePeerId(serverKey.Public)), client.up.remote)
	require.Equal(t, PeerId(noise.DerivePeerId(clientKey.Public)), server.up.remote)

	// The default RPC stream carries data across the mux.
	msg := []byte("rpc frame bytes")
	go func() {
		_, _ = client.up.rpcStream.Write(msg)
	}()
	buf := make([]byte, len(msg))
	_ = server.up.rpcStream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := server.up.rpcStream.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])

	require.NoError(t, client.up.session.Close())
}

func TestPnetWrongKeyFailsUpgrade(t *testing.T) {
	old := upgradeDeadline
	upgradeDeadline = 2 * time.Second
	t.Cleanup(func() { upgradeDeadline = old })

	k1, _ := noise.GenerateStaticKey()
	k2, _ := noise.GenerateStaticKey()

	a, b := tcpPair(t)

	errs := make(chan error, 2)
	go func() {
		_, err := upgradeConn(a, Transport{PSK: DerivePnetKey("chain-a"), StaticKey: k1}, true)
		errs <- err
	}()
	go func() {
		_, err := upgradeConn(b, Transport{PSK: DerivePnetKey("chain-b"), StaticKey: k2}, false)
		errs <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.Error(t, err, "mismatched pnet keys must not negotiate")
		case <-time.After(10 * time.Second):
			t.Fatal("upgrade did not fail in time")
		}
	}
}
