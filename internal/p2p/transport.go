package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	flynnnoise "github.com/flynn/noise"

	"mina-core/internal/p2p/identify"
	"mina-core/internal/p2p/noise"
	"mina-core/internal/p2p/selectproto"
	"mina-core/internal/p2p/yamux"
)

// Transport configures the reactor's connection upgrade: pnet framing,
// Noise XX authentication, multistream-select, and a Yamux session whose
// first stream carries the RPC protocol and whose second exchanges
// identify info.
type Transport struct {
	PSK             [32]byte
	StaticKey       flynnnoise.DHKey
	MaxMessageBytes int
	LocalInfo       identify.Info
}

// pnetConn applies the pnet framer to every byte crossing a connection.
type pnetConn struct {
	net.Conn
	framer *PnetFramer
}

func (c *pnetConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.framer.Open(p[:n])
	}
	return n, err
}

func (c *pnetConn) Write(p []byte) (int, error) {
	sealed := make([]byte, len(p))
	copy(sealed, p)
	c.framer.Seal(sealed)
	return c.Conn.Write(sealed)
}

// handshake message framing: u16 BE length prefix, the usual shape for
// Noise transport messages.
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(msg)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// runNoiseXX drives the three-message XX pattern over rw.
func runNoiseXX(rw io.ReadWriter, static flynnnoise.DHKey, initiator bool) (*noise.Handshake, error) {
	hs, err := noise.New(static, initiator, "")
	if err != nil {
		return nil, fmt.Errorf("p2p/transport: noise init: %w", err)
	}
	if initiator {
		msg1, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := writeHandshakeMsg(rw, msg1); err != nil {
			return nil, err
		}
		msg2, err := readHandshakeMsg(rw)
		if err != nil {
			return nil, err
		}
		if _, err := hs.ReadMessage(msg2); err != nil {
			return nil, err
		}
		msg3, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := writeHandshakeMsg(rw, msg3); err != nil {
			return nil, err
		}
	} else {
		msg1, err := readHandshakeMsg(rw)
		if err != nil {
			return nil, err
		}
		if _, err := hs.ReadMessage(msg1); err != nil {
			return nil, err
		}
		msg2, err := hs.WriteMessage(nil)
		if err != nil {
			return nil, err
		}
		if err := writeHandshakeMsg(rw, msg2); err != nil {
			return nil, err
		}
		msg3, err := readHandshakeMsg(rw)
		if err != nil {
			return nil, err
		}
		if _, err := hs.ReadMessage(msg3); err != nil {
			return nil, err
		}
	}
	if hs.State() != noise.PhaseDone {
		if err := hs.Err(); err != nil {
			return hs, err
		}
		return hs, fmt.Errorf("p2p/transport: noise handshake incomplete")
	}
	return hs, nil
}

// upgraded is what a completed connection upgrade yields: the mux session,
// its default RPC stream, and the remote's identify info.
type upgraded struct {
	session    *yamux.Session
	rpcStream  net.Conn
	remote     PeerId
	remoteInfo identify.Info
}

// upgradeDeadline bounds the whole negotiation; a peer that stalls any
// layer is cut off rather than holding a socket open.
var upgradeDeadline = 20 * time.Second

// upgradeConn negotiates pnet → noise → multistream-select → yamux and
// opens (or accepts) the connection's default RPC stream.
func upgradeConn(conn net.Conn, t Transport, initiator bool) (*upgraded, error) {
	_ = conn.SetDeadline(time.Now().Add(upgradeDeadline))
	defer func() { _ = conn.SetDeadline(time.Time{}) }()

	framer, err := NewPnetFramer(conn, t.PSK)
	if err != nil {
		return nil, err
	}
	pc := &pnetConn{Conn: conn, framer: framer}

	hs, err := runNoiseXX(pc, t.StaticKey, initiator)
	if err != nil {
		return nil, err
	}

	if initiator {
		if err := selectproto.NegotiateOutbound(pc, selectproto.ProtoYamux); err != nil {
			return nil, err
		}
	} else {
		mux := selectproto.NewMuxer(selectproto.ProtoYamux)
		if _, err := mux.NegotiateInbound(pc); err != nil {
			return nil, err
		}
	}

	cfg := yamux.Config{MaxMessageBytes: t.MaxMessageBytes}
	var sess *yamux.Session
	if initiator {
		sess, err = yamux.NewClient(pc, cfg)
	} else {
		sess, err = yamux.NewServer(pc, cfg)
	}
	if err != nil {
		return nil, err
	}

	var stream net.Conn
	if initiator {
		stream, err = sess.OpenStream()
	} else {
		stream, err = sess.AcceptStream()
	}
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("p2p/transport: rpc stream: %w", err)
	}

	var idStream net.Conn
	if initiator {
		idStream, err = sess.OpenStream()
	} else {
		idStream, err = sess.AcceptStream()
	}
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("p2p/transport: identify stream: %w", err)
	}
	remoteInfo, err := exchangeIdentify(idStream, t.LocalInfo)
	_ = idStream.Close()
	if err != nil {
		_ = sess.Close()
		return nil, err
	}
	return &upgraded{
		session: sess, rpcStream: stream,
		remote: PeerId(hs.RemotePeerId), remoteInfo: remoteInfo,
	}, nil
}

// exchangeIdentify sends our info and reads the remote's over the
// identify stream, both directions framed like the handshake messages.
func exchangeIdentify(rw io.ReadWriter, local identify.Info) (identify.Info, error) {
	enc, err := identify.Encode(local)
	if err != nil {
		return identify.Info{}, err
	}
	sendErr := make(chan error, 1)
	go func() { sendErr <- writeHandshakeMsg(rw, enc) }()
	raw, err := readHandshakeMsg(rw)
	if err != nil {
		return identify.Info{}, fmt.Errorf("p2p/transport: read identify: %w", err)
	}
	if err := <-sendErr; err != nil {
		return identify.Info{}, fmt.Errorf("p2p/transport: send identify: %w", err)
	}
	return identify.Decode(raw)
}
