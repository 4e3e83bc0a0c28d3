// Package selectproto runs multistream-select protocol negotiation using
// github.com/multiformats/go-multistream, and parses peer addresses using
// github.com/multiformats/go-multiaddr. The connection upgrade uses it for
// one negotiation only: selecting the Yamux muxer after the Noise handshake.
// The Noise handshake starts without a negotiation step, and streams opened
// on the Yamux session are not negotiated per stream.
package selectproto

import (
	"fmt"
	"io"

	ma "github.com/multiformats/go-multiaddr"
	msmux "github.com/multiformats/go-multistream"
)

// Protocol ids. ProtoYamux is the only id negotiated with multistream-select
// (during the connection upgrade); the application ids are advertised in the
// identify exchange and are not negotiated on streams.
const (
	ProtoNoiseXX   = "/mina/noise/1.0.0"
	ProtoYamux     = "/mina/yamux/1.0.0"
	ProtoIdentify  = "/mina/identify/1.0.0"
	ProtoKademlia  = "/mina/kad/1.0.0"
	ProtoRPC       = "/mina/rpc/1.0.0"
	ProtoGossipSub = "/meshsub/1.1.0"
)

// NegotiateOutbound runs multistream-select as the dialing side for a
// single protocol id.
func NegotiateOutbound(rw io.ReadWriteCloser, proto string) error {
	if err := msmux.SelectProtoOrFail(proto, rw); err != nil {
		return fmt.Errorf("p2p/selectproto: negotiate %s: %w", proto, err)
	}
	return nil
}

// Muxer wraps a multistream.MultistreamMuxer for the accept side, which
// offers a set of supported protocols and negotiates whichever the remote
// selects.
type Muxer struct {
	mux *msmux.MultistreamMuxer[string]
}

// NewMuxer registers the node's supported protocols in negotiation order.
func NewMuxer(protocols ...string) *Muxer {
	mux := msmux.NewMultistreamMuxer[string]()
	for _, p := range protocols {
		mux.AddHandler(p, nil)
	}
	return &Muxer{mux: mux}
}

// NegotiateInbound runs multistream-select as the accept side, returning
// the protocol id the remote selected.
func (m *Muxer) NegotiateInbound(rw io.ReadWriteCloser) (string, error) {
	proto, _, err := m.mux.Negotiate(rw)
	if err != nil {
		return "", fmt.Errorf("p2p/selectproto: negotiate inbound: %w", err)
	}
	return proto, nil
}

// ParsePeerMultiaddr parses one bootstrap/seed peer address of the form
// "/ip4/.../tcp/.../p2p/<peer-id>", as accepted by --peers (spec.md §6).
func ParsePeerMultiaddr(s string) (addr ma.Multiaddr, peerID string, err error) {
	addr, err = ma.NewMultiaddr(s)
	if err != nil {
		return nil, "", fmt.Errorf("p2p/selectproto: parse multiaddr %q: %w", s, err)
	}
	id, err := addr.ValueForProtocol(ma.P_P2P)
	if err != nil {
		return addr, "", nil
	}
	return addr, id, nil
}
