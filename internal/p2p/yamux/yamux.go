// Package yamux wraps github.com/libp2p/go-yamux/v5 to provide the
// stream-multiplexing layer named in spec.md §4.3/§6: one distinguished
// stream kind for RPC, another for broadcast/pubsub, with a configured
// per-message size limit enforced via the session's stream window.
package yamux

import (
	"context"
	"fmt"
	"net"

	yamux "github.com/libp2p/go-yamux/v5"
)

// StreamKind tags an opened stream's application protocol, matching
// spec.md §4.3's "distinguished stream kind for RPC and another for
// broadcast/pubsub".
type StreamKind int

const (
	StreamRPC StreamKind = iota
	StreamBroadcast
	StreamIdentify
	StreamKademlia
)

// Session wraps a yamux.Session over an established (post-Noise) net.Conn.
type Session struct {
	sess        *yamux.Session
	maxMsgBytes int
}

// Config controls session limits; MaxMessageBytes bounds the receive
// window given to every stream, the closest yamux analog to a hard
// per-message size cap (spec.md §4.3).
type Config struct {
	MaxMessageBytes int
}

func DefaultConfig() Config {
	return Config{MaxMessageBytes: 1 << 20}
}

func toYamuxConfig(cfg Config) *yamux.Config {
	c := yamux.DefaultConfig()
	if cfg.MaxMessageBytes > 0 {
		c.MaxStreamWindowSize = uint32(cfg.MaxMessageBytes)
	}
	return c
}

// NewClient opens a session as the dial-side (outgoing connection).
func NewClient(conn net.Conn, cfg Config) (*Session, error) {
	s, err := yamux.Client(conn, toYamuxConfig(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("p2p/yamux: client session: %w", err)
	}
	return &Session{sess: s, maxMsgBytes: cfg.MaxMessageBytes}, nil
}

// NewServer opens a session as the accept-side (incoming connection).
func NewServer(conn net.Conn, cfg Config) (*Session, error) {
	s, err := yamux.Server(conn, toYamuxConfig(cfg), nil)
	if err != nil {
		return nil, fmt.Errorf("p2p/yamux: server session: %w", err)
	}
	return &Session{sess: s, maxMsgBytes: cfg.MaxMessageBytes}, nil
}

// OpenStream opens a new outbound stream. Yamux streams carry no kind; the
// connection upgrade tells its streams apart by the order they are opened in
// (RPC first, identify second).
func (s *Session) OpenStream() (net.Conn, error) {
	return s.sess.OpenStream(context.Background())
}

// AcceptStream blocks for the next inbound stream.
func (s *Session) AcceptStream() (net.Conn, error) {
	return s.sess.AcceptStream()
}

// NumStreams reports the number of currently open streams, used for
// scheduler bookkeeping and the /state/message-progress endpoint.
func (s *Session) NumStreams() int {
	return s.sess.NumStreams()
}

// Close tears down every stream and the underlying connection.
func (s *Session) Close() error {
	return s.sess.Close()
}

// IsClosed reports whether the session has already been torn down.
func (s *Session) IsClosed() bool {
	return s.sess.IsClosed()
}
