// Package identify implements the per-stream identify protocol: each side
// sends one message describing itself (peer id, listen addresses,
// supported protocols) when a connection is established, and the reducer
// folds the remote's answer into the peer table.
package identify

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Info is the identify payload.
type Info struct {
	PeerId      string
	ListenAddrs []string
	Protocols   []string
	AgentString string
}

// Encode serializes an Info for the identify stream.
func Encode(info Info) ([]byte, error) {
	out, err := rlp.EncodeToBytes(info)
	if err != nil {
		return nil, fmt.Errorf("p2p/identify: encode: %w", err)
	}
	return out, nil
}

// Decode parses a received identify message.
func Decode(data []byte) (Info, error) {
	var info Info
	if err := rlp.DecodeBytes(data, &info); err != nil {
		return Info{}, fmt.Errorf("p2p/identify: decode: %w", err)
	}
	return info, nil
}

// SupportsRPC reports whether the remote advertised the RPC protocol,
// which gates its eligibility for sync queries.
func (i Info) SupportsRPC(rpcProto string) bool {
	for _, p := range i.Protocols {
		if p == rpcProto {
			return true
		}
	}
	return false
}
