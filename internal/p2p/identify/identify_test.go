package identify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoRoundTrip(t *testing.T) {
	info := Info{
		PeerId:      "12Dabc",
		ListenAddrs: []string{"/ip4/10.0.0.1/tcp/8302"},
		Protocols:   []string{"/mina/rpc/1.0.0", "/meshsub/1.1.0"},
		AgentString: "mina-core/0.1",
	}
	raw, err := Encode(info)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestSupportsRPC(t *testing.T) {
	info := Info{Protocols: []string{"/meshsub/1.1.0"}}
	require.False(t, info.SupportsRPC("/mina/rpc/1.0.0"))
	info.Protocols = append(info.Protocols, "/mina/rpc/1.0.0")
	require.True(t, info.SupportsRPC("/mina/rpc/1.0.0"))
}
