package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mina-core/internal/testutil"
)

func TestRecordThenReplayRoundTrip(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	hdr := Header{RngSeed: 42, InitialState: []byte("genesis"), CreatedAt: time.Unix(1000, 0).UTC()}
	rec, err := NewRecorder(sb.Root, hdr)
	require.NoError(t, err)

	entries := []Entry{
		{Kind: "p2p", Time: time.Unix(1001, 0).UTC(), Data: []byte("a")},
		{Kind: "ledger", Time: time.Unix(1002, 0).UTC(), Data: []byte("b")},
		{Kind: "transaction_pool", Time: time.Unix(1003, 0).UTC(), Data: []byte("c")},
	}
	for _, e := range entries {
		require.NoError(t, rec.Record(e))
	}
	require.NoError(t, rec.Close())

	p, err := Open(sb.Root)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, hdr, p.Header())

	var got []Entry
	require.NoError(t, p.Replay(func(e Entry) error {
		got = append(got, e)
		return nil
	}))
	require.Equal(t, entries, got)
}

func TestOpenMissingRecordingFails(t *testing.T) {
	sb, err := testutil.NewSandbox()
	require.NoError(t, err)
	defer sb.Cleanup()

	_, err = Open(sb.Root)
	require.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("state-with-input-actions")
	require.NoError(t, err)
	require.Equal(t, ModeStateWithInputActions, m)

	_, err = ParseMode("everything")
	require.Error(t, err)
}
