package verifier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolVerifiesAndReportsResults(t *testing.T) {
	p := NewPool(2, func(kind TaskKind, payload []byte) (bool, error) {
		return len(payload) > 0, nil
	})
	defer p.Close()

	p.Submit(Request{ID: 1, Kind: TaskBlockProof, Payload: []byte("proof")})
	p.Submit(Request{ID: 2, Kind: TaskSnarkWork, Payload: nil})

	got := map[uint64]Result{}
	for len(got) < 2 {
		select {
		case res := <-p.Results():
			got[res.ID] = res
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for results")
		}
	}
	require.True(t, got[1].Valid)
	require.False(t, got[2].Valid)
}

func TestPoolSurfacesVerifierErrors(t *testing.T) {
	wantErr := errors.New("bad proof encoding")
	p := NewPool(1, func(TaskKind, []byte) (bool, error) { return false, wantErr })
	defer p.Close()

	p.Submit(Request{ID: 9, Kind: TaskCommandProof})
	select {
	case res := <-p.Results():
		require.ErrorIs(t, res.Err, wantErr)
		require.False(t, res.Valid)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func TestWorkerFloorIsOne(t *testing.T) {
	p := NewPool(0, func(TaskKind, []byte) (bool, error) { return true, nil })
	defer p.Close()
	require.Equal(t, 1, p.Workers())
	require.GreaterOrEqual(t, DefaultWorkers(), 1)
}
