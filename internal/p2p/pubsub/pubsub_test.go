package pubsub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubOracle struct {
	result    PrevalidateResult
	allowLate bool
}

func (s stubOracle) PrevalidateBlock(_ []byte, _ time.Time) PrevalidateResult { return s.result }
func (s stubOracle) AllowBlockTooLate(_ []byte) bool                         { return s.allowLate }

func TestValidateNewStateTooEarlyIsIgnoredNotRejected(t *testing.T) {
	out := Validate(KindNewState, nil, stubOracle{result: PrevalidateReceivedTooEarly}, time.Now())
	require.Equal(t, OutcomeIgnore, out, "spec.md scenario 6: too-early blocks are ignored, not rejected")
}

func TestValidateNewStateTooLateHonorsOracle(t *testing.T) {
	require.Equal(t, OutcomeAccept, Validate(KindNewState, nil, stubOracle{result: PrevalidateReceivedTooLate, allowLate: true}, time.Now()))
	require.Equal(t, OutcomeIgnore, Validate(KindNewState, nil, stubOracle{result: PrevalidateReceivedTooLate, allowLate: false}, time.Now()))
}

func TestValidateNewStateInvalidIsRejected(t *testing.T) {
	out := Validate(KindNewState, nil, stubOracle{result: PrevalidateInvalid}, time.Now())
	require.Equal(t, OutcomeReject, out)
}

func TestValidateOtherKindsAlwaysAccepted(t *testing.T) {
	out := Validate(KindOther, nil, stubOracle{result: PrevalidateInvalid}, time.Now())
	require.Equal(t, OutcomeAccept, out, "spec.md §4.3: non-NewState gossip defers full validation to pool reducers")
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("mina gossip payload")
	frame := EncodeFrame(payload)
	got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}
