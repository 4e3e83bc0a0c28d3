package rpc

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameEncodeDecodeRoundTrip(t *testing.T) {
	f := Frame{Kind: KindQuery, ID: 7, Tag: TagGetBestTip, Version: 1, Payload: []byte("hello")}
	buf, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(bytes.NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestStreamRejectsSecondOutstandingQuery(t *testing.T) {
	s := NewStream(DefaultSizeLimits())
	_, err := s.SendQuery(TagGetBestTip, 1, nil)
	require.NoError(t, err)

	_, err = s.SendQuery(TagGetTransitionChain, 1, nil)
	require.ErrorIs(t, err, ErrAlreadyPending)
}

func TestStreamReceiveResponseMatchesOutstandingQuery(t *testing.T) {
	s := NewStream(DefaultSizeLimits())
	q, err := s.SendQuery(TagGetBestTip, 1, nil)
	require.NoError(t, err)

	_, err = s.ReceiveResponse(Frame{Kind: KindResponse, ID: q.ID + 1})
	require.ErrorIs(t, err, ErrUnexpectedResponseID)

	matched, err := s.ReceiveResponse(Frame{Kind: KindResponse, ID: q.ID, Payload: []byte("ok")})
	require.NoError(t, err)
	require.Equal(t, q.ID, matched.ID)

	_, err = s.SendQuery(TagGetBestTip, 1, nil)
	require.NoError(t, err, "stream must accept a new query once the prior one is resolved")
}

func TestStreamRejectsOversizedResponse(t *testing.T) {
	s := NewStream(map[Tag]int{TagGetBestTip: 4})
	q, err := s.SendQuery(TagGetBestTip, 1, nil)
	require.NoError(t, err)

	_, err = s.ReceiveResponse(Frame{Kind: KindResponse, ID: q.ID, Payload: []byte("way too long")})
	require.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestStreamCheckTimeout(t *testing.T) {
	s := NewStream(DefaultSizeLimits())
	_, err := s.SendQuery(TagGetBestTip, 1, nil)
	require.NoError(t, err)

	require.False(t, s.CheckTimeout(time.Now(), time.Minute))
	require.True(t, s.CheckTimeout(time.Now().Add(time.Hour), time.Minute))

	s.Cancel()
	require.False(t, s.CheckTimeout(time.Now().Add(time.Hour), time.Minute))
}
