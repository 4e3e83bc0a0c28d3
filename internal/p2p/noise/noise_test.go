package noise

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXXHandshakeCompletesWithMatchingKeys(t *testing.T) {
	initStatic, err := GenerateStaticKey()
	require.NoError(t, err)
	respStatic, err := GenerateStaticKey()
	require.NoError(t, err)

	initiator, err := New(initStatic, true, "")
	require.NoError(t, err)
	responder, err := New(respStatic, false, "")
	require.NoError(t, err)

	// -> e
	msg1, err := initiator.WriteMessage(nil)
	require.NoError(t, err)
	_, err = responder.ReadMessage(msg1)
	require.NoError(t, err)

	// <- e, ee, s, es
	msg2, err := responder.WriteMessage(nil)
	require.NoError(t, err)
	_, err = initiator.ReadMessage(msg2)
	require.NoError(t, err)

	// -> s, se
	msg3, err := initiator.WriteMessage(nil)
	require.NoError(t, err)
	_, err = responder.ReadMessage(msg3)
	require.NoError(t, err)

	require.Equal(t, PhaseDone, initiator.State())
	require.Equal(t, PhaseDone, responder.State())
	require.NotEmpty(t, initiator.RemotePeerId)
	require.Equal(t, DerivePeerId(respStatic.Public), initiator.RemotePeerId)
	require.Equal(t, DerivePeerId(initStatic.Public), responder.RemotePeerId)

	pt := []byte("hello mina")
	ct, err := initiator.SendCipher.Encrypt(nil, nil, pt)
	require.NoError(t, err)
	got, err := responder.RecvCipher.Decrypt(nil, nil, ct)
	require.NoError(t, err)
	require.Equal(t, pt, got)
}

func TestExpectedPeerIdMismatchFailsHandshake(t *testing.T) {
	initStatic, _ := GenerateStaticKey()
	respStatic, _ := GenerateStaticKey()

	initiator, _ := New(initStatic, true, "wrong-peer-id")
	responder, _ := New(respStatic, false, "")

	msg1, _ := initiator.WriteMessage(nil)
	responder.ReadMessage(msg1)
	msg2, _ := responder.WriteMessage(nil)
	initiator.ReadMessage(msg2)
	msg3, _ := initiator.WriteMessage(nil)
	responder.ReadMessage(msg3)

	require.Equal(t, PhaseFailed, initiator.State())
	require.ErrorIs(t, initiator.Err(), ErrRemotePeerIdMismatch)
}
