// Package noise drives the per-connection Noise XX handshake (spec.md
// §4.3), using github.com/flynn/noise for the handshake state machine and
// AEAD cipher derivation. The reducer contract — transition to Done with
// (send_key, recv_key, remote_peer_id), and enforce RemotePeerIdMismatch —
// is modeled here as a small explicit state machine driven by
// Handshake.WriteMessage and Handshake.ReadMessage; wire framing of the handshake messages themselves is out
// of scope (spec.md §1 Non-goals).
package noise

import (
	"crypto/sha256"
	"errors"

	"github.com/flynn/noise"
)

// Phase is the per-connection Noise handshake state.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseStep1Sent
	PhaseStep2Received
	PhaseDone
	PhaseFailed
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// ErrRemotePeerIdMismatch is returned when an expected_peer_id was set and
// does not match the peer id derived from the remote static key.
var ErrRemotePeerIdMismatch = errors.New("noise: remote peer id mismatch")

// Handshake drives one connection's XX handshake to completion.
type Handshake struct {
	phase       Phase
	hs          *noise.HandshakeState
	initiator   bool
	expectedPeer string // empty when unset

	SendCipher   *noise.CipherState
	RecvCipher   *noise.CipherState
	RemotePeerId string
}

// New creates a handshake state for a connection. localStatic is this
// node's long-lived Noise static keypair; expectedPeerId, if non-empty, is
// asserted against the remote's derived id on completion.
func New(localStatic noise.DHKey, initiator bool, expectedPeerId string) (*Handshake, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: localStatic,
	})
	if err != nil {
		return nil, err
	}
	return &Handshake{hs: hs, initiator: initiator, expectedPeer: expectedPeerId, phase: PhaseInit}, nil
}

// GenerateStaticKey creates a new long-lived Noise static keypair for the
// node's persisted identity.
func GenerateStaticKey() (noise.DHKey, error) {
	return noise.DH25519.GenerateKeypair(nil)
}

// DerivePeerId derives a stable peer id string from a Noise static public
// key, used both locally and to validate the remote's identity.
func DerivePeerId(staticPublic []byte) string {
	sum := sha256.Sum256(staticPublic)
	return "12D" + encodeBase36(sum[:20])
}

func encodeBase36(b []byte) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = alphabet[int(v)%len(alphabet)]
	}
	return string(out)
}

// WriteMessage advances the handshake with this side's next outbound
// message (XX: -> e, <- e,ee,s,es, -> s,se).
func (h *Handshake) WriteMessage(payload []byte) ([]byte, error) {
	out, cs1, cs2, err := h.hs.WriteMessage(nil, payload)
	if err != nil {
		h.phase = PhaseFailed
		return nil, err
	}
	h.maybeComplete(cs1, cs2)
	return out, nil
}

// ReadMessage advances the handshake given an inbound message.
func (h *Handshake) ReadMessage(msg []byte) ([]byte, error) {
	out, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		h.phase = PhaseFailed
		return nil, err
	}
	h.maybeComplete(cs1, cs2)
	return out, nil
}

func (h *Handshake) maybeComplete(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		if h.phase == PhaseInit {
			h.phase = PhaseStep1Sent
		} else {
			h.phase = PhaseStep2Received
		}
		return
	}
	remoteStatic := h.hs.PeerStatic()
	peerId := DerivePeerId(remoteStatic)
	if h.expectedPeer != "" && h.expectedPeer != peerId {
		h.phase = PhaseFailed
		return
	}
	if h.initiator {
		h.SendCipher, h.RecvCipher = cs1, cs2
	} else {
		h.SendCipher, h.RecvCipher = cs2, cs1
	}
	h.RemotePeerId = peerId
	h.phase = PhaseDone
}

// State returns the current handshake phase.
func (h *Handshake) State() Phase { return h.phase }

// Err returns ErrRemotePeerIdMismatch if the handshake failed specifically
// due to peer id mismatch (vs. a lower-level crypto failure).
func (h *Handshake) Err() error {
	if h.phase != PhaseFailed || h.expectedPeer == "" {
		return nil
	}
	if remote := h.hs.PeerStatic(); len(remote) > 0 && DerivePeerId(remote) != h.expectedPeer {
		return ErrRemotePeerIdMismatch
	}
	return nil
}
