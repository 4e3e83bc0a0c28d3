package p2p

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
)

// PnetFramer is the outer symmetric frame every connection negotiates
// before anything else: each side sends a fresh 24-byte nonce in the clear,
// then all subsequent traffic in that direction is XORed with the XChaCha20
// keystream derived from the network's pre-shared key and that nonce. A
// node with the wrong pnet key produces garbage that fails the next layer's
// negotiation, which is the extent of the protection this layer offers.
type PnetFramer struct {
	send *chacha20.Cipher
	recv *chacha20.Cipher
}

// NewPnetFramer performs the nonce exchange over rw and returns a framer
// ready to seal/open traffic in both directions.
func NewPnetFramer(rw io.ReadWriter, psk [32]byte) (*PnetFramer, error) {
	var localNonce [chacha20.NonceSizeX]byte
	if _, err := rand.Read(localNonce[:]); err != nil {
		return nil, fmt.Errorf("p2p/pnet: nonce: %w", err)
	}
	// Both sides send eagerly; the write runs concurrently with the read
	// so the exchange cannot deadlock on an unbuffered transport.
	sendErr := make(chan error, 1)
	go func() {
		_, err := rw.Write(localNonce[:])
		sendErr <- err
	}()
	var remoteNonce [chacha20.NonceSizeX]byte
	if _, err := io.ReadFull(rw, remoteNonce[:]); err != nil {
		return nil, fmt.Errorf("p2p/pnet: recv nonce: %w", err)
	}
	if err := <-sendErr; err != nil {
		return nil, fmt.Errorf("p2p/pnet: send nonce: %w", err)
	}
	send, err := chacha20.NewUnauthenticatedCipher(psk[:], localNonce[:])
	if err != nil {
		return nil, fmt.Errorf("p2p/pnet: send cipher: %w", err)
	}
	recv, err := chacha20.NewUnauthenticatedCipher(psk[:], remoteNonce[:])
	if err != nil {
		return nil, fmt.Errorf("p2p/pnet: recv cipher: %w", err)
	}
	return &PnetFramer{send: send, recv: recv}, nil
}

// Seal transforms outbound plaintext in place and returns it.
func (f *PnetFramer) Seal(data []byte) []byte {
	f.send.XORKeyStream(data, data)
	return data
}

// Open transforms inbound ciphertext in place and returns it.
func (f *PnetFramer) Open(data []byte) []byte {
	f.recv.XORKeyStream(data, data)
	return data
}

// DerivePnetKey expands a chain id into the network's pre-shared key, so
// nodes on different chains cannot complete the pnet layer against each
// other.
func DerivePnetKey(chainID string) [32]byte {
	return sha256.Sum256([]byte("mina-core/pnet/" + chainID))
}
