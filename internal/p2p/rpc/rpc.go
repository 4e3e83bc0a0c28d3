// Package rpc implements the single-RPC-stream state machine and wire
// framing described in spec.md §4.3/§6: length-prefixed u64-LE frames
// carrying a tagged Heartbeat|Handshake|Query|Response message, at most
// one outstanding outbound query per stream, and per-RPC-kind size caps.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Tag identifies the supported RPC calls (spec.md §6).
type Tag string

const (
	TagGetBestTip                            Tag = "get_best_tip"
	TagAnswerSyncLedgerQuery                  Tag = "answer_sync_ledger_query"
	TagGetStagedLedgerAuxAndPendingCoinbases Tag = "get_staged_ledger_aux_and_pending_coinbases_at_hash"
	TagGetTransitionChain                    Tag = "get_transition_chain"
	TagGetSomeInitialPeers                   Tag = "get_some_initial_peers"
)

// DefaultSizeLimits are the per-RPC-kind response size caps (bytes); exact
// values are an implementation choice since spec.md §6 only requires that
// *some* configured cap is enforced per tag.
func DefaultSizeLimits() map[Tag]int {
	return map[Tag]int{
		TagGetBestTip:                            1 << 16,
		TagAnswerSyncLedgerQuery:                  4 << 20,
		TagGetStagedLedgerAuxAndPendingCoinbases:  64 << 20,
		TagGetTransitionChain:                     8 << 20,
		TagGetSomeInitialPeers:                    1 << 16,
	}
}

// MessageKind tags the frame body.
type MessageKind uint8

const (
	KindHeartbeat MessageKind = iota
	KindHandshake
	KindQuery
	KindResponse
)

// handshakeID is the synthetic response id for the Handshake message: the
// ASCII bytes of "RPC\0\0\0\0\0" interpreted little-endian (spec.md §6).
var handshakeID = binary.LittleEndian.Uint64([]byte("RPC\x00\x00\x00\x00\x00"))

// Frame is one decoded RPC message.
type Frame struct {
	Kind    MessageKind
	ID      uint64
	Tag     Tag
	Version uint16
	Payload []byte
}

type wireFrame struct {
	Kind    uint8
	ID      uint64
	Tag     string
	Version uint16
	Payload []byte
}

// Encode serializes a Frame as a length-prefixed (u64 LE) RLP body.
func Encode(f Frame) ([]byte, error) {
	body, err := rlp.EncodeToBytes(wireFrame{
		Kind: uint8(f.Kind), ID: f.ID, Tag: string(f.Tag), Version: f.Version, Payload: f.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("p2p/rpc: encode frame: %w", err)
	}
	out := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint64(out, uint64(len(body)))
	copy(out[8:], body)
	return out, nil
}

// Decode reads one length-prefixed frame from r.
func Decode(r io.Reader) (Frame, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("p2p/rpc: read frame body: %w", err)
	}
	var wf wireFrame
	if err := rlp.DecodeBytes(body, &wf); err != nil {
		return Frame{}, fmt.Errorf("p2p/rpc: decode frame: %w", err)
	}
	return Frame{Kind: MessageKind(wf.Kind), ID: wf.ID, Tag: Tag(wf.Tag), Version: wf.Version, Payload: wf.Payload}, nil
}

// PeerRpcState is the per-(address,peer) attempt status used both here and
// by the sync engine's retry policy (spec.md §4.4.1).
type PeerRpcState int

const (
	AttemptInit PeerRpcState = iota
	AttemptPending
	AttemptSuccess
	AttemptError
)

var (
	ErrUnexpectedResponseID = errors.New("p2p/rpc: response id does not match outstanding query")
	ErrAlreadyPending       = errors.New("p2p/rpc: query already outstanding on this stream")
	ErrResponseTooLarge     = errors.New("p2p/rpc: response exceeds configured size limit")
	ErrTimeout              = errors.New("p2p/rpc: query timed out")
)

// Stats tracks byte counters surfaced over /state/message-progress
// (SPEC_FULL.md §C.3, grounded on p2p_network_scheduler_reducer.rs).
type Stats struct {
	BytesSent uint64
	BytesRecv uint64
	Opened    time.Time
}

// Stream is the per-connection RPC channel state machine.
type Stream struct {
	pending    *Frame
	pendingAt  time.Time
	nextID     uint64
	sizeLimits map[Tag]int
	Stats      Stats
}

// NewStream creates a fresh RPC stream with the given per-kind size caps.
func NewStream(limits map[Tag]int) *Stream {
	return &Stream{sizeLimits: limits, Stats: Stats{Opened: time.Now()}}
}

// SendQuery issues an outbound query, enforcing "at most one outstanding
// outbound query at a time per stream".
func (s *Stream) SendQuery(tag Tag, version uint16, payload []byte) (Frame, error) {
	if s.pending != nil {
		return Frame{}, ErrAlreadyPending
	}
	s.nextID++
	f := Frame{Kind: KindQuery, ID: s.nextID, Tag: tag, Version: version, Payload: payload}
	s.pending = &f
	s.pendingAt = time.Now()
	s.Stats.BytesSent += uint64(len(payload))
	return f, nil
}

// ReceiveResponse validates an inbound Response frame against the
// outstanding query and the tag's configured size limit.
func (s *Stream) ReceiveResponse(resp Frame) (Frame, error) {
	s.Stats.BytesRecv += uint64(len(resp.Payload))
	if s.pending == nil || resp.ID != s.pending.ID {
		return Frame{}, ErrUnexpectedResponseID
	}
	limit, ok := s.sizeLimits[s.pending.Tag]
	if ok && len(resp.Payload) > limit {
		s.pending = nil
		return Frame{}, ErrResponseTooLarge
	}
	q := *s.pending
	s.pending = nil
	return q, nil
}

// CheckTimeout reports whether the outstanding query has exceeded ttl,
// matching the EventSource's 100ms CheckTimeouts sweep (spec.md §4.2).
func (s *Stream) CheckTimeout(now time.Time, ttl time.Duration) bool {
	return s.pending != nil && now.Sub(s.pendingAt) >= ttl
}

// Cancel clears any outstanding query, e.g. on disconnect (spec.md §4.3
// Disconnection cleanup) or timeout.
func (s *Stream) Cancel() {
	s.pending = nil
}

// IsHandshakeID reports whether id is the synthetic handshake response id.
func IsHandshakeID(id uint64) bool { return id == handshakeID }
