// Package pubsub implements the gossip layer: topic join/publish/subscribe
// via github.com/libp2p/go-libp2p-pubsub (generalized from
// core/network.go's Broadcast/Subscribe pair), frame compression via
// github.com/golang/snappy, and the pre-validation reducer contract of
// spec.md §4.3.
package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/snappy"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Topic names, matching the node's three gossip channels.
const (
	TopicNewState  = "mina/new-state/1.0.0"
	TopicTxPool    = "mina/tx-pool-diff/1.0.0"
	TopicSnarkPool = "mina/snark-pool-diff/1.0.0"
)

// MessageKind distinguishes the gossip validation path (spec.md §4.3:
// "NewState" gets consensus prevalidation, every other kind is
// unconditionally passed through for pool-level validation).
type MessageKind int

const (
	KindNewState MessageKind = iota
	KindOther
)

// PrevalidateResult is the consensus collaborator's verdict on a candidate
// block, consumed only by NewState messages.
type PrevalidateResult int

const (
	PrevalidateValid PrevalidateResult = iota
	PrevalidateReceivedTooEarly
	PrevalidateReceivedTooLate
	PrevalidateInvalid
)

// ValidationOutcome is what the pubsub validator returns to libp2p-pubsub.
type ValidationOutcome int

const (
	OutcomeAccept ValidationOutcome = iota
	OutcomeIgnore
	OutcomeReject
)

// ConsensusOracle is the named external collaborator from spec.md §9's
// first Open Question: the implementer must delegate to it rather than
// reinvent allow_block_too_late.
type ConsensusOracle interface {
	PrevalidateBlock(block []byte, now time.Time) PrevalidateResult
	AllowBlockTooLate(block []byte) bool
}

// Validate implements the pre-validation reducer contract of spec.md §4.3.
func Validate(kind MessageKind, payload []byte, oracle ConsensusOracle, now time.Time) ValidationOutcome {
	if kind != KindNewState {
		return OutcomeAccept
	}
	switch oracle.PrevalidateBlock(payload, now) {
	case PrevalidateValid:
		return OutcomeAccept
	case PrevalidateReceivedTooEarly:
		return OutcomeIgnore
	case PrevalidateReceivedTooLate:
		if oracle.AllowBlockTooLate(payload) {
			return OutcomeAccept
		}
		return OutcomeIgnore
	default:
		return OutcomeReject
	}
}

// EncodeFrame snappy-compresses a gossip payload before publish.
func EncodeFrame(payload []byte) []byte { return snappy.Encode(nil, payload) }

// DecodeFrame snappy-decompresses a received gossip payload.
func DecodeFrame(frame []byte) ([]byte, error) { return snappy.Decode(nil, frame) }

// Gossip owns the pubsub router and the node's joined topics.
type Gossip struct {
	ps *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*pubsub.Subscription

	log *logrus.Entry
}

// New creates a GossipSub router over h.
func New(ctx context.Context, h host.Host) (*Gossip, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("p2p/pubsub: new gossipsub: %w", err)
	}
	return &Gossip{
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*pubsub.Subscription),
		log:    logrus.WithField("component", "p2p.pubsub"),
	}, nil
}

func (g *Gossip) topic(name string) (*pubsub.Topic, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.topics[name]; ok {
		return t, nil
	}
	t, err := g.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("p2p/pubsub: join %s: %w", name, err)
	}
	g.topics[name] = t
	return t, nil
}

// Publish compresses and broadcasts payload on the given topic.
func (g *Gossip) Publish(ctx context.Context, topicName string, payload []byte) error {
	t, err := g.topic(topicName)
	if err != nil {
		return err
	}
	return t.Publish(ctx, EncodeFrame(payload))
}

// Message is a decompressed gossip message delivered to a subscriber.
type Message struct {
	From peer.ID
	Data []byte
}

// Subscribe returns a channel of decompressed messages on topicName. The
// channel closes when ctx is cancelled or the subscription errors.
func (g *Gossip) Subscribe(ctx context.Context, topicName string) (<-chan Message, error) {
	t, err := g.topic(topicName)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	sub, ok := g.subs[topicName]
	if !ok {
		sub, err = t.Subscribe()
		if err != nil {
			g.mu.Unlock()
			return nil, fmt.Errorf("p2p/pubsub: subscribe %s: %w", topicName, err)
		}
		g.subs[topicName] = sub
	}
	g.mu.Unlock()

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				g.log.WithError(err).Debug("subscription ended")
				return
			}
			payload, err := DecodeFrame(msg.Data)
			if err != nil {
				g.log.WithError(err).Warn("dropping malformed gossip frame")
				continue
			}
			select {
			case out <- Message{From: msg.GetFrom(), Data: payload}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
