// Package verifier runs block and snark-work verification on a fixed-size
// worker pool, one worker per CPU minus one, draining a fifo task channel
// (spec.md §5). The cryptographic verification itself is a named external
// collaborator; the pool owns scheduling and result delivery back through
// the Store's event queue.
package verifier

import (
	"context"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"mina-core/internal/action"
)

// TaskKind distinguishes verification workloads.
type TaskKind int

const (
	TaskBlockProof TaskKind = iota
	TaskSnarkWork
	TaskCommandProof
)

// Request is one verification task. Payload is an owned copy: callers
// clone before submitting so the pool never shares memory with the Store.
type Request struct {
	ID      uint64
	Kind    TaskKind
	Payload []byte
}

// Result reports one completed verification.
type Result struct {
	ID    uint64
	Kind  TaskKind
	Valid bool
	Err   error
	Took  time.Duration
}

// Event wraps a Result for the Store's event queue.
type Event struct{ Result Result }

func (Event) EventKind() action.Kind { return action.KindSnark }

// VerifyFunc is the external proof-verification collaborator (Kimchi/Plonk
// in production, a stub in tests).
type VerifyFunc func(kind TaskKind, payload []byte) (bool, error)

// Pool is the fixed-size verification worker pool.
type Pool struct {
	tasks   chan Request
	results chan Result
	verify  VerifyFunc
	cancel  context.CancelFunc
	workers int
	log     *logrus.Entry
}

// DefaultWorkers is the production pool size: CPU count minus one, with a
// floor of one.
func DefaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// NewPool starts `workers` goroutines draining the task fifo.
func NewPool(workers int, verify VerifyFunc) *Pool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:   make(chan Request, 256),
		results: make(chan Result, 256),
		verify:  verify,
		cancel:  cancel,
		workers: workers,
		log:     logrus.WithField("component", "verifier"),
	}
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
	return p
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-p.tasks:
			if !ok {
				return
			}
			start := time.Now()
			valid, err := p.verify(req.Kind, req.Payload)
			res := Result{ID: req.ID, Kind: req.Kind, Valid: valid, Err: err, Took: time.Since(start)}
			select {
			case p.results <- res:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Submit enqueues a task fifo; it blocks when the queue is full, applying
// backpressure to the effectful caller (never to a reducer).
func (p *Pool) Submit(req Request) {
	p.tasks <- req
}

// Results exposes the completion channel for the EventSource.
func (p *Pool) Results() <-chan Result { return p.results }

// Workers reports the configured pool size.
func (p *Pool) Workers() int { return p.workers }

// Close stops all workers.
func (p *Pool) Close() {
	p.cancel()
}
