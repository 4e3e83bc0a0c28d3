package ledger

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event is the payload the LedgerManager worker posts back to the Store's
// event queue for asynchronous writes, matching spec.md §4.5's
// `LedgerEvent::Write`/`LedgerEvent::Read`.
type Event struct {
	Kind  string // "write" | "read"
	Addr  Address
	Err   error
}

// request is the internal tagged union the Manager's worker goroutine
// drains; each variant closes over its own typed reply channel, avoiding a
// generic `any` reply that callers would need to type-assert.
type request func()

// Manager serializes all mutating ledger operations through a single
// worker goroutine with a request channel, matching spec.md §4.5's
// LedgerManager worker and §5's "isolated worker thread" concurrency
// model. BaseLedger handles (masks) are only ever dereferenced from within
// this goroutine.
type Manager struct {
	reqs   chan request
	events chan Event
	done   chan struct{}
	log    *logrus.Entry
	reg    *registry
}

// NewManager starts the worker goroutine and returns a handle to it.
func NewManager(eventBuf int) *Manager {
	m := &Manager{
		reqs:   make(chan request, 256),
		events: make(chan Event, eventBuf),
		done:   make(chan struct{}),
		log:    logrus.WithField("component", "ledger.manager"),
		reg:    newRegistry(),
	}
	go m.loop()
	return m
}

// RegisterMask makes ml reachable by uuid through GetMask.
func (m *Manager) RegisterMask(ml BaseLedger) { m.reg.put(ml) }

// UnregisterMask removes a detached mask from the registry.
func (m *Manager) UnregisterMask(uuid string) { m.reg.remove(uuid) }

// GetMask answers the GetMask request variant: resolve a mask handle by its
// uuid, as held by the Store (spec.md §5 "the Store holds handles (uuid)
// but never dereferences mask contents outside a request").
func (m *Manager) GetMask(uuid string) (BaseLedger, bool) {
	return m.reg.get(uuid)
}

// Events exposes the manager's outbound event channel for the EventSource
// to multiplex alongside P2P and RPC events.
func (m *Manager) Events() <-chan Event { return m.events }

// Close stops the worker goroutine after draining any queued requests.
func (m *Manager) Close() {
	close(m.reqs)
	<-m.done
}

func (m *Manager) loop() {
	defer close(m.done)
	for req := range m.reqs {
		req()
	}
	m.log.Debug("ledger manager worker stopped")
}

// Do runs fn on the worker goroutine, for composite operations the
// predefined request variants do not cover (block application, commit
// reparenting). fn owns its own completion signaling.
func (m *Manager) Do(fn func()) {
	m.reqs <- fn
}

// Write requests that addr be set to acct within ml, replying
// asynchronously via the Events channel (spec.md §4.5 LedgerEvent::Write).
func (m *Manager) Write(ml BaseLedger, addr Address, acct *Account) {
	m.reqs <- func() {
		ml.Set(addr, acct)
		m.events <- Event{Kind: "write", Addr: addr}
	}
}

// Read synchronously fetches an account through a one-shot reply channel,
// matching the "Read" request variant's sync reply contract.
func (m *Manager) Read(ml BaseLedger, addr Address) (*Account, error) {
	reply := make(chan *Account, 1)
	m.reqs <- func() {
		acct, _ := ml.Get(addr)
		reply <- acct
	}
	return <-reply, nil
}

// AccountsSet performs a batched write synchronously.
func (m *Manager) AccountsSet(ml BaseLedger, pairs []AddrAccount) error {
	reply := make(chan error, 1)
	m.reqs <- func() {
		ml.SetBatch(pairs)
		reply <- nil
	}
	return <-reply
}

// AccountsGet performs a batched read synchronously.
func (m *Manager) AccountsGet(ml BaseLedger, addrs []Address) []*Account {
	reply := make(chan []*Account, 1)
	m.reqs <- func() {
		reply <- ml.GetBatch(addrs)
	}
	return <-reply
}

// ChildHashesGet answers a WhatChildHashes RPC: the hashes of addr's two
// children, used by the Merkle-sync responder side (spec.md §4.4.1).
func (m *Manager) ChildHashesGet(ml BaseLedger, addr Address) (left, right [32]byte, err error) {
	type result struct {
		l, r [32]byte
		err  error
	}
	reply := make(chan result, 1)
	m.reqs <- func() {
		l, lerr := ml.HashAt(addr.ChildLeft())
		if lerr != nil {
			reply <- result{err: lerr}
			return
		}
		r, rerr := ml.HashAt(addr.ChildRight())
		reply <- result{l: l, r: r, err: rerr}
	}
	res := <-reply
	return res.l, res.r, res.err
}

// ComputeSnarkedLedgerHashes returns the current Merkle root, synchronously.
func (m *Manager) ComputeSnarkedLedgerHashes(ml BaseLedger) [32]byte {
	reply := make(chan [32]byte, 1)
	m.reqs <- func() {
		reply <- ml.MerkleRoot()
	}
	return <-reply
}

// CopySnarkedLedgerContentsForSync answers a WhatContents RPC: every
// account in the subtree rooted at addr, for the Merkle-sync responder.
func (m *Manager) CopySnarkedLedgerContentsForSync(ml BaseLedger, addr Address) []*Account {
	reply := make(chan []*Account, 1)
	m.reqs <- func() {
		reply <- ml.GetAllAccountsRootedAt(addr)
	}
	return <-reply
}

// InsertGenesisLedger installs a full set of genesis accounts into ml.
func (m *Manager) InsertGenesisLedger(ml BaseLedger, accounts []*Account) error {
	reply := make(chan error, 1)
	m.reqs <- func() {
		for i, acct := range accounts {
			ml.(interface {
				Set(Address, *Account)
			}).Set(AddressFromIndex(AccountIndex(i), ml.Depth()), acct)
		}
		reply <- nil
	}
	return <-reply
}

// GetProducersWithDelegates returns every AccountId that has delegated its
// stake to producerKey, consulted by the block-producer/consensus
// collaborator.
func (m *Manager) GetProducersWithDelegates(ml BaseLedger, producerKey string) []AccountId {
	reply := make(chan []AccountId, 1)
	m.reqs <- func() {
		last, ok := ml.LastFilled()
		if !ok {
			reply <- nil
			return
		}
		var out []AccountId
		for i := AccountIndex(0); i <= last.ToIndex(); i++ {
			addr := AddressFromIndex(i, ml.Depth())
			acct, ok := ml.Get(addr)
			if ok && acct.Delegate == producerKey {
				out = append(out, acct.Id())
			}
		}
		reply <- out
	}
	return <-reply
}

// StagedLedgerReconstructResult installs a reconstructed staged ledger's
// parts (the account set fetched via
// StagedLedgerAuxAndPendingCoinbasesAtBlock, spec.md §4.4.2) into a fresh
// mask layered on base.
func (m *Manager) StagedLedgerReconstructResult(base BaseLedger, newMask BaseLedger, accounts []*Account) error {
	reply := make(chan error, 1)
	m.reqs <- func() {
		for i, acct := range accounts {
			newMask.Set(AddressFromIndex(AccountIndex(i), newMask.Depth()), acct)
		}
		if newMask.MerkleRoot() == base.MerkleRoot() {
			reply <- fmt.Errorf("ledger: reconstructed staged ledger unexpectedly equals base root")
			return
		}
		reply <- nil
	}
	return <-reply
}

// registry tracks live masks by uuid for the GetMask request variant; the
// Store registers/unregisters masks as they are created/detached.
type registry struct {
	mu    sync.RWMutex
	masks map[string]BaseLedger
}

func newRegistry() *registry { return &registry{masks: make(map[string]BaseLedger)} }

func (r *registry) put(m BaseLedger) {
	r.mu.Lock()
	r.masks[m.GetUUID()] = m
	r.mu.Unlock()
}

func (r *registry) remove(uuid string) {
	r.mu.Lock()
	delete(r.masks, uuid)
	r.mu.Unlock()
}

func (r *registry) get(uuid string) (BaseLedger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.masks[uuid]
	return m, ok
}
