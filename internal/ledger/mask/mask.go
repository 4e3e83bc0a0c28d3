// Package mask implements the copy-on-write ledger overlay stack described
// in spec.md §3.3/§4.5: a Root wraps the base Database; Attached masks
// layer writes on top of a parent; Unattached masks are detached and no
// longer reachable from any root. The algorithms here (reparenting,
// parent-set notification, lazy hashing across overlay boundaries) are
// grounded on core/merkle_tree_operations.go's hashing idiom, generalized
// from a flat Merkle tree to a tree-of-trees.
package mask

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mina-core/internal/ledger"
)

// Status is the lifecycle state of a Mask.
type Status int

const (
	StatusRoot Status = iota
	StatusAttached
	StatusUnattached
)

type ownedEntry struct {
	addr    ledger.Address
	account *ledger.Account // nil means the address was explicitly removed
}

// Mask is one layer of the ledger overlay stack.
type Mask struct {
	mu sync.RWMutex

	status Status
	db     *ledger.Database  // non-nil only when status == StatusRoot
	parent ledger.BaseLedger // non-nil only when status == StatusAttached

	children map[string]*Mask // keyed by child uuid
	owned    map[string]ownedEntry
	idToAddr map[ledger.AccountId]ledger.Address

	lastLocation *ledger.Address
	matrix       *ledger.HashesMatrix
	uuid         string
	depth        int

	log *logrus.Entry
}

// NewRoot wraps db as the root of a new mask stack.
func NewRoot(db *ledger.Database) *Mask {
	return &Mask{
		status:   StatusRoot,
		db:       db,
		children: make(map[string]*Mask),
		owned:    make(map[string]ownedEntry),
		idToAddr: make(map[ledger.AccountId]ledger.Address),
		matrix:   ledger.NewHashesMatrix(db.Depth(), 1<<16),
		uuid:     uuid.NewString(),
		depth:    db.Depth(),
		log:      logrus.WithField("component", "ledger.mask"),
	}
}

// NewAttached creates a new Mask layered on top of parent and registers it
// as one of parent's children.
func NewAttached(parent *Mask) *Mask {
	m := &Mask{
		status:   StatusAttached,
		parent:   parent,
		children: make(map[string]*Mask),
		owned:    make(map[string]ownedEntry),
		idToAddr: make(map[ledger.AccountId]ledger.Address),
		matrix:   ledger.NewHashesMatrix(parent.Depth(), 1<<14),
		uuid:     uuid.NewString(),
		depth:    parent.Depth(),
		log:      logrus.WithField("component", "ledger.mask"),
	}
	parent.mu.Lock()
	parent.children[m.uuid] = m
	parent.mu.Unlock()
	return m
}

func (m *Mask) Depth() int      { return m.depth }
func (m *Mask) GetUUID() string { return m.uuid }
func (m *Mask) Status() Status  { return m.status }

// Parent returns the parent ledger this mask is attached to, or nil for a
// root or detached mask.
func (m *Mask) Parent() ledger.BaseLedger {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parent
}

func (m *Mask) Get(addr ledger.Address) (*ledger.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(addr)
}

func (m *Mask) getLocked(addr ledger.Address) (*ledger.Account, bool) {
	if m.status == StatusRoot {
		return m.db.Get(addr)
	}
	if e, ok := m.owned[addr.Key()]; ok {
		if e.account == nil {
			return nil, false
		}
		return e.account.Clone(), true
	}
	if m.parent == nil {
		return nil, false
	}
	return m.parent.Get(addr)
}

// TestIsInMask reports whether addr has a locally owned entry (set or
// tombstoned), used by the commit postcondition in spec.md §8.
func (m *Mask) TestIsInMask(addr ledger.Address) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.owned[addr.Key()]
	return ok
}

func (m *Mask) Set(addr ledger.Address, acct *ledger.Account) {
	m.mu.Lock()
	if m.status == StatusRoot {
		m.db.Set(addr, acct)
		m.mu.Unlock()
		m.notifyChildren(addr, acct)
		return
	}
	m.owned[addr.Key()] = ownedEntry{addr: addr, account: acct.Clone()}
	if acct != nil {
		m.idToAddr[acct.Id()] = addr
	}
	if m.lastLocation == nil || addr.ToIndex() > m.lastLocation.ToIndex() {
		a := addr
		m.lastLocation = &a
	}
	m.matrix.InvalidatePath(addr)
	m.mu.Unlock()
	m.notifyChildren(addr, acct)
}

// notifyChildren implements parent-set notification (spec.md §3.3): for
// every child that locally shadows addr with a value now equal to the new
// parent value, drop the local copy (it's redundant) and recurse to
// grandchildren depth-first.
func (m *Mask) notifyChildren(addr ledger.Address, newVal *ledger.Account) {
	m.mu.RLock()
	children := make([]*Mask, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.mu.RUnlock()

	for _, c := range children {
		c.mu.Lock()
		e, ok := c.owned[addr.Key()]
		if ok && accountsEqual(e.account, newVal) {
			delete(c.owned, addr.Key())
			c.matrix.InvalidatePath(addr)
		}
		c.mu.Unlock()
		c.notifyChildren(addr, newVal)
	}
}

func accountsEqual(a, b *ledger.Account) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash() == b.Hash()
}

func (m *Mask) GetBatch(addrs []ledger.Address) []*ledger.Account {
	out := make([]*ledger.Account, len(addrs))
	for i, a := range addrs {
		out[i], _ = m.Get(a)
	}
	return out
}

func (m *Mask) SetBatch(pairs []ledger.AddrAccount) {
	for _, p := range pairs {
		m.Set(p.Addr, p.Account)
	}
}

func (m *Mask) GetOrCreateAccount(id ledger.AccountId, fallback *ledger.Account) (ledger.Address, *ledger.Account, bool) {
	m.mu.Lock()
	if m.status == StatusRoot {
		m.mu.Unlock()
		return m.db.GetOrCreateAccount(id, fallback)
	}
	if addr, ok := m.idToAddr[id]; ok {
		acct, _ := m.getLocked(addr)
		m.mu.Unlock()
		return addr, acct, false
	}
	m.mu.Unlock()
	if addr, ok := m.LocationOfAccount(id); ok {
		acct, _ := m.Get(addr)
		return addr, acct, false
	}
	idx := ledger.AccountIndex(0)
	if last, ok := m.LastFilled(); ok {
		idx = last.ToIndex() + 1
	}
	addr := ledger.AddressFromIndex(idx, m.depth)
	fallback = fallback.Clone()
	fallback.PublicKey = id.PublicKey
	fallback.TokenId = id.TokenId
	m.Set(addr, fallback)
	return addr, fallback, true
}

func (m *Mask) RemoveAccounts(ids []ledger.AccountId) {
	for _, id := range ids {
		if addr, ok := m.LocationOfAccount(id); ok {
			m.Set(addr, nil)
		}
	}
}

func (m *Mask) LocationOfAccount(id ledger.AccountId) (ledger.Address, bool) {
	m.mu.RLock()
	if a, ok := m.idToAddr[id]; ok {
		m.mu.RUnlock()
		return a, true
	}
	status, parent := m.status, m.parent
	m.mu.RUnlock()
	if status == StatusRoot {
		return m.db.LocationOfAccount(id)
	}
	if parent == nil {
		return ledger.Address{}, false
	}
	return parent.LocationOfAccount(id)
}

func (m *Mask) IndexOfAccount(id ledger.AccountId) (ledger.AccountIndex, bool) {
	a, ok := m.LocationOfAccount(id)
	if !ok {
		return 0, false
	}
	return a.ToIndex(), true
}

func (m *Mask) LastFilled() (ledger.Address, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRoot {
		return m.db.LastFilled()
	}
	var best *ledger.Address
	if m.lastLocation != nil {
		best = m.lastLocation
	}
	if m.parent != nil {
		if pa, ok := m.parent.LastFilled(); ok {
			if best == nil || pa.ToIndex() > best.ToIndex() {
				best = &pa
			}
		}
	}
	if best == nil {
		return ledger.Address{}, false
	}
	return *best, true
}

func (m *Mask) NumAccounts() int {
	// Approximation: parent's count plus newly introduced local ids not
	// present in the parent. Exact for the common case of disjoint writes.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == StatusRoot {
		return m.db.NumAccounts()
	}
	base := 0
	if m.parent != nil {
		base = m.parent.NumAccounts()
	}
	extra := 0
	for _, e := range m.owned {
		if e.account != nil {
			if _, existed := m.parent.Get(e.addr); !existed {
				extra++
			}
		}
	}
	return base + extra
}

func (m *Mask) TokenOwner(token ledger.TokenId) (ledger.AccountId, bool) {
	if m.status == StatusRoot {
		return m.db.TokenOwner(token)
	}
	if m.parent != nil {
		return m.parent.TokenOwner(token)
	}
	return ledger.AccountId{}, false
}

func (m *Mask) Tokens(publicKey string) []ledger.TokenId {
	if m.status == StatusRoot {
		return m.db.Tokens(publicKey)
	}
	if m.parent != nil {
		return m.parent.Tokens(publicKey)
	}
	return nil
}

// ForEachAccount visits occupied leaves in index order, overlaying local
// writes (and tombstones) on the parent's view.
func (m *Mask) ForEachAccount(fn func(ledger.Address, *ledger.Account) bool) {
	last, ok := m.LastFilled()
	if !ok {
		return
	}
	for i := ledger.AccountIndex(0); i <= last.ToIndex(); i++ {
		addr := ledger.AddressFromIndex(i, m.depth)
		if acct, ok := m.Get(addr); ok {
			if !fn(addr, acct) {
				return
			}
		}
	}
}

// FoldAccounts folds fn over occupied leaves in index order.
func (m *Mask) FoldAccounts(init any, fn func(acc any, a *ledger.Account) any) any {
	acc := init
	m.ForEachAccount(func(_ ledger.Address, a *ledger.Account) bool {
		acc = fn(acc, a)
		return true
	})
	return acc
}

// HashAt computes the hash at addr, consulting local writes first and
// recursing into the parent for any subtree without local modifications.
func (m *Mask) HashAt(addr ledger.Address) ([32]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hashAtLocked(addr)
}

func (m *Mask) hashAtLocked(addr ledger.Address) ([32]byte, error) {
	if m.status == StatusRoot {
		return m.db.HashAt(addr)
	}
	if h, ok := m.matrix.Get(addr); ok {
		return h, nil
	}
	height := m.depth - addr.Length()
	var h [32]byte
	if height == 0 {
		if e, ok := m.owned[addr.Key()]; ok {
			if e.account == nil {
				h = m.matrix.EmptyHashAtHeight(0)
			} else {
				h = e.account.Hash()
			}
		} else if m.parent != nil {
			var err error
			h, err = m.parent.HashAt(addr)
			if err != nil {
				return [32]byte{}, err
			}
		} else {
			h = m.matrix.EmptyHashAtHeight(0)
		}
	} else if m.subtreeHasLocalWrites(addr) {
		lh, err := m.hashAtLocked(addr.ChildLeft())
		if err != nil {
			return [32]byte{}, err
		}
		rh, err := m.hashAtLocked(addr.ChildRight())
		if err != nil {
			return [32]byte{}, err
		}
		h = ledger.HashNode(lh, rh)
	} else if m.parent != nil {
		var err error
		h, err = m.parent.HashAt(addr)
		if err != nil {
			return [32]byte{}, err
		}
	} else {
		h = m.matrix.EmptyHashAtHeight(height)
	}
	m.matrix.Set(addr, h)
	return h, nil
}

func (m *Mask) subtreeHasLocalWrites(addr ledger.Address) bool {
	for _, e := range m.owned {
		if addr.IsAncestorOrSelf(e.addr) {
			return true
		}
	}
	return false
}

func (m *Mask) MerkleRoot() [32]byte {
	h, err := m.HashAt(ledger.RootAddress())
	if err != nil {
		panic(err)
	}
	return h
}

func (m *Mask) MerklePath(addr ledger.Address) []ledger.PathElement {
	path := make([]ledger.PathElement, 0, addr.Length())
	cur := addr
	for !cur.IsRoot() {
		parent := cur.Parent()
		sibling := parent.ChildRight()
		isRight := true
		if parent.ChildRight().Key() == cur.Key() {
			sibling = parent.ChildLeft()
			isRight = false
		}
		h, _ := m.HashAt(sibling)
		path = append(path, ledger.PathElement{SiblingHash: h, SiblingIsRight: isRight})
		cur = parent
	}
	return path
}

func (m *Mask) GetInnerHashAtAddr(addr ledger.Address) ([32]byte, error) {
	if addr.Length() >= m.depth {
		return [32]byte{}, fmt.Errorf("ledger: address %s is a leaf, not an inner node", addr)
	}
	return m.HashAt(addr)
}

func (m *Mask) SetAllAccountsRootedAt(addr ledger.Address, accounts []*ledger.Account) error {
	height := m.depth - addr.Length()
	if len(accounts) > 1<<uint(height) {
		return fmt.Errorf("ledger: %d accounts exceed subtree capacity at %s", len(accounts), addr)
	}
	base := addr.ToIndex() << uint(height)
	for i, acct := range accounts {
		a := ledger.AddressFromIndex(base+ledger.AccountIndex(i), m.depth)
		m.Set(a, acct)
	}
	return nil
}

func (m *Mask) GetAllAccountsRootedAt(addr ledger.Address) []*ledger.Account {
	height := m.depth - addr.Length()
	count := 1 << uint(height)
	base := addr.ToIndex() << uint(height)
	out := make([]*ledger.Account, 0, count)
	for i := 0; i < count; i++ {
		a := ledger.AddressFromIndex(base+ledger.AccountIndex(i), m.depth)
		if acct, ok := m.Get(a); ok {
			out = append(out, acct)
		}
	}
	return out
}

// Commit flushes all local writes into the parent atomically (from the
// Store's single-threaded perspective — the LedgerManager worker is the
// only writer) and empties this mask's owned set, per spec.md §4.5/§8.
func (m *Mask) Commit() error {
	m.mu.Lock()
	if m.status != StatusAttached {
		m.mu.Unlock()
		return fmt.Errorf("ledger/mask: commit called on non-attached mask %s", m.uuid)
	}
	owned := make([]ownedEntry, 0, len(m.owned))
	for _, e := range m.owned {
		owned = append(owned, e)
	}
	m.owned = make(map[string]ownedEntry)
	m.idToAddr = make(map[ledger.AccountId]ledger.Address)
	m.matrix = ledger.NewHashesMatrix(m.depth, 1<<14)
	parent := m.parent
	m.mu.Unlock()

	for _, e := range owned {
		parent.Set(e.addr, e.account)
	}
	m.log.WithField("mask", m.uuid).Debug("committed mask into parent")
	return nil
}

// ReparentChildren performs `remove_and_reparent` (spec.md §4.5): asserts
// this mask has nothing unflushed relative to its parent, then moves every
// child directly onto the parent and detaches itself.
func (m *Mask) ReparentChildren() error {
	m.mu.Lock()
	if m.status != StatusAttached {
		m.mu.Unlock()
		return fmt.Errorf("ledger/mask: reparent called on non-attached mask %s", m.uuid)
	}
	if len(m.owned) != 0 {
		m.mu.Unlock()
		return fmt.Errorf("ledger/mask: mask %s has unflushed writes, commit before reparenting", m.uuid)
	}
	parent := m.parent.(interface {
		adoptChild(c *Mask)
		disownChild(uuid string)
	})
	children := make([]*Mask, 0, len(m.children))
	for _, c := range m.children {
		children = append(children, c)
	}
	m.children = make(map[string]*Mask)
	m.mu.Unlock()

	for _, c := range children {
		c.mu.Lock()
		c.parent = m.parent
		c.mu.Unlock()
		parent.adoptChild(c)
	}
	parent.disownChild(m.uuid)
	m.mu.Lock()
	m.status = StatusUnattached
	m.parent = nil
	m.mu.Unlock()
	m.log.WithField("mask", m.uuid).Info("reparented children and detached")
	return nil
}

// adoptChild and disownChild back the ReparentChildren type assertion
// above; both Root and Attached masks support them since both may own
// children.
func (m *Mask) adoptChild(c *Mask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[c.uuid] = c
}

func (m *Mask) disownChild(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.children, uuid)
}

// Children returns the uuids of this mask's direct children, for stack
// introspection (e.g. deciding which masks survive a commit per spec.md
// §4.4.3's `ledgers_to_keep`).
func (m *Mask) Children() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.children))
	for id := range m.children {
		out = append(out, id)
	}
	return out
}

var _ ledger.BaseLedger = (*Mask)(nil)
