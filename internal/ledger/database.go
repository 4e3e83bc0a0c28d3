package ledger

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Database is the root of a mask stack: the owning store of account data,
// grounded on core/ledger.go's NewLedger (WAL-backed in-memory maps) and
// core/merkle_tree_operations.go's hashing, generalized from a UTXO/block
// ledger to Mina's indexed account tree.
type Database struct {
	mu sync.RWMutex

	accounts     []*Account // indexed by AccountIndex; nil entries are empty leaves
	idToAddr     map[AccountId]Address
	tokenToOwner map[TokenId]AccountId
	lastLocation *Address
	naccounts    int
	matrix       *HashesMatrix
	uuid         string
	depth        int

	log *logrus.Entry
}

// NewDatabase creates an empty root ledger of the given depth.
func NewDatabase(depth int) *Database {
	maxAccounts := 1
	for i := 0; i < depth && maxAccounts < 1<<20; i++ {
		maxAccounts <<= 1
	}
	return &Database{
		accounts:     make([]*Account, 0, 1024),
		idToAddr:     make(map[AccountId]Address),
		tokenToOwner: make(map[TokenId]AccountId),
		matrix:       NewHashesMatrix(depth, maxAccounts),
		uuid:         uuid.NewString(),
		depth:        depth,
		log:          logrus.WithField("component", "ledger.database"),
	}
}

func (d *Database) Depth() int    { return d.depth }
func (d *Database) GetUUID() string { return d.uuid }

func (d *Database) Get(addr Address) (*Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx := int(addr.ToIndex())
	if idx < 0 || idx >= len(d.accounts) || d.accounts[idx] == nil {
		return nil, false
	}
	return d.accounts[idx].Clone(), true
}

func (d *Database) Set(addr Address, acct *Account) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setLocked(addr, acct)
}

func (d *Database) setLocked(addr Address, acct *Account) {
	idx := int(addr.ToIndex())
	for len(d.accounts) <= idx {
		d.accounts = append(d.accounts, nil)
	}
	prev := d.accounts[idx]
	d.accounts[idx] = acct.Clone()
	if prev == nil && acct != nil {
		d.naccounts++
	} else if prev != nil && acct == nil {
		d.naccounts--
	}
	if acct != nil {
		d.idToAddr[acct.Id()] = addr
		d.tokenToOwner[acct.TokenId] = acct.Id()
	}
	if d.lastLocation == nil || addr.ToIndex() > d.lastLocation.ToIndex() {
		a := addr
		d.lastLocation = &a
	}
	d.matrix.InvalidatePath(addr)
}

func (d *Database) GetBatch(addrs []Address) []*Account {
	out := make([]*Account, len(addrs))
	for i, a := range addrs {
		out[i], _ = d.Get(a)
	}
	return out
}

func (d *Database) SetBatch(pairs []AddrAccount) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range pairs {
		d.setLocked(p.Addr, p.Account)
	}
}

func (d *Database) GetOrCreateAccount(id AccountId, fallback *Account) (Address, *Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr, ok := d.idToAddr[id]; ok {
		return addr, d.accounts[int(addr.ToIndex())].Clone(), false
	}
	idx := d.naccounts
	if d.lastLocation != nil {
		idx = int(d.lastLocation.ToIndex()) + 1
	}
	addr := AddressFromIndex(AccountIndex(idx), d.depth)
	fallback = fallback.Clone()
	fallback.PublicKey = id.PublicKey
	fallback.TokenId = id.TokenId
	d.setLocked(addr, fallback)
	return addr, fallback.Clone(), true
}

func (d *Database) RemoveAccounts(ids []AccountId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		addr, ok := d.idToAddr[id]
		if !ok {
			continue
		}
		d.setLocked(addr, nil)
		delete(d.idToAddr, id)
	}
}

func (d *Database) LocationOfAccount(id AccountId) (Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.idToAddr[id]
	return a, ok
}

func (d *Database) IndexOfAccount(id AccountId) (AccountIndex, bool) {
	a, ok := d.LocationOfAccount(id)
	if !ok {
		return 0, false
	}
	return a.ToIndex(), true
}

// MerkleRoot recomputes (via the memoizing matrix) the root hash, treating
// any address past LastFilled as an empty subtree (spec.md §4.5 Hashing).
func (d *Database) MerkleRoot() [32]byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, err := d.hashAt(RootAddress())
	if err != nil {
		panic(err)
	}
	return h
}

func (d *Database) hashAt(addr Address) ([32]byte, error) {
	if h, ok := d.matrix.Get(addr); ok {
		return h, nil
	}
	height := d.depth - addr.Length()
	var h [32]byte
	if height == 0 {
		idx := int(addr.ToIndex())
		if idx >= len(d.accounts) || d.accounts[idx] == nil {
			h = d.matrix.EmptyHashAtHeight(0)
		} else {
			h = d.accounts[idx].Hash()
		}
	} else {
		if d.pastLastFilled(addr) {
			h = d.matrix.EmptyHashAtHeight(height)
		} else {
			lh, err := d.hashAt(addr.ChildLeft())
			if err != nil {
				return [32]byte{}, err
			}
			rh, err := d.hashAt(addr.ChildRight())
			if err != nil {
				return [32]byte{}, err
			}
			h = HashNode(lh, rh)
		}
	}
	d.matrix.Set(addr, h)
	return h, nil
}

// pastLastFilled reports whether the entire subtree rooted at addr lies
// beyond the last occupied leaf index.
func (d *Database) pastLastFilled(addr Address) bool {
	if d.lastLocation == nil {
		return true
	}
	height := d.depth - addr.Length()
	firstIdx := addr.ToIndex() << uint(height)
	return uint64(firstIdx) > uint64(d.lastLocation.ToIndex())
}

func (d *Database) MerklePath(addr Address) []PathElement {
	d.mu.RLock()
	defer d.mu.RUnlock()
	path := make([]PathElement, 0, addr.Length())
	cur := addr
	for !cur.IsRoot() {
		parent := cur.Parent()
		var sibling Address
		isRight := false
		if parent.ChildLeft().Key() == cur.Key() {
			sibling = parent.ChildRight()
			isRight = true
		} else {
			sibling = parent.ChildLeft()
		}
		h, _ := d.hashAt(sibling)
		path = append(path, PathElement{SiblingHash: h, SiblingIsRight: isRight})
		cur = parent
	}
	return path
}

func (d *Database) GetInnerHashAtAddr(addr Address) ([32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if addr.Length() >= d.depth {
		return [32]byte{}, fmt.Errorf("ledger: address %s is a leaf, not an inner node", addr)
	}
	return d.hashAt(addr)
}

func (d *Database) SetAllAccountsRootedAt(addr Address, accounts []*Account) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	height := d.depth - addr.Length()
	if len(accounts) > 1<<uint(height) {
		return fmt.Errorf("ledger: %d accounts exceed subtree capacity at %s", len(accounts), addr)
	}
	base := addr.ToIndex() << uint(height)
	for i, acct := range accounts {
		a := AddressFromIndex(base+AccountIndex(i), d.depth)
		d.setLocked(a, acct)
	}
	return nil
}

func (d *Database) GetAllAccountsRootedAt(addr Address) []*Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	height := d.depth - addr.Length()
	count := 1 << uint(height)
	base := int(addr.ToIndex()) << uint(height)
	out := make([]*Account, 0, count)
	for i := 0; i < count; i++ {
		idx := base + i
		if idx < len(d.accounts) && d.accounts[idx] != nil {
			out = append(out, d.accounts[idx].Clone())
		}
	}
	return out
}

func (d *Database) TokenOwner(token TokenId) (AccountId, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.tokenToOwner[token]
	return id, ok
}

func (d *Database) Tokens(publicKey string) []TokenId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []TokenId
	for id := range d.idToAddr {
		if id.PublicKey == publicKey {
			out = append(out, id.TokenId)
		}
	}
	return out
}

// ForEachAccount visits occupied leaves in index order.
func (d *Database) ForEachAccount(fn func(Address, *Account) bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for i, acct := range d.accounts {
		if acct == nil {
			continue
		}
		if !fn(AddressFromIndex(AccountIndex(i), d.depth), acct.Clone()) {
			return
		}
	}
}

// FoldAccounts folds fn over occupied leaves in index order.
func (d *Database) FoldAccounts(init any, fn func(acc any, a *Account) any) any {
	acc := init
	d.ForEachAccount(func(_ Address, a *Account) bool {
		acc = fn(acc, a)
		return true
	})
	return acc
}

func (d *Database) LastFilled() (Address, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.lastLocation == nil {
		return Address{}, false
	}
	return *d.lastLocation, true
}

func (d *Database) NumAccounts() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.naccounts
}

// HashAt exposes the memoizing interior-hash computation to the mask
// overlay package, which must recurse across Mask/Database boundaries when
// a subtree has no local writes.
func (d *Database) HashAt(addr Address) ([32]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hashAt(addr)
}

var _ BaseLedger = (*Database)(nil)
