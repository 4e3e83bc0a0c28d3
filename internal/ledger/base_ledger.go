package ledger

import "errors"

var (
	ErrAccountNotFound = errors.New("ledger: account not found")
	ErrLedgerFull       = errors.New("ledger: no free account index")
	ErrFrozen           = errors.New("ledger: mask already committed or detached")
)

// BaseLedger is the contract shared by the root Database and every Mask in
// the overlay stack (spec.md §4.5). A Mask recurses to its parent for any
// operation it cannot answer locally, which is why both implementations
// satisfy the identical interface.
type BaseLedger interface {
	Get(addr Address) (*Account, bool)
	Set(addr Address, acct *Account)
	GetBatch(addrs []Address) []*Account
	SetBatch(pairs []AddrAccount)
	GetOrCreateAccount(id AccountId, fallback *Account) (addr Address, acct *Account, created bool)
	RemoveAccounts(ids []AccountId)
	LocationOfAccount(id AccountId) (Address, bool)
	IndexOfAccount(id AccountId) (AccountIndex, bool)
	MerkleRoot() [32]byte
	MerklePath(addr Address) []PathElement
	GetInnerHashAtAddr(addr Address) ([32]byte, error)
	SetAllAccountsRootedAt(addr Address, accounts []*Account) error
	GetAllAccountsRootedAt(addr Address) []*Account
	TokenOwner(token TokenId) (AccountId, bool)
	Tokens(publicKey string) []TokenId
	// ForEachAccount visits every occupied leaf in index order; returning
	// false from fn stops the walk. FoldAccounts is the fold form built on
	// the same traversal.
	ForEachAccount(fn func(Address, *Account) bool)
	FoldAccounts(init any, fn func(acc any, a *Account) any) any
	LastFilled() (Address, bool)
	NumAccounts() int
	Depth() int
	GetUUID() string
	// HashAt computes (and memoizes) the interior-or-leaf hash at addr,
	// recursing across Mask/Database boundaries as needed.
	HashAt(addr Address) ([32]byte, error)
}

// AddrAccount pairs an address with the account to install there, used by
// batched writes.
type AddrAccount struct {
	Addr    Address
	Account *Account
}

// PathElement is one step of a Merkle proof: the sibling hash and which
// side it sits on.
type PathElement struct {
	SiblingHash [32]byte
	SiblingIsRight bool
}
