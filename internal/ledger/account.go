package ledger

import (
	"crypto/sha256"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// AccountIndex is an integer position in the sparse leaf vector.
type AccountIndex uint64

// TokenId identifies a token type held by an account; the default token is
// TokenId(1), matching Mina's convention.
type TokenId uint64

const DefaultTokenId TokenId = 1

// AccountId is the (public_key, token_id) pair identifying an account.
type AccountId struct {
	PublicKey string
	TokenId   TokenId
}

// Permissions gates which operations an account allows, consulted by the
// transaction pool's admission check (spec.md §4.6).
type Permissions struct {
	Send         bool
	Receive      bool
	IncrementNonce bool
}

// DefaultPermissions returns the permissive default new accounts receive.
func DefaultPermissions() Permissions {
	return Permissions{Send: true, Receive: true, IncrementNonce: true}
}

// Account is a leaf value of the ledger tree.
type Account struct {
	PublicKey   string
	TokenId     TokenId
	Nonce       uint64
	Balance     *uint256.Int
	Delegate    string // empty when unset
	Permissions Permissions
}

// Id returns the AccountId identifying this account.
func (a *Account) Id() AccountId {
	return AccountId{PublicKey: a.PublicKey, TokenId: a.TokenId}
}

// Clone returns a deep copy, used whenever a Mask materializes a local
// writable copy of a parent's account (spec.md §3.3 copy-on-write).
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Balance != nil {
		cp.Balance = new(uint256.Int).Set(a.Balance)
	}
	return &cp
}

// accountRLP mirrors Account's fields in a shape rlp.Encode accepts
// directly (rlp cannot encode *uint256.Int's unexported internals across
// all versions uniformly, so the balance is carried as big-endian bytes).
type accountRLP struct {
	PublicKey    string
	TokenId      uint64
	Nonce        uint64
	Balance      []byte
	Delegate     string
	Send         bool
	Receive      bool
	IncrementNonce bool
}

// Hash returns the leaf hash of this account, computed over its canonical
// RLP encoding. Using rlp here (rather than encoding/json) matches the
// teacher's choice of github.com/ethereum/go-ethereum/rlp in core/ledger.go
// for compact, order-sensitive binary encoding.
func (a *Account) Hash() [32]byte {
	bal := []byte{}
	if a.Balance != nil {
		bal = a.Balance.Bytes()
	}
	enc, err := rlp.EncodeToBytes(accountRLP{
		PublicKey:      a.PublicKey,
		TokenId:        uint64(a.TokenId),
		Nonce:          a.Nonce,
		Balance:        bal,
		Delegate:       a.Delegate,
		Send:           a.Permissions.Send,
		Receive:        a.Permissions.Receive,
		IncrementNonce: a.Permissions.IncrementNonce,
	})
	if err != nil {
		// Account fields are all plain value types; encoding cannot fail.
		panic("ledger: account rlp encode: " + err.Error())
	}
	return sha256.Sum256(enc)
}
