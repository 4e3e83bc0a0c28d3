package ledger

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func acctFor(pub string, bal uint64) *Account {
	return &Account{
		PublicKey:   pub,
		TokenId:     DefaultTokenId,
		Balance:     uint256.NewInt(bal),
		Permissions: DefaultPermissions(),
	}
}

func TestAddressRoundTrip(t *testing.T) {
	depth := 6
	for idx := AccountIndex(0); idx < 1<<uint(depth); idx++ {
		addr := AddressFromIndex(idx, depth)
		require.Equal(t, idx, addr.ToIndex())
	}
}

func TestDatabaseSetGetAndHash(t *testing.T) {
	depth := 4
	db := NewDatabase(depth)

	a0 := AddressFromIndex(0, depth)
	a1 := AddressFromIndex(1, depth)
	a2 := AddressFromIndex(2, depth)

	db.Set(a0, acctFor("pk0", 10))
	db.Set(a1, acctFor("pk1", 20))
	db.Set(a2, acctFor("pk2", 30))

	got, ok := db.Get(a1)
	require.True(t, ok)
	require.Equal(t, "pk1", got.PublicKey)

	root1 := db.MerkleRoot()

	// Naive reference computation over the same three accounts.
	leaves := make([][32]byte, 1<<uint(depth))
	empty := EmptyAccountHash()
	for i := range leaves {
		leaves[i] = empty
	}
	leaves[0] = acctFor("pk0", 10).Hash()
	leaves[1] = acctFor("pk1", 20).Hash()
	leaves[2] = acctFor("pk2", 30).Hash()
	level := leaves
	for len(level) > 1 {
		next := make([][32]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = HashNode(level[i], level[i+1])
		}
		level = next
	}
	require.Equal(t, level[0], root1, "hash cache consistency (spec.md §8)")

	// Mutating an account invalidates the cached path and changes the root.
	db.Set(a0, acctFor("pk0", 999))
	root2 := db.MerkleRoot()
	require.NotEqual(t, root1, root2)
}

func TestDatabaseRemoveAccount(t *testing.T) {
	db := NewDatabase(4)
	addr := AddressFromIndex(0, 4)
	db.Set(addr, acctFor("pk0", 5))
	require.Equal(t, 1, db.NumAccounts())
	db.RemoveAccounts([]AccountId{{PublicKey: "pk0", TokenId: DefaultTokenId}})
	require.Equal(t, 0, db.NumAccounts())
	_, ok := db.Get(addr)
	require.False(t, ok)
}

func TestGetOrCreateAccount(t *testing.T) {
	db := NewDatabase(5)
	id := AccountId{PublicKey: "pk0", TokenId: DefaultTokenId}
	addr, acct, created := db.GetOrCreateAccount(id, &Account{Balance: uint256.NewInt(0), Permissions: DefaultPermissions()})
	require.True(t, created)
	require.Equal(t, "pk0", acct.PublicKey)

	addr2, _, created2 := db.GetOrCreateAccount(id, &Account{})
	require.False(t, created2)
	require.Equal(t, addr, addr2)
}
