package mask

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"mina-core/internal/ledger"
)

func acctFor(pub string, bal uint64) *ledger.Account {
	return &ledger.Account{
		PublicKey:   pub,
		TokenId:     ledger.DefaultTokenId,
		Balance:     uint256.NewInt(bal),
		Permissions: ledger.DefaultPermissions(),
	}
}

func TestMaskReadThroughToParent(t *testing.T) {
	db := ledger.NewDatabase(4)
	root := NewRoot(db)
	addr := ledger.AddressFromIndex(0, 4)
	root.Set(addr, acctFor("pk0", 10))

	m := NewAttached(root)
	got, ok := m.Get(addr)
	require.True(t, ok)
	require.Equal(t, "pk0", got.PublicKey)
	require.Equal(t, root.MerkleRoot(), m.MerkleRoot())
}

func TestMaskCopyOnWriteIsolation(t *testing.T) {
	db := ledger.NewDatabase(4)
	root := NewRoot(db)
	addr := ledger.AddressFromIndex(1, 4)
	root.Set(addr, acctFor("pk1", 10))

	m1 := NewAttached(root)
	m2 := NewAttached(root)

	m1.Set(addr, acctFor("pk1", 999))

	v1, _ := m1.Get(addr)
	v2, _ := m2.Get(addr)
	require.Equal(t, uint64(999), v1.Balance.Uint64())
	require.Equal(t, uint64(10), v2.Balance.Uint64(), "masks sharing a parent must not alias writes")
	require.NotEqual(t, m1.MerkleRoot(), root.MerkleRoot())
	require.Equal(t, m2.MerkleRoot(), root.MerkleRoot())
}

func TestMaskCommitFlushesAndMatchesParent(t *testing.T) {
	db := ledger.NewDatabase(4)
	root := NewRoot(db)
	addr := ledger.AddressFromIndex(2, 4)

	m := NewAttached(root)
	m.Set(addr, acctFor("pk2", 42))
	require.True(t, m.TestIsInMask(addr))

	require.NoError(t, m.Commit())

	require.False(t, m.TestIsInMask(addr), "spec.md §8: commit postcondition, write flushed")
	pv, _ := root.Get(addr)
	mv, _ := m.Get(addr)
	require.Equal(t, pv.Balance.Uint64(), mv.Balance.Uint64())
	require.Equal(t, root.MerkleRoot(), m.MerkleRoot(), "spec.md §8: merkle roots converge after commit")
}

func TestParentSetNotificationPrunesRedundantLocalCopy(t *testing.T) {
	db := ledger.NewDatabase(4)
	root := NewRoot(db)
	addr := ledger.AddressFromIndex(3, 4)
	acct := acctFor("pk3", 7)
	root.Set(addr, acct)

	child := NewAttached(root)
	// Child independently observes and locally caches the same value.
	child.Set(addr, acct)
	require.True(t, child.TestIsInMask(addr))

	// Parent re-sets the same address to the identical value: the child's
	// local copy becomes redundant and must be dropped.
	root.Set(addr, acct)
	require.False(t, child.TestIsInMask(addr), "spec.md §3.3 parent-set notification")
}

func TestReparentChildren(t *testing.T) {
	db := ledger.NewDatabase(4)
	root := NewRoot(db)
	m := NewAttached(root)
	c1 := NewAttached(m)
	c2 := NewAttached(m)

	require.NoError(t, m.ReparentChildren())
	require.Equal(t, StatusUnattached, m.Status())
	require.ElementsMatch(t, []string{c1.GetUUID(), c2.GetUUID()}, root.Children())
	require.Equal(t, root, c1.Parent())
	require.Equal(t, root, c2.Parent())
}
