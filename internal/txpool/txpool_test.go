package txpool

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"mina-core/internal/ledger"
)

func payer(name string) ledger.AccountId {
	return ledger.AccountId{PublicKey: name, TokenId: ledger.DefaultTokenId}
}

func cmd(payerName string, nonce uint64, fee uint64) *Command {
	return &Command{
		FeePayer: payer(payerName),
		Nonce:    nonce,
		Fee:      uint256.NewInt(fee),
		Amount:   uint256.NewInt(10),
	}
}

func snapshot(names ...string) map[ledger.AccountId]AccountSnapshot {
	out := make(map[ledger.AccountId]AccountSnapshot)
	for _, n := range names {
		out[payer(n)] = AccountSnapshot{
			Exists:      true,
			Balance:     uint256.NewInt(1_000_000),
			Permissions: ledger.DefaultPermissions(),
		}
	}
	return out
}

func newPool() *Pool {
	return New(Config{MaxSize: 5, ReplaceFeeFactor: 1.2})
}

func TestDuplicateCommandRejectedPoolUnchanged(t *testing.T) {
	p := newPool()
	c := cmd("alice", 0, 100)
	now := time.Unix(1000, 0)

	res := p.UnsafeApply([]*Command{c}, 10, snapshot("alice"), false, now)
	require.Equal(t, Accept, res.Decision)
	require.Equal(t, []*Command{c}, res.Accepted)

	res2 := p.UnsafeApply([]*Command{c}, 10, snapshot("alice"), false, now)
	require.Len(t, res2.Rejected, 1)
	require.Equal(t, Duplicate, res2.Rejected[0].Reason)
	require.Equal(t, Accept, res2.Decision, "duplicate is not grounds for diff rejection")
	require.Equal(t, 1, p.Size())
}

func TestFeePayerAccountNotFound(t *testing.T) {
	p := newPool()
	res := p.UnsafeApply([]*Command{cmd("ghost", 0, 100)}, 10, snapshot("alice"), false, time.Now())
	require.Len(t, res.Rejected, 1)
	require.Equal(t, FeePayerAccountNotFound, res.Rejected[0].Reason)
}

func TestFeePayerNotPermittedToSend(t *testing.T) {
	p := newPool()
	accts := snapshot("alice")
	a := accts[payer("alice")]
	a.Permissions.Send = false
	accts[payer("alice")] = a

	res := p.UnsafeApply([]*Command{cmd("alice", 0, 100)}, 10, accts, false, time.Now())
	require.Equal(t, FeePayerNotPermittedToSend, res.Rejected[0].Reason)
}

func TestFeeReplacementRequiresConfiguredFactor(t *testing.T) {
	p := newPool()
	accts := snapshot("alice")
	now := time.Now()

	require.Equal(t, Accept, p.UnsafeApply([]*Command{cmd("alice", 0, 100)}, 10, accts, false, now).Decision)

	// 1.1x is below the 1.2x replace factor.
	res := p.UnsafeApply([]*Command{cmd("alice", 0, 110)}, 10, accts, false, now)
	require.Equal(t, InsufficientReplaceFee, res.Rejected[0].Reason)

	res = p.UnsafeApply([]*Command{cmd("alice", 0, 130)}, 10, accts, false, now)
	require.Len(t, res.Accepted, 1)
	require.Equal(t, 1, p.Size(), "replacement evicts the old same-nonce command")
	got, ok := p.Get(cmd("alice", 0, 130).Hash())
	require.True(t, ok)
	require.Equal(t, uint64(130), got.Fee.Uint64())
}

func TestPoolSizeBoundHolds(t *testing.T) {
	p := newPool()
	now := time.Now()
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for i, n := range names {
		accts := snapshot(n)
		p.UnsafeApply([]*Command{cmd(n, 0, uint64(100+i))}, 10, accts, false, now)
		require.LessOrEqual(t, p.Size(), 5)
	}
	require.Equal(t, 5, p.Size())
	// The lowest-fee entries were the ones evicted.
	_, ok := p.Get(cmd("a", 0, 100).Hash())
	require.False(t, ok)
	_, ok = p.Get(cmd("h", 0, 107).Hash())
	require.True(t, ok)
}

func TestExpiredCommandsDropped(t *testing.T) {
	p := newPool()
	now := time.Now()
	c := cmd("alice", 0, 100)
	c.ValidUntil = 15
	p.UnsafeApply([]*Command{c}, 10, snapshot("alice"), false, now)
	require.Equal(t, 1, p.Size())

	res := p.UnsafeApply([]*Command{cmd("bob", 0, 100)}, 20, snapshot("bob"), false, now)
	require.Len(t, res.Accepted, 1)
	require.Equal(t, 1, p.Size(), "alice's command expired at slot 20")
	require.False(t, p.Contains(c.Hash()))
}

func TestUnwantedFeeTokenPoisonsDiff(t *testing.T) {
	p := newPool()
	bad := cmd("alice", 0, 100)
	bad.FeePayer.TokenId = 7
	accts := snapshot("alice")
	accts[bad.FeePayer] = AccountSnapshot{Exists: true, Balance: uint256.NewInt(1000), Permissions: ledger.DefaultPermissions()}

	res := p.UnsafeApply([]*Command{bad, cmd("alice", 0, 100)}, 10, accts, false, time.Now())
	require.Equal(t, Reject, res.Decision)
	require.False(t, res.Rebroadcast)
}

func TestRebroadcastOnlyForNonGossipOrigin(t *testing.T) {
	p := newPool()
	local := cmd("alice", 0, 100)
	res := p.UnsafeApply([]*Command{local}, 10, snapshot("alice"), true, time.Now())
	require.True(t, res.Rebroadcast)

	gossiped := cmd("bob", 0, 100)
	gossiped.ViaGossip = true
	res = p.UnsafeApply([]*Command{gossiped}, 10, snapshot("bob"), false, time.Now())
	require.False(t, res.Rebroadcast)
}

func TestOnNewBestTipRemovesCommitted(t *testing.T) {
	p := newPool()
	now := time.Now()
	c := cmd("alice", 0, 100)
	p.UnsafeApply([]*Command{c}, 10, snapshot("alice"), true, now)

	tip := [32]byte{1}
	p.OnNewBestTip(tip, []CommandHash{c.Hash()}, now)
	require.Equal(t, 0, p.Size())
	require.Equal(t, tip, p.BestTipHash)
}

func TestVkRefcountTable(t *testing.T) {
	p := newPool()
	now := time.Now()
	a := cmd("alice", 0, 100)
	a.VerificationKey = "vk1"
	b := cmd("bob", 0, 100)
	b.VerificationKey = "vk1"
	p.UnsafeApply([]*Command{a}, 10, snapshot("alice"), false, now)
	p.UnsafeApply([]*Command{b}, 10, snapshot("bob"), false, now)
	require.Equal(t, 2, p.VkRefcount("vk1"))

	p.OnNewBestTip([32]byte{1}, []CommandHash{a.Hash()}, now)
	require.Equal(t, 1, p.VkRefcount("vk1"))
}
