// Package txpool implements the transaction mempool: an IndexedPool keyed
// by (fee_payer, nonce) with per-account nonce ordering, fee replacement,
// expiry, and eviction under a size cap. Admission follows the
// unsafe_apply contract of spec.md §4.6, with the duplicate check as the
// first gate on every path. Generalized from the teacher's hash-indexed
// queue pool into the nonce-ordered, fee-replaceable shape the admission
// rules require.
package txpool

import (
	"crypto/sha256"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"mina-core/internal/ledger"
)

// CommandHash identifies a user command.
type CommandHash [32]byte

// Command is one verified user command under consideration for the pool.
type Command struct {
	FeePayer   ledger.AccountId
	Nonce      uint64
	Fee        *uint256.Int
	Amount     *uint256.Int
	ValidUntil uint64 // global slot; 0 means no expiry
	Memo       string
	// VerificationKey names the zkapp verification key this command
	// references, refcounted across the pool.
	VerificationKey string
	// ViaGossip records whether this command arrived over libp2p gossip;
	// accepted diffs are rebroadcast only when it did not.
	ViaGossip bool

	hash    CommandHash
	hashSet bool
}

type commandRLP struct {
	PublicKey  string
	TokenId    uint64
	Nonce      uint64
	Fee        []byte
	Amount     []byte
	ValidUntil uint64
	Memo       string
}

// Hash returns the command's content hash, memoized.
func (c *Command) Hash() CommandHash {
	if c.hashSet {
		return c.hash
	}
	var fee, amt []byte
	if c.Fee != nil {
		fee = c.Fee.Bytes()
	}
	if c.Amount != nil {
		amt = c.Amount.Bytes()
	}
	enc, err := rlp.EncodeToBytes(commandRLP{
		PublicKey: c.FeePayer.PublicKey, TokenId: uint64(c.FeePayer.TokenId),
		Nonce: c.Nonce, Fee: fee, Amount: amt, ValidUntil: c.ValidUntil, Memo: c.Memo,
	})
	if err != nil {
		panic("txpool: command rlp encode: " + err.Error())
	}
	c.hash = sha256.Sum256(enc)
	c.hashSet = true
	return c.hash
}

// RejectReason classifies why a command was refused.
type RejectReason string

const (
	Duplicate                  RejectReason = "duplicate"
	FeePayerAccountNotFound    RejectReason = "fee_payer_account_not_found"
	FeePayerNotPermittedToSend RejectReason = "fee_payer_not_permitted_to_send"
	InsufficientReplaceFee     RejectReason = "insufficient_replace_fee"
	InsufficientFunds          RejectReason = "insufficient_funds"
	Expired                    RejectReason = "expired"
	Overflow                   RejectReason = "overflow"
	BadToken                   RejectReason = "bad_token"
	UnwantedFeeToken           RejectReason = "unwanted_fee_token"
)

// GroundsForDiffRejection reports whether this rejection poisons the whole
// diff rather than just the one command.
func (r RejectReason) GroundsForDiffRejection() bool {
	switch r {
	case Overflow, BadToken, UnwantedFeeToken:
		return true
	}
	return false
}

// Rejection pairs a refused command with its reason.
type Rejection struct {
	Command *Command
	Reason  RejectReason
}

// Decision is the whole-diff verdict of one unsafe_apply.
type Decision int

const (
	Accept Decision = iota
	Reject
)

// ApplyResult reports one diff application.
type ApplyResult struct {
	Accepted    []*Command
	Rejected    []Rejection
	Decision    Decision
	Rebroadcast bool
}

// AccountSnapshot is the fee payer's view at the current best tip, handed
// in by the caller so the pool never touches the ledger itself.
type AccountSnapshot struct {
	Exists      bool
	Nonce       uint64
	Balance     *uint256.Int
	Permissions ledger.Permissions
}

// Config bounds the pool.
type Config struct {
	MaxSize          int
	ReplaceFeeFactor float64
}

// Pool is the IndexedPool of spec.md §3.5.
type Pool struct {
	cfg Config

	byHash    map[CommandHash]*Command
	byAccount map[ledger.AccountId][]*Command // sorted by nonce

	locallyGeneratedUncommitted map[CommandHash]time.Time
	locallyGeneratedCommitted   map[CommandHash]time.Time
	vkRefcount                  map[string]int

	BestTipHash [32]byte
	// LastApply records the most recent diff outcome for rebroadcast and
	// RPC introspection.
	LastApply *ApplyResult

	log *logrus.Entry
}

// New creates an empty pool.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:                         cfg,
		byHash:                      make(map[CommandHash]*Command),
		byAccount:                   make(map[ledger.AccountId][]*Command),
		locallyGeneratedUncommitted: make(map[CommandHash]time.Time),
		locallyGeneratedCommitted:   make(map[CommandHash]time.Time),
		vkRefcount:                  make(map[string]int),
		log:                         logrus.WithField("component", "txpool"),
	}
}

// Size returns the number of pooled commands.
func (p *Pool) Size() int { return len(p.byHash) }

// Contains reports whether the command hash is already pooled.
func (p *Pool) Contains(h CommandHash) bool {
	_, ok := p.byHash[h]
	return ok
}

// Get returns a pooled command by hash.
func (p *Pool) Get(h CommandHash) (*Command, bool) {
	c, ok := p.byHash[h]
	return c, ok
}

// All returns every pooled command, ordered by fee payer then nonce.
func (p *Pool) All() []*Command {
	out := make([]*Command, 0, len(p.byHash))
	for _, cmds := range p.byAccount {
		out = append(out, cmds...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FeePayer != out[j].FeePayer {
			return out[i].FeePayer.PublicKey < out[j].FeePayer.PublicKey
		}
		return out[i].Nonce < out[j].Nonce
	})
	return out
}

// UnsafeApply admits a diff of verified commands against the given account
// snapshots at the given global slot. The caller already verified
// signatures/proofs; "unsafe" refers to skipping re-verification, not to
// skipping admission checks.
func (p *Pool) UnsafeApply(diff []*Command, slot uint64, accounts map[ledger.AccountId]AccountSnapshot, local bool, now time.Time) ApplyResult {
	var res ApplyResult
	for _, cmd := range diff {
		if reason, ok := p.checkCommand(cmd, slot, accounts); !ok {
			res.Rejected = append(res.Rejected, Rejection{Command: cmd, Reason: reason})
			continue
		}
		p.addFromGossip(cmd, local, now)
		res.Accepted = append(res.Accepted, cmd)
		p.dropExpired(slot)
		p.evictOverflow()
	}

	res.Decision = Accept
	for _, rej := range res.Rejected {
		if rej.Reason.GroundsForDiffRejection() {
			res.Decision = Reject
			res.Rebroadcast = false
			return res
		}
	}
	if res.Decision == Accept && len(res.Accepted) > 0 {
		viaGossip := false
		for _, c := range res.Accepted {
			if c.ViaGossip {
				viaGossip = true
			}
		}
		res.Rebroadcast = !viaGossip
	}
	return res
}

// checkCommand runs the admission gates in order; the duplicate check is
// deliberately first on every path.
func (p *Pool) checkCommand(cmd *Command, slot uint64, accounts map[ledger.AccountId]AccountSnapshot) (RejectReason, bool) {
	if p.Contains(cmd.Hash()) {
		return Duplicate, false
	}
	acct, ok := accounts[cmd.FeePayer]
	if !ok || !acct.Exists {
		return FeePayerAccountNotFound, false
	}
	if !acct.Permissions.Send || !acct.Permissions.IncrementNonce {
		return FeePayerNotPermittedToSend, false
	}
	if cmd.ValidUntil != 0 && cmd.ValidUntil < slot {
		return Expired, false
	}
	if cmd.FeePayer.TokenId != ledger.DefaultTokenId {
		return UnwantedFeeToken, false
	}
	total := new(uint256.Int)
	if cmd.Amount != nil {
		total.Add(total, cmd.Amount)
	}
	if cmd.Fee != nil {
		if _, overflow := total.AddOverflow(total, cmd.Fee); overflow {
			return Overflow, false
		}
	}
	if acct.Balance == nil || acct.Balance.Lt(total) {
		return InsufficientFunds, false
	}
	if existing := p.commandAt(cmd.FeePayer, cmd.Nonce); existing != nil {
		if !p.feeReplaces(existing, cmd) {
			return InsufficientReplaceFee, false
		}
	}
	return "", true
}

// feeReplaces applies the replace-fee rule: the new fee must exceed the
// old by the configured factor.
func (p *Pool) feeReplaces(old, new_ *Command) bool {
	if old.Fee == nil || new_.Fee == nil {
		return false
	}
	factor := p.cfg.ReplaceFeeFactor
	if factor <= 1 {
		factor = 1
	}
	// threshold = old.Fee * factor, computed in integer space against a
	// thousandth-scaled factor to stay off floats for the comparison.
	scaled := new(uint256.Int).Mul(old.Fee, uint256.NewInt(uint64(factor*1000)))
	lhs := new(uint256.Int).Mul(new_.Fee, uint256.NewInt(1000))
	return lhs.Gt(scaled)
}

func (p *Pool) commandAt(payer ledger.AccountId, nonce uint64) *Command {
	for _, c := range p.byAccount[payer] {
		if c.Nonce == nonce {
			return c
		}
	}
	return nil
}

// addFromGossip installs an admitted command, replacing any same-nonce
// predecessor.
func (p *Pool) addFromGossip(cmd *Command, local bool, now time.Time) {
	if existing := p.commandAt(cmd.FeePayer, cmd.Nonce); existing != nil {
		p.removeCommand(existing)
	}
	p.byHash[cmd.Hash()] = cmd
	list := append(p.byAccount[cmd.FeePayer], cmd)
	sort.Slice(list, func(i, j int) bool { return list[i].Nonce < list[j].Nonce })
	p.byAccount[cmd.FeePayer] = list
	if cmd.VerificationKey != "" {
		p.vkRefcount[cmd.VerificationKey]++
	}
	if local {
		p.locallyGeneratedUncommitted[cmd.Hash()] = now
	}
}

func (p *Pool) removeCommand(cmd *Command) {
	delete(p.byHash, cmd.Hash())
	list := p.byAccount[cmd.FeePayer]
	for i, c := range list {
		if c.Hash() == cmd.Hash() {
			p.byAccount[cmd.FeePayer] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.byAccount[cmd.FeePayer]) == 0 {
		delete(p.byAccount, cmd.FeePayer)
	}
	if cmd.VerificationKey != "" {
		if p.vkRefcount[cmd.VerificationKey]--; p.vkRefcount[cmd.VerificationKey] <= 0 {
			delete(p.vkRefcount, cmd.VerificationKey)
		}
	}
	delete(p.locallyGeneratedUncommitted, cmd.Hash())
}

// dropExpired removes commands whose validity window closed.
func (p *Pool) dropExpired(slot uint64) {
	for _, cmd := range p.byHash {
		if cmd.ValidUntil != 0 && cmd.ValidUntil < slot {
			p.removeCommand(cmd)
		}
	}
}

// evictOverflow drops lowest-fee commands until the pool fits the cap.
func (p *Pool) evictOverflow() {
	for p.cfg.MaxSize > 0 && len(p.byHash) > p.cfg.MaxSize {
		var lowest *Command
		for _, cmd := range p.byHash {
			if lowest == nil || feeLess(cmd, lowest) {
				lowest = cmd
			}
		}
		if lowest == nil {
			return
		}
		p.log.WithField("fee", lowest.Fee).Debug("evicting lowest-fee command")
		p.removeCommand(lowest)
	}
}

func feeLess(a, b *Command) bool {
	af, bf := a.Fee, b.Fee
	if af == nil {
		return true
	}
	if bf == nil {
		return false
	}
	return af.Lt(bf)
}

// OnNewBestTip removes commands committed by the new chain and moves
// locally-generated ones into the committed set.
func (p *Pool) OnNewBestTip(bestTipHash [32]byte, committed []CommandHash, now time.Time) {
	p.BestTipHash = bestTipHash
	for _, h := range committed {
		if cmd, ok := p.byHash[h]; ok {
			if _, local := p.locallyGeneratedUncommitted[h]; local {
				p.locallyGeneratedCommitted[h] = now
			}
			p.removeCommand(cmd)
		}
	}
}

// VkRefcount returns the live reference count for a verification key.
func (p *Pool) VkRefcount(vk string) int { return p.vkRefcount[vk] }
