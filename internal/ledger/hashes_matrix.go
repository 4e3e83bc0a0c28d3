package ledger

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HashesMatrix memoizes interior-node hashes keyed by Address, matching
// spec.md §3.3/§4.5: computed lazily, invalidated along the ancestor path
// of a mutated leaf index. The cache is bounded (an LRU) because a node at
// full Depth would otherwise retain O(2^Depth) entries; evicted entries are
// simply recomputed on next read, which is safe since the matrix is a pure
// memoization layer, never a source of truth.
type HashesMatrix struct {
	cache       *lru.Cache[string, [32]byte]
	emptyHashes []([32]byte) // emptyHashes[h] == hash of an empty subtree of height h
}

// NewHashesMatrix creates a matrix sized for the given tree depth, with a
// bounded LRU cache of the given capacity.
func NewHashesMatrix(depth, capacity int) *HashesMatrix {
	c, err := lru.New[string, [32]byte](capacity)
	if err != nil {
		panic("ledger: hashes matrix cache: " + err.Error())
	}
	m := &HashesMatrix{cache: c, emptyHashes: make([][32]byte, depth+1)}
	m.emptyHashes[0] = EmptyAccountHash()
	for h := 1; h <= depth; h++ {
		m.emptyHashes[h] = HashNode(m.emptyHashes[h-1], m.emptyHashes[h-1])
	}
	return m
}

// EmptyAccountHash is the canonical hash of an unoccupied leaf.
func EmptyAccountHash() [32]byte {
	return sha256.Sum256([]byte("mina-core/empty-account"))
}

// HashNode combines two child hashes into their parent's hash.
func HashNode(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// EmptyHashAtHeight returns the precomputed hash of an entirely-empty
// subtree of the given height (0 = leaf).
func (m *HashesMatrix) EmptyHashAtHeight(height int) [32]byte {
	if height < 0 {
		height = 0
	}
	if height >= len(m.emptyHashes) {
		height = len(m.emptyHashes) - 1
	}
	return m.emptyHashes[height]
}

// Get returns the memoized hash at addr, if present.
func (m *HashesMatrix) Get(addr Address) ([32]byte, bool) {
	return m.cache.Get(addr.Key())
}

// Set memoizes the hash at addr.
func (m *HashesMatrix) Set(addr Address, h [32]byte) {
	m.cache.Add(addr.Key(), h)
}

// InvalidatePath purges the memoized hash for addr and every ancestor up to
// (and including) the root, since a leaf mutation changes every hash along
// that path.
func (m *HashesMatrix) InvalidatePath(addr Address) {
	cur := addr
	for {
		m.cache.Remove(cur.Key())
		if cur.IsRoot() {
			return
		}
		cur = cur.Parent()
	}
}

// TreeHeightForNumAccounts returns the subtree height at which a
// NumAccounts response's contents_hash should be placed: the smallest
// height covering `count` leaves, matching spec.md §4.4.1's NumAccounts
// phase reconstruction.
func TreeHeightForNumAccounts(count uint64, depth int) int {
	h := 0
	cap := uint64(1)
	for cap < count && h < depth {
		cap <<= 1
		h++
	}
	return h
}
