// Package ledger implements the Merkle-ledger staging layer: address and
// hash machinery, the base Database, and the async LedgerManager worker
// that serializes mutating operations. The copy-on-write overlay stack
// (Root/Mask) lives in the sibling `mask` package.
package ledger

import "fmt"

// Depth is the constant depth of the account Merkle tree, grounded on
// SPEC_FULL §B (`internal/ledger` component) and spec.md §3.3. It is a
// package variable rather than a true constant so tests can exercise small
// trees without walking the full production depth.
var Depth = 35

// AccountSubtreeHeight bounds the size of a single WhatContents RPC
// response (spec.md §4.4.1 Merkle phase).
var AccountSubtreeHeight = 6

// Address is a path from the root of the binary Merkle account tree,
// encoded as a bit string (false = left, true = right) read root-to-leaf.
// An empty Address denotes the root.
type Address struct {
	bits []bool
}

// RootAddress returns the zero-length address denoting the tree root.
func RootAddress() Address { return Address{} }

// Length returns the depth of this address (0 at the root).
func (a Address) Length() int { return len(a.bits) }

// ChildLeft returns the left child of a.
func (a Address) ChildLeft() Address {
	out := make([]bool, len(a.bits)+1)
	copy(out, a.bits)
	out[len(a.bits)] = false
	return Address{bits: out}
}

// ChildRight returns the right child of a.
func (a Address) ChildRight() Address {
	out := make([]bool, len(a.bits)+1)
	copy(out, a.bits)
	out[len(a.bits)] = true
	return Address{bits: out}
}

// Parent returns the parent of a. Panics at the root, matching the
// invariant that callers never walk above depth 0.
func (a Address) Parent() Address {
	if len(a.bits) == 0 {
		panic("ledger: Parent of root address")
	}
	return Address{bits: append([]bool(nil), a.bits[:len(a.bits)-1]...)}
}

// IsRoot reports whether a is the root address.
func (a Address) IsRoot() bool { return len(a.bits) == 0 }

// Next returns the address immediately following a in a fixed-depth,
// left-to-right enumeration of addresses at the same depth, with ok=false
// at the last address of that depth.
func (a Address) Next() (Address, bool) {
	bits := append([]bool(nil), a.bits...)
	for i := len(bits) - 1; i >= 0; i-- {
		if !bits[i] {
			bits[i] = true
			return Address{bits: bits}, true
		}
		bits[i] = false
	}
	return Address{}, false
}

// ToIndex interprets a as a big-endian binary number: the AccountIndex of
// the leaf it addresses, valid only when a.Length() == Depth.
func (a Address) ToIndex() AccountIndex {
	var idx uint64
	for _, b := range a.bits {
		idx <<= 1
		if b {
			idx |= 1
		}
	}
	return AccountIndex(idx)
}

// AddressFromIndex reconstructs the leaf-depth Address for idx. It is the
// left inverse of ToIndex: AddressFromIndex(a.ToIndex(), depth) == a for any
// Address a at that depth (spec.md §8 round-trip law).
func AddressFromIndex(idx AccountIndex, depth int) Address {
	bits := make([]bool, depth)
	v := uint64(idx)
	for i := depth - 1; i >= 0; i-- {
		bits[i] = v&1 == 1
		v >>= 1
	}
	return Address{bits: bits}
}

// String renders the address as an 'L'/'R' path, root first, for logging.
func (a Address) String() string {
	out := make([]byte, len(a.bits))
	for i, b := range a.bits {
		if b {
			out[i] = 'R'
		} else {
			out[i] = 'L'
		}
	}
	return fmt.Sprintf("addr(%s)", out)
}

// Key returns a comparable value suitable as a map key, since Address
// contains a slice and is not otherwise comparable.
func (a Address) Key() string { return a.String() }

// IsAncestorOrSelf reports whether a is a prefix of b (or equal to b), i.e.
// the subtree rooted at a contains the address/leaf b.
func (a Address) IsAncestorOrSelf(b Address) bool {
	if len(a.bits) > len(b.bits) {
		return false
	}
	for i, bit := range a.bits {
		if b.bits[i] != bit {
			return false
		}
	}
	return true
}
