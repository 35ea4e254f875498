// Package merkle builds the two content-addressing trees of §4.4: a
// per-contract page tree over a memory's dirty pages, and a global contracts
// tree over every deployed contract's root. Both are sparse, arity-fixed
// Merkle trees hashed with Blake3, grounded on the teacher's pairwise,
// duplicate-last-leaf tree shape (pkg/merkle in the source repo) but
// generalized from a dense binary tree to an arbitrary-arity sparse one so a
// tree of height 32 never needs 2^32 leaves materialized.
package merkle

import (
	"fmt"

	"github.com/crumblevm/crumble/pkg/vmtypes"
	"lukechampine.com/blake3"
)

// Hash is a tree node hash.
type Hash = vmtypes.Hash

// Opening is a Merkle inclusion proof: one sibling group per tree level,
// ordered root-ward, each holding every sibling hash at that level (arity-1
// of them) except the one on the path being proven.
type Opening struct {
	Siblings [][]Hash
}

// Tree is a sparse Merkle tree of fixed arity and height, hashed with
// Blake3. Unset leaves and their ancestors resolve to a precomputed
// per-level zero hash, so a tree with height 32 costs memory proportional to
// the number of leaves actually set rather than 2^32.
type Tree struct {
	arity  int
	height int
	zero   []Hash          // zero[l] is the hash of an all-zero subtree of height l
	nodes  []map[uint64]Hash // nodes[l] holds the set (non-zero-default) nodes at level l
}

// New builds an empty sparse tree of the given arity and height.
func New(arity, height int) (*Tree, error) {
	if arity < 2 {
		return nil, fmt.Errorf("merkle: arity must be >= 2, got %d", arity)
	}
	if height < 1 {
		return nil, fmt.Errorf("merkle: height must be >= 1, got %d", height)
	}

	zero := make([]Hash, height+1)
	zero[0] = Hash{} // an untouched leaf is the all-zero hash
	for l := 1; l <= height; l++ {
		children := make([]Hash, arity)
		for c := range children {
			children[c] = zero[l-1]
		}
		zero[l] = hashChildren(children)
	}

	nodes := make([]map[uint64]Hash, height+1)
	for l := range nodes {
		nodes[l] = make(map[uint64]Hash)
	}

	return &Tree{arity: arity, height: height, zero: zero, nodes: nodes}, nil
}

// Arity returns the tree's branching factor.
func (t *Tree) Arity() int { return t.arity }

// Height returns the tree's height (number of levels above the leaves).
func (t *Tree) Height() int { return t.height }

// Capacity returns the number of leaves the tree can address (arity^height).
func (t *Tree) Capacity() uint64 {
	cap := uint64(1)
	for i := 0; i < t.height; i++ {
		cap *= uint64(t.arity)
	}
	return cap
}

// Root returns the tree's current root hash.
func (t *Tree) Root() Hash {
	return t.nodeAt(t.height, 0)
}

func (t *Tree) nodeAt(level int, index uint64) Hash {
	if h, ok := t.nodes[level][index]; ok {
		return h
	}
	return t.zero[level]
}

// Update sets the leaf at index to leaf and recomputes every ancestor up to
// the root.
func (t *Tree) Update(index uint64, leaf Hash) error {
	if index >= t.Capacity() {
		return fmt.Errorf("merkle: leaf index %d out of range [0, %d)", index, t.Capacity())
	}

	t.nodes[0][index] = leaf
	cur := index
	for level := 0; level < t.height; level++ {
		parent := cur / uint64(t.arity)
		first := parent * uint64(t.arity)
		children := make([]Hash, t.arity)
		for c := 0; c < t.arity; c++ {
			children[c] = t.nodeAt(level, first+uint64(c))
		}
		t.nodes[level+1][parent] = hashChildren(children)
		cur = parent
	}
	return nil
}

// Opening returns the inclusion proof for the leaf at index.
func (t *Tree) Opening(index uint64) (Opening, error) {
	if index >= t.Capacity() {
		return Opening{}, fmt.Errorf("merkle: leaf index %d out of range [0, %d)", index, t.Capacity())
	}

	siblings := make([][]Hash, t.height)
	cur := index
	for level := 0; level < t.height; level++ {
		parent := cur / uint64(t.arity)
		first := parent * uint64(t.arity)
		onPath := cur - first

		group := make([]Hash, 0, t.arity-1)
		for c := 0; c < t.arity; c++ {
			if uint64(c) == onPath {
				continue
			}
			group = append(group, t.nodeAt(level, first+uint64(c)))
		}
		siblings[level] = group
		cur = parent
	}
	return Opening{Siblings: siblings}, nil
}

// Verify recomputes a root from leaf, index and opening, reporting whether
// it matches root.
func Verify(root Hash, arity int, index uint64, leaf Hash, opening Opening) bool {
	if len(opening.Siblings) == 0 {
		return leaf == root
	}

	cur := leaf
	idx := index
	for level := 0; level < len(opening.Siblings); level++ {
		group := opening.Siblings[level]
		if len(group) != arity-1 {
			return false
		}
		onPath := int(idx % uint64(arity))
		children := make([]Hash, arity)
		gi := 0
		for c := 0; c < arity; c++ {
			if c == onPath {
				children[c] = cur
				continue
			}
			children[c] = group[gi]
			gi++
		}
		cur = hashChildren(children)
		idx /= uint64(arity)
	}
	return cur == root
}

// hashChildren hashes the concatenation of a node's children with Blake3,
// replacing the teacher's keccak256(left || right) pairing with an
// arbitrary-arity generalization.
func hashChildren(children []Hash) Hash {
	h := blake3.New(32, nil)
	for _, c := range children {
		h.Write(c[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashLeaf hashes an arbitrary byte slice into a leaf value with Blake3,
// used for page contents in the per-contract page tree (§4.4). Leaves of the
// global contracts tree are contract page-tree roots, stored as given.
func HashLeaf(data []byte) Hash {
	var out Hash
	sum := blake3.Sum256(data)
	copy(out[:], sum[:])
	return out
}
