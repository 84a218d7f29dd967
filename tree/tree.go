/*
Package tree implements the append only incremental merkle tree shared by the
utxo trees of the forest.

Only the rightmost frontier of the tree is kept: filledSubtrees[l] holds the
last left node written at level l, so an insertion costs depth hashes.
Empty positions take the value zeros[l], where zeros[0] is the zero leaf and
zeros[l+1] = H(zeros[l], zeros[l]).

Insertions are two phase. Prepare computes every new node without touching
the tree and Apply commits the result, which lets callers validate a whole
operation before mutating anything.
*/
package tree

import (
	"errors"
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// MaxDepth is the deepest tree supported. Leaf indexes must fit in a uint64
// and the tree capacity 1<<depth must not overflow.
const MaxDepth = 62

// ErrStaleInsertion is used when a prepared Insertion is applied after the
// tree has moved
var ErrStaleInsertion = errors.New("insertion was prepared for a different tree state")

// Zeros returns the empty node value of every level, from the leaves
// (zeros[0] == zeroLeaf) up to the root of an empty tree (zeros[depth])
func Zeros(h hasher.Hasher, depth int, zeroLeaf *big.Int) ([]*big.Int, error) {
	if depth <= 0 || depth > MaxDepth {
		return nil, common.Wrap(fmt.Errorf("invalid tree depth %d", depth))
	}
	if err := common.CheckInField(zeroLeaf); err != nil {
		return nil, common.Wrap(err)
	}
	zeros := make([]*big.Int, depth+1)
	zeros[0] = common.CopyBigInt(zeroLeaf)
	for l := 0; l < depth; l++ {
		z, err := h.Hash2(zeros[l], zeros[l])
		if err != nil {
			return nil, common.Wrap(err)
		}
		zeros[l+1] = z
	}
	return zeros, nil
}

// Tree is an incremental merkle tree of fixed depth
type Tree struct {
	hasher         hasher.Hasher
	depth          int
	zeros          []*big.Int
	filledSubtrees []*big.Int
	nextIndex      uint64
	root           *big.Int
}

// New returns an empty Tree
func New(h hasher.Hasher, depth int, zeroLeaf *big.Int) (*Tree, error) {
	zeros, err := Zeros(h, depth, zeroLeaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return newWithZeros(h, zeros), nil
}

func newWithZeros(h hasher.Hasher, zeros []*big.Int) *Tree {
	depth := len(zeros) - 1
	filled := make([]*big.Int, depth)
	for l := range filled {
		filled[l] = zeros[l]
	}
	return &Tree{
		hasher:         h,
		depth:          depth,
		zeros:          zeros,
		filledSubtrees: filled,
		root:           zeros[depth],
	}
}

// Load restores a Tree from its persisted Layout
func Load(h hasher.Hasher, depth int, zeroLeaf *big.Int, layout *Layout) (*Tree, error) {
	t, err := New(h, depth, zeroLeaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if len(layout.FilledSubtrees) != depth {
		return nil, common.Wrap(fmt.Errorf("layout has %d filled subtrees, tree depth is %d",
			len(layout.FilledSubtrees), depth))
	}
	if layout.NextIndex > t.Capacity() {
		return nil, common.Wrap(fmt.Errorf("layout next index %d exceeds capacity %d",
			layout.NextIndex, t.Capacity()))
	}
	for l, node := range layout.FilledSubtrees {
		t.filledSubtrees[l] = common.CopyBigInt(node)
	}
	t.nextIndex = layout.NextIndex
	t.root = common.CopyBigInt(layout.Root)
	return t, nil
}

// Depth returns the number of levels below the root
func (t *Tree) Depth() int { return t.depth }

// Capacity returns the number of leaves the tree can hold
func (t *Tree) Capacity() uint64 { return 1 << uint(t.depth) }

// NextIndex returns the index the next inserted leaf will take
func (t *Tree) NextIndex() uint64 { return t.nextIndex }

// Root returns a copy of the current root
func (t *Tree) Root() *big.Int { return common.CopyBigInt(t.root) }

// Zero returns the empty node value at level
func (t *Tree) Zero(level int) *big.Int { return common.CopyBigInt(t.zeros[level]) }

// Full returns true when no leaf can be inserted anymore
func (t *Tree) Full() bool { return t.nextIndex >= t.Capacity() }

// Insertion is the outcome of a prepared leaf insertion
type Insertion struct {
	LeafIndex uint64
	Leaf      *big.Int
	NewRoot   *big.Int
	// Path holds the node on the path from the leaf to the root at every
	// level: Path[0] is the leaf and Path[depth] the new root
	Path           []*big.Int
	filledSubtrees []*big.Int
}

// Prepare computes the insertion of leaf without modifying the tree
func (t *Tree) Prepare(leaf *big.Int) (*Insertion, error) {
	if t.Full() {
		return nil, common.Wrap(common.ErrCapacityExceeded)
	}
	if err := common.CheckInField(leaf); err != nil {
		return nil, common.Wrap(err)
	}
	filled := make([]*big.Int, t.depth)
	copy(filled, t.filledSubtrees)
	path := make([]*big.Int, t.depth+1)

	current := common.CopyBigInt(leaf)
	idx := t.nextIndex
	for l := 0; l < t.depth; l++ {
		path[l] = current
		var left, right *big.Int
		if idx%2 == 0 {
			left, right = current, t.zeros[l]
			filled[l] = current
		} else {
			left, right = t.filledSubtrees[l], current
		}
		h, err := t.hasher.Hash2(left, right)
		if err != nil {
			return nil, common.Wrap(err)
		}
		current = h
		idx >>= 1
	}
	path[t.depth] = current
	return &Insertion{
		LeafIndex:      t.nextIndex,
		Leaf:           common.CopyBigInt(leaf),
		NewRoot:        current,
		Path:           path,
		filledSubtrees: filled,
	}, nil
}

// Apply commits a prepared insertion. It fails if the tree changed since the
// insertion was prepared.
func (t *Tree) Apply(ins *Insertion) error {
	if ins == nil || ins.LeafIndex != t.nextIndex || len(ins.filledSubtrees) != t.depth {
		return common.Wrap(ErrStaleInsertion)
	}
	t.filledSubtrees = ins.filledSubtrees
	t.root = ins.NewRoot
	t.nextIndex++
	return nil
}

// Insert prepares and applies the insertion of leaf
func (t *Tree) Insert(leaf *big.Int) (*Insertion, error) {
	ins, err := t.Prepare(leaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := t.Apply(ins); err != nil {
		return nil, common.Wrap(err)
	}
	return ins, nil
}

// Clone returns a deep copy of the tree
func (t *Tree) Clone() *Tree {
	filled := make([]*big.Int, t.depth)
	copy(filled, t.filledSubtrees)
	return &Tree{
		hasher:         t.hasher,
		depth:          t.depth,
		zeros:          t.zeros,
		filledSubtrees: filled,
		nextIndex:      t.nextIndex,
		root:           t.root,
	}
}

// Layout returns the persisted form of the tree
func (t *Tree) Layout() *Layout {
	filled := make([]*big.Int, t.depth)
	for l, node := range t.filledSubtrees {
		filled[l] = common.CopyBigInt(node)
	}
	return &Layout{
		Root:           common.CopyBigInt(t.root),
		NextIndex:      t.nextIndex,
		FilledSubtrees: filled,
	}
}
