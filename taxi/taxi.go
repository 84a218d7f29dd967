// Package taxi implements the immediate insertion tree: a small tree where
// every leaf updates the root as soon as it is inserted.
package taxi

import (
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"forest-sequencer/tree"
)

// DefaultDepth is the depth of the taxi tree, 256 leaves
const DefaultDepth = 8

// Taxi is the immediate insertion tree
type Taxi struct {
	tree *tree.Tree
}

// New returns an empty Taxi of the given depth
func New(h hasher.Hasher, depth int) (*Taxi, error) {
	t, err := tree.New(h, depth, common.ZeroLeaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Taxi{tree: t}, nil
}

// Load restores a Taxi from its persisted layout
func Load(h hasher.Hasher, depth int, layout *tree.Layout) (*Taxi, error) {
	t, err := tree.Load(h, depth, common.ZeroLeaf, layout)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Taxi{tree: t}, nil
}

// Root returns the current root
func (t *Taxi) Root() *big.Int { return t.tree.Root() }

// NextIndex returns the index of the next inserted leaf
func (t *Taxi) NextIndex() uint64 { return t.tree.NextIndex() }

// Capacity returns the number of leaves the taxi tree can hold
func (t *Taxi) Capacity() uint64 { return t.tree.Capacity() }

// Remaining returns how many leaves can still be inserted
func (t *Taxi) Remaining() uint64 { return t.tree.Capacity() - t.tree.NextIndex() }

// Layout returns the persisted form of the taxi tree
func (t *Taxi) Layout() *tree.Layout { return t.tree.Layout() }

// Clone returns an independent copy
func (t *Taxi) Clone() *Taxi { return &Taxi{tree: t.tree.Clone()} }

// Insert appends leaf and returns the RootUpdated fact describing it.
// ErrCapacityExceeded is returned once every leaf is used.
func (t *Taxi) Insert(leaf *big.Int, now common.Tick) (*common.RootUpdated, error) {
	ins, err := t.tree.Insert(leaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.RootUpdated{
		Tick:      now,
		Tree:      common.TreeTaxi,
		LeafIndex: ins.LeafIndex,
		Leaf:      ins.Leaf,
		NewRoot:   ins.NewRoot,
	}, nil
}
