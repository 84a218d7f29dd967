/*
Package bustree implements the batched insertion tree. Leaves never enter the
bus tree one by one: a whole queue is first hashed into a complete subtree of
QueueDepth levels and that subtree root is appended as a single leaf of the
upper tree, which holds Depth-QueueDepth levels.

Because the upper tree zero leaf is the root of an empty queue subtree, the
resulting root is the same as inserting every queue leaf, padded with zero
leaves, into a flat tree of Depth levels.

Every 1<<BranchDepth batches complete a branch, and a BranchFilled fact is
emitted with its root so indexers can archive finished branches.
*/
package bustree

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"forest-sequencer/tree"
)

// Config sets the shape of the bus tree
type Config struct {
	// Depth of the whole bus tree, in levels above the utxo leaves
	Depth int `validate:"required"`
	// QueueDepth is the depth of the subtree built from one queue
	QueueDepth int `validate:"required"`
	// BranchDepth is the number of upper tree levels grouped in a branch
	BranchDepth int
}

// Validate checks that the tree shape is consistent
func (c *Config) Validate() error {
	if c.QueueDepth <= 0 || c.Depth <= c.QueueDepth || c.Depth > tree.MaxDepth {
		return common.Wrap(fmt.Errorf("%w: bus depth %d, queue depth %d",
			common.ErrInvalidParams, c.Depth, c.QueueDepth))
	}
	if c.BranchDepth < 0 || c.BranchDepth > c.Depth-c.QueueDepth {
		return common.Wrap(fmt.Errorf("%w: branch depth %d",
			common.ErrInvalidParams, c.BranchDepth))
	}
	return nil
}

// QueueCapacity returns the number of leaves of one queue subtree
func (c *Config) QueueCapacity() uint32 { return 1 << uint(c.QueueDepth) }

// BusTree is the batched insertion tree
type BusTree struct {
	cfg        Config
	hasher     hasher.Hasher
	queueZeros []*big.Int
	upper      *tree.Tree
}

func newQueueZeros(h hasher.Hasher, cfg Config) ([]*big.Int, error) {
	if err := cfg.Validate(); err != nil {
		return nil, common.Wrap(err)
	}
	return tree.Zeros(h, cfg.QueueDepth, common.ZeroLeaf)
}

// New returns an empty BusTree
func New(h hasher.Hasher, cfg Config) (*BusTree, error) {
	zeros, err := newQueueZeros(h, cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	upper, err := tree.New(h, cfg.Depth-cfg.QueueDepth, zeros[cfg.QueueDepth])
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &BusTree{cfg: cfg, hasher: h, queueZeros: zeros, upper: upper}, nil
}

// Load restores a BusTree from the persisted layout of its upper tree
func Load(h hasher.Hasher, cfg Config, layout *tree.Layout) (*BusTree, error) {
	zeros, err := newQueueZeros(h, cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	upper, err := tree.Load(h, cfg.Depth-cfg.QueueDepth, zeros[cfg.QueueDepth], layout)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &BusTree{cfg: cfg, hasher: h, queueZeros: zeros, upper: upper}, nil
}

// Config returns the shape of the tree
func (b *BusTree) Config() Config { return b.cfg }

// Root returns the current bus root
func (b *BusTree) Root() *big.Int { return b.upper.Root() }

// Batches returns the number of batches appended so far
func (b *BusTree) Batches() uint64 { return b.upper.NextIndex() }

// NextLeafIndex returns the utxo leaf index where the next batch starts
func (b *BusTree) NextLeafIndex() uint64 {
	return b.upper.NextIndex() << uint(b.cfg.QueueDepth)
}

// Layout returns the persisted form of the tree
func (b *BusTree) Layout() *tree.Layout { return b.upper.Layout() }

// Clone returns an independent copy
func (b *BusTree) Clone() *BusTree {
	return &BusTree{cfg: b.cfg, hasher: b.hasher, queueZeros: b.queueZeros, upper: b.upper.Clone()}
}

// BatchRoot returns the root of the queue subtree built from leaves padded
// with zero leaves
func (b *BusTree) BatchRoot(leaves []*big.Int) (*big.Int, error) {
	if len(leaves) == 0 || uint64(len(leaves)) > uint64(b.cfg.QueueCapacity()) {
		return nil, common.Wrap(fmt.Errorf("%w: batch of %d leaves, queue capacity %d",
			common.ErrBatchMismatch, len(leaves), b.cfg.QueueCapacity()))
	}
	return tree.SubtreeRoot(b.hasher, b.queueZeros, leaves)
}

// Append is the outcome of inserting one batch
type Append struct {
	BatchIndex     uint64
	FirstLeafIndex uint64
	NewRoot        *big.Int
	// BranchFilled is set when the batch completes a branch
	BranchFilled *common.BranchFilled
}

// Insert appends batchRoot as the next queue subtree
func (b *BusTree) Insert(batchRoot *big.Int, now common.Tick) (*Append, error) {
	ins, err := b.upper.Insert(batchRoot)
	if err != nil {
		return nil, common.Wrap(err)
	}
	a := &Append{
		BatchIndex:     ins.LeafIndex,
		FirstLeafIndex: ins.LeafIndex << uint(b.cfg.QueueDepth),
		NewRoot:        ins.NewRoot,
	}
	if bd := uint(b.cfg.BranchDepth); bd > 0 && (ins.LeafIndex+1)%(1<<bd) == 0 {
		a.BranchFilled = &common.BranchFilled{
			Tick:        now,
			BranchIndex: ins.LeafIndex >> bd,
			BranchRoot:  ins.Path[bd],
		}
	}
	return a, nil
}
