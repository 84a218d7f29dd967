package tree

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// Mirror is a full copy of a tree kept outside the authoritative state, the
// way an indexer follows the emitted facts. It keeps every non empty node so
// it can produce proofs for any leaf.
type Mirror struct {
	hasher hasher.Hasher
	zeros  []*big.Int
	// nodes[l] holds the non empty nodes of level l, keyed by position
	nodes []map[uint64]*big.Int
	size  uint64
}

// NewMirror returns an empty Mirror
func NewMirror(h hasher.Hasher, depth int, zeroLeaf *big.Int) (*Mirror, error) {
	zeros, err := Zeros(h, depth, zeroLeaf)
	if err != nil {
		return nil, common.Wrap(err)
	}
	nodes := make([]map[uint64]*big.Int, depth+1)
	for l := range nodes {
		nodes[l] = make(map[uint64]*big.Int)
	}
	return &Mirror{hasher: h, zeros: zeros, nodes: nodes}, nil
}

func (m *Mirror) depth() int { return len(m.zeros) - 1 }

func (m *Mirror) node(level int, pos uint64) *big.Int {
	if n, ok := m.nodes[level][pos]; ok {
		return n
	}
	return m.zeros[level]
}

// Size returns one past the highest leaf index written
func (m *Mirror) Size() uint64 { return m.size }

// Root returns the current root
func (m *Mirror) Root() *big.Int {
	return common.CopyBigInt(m.node(m.depth(), 0))
}

// Leaf returns the leaf at index, the zero leaf if it was never written
func (m *Mirror) Leaf(index uint64) *big.Int {
	return common.CopyBigInt(m.node(0, index))
}

// Append writes leaf at the next free index and returns that index
func (m *Mirror) Append(leaf *big.Int) (uint64, error) {
	index := m.size
	if err := m.Set(index, leaf); err != nil {
		return 0, common.Wrap(err)
	}
	return index, nil
}

// Set writes leaf at index and recomputes the path to the root
func (m *Mirror) Set(index uint64, leaf *big.Int) error {
	if index >= 1<<uint(m.depth()) {
		return common.Wrap(common.ErrCapacityExceeded)
	}
	if err := common.CheckInField(leaf); err != nil {
		return common.Wrap(err)
	}
	m.nodes[0][index] = common.CopyBigInt(leaf)
	pos := index
	for l := 0; l < m.depth(); l++ {
		left, right := m.node(l, pos&^1), m.node(l, pos|1)
		parent, err := m.hasher.Hash2(left, right)
		if err != nil {
			return common.Wrap(err)
		}
		pos >>= 1
		m.nodes[l+1][pos] = parent
	}
	if index >= m.size {
		m.size = index + 1
	}
	return nil
}

// Proof returns the siblings of the leaf at index, from the leaf level to
// the root
func (m *Mirror) Proof(index uint64) ([]*big.Int, error) {
	if index >= 1<<uint(m.depth()) {
		return nil, common.Wrap(fmt.Errorf("leaf index %d out of range", index))
	}
	siblings := make([]*big.Int, m.depth())
	pos := index
	for l := range siblings {
		siblings[l] = common.CopyBigInt(m.node(l, pos^1))
		pos >>= 1
	}
	return siblings, nil
}
