package blacklist

import (
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"forest-sequencer/tree"
)

// Mirror follows the BlacklistRootUpdated facts and keeps every bitmap, so
// it can build the leaf value and proof a SetFlag call needs
type Mirror struct {
	tree *tree.Mirror
}

// NewMirror returns the Mirror of an empty registry
func NewMirror(h hasher.Hasher, depth int) (*Mirror, error) {
	m, err := tree.NewMirror(h, depth, new(big.Int))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Mirror{tree: m}, nil
}

// Root returns the root of the mirrored registry
func (m *Mirror) Root() *big.Int { return m.tree.Root() }

// Proof returns the current leaf holding the flag of id and its proof
func (m *Mirror) Proof(id uint64) (*big.Int, []*big.Int, error) {
	_, leafIndex, err := GetFlagAndLeafIndexes(id)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	siblings, err := m.tree.Proof(leafIndex)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	return m.tree.Leaf(leafIndex), siblings, nil
}

// IsFlagged returns true when the flag of id is set
func (m *Mirror) IsFlagged(id uint64) (bool, error) {
	_, leafIndex, err := GetFlagAndLeafIndexes(id)
	if err != nil {
		return false, common.Wrap(err)
	}
	return IsFlagged(m.tree.Leaf(leafIndex), id)
}

// Apply records a committed toggle
func (m *Mirror) Apply(update *common.BlacklistRootUpdated) error {
	return common.Wrap(m.tree.Set(update.LeafIndex, update.NewLeaf))
}
