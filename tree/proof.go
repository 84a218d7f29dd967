package tree

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// ComputeRoot folds leaf with its siblings, ordered from the leaf level to
// the root, and returns the resulting root. Bit l of index selects whether
// the node at level l is a right child.
func ComputeRoot(h hasher.Hasher, leaf *big.Int, index uint64, siblings []*big.Int) (*big.Int, error) {
	if len(siblings) > MaxDepth {
		return nil, common.Wrap(fmt.Errorf("proof of %d siblings exceeds max depth", len(siblings)))
	}
	if index>>uint(len(siblings)) != 0 {
		return nil, common.Wrap(fmt.Errorf("index %d out of range for a proof of %d siblings",
			index, len(siblings)))
	}
	current := leaf
	for l, sibling := range siblings {
		var err error
		if (index>>uint(l))&1 == 0 {
			current, err = h.Hash2(current, sibling)
		} else {
			current, err = h.Hash2(sibling, current)
		}
		if err != nil {
			return nil, common.Wrap(err)
		}
	}
	return current, nil
}

// VerifyPath returns ErrProofMismatch when the siblings do not authenticate
// leaf at index against root
func VerifyPath(h hasher.Hasher, leaf *big.Int, index uint64, siblings []*big.Int, root *big.Int) error {
	computed, err := ComputeRoot(h, leaf, index, siblings)
	if err != nil {
		return common.Wrap(err)
	}
	if computed.Cmp(root) != 0 {
		return common.Wrap(common.ErrProofMismatch)
	}
	return nil
}
