package tree

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// SubtreeRoot returns the root of the complete tree of len(zeros)-1 levels
// whose first leaves are leaves and whose remaining leaves are zeros[0]
func SubtreeRoot(h hasher.Hasher, zeros []*big.Int, leaves []*big.Int) (*big.Int, error) {
	depth := len(zeros) - 1
	if depth < 0 || uint64(len(leaves)) > 1<<uint(depth) {
		return nil, common.Wrap(fmt.Errorf("%d leaves do not fit a subtree of depth %d",
			len(leaves), depth))
	}
	level := make([]*big.Int, len(leaves))
	for i, leaf := range leaves {
		if err := common.CheckInField(leaf); err != nil {
			return nil, common.Wrap(err)
		}
		level[i] = leaf
	}
	for l := 0; l < depth; l++ {
		if len(level) == 0 {
			return common.CopyBigInt(zeros[depth]), nil
		}
		next := make([]*big.Int, (len(level)+1)/2)
		for i := range next {
			left := level[2*i]
			right := zeros[l]
			if 2*i+1 < len(level) {
				right = level[2*i+1]
			}
			parent, err := h.Hash2(left, right)
			if err != nil {
				return nil, common.Wrap(err)
			}
			next[i] = parent
		}
		level = next
	}
	if len(level) == 0 {
		return common.CopyBigInt(zeros[depth]), nil
	}
	return level[0], nil
}
