/*
Package blacklist implements the registry of revocation flags. Flags are
packed as bits of bitmap leaves of a merkle tree, so toggling a flag is a
single leaf update.

The registry only keeps the root. Callers supply the current value of the
leaf and its merkle proof, which is verified against the root before the new
leaf is written.
*/
package blacklist

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"forest-sequencer/tree"
)

const (
	// FlagsPerLeaf is the number of usable flag bits of a bitmap leaf. The
	// two top bits of the 256 bits word are never used so that a bitmap is
	// always below the field modulus.
	FlagsPerLeaf = 254
	// idsPerLeaf is the stride of ids between two consecutive leaves. Ids
	// whose position falls on a reserved bit are invalid.
	idsPerLeaf = 256
	// DefaultDepth is the depth of the blacklist tree
	DefaultDepth = 16
)

// Action is the change requested on a flag
type Action uint8

const (
	// ActionAdd sets the flag
	ActionAdd Action = iota
	// ActionRemove clears the flag
	ActionRemove
)

func (a Action) String() string {
	if a == ActionAdd {
		return "add"
	}
	return "remove"
}

// GetFlagAndLeafIndexes returns the bit position of id inside its leaf and
// the index of that leaf
func GetFlagAndLeafIndexes(id uint64) (flagIndex uint, leafIndex uint64, err error) {
	flagIndex = uint(id % idsPerLeaf)
	if flagIndex >= FlagsPerLeaf {
		return 0, 0, common.Wrap(fmt.Errorf("%w: id %d maps to reserved bit %d",
			common.ErrInvalidID, id, flagIndex))
	}
	return flagIndex, id / idsPerLeaf, nil
}

// IsFlagged returns true when the bit of id is set in leaf
func IsFlagged(leaf *big.Int, id uint64) (bool, error) {
	flagIndex, _, err := GetFlagAndLeafIndexes(id)
	if err != nil {
		return false, common.Wrap(err)
	}
	return leaf.Bit(int(flagIndex)) == 1, nil
}

// Registry is the authoritative blacklist, reduced to its root
type Registry struct {
	hasher hasher.Hasher
	depth  int
	root   *big.Int
}

// New returns an empty Registry, every leaf being the empty bitmap
func New(h hasher.Hasher, depth int) (*Registry, error) {
	zeros, err := tree.Zeros(h, depth, new(big.Int))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Registry{hasher: h, depth: depth, root: zeros[depth]}, nil
}

// Load returns a Registry at root
func Load(h hasher.Hasher, depth int, root *big.Int) (*Registry, error) {
	if depth <= 0 || depth > tree.MaxDepth {
		return nil, common.Wrap(fmt.Errorf("invalid tree depth %d", depth))
	}
	if err := common.CheckInField(root); err != nil {
		return nil, common.Wrap(err)
	}
	return &Registry{hasher: h, depth: depth, root: common.CopyBigInt(root)}, nil
}

// Root returns the current root
func (r *Registry) Root() *big.Int { return common.CopyBigInt(r.root) }

// Depth returns the depth of the blacklist tree
func (r *Registry) Depth() int { return r.depth }

// Clone returns an independent copy
func (r *Registry) Clone() *Registry {
	return &Registry{hasher: r.hasher, depth: r.depth, root: r.root}
}

// Prepare validates the toggle of the flag of id and returns the resulting
// fact without changing the registry. currentLeaf and proof must
// authenticate the leaf of id against the current root.
func (r *Registry) Prepare(id uint64, action Action, currentLeaf *big.Int, proof []*big.Int,
	now common.Tick) (*common.BlacklistRootUpdated, error) {
	flagIndex, leafIndex, err := GetFlagAndLeafIndexes(id)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if leafIndex >= 1<<uint(r.depth) {
		return nil, common.Wrap(fmt.Errorf("%w: id %d beyond the %d leaves of the tree",
			common.ErrInvalidID, id, uint64(1)<<uint(r.depth)))
	}
	if err := common.CheckInField(currentLeaf); err != nil {
		return nil, common.Wrap(err)
	}
	if len(proof) != r.depth {
		return nil, common.Wrap(fmt.Errorf("%w: proof of %d siblings, depth %d",
			common.ErrProofMismatch, len(proof), r.depth))
	}
	if err := tree.VerifyPath(r.hasher, currentLeaf, leafIndex, proof, r.root); err != nil {
		return nil, common.Wrap(err)
	}

	set := currentLeaf.Bit(int(flagIndex)) == 1
	newLeaf := new(big.Int)
	switch action {
	case ActionAdd:
		if set {
			return nil, common.Wrap(common.ErrAlreadyFlagged)
		}
		newLeaf.SetBit(currentLeaf, int(flagIndex), 1)
	case ActionRemove:
		if !set {
			return nil, common.Wrap(common.ErrNotFlagged)
		}
		newLeaf.SetBit(currentLeaf, int(flagIndex), 0)
	default:
		return nil, common.Wrap(fmt.Errorf("unknown blacklist action %d", action))
	}
	newRoot, err := tree.ComputeRoot(r.hasher, newLeaf, leafIndex, proof)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.BlacklistRootUpdated{
		Tick:      now,
		ID:        id,
		Added:     action == ActionAdd,
		LeafIndex: leafIndex,
		NewLeaf:   newLeaf,
		NewRoot:   newRoot,
	}, nil
}

// Apply commits a prepared toggle
func (r *Registry) Apply(update *common.BlacklistRootUpdated) {
	r.root = common.CopyBigInt(update.NewRoot)
}

// SetFlag prepares and applies the toggle of the flag of id
func (r *Registry) SetFlag(id uint64, action Action, currentLeaf *big.Int, proof []*big.Int,
	now common.Tick) (*common.BlacklistRootUpdated, error) {
	update, err := r.Prepare(id, action, currentLeaf, proof, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	r.Apply(update)
	return update, nil
}
