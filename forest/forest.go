/*
Package forest aggregates the roots of the trees into the forest root.

Every change of a tree root is followed by Update, which hashes the current
tree roots and stores the result under the next cache index. The last
RingSize roots stay available, so a proof built against a root that was
current a few operations ago can still be checked.
*/
package forest

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// DefaultRingSize is the number of recent forest roots kept
const DefaultRingSize = 256

// Forest holds the forest root history
type Forest struct {
	hasher     hasher.Hasher
	ring       []*big.Int
	cacheIndex uint64
}

// Hash returns the forest root of the tree roots, ordered taxi, bus,
// blacklist, followed by any extra sibling root
func Hash(h hasher.Hasher, roots ...*big.Int) (*big.Int, error) {
	if len(roots) < 3 {
		return nil, common.Wrap(fmt.Errorf("forest root needs at least 3 tree roots, got %d", len(roots)))
	}
	root, err := h.Hash3(roots[0], roots[1], roots[2])
	if err != nil {
		return nil, common.Wrap(err)
	}
	for _, sibling := range roots[3:] {
		if root, err = h.Hash2(root, sibling); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return root, nil
}

// New returns a Forest whose root at cache index 0 is the hash of roots
func New(h hasher.Hasher, ringSize int, roots ...*big.Int) (*Forest, error) {
	if ringSize <= 0 {
		return nil, common.Wrap(fmt.Errorf("%w: ring size %d", common.ErrInvalidParams, ringSize))
	}
	root, err := Hash(h, roots...)
	if err != nil {
		return nil, common.Wrap(err)
	}
	f := &Forest{hasher: h, ring: make([]*big.Int, ringSize)}
	f.ring[0] = root
	return f, nil
}

// RingSize returns the number of roots kept
func (f *Forest) RingSize() int { return len(f.ring) }

// CacheIndex returns the cache index of the current root
func (f *Forest) CacheIndex() uint64 { return f.cacheIndex }

// CurrentRoot returns the current forest root
func (f *Forest) CurrentRoot() *big.Int {
	return common.CopyBigInt(f.ring[f.cacheIndex%uint64(len(f.ring))])
}

// Root returns the forest root stored at cacheIndex. ErrStale is returned
// once the ring rotated past it, ErrUnknownCacheIndex if it is not reached
// yet.
func (f *Forest) Root(cacheIndex uint64) (*big.Int, error) {
	if cacheIndex > f.cacheIndex {
		return nil, common.Wrap(common.ErrUnknownCacheIndex)
	}
	root := f.ring[cacheIndex%uint64(len(f.ring))]
	if f.cacheIndex-cacheIndex >= uint64(len(f.ring)) || root == nil {
		return nil, common.Wrap(common.ErrStale)
	}
	return common.CopyBigInt(root), nil
}

// IsKnownRoot returns true when root is one of the roots kept in the ring
func (f *Forest) IsKnownRoot(root *big.Int) bool {
	if root == nil {
		return false
	}
	for _, r := range f.ring {
		if r != nil && r.Cmp(root) == 0 {
			return true
		}
	}
	return false
}

// Update stores the hash of roots under the next cache index
func (f *Forest) Update(now common.Tick, roots ...*big.Int) (*common.ForestRootUpdated, error) {
	root, err := Hash(f.hasher, roots...)
	if err != nil {
		return nil, common.Wrap(err)
	}
	f.cacheIndex++
	f.ring[f.cacheIndex%uint64(len(f.ring))] = root
	return &common.ForestRootUpdated{
		Tick:       now,
		CacheIndex: f.cacheIndex,
		Root:       common.CopyBigInt(root),
	}, nil
}

// Clone returns an independent copy
func (f *Forest) Clone() *Forest {
	ring := make([]*big.Int, len(f.ring))
	copy(ring, f.ring)
	return &Forest{hasher: f.hasher, ring: ring, cacheIndex: f.cacheIndex}
}

// Bytes encodes the root history as [ 8 cacheIndex | 4 count ] followed by
// the count live roots, oldest first
func (f *Forest) Bytes() []byte {
	count := f.cacheIndex + 1
	if count > uint64(len(f.ring)) {
		count = uint64(len(f.ring))
	}
	b := make([]byte, 12, 12+count*common.FieldElementBytesLen)
	binary.BigEndian.PutUint64(b[0:8], f.cacheIndex)
	binary.BigEndian.PutUint32(b[8:12], uint32(count))
	for ci := f.cacheIndex + 1 - count; ci <= f.cacheIndex; ci++ {
		root := common.FieldElementBytes(f.ring[ci%uint64(len(f.ring))])
		b = append(b, root[:]...)
	}
	return b
}

// FromBytes restores a Forest encoded with Forest.Bytes
func FromBytes(h hasher.Hasher, ringSize int, b []byte) (*Forest, error) {
	if ringSize <= 0 {
		return nil, common.Wrap(fmt.Errorf("%w: ring size %d", common.ErrInvalidParams, ringSize))
	}
	if len(b) < 12 {
		return nil, common.Wrap(fmt.Errorf("forest history too short: %d bytes", len(b)))
	}
	cacheIndex := binary.BigEndian.Uint64(b[0:8])
	count := uint64(binary.BigEndian.Uint32(b[8:12]))
	if count == 0 || count > cacheIndex+1 ||
		uint64(len(b)) != 12+count*common.FieldElementBytesLen {
		return nil, common.Wrap(fmt.Errorf("forest history of %d roots has %d bytes", count, len(b)))
	}
	f := &Forest{hasher: h, ring: make([]*big.Int, ringSize), cacheIndex: cacheIndex}
	// a smaller ring keeps the most recent roots
	skip := uint64(0)
	if count > uint64(ringSize) {
		skip = count - uint64(ringSize)
	}
	first := cacheIndex + 1 - count
	for i := skip; i < count; i++ {
		from := 12 + i*common.FieldElementBytesLen
		root, err := common.FieldElementFromBytes(b[from : from+common.FieldElementBytesLen])
		if err != nil {
			return nil, common.Wrap(err)
		}
		f.ring[(first+i)%uint64(ringSize)] = root
	}
	return f, nil
}
