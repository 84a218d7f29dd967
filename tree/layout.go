package tree

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"forest-sequencer/common"
)

// Layout is the persisted state of a Tree: enough to keep appending without
// knowing any previous leaf
type Layout struct {
	Root           *big.Int
	NextIndex      uint64
	FilledSubtrees []*big.Int
}

// Bytes encodes the layout as
// [ 8 bytes nextIndex | 32 bytes root | 1 byte depth | depth * 32 bytes ]
func (l *Layout) Bytes() []byte {
	b := make([]byte, 0, 8+common.FieldElementBytesLen+1+
		len(l.FilledSubtrees)*common.FieldElementBytesLen)
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], l.NextIndex)
	b = append(b, idx[:]...)
	root := common.FieldElementBytes(l.Root)
	b = append(b, root[:]...)
	b = append(b, byte(len(l.FilledSubtrees)))
	for _, node := range l.FilledSubtrees {
		nb := common.FieldElementBytes(node)
		b = append(b, nb[:]...)
	}
	return b
}

// LayoutFromBytes decodes a Layout encoded with Layout.Bytes
func LayoutFromBytes(b []byte) (*Layout, error) {
	const header = 8 + common.FieldElementBytesLen + 1
	if len(b) < header {
		return nil, common.Wrap(fmt.Errorf("tree layout too short: %d bytes", len(b)))
	}
	depth := int(b[header-1])
	if len(b) != header+depth*common.FieldElementBytesLen {
		return nil, common.Wrap(fmt.Errorf("tree layout of depth %d has %d bytes", depth, len(b)))
	}
	root, err := common.FieldElementFromBytes(b[8 : 8+common.FieldElementBytesLen])
	if err != nil {
		return nil, common.Wrap(err)
	}
	l := &Layout{
		Root:           root,
		NextIndex:      binary.BigEndian.Uint64(b[:8]),
		FilledSubtrees: make([]*big.Int, depth),
	}
	for i := 0; i < depth; i++ {
		from := header + i*common.FieldElementBytesLen
		node, err := common.FieldElementFromBytes(b[from : from+common.FieldElementBytesLen])
		if err != nil {
			return nil, common.Wrap(err)
		}
		l.FilledSubtrees[i] = node
	}
	return l, nil
}
