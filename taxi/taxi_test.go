package taxi

import (
	"math/big"
	"testing"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxiInsert(t *testing.T) {
	taxi, err := New(hasher.Poseidon{}, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), taxi.Remaining())
	emptyRoot := taxi.Root()

	for i := 0; i < 4; i++ {
		before := taxi.Root()
		ev, err := taxi.Insert(big.NewInt(int64(i+1)), common.Tick(10))
		require.NoError(t, err)
		assert.Equal(t, common.TreeTaxi, ev.Tree)
		assert.Equal(t, uint64(i), ev.LeafIndex)
		assert.Equal(t, common.Tick(10), ev.AtTick())
		assert.Equal(t, taxi.Root(), ev.NewRoot)
		assert.NotEqual(t, before, ev.NewRoot)
	}
	assert.NotEqual(t, emptyRoot, taxi.Root())

	root := taxi.Root()
	_, err = taxi.Insert(big.NewInt(9), common.Tick(11))
	assert.Equal(t, common.ErrCapacityExceeded, common.Unwrap(err))
	assert.Equal(t, common.ClassCapacity, common.ClassOf(err))
	assert.Equal(t, root, taxi.Root())
}

func TestTaxiCloneAndLoad(t *testing.T) {
	h := hasher.Poseidon{}
	taxi, err := New(h, DefaultDepth)
	require.NoError(t, err)
	_, err = taxi.Insert(big.NewInt(1), 0)
	require.NoError(t, err)

	clone := taxi.Clone()
	_, err = clone.Insert(big.NewInt(2), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), taxi.NextIndex())
	assert.Equal(t, uint64(2), clone.NextIndex())

	loaded, err := Load(h, DefaultDepth, clone.Layout())
	require.NoError(t, err)
	assert.Equal(t, clone.Root(), loaded.Root())
	assert.Equal(t, uint64(2), loaded.NextIndex())
}
