package forest

import (
	"math/big"
	"testing"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roots(i int64) []*big.Int {
	return []*big.Int{big.NewInt(i), big.NewInt(i + 1), big.NewInt(i + 2)}
}

func TestHash(t *testing.T) {
	h := hasher.Poseidon{}
	r3, err := Hash(h, roots(1)...)
	require.NoError(t, err)
	expected, err := h.Hash3(big.NewInt(1), big.NewInt(2), big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, expected, r3)

	r4, err := Hash(h, append(roots(1), big.NewInt(9))...)
	require.NoError(t, err)
	expected, err = h.Hash2(r3, big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, expected, r4)

	_, err = Hash(h, big.NewInt(1), big.NewInt(2))
	assert.Error(t, err)
}

func TestRootHistory(t *testing.T) {
	h := hasher.Poseidon{}
	f, err := New(h, 4, roots(0)...)
	require.NoError(t, err)
	genesis := f.CurrentRoot()

	var history []*big.Int
	history = append(history, genesis)
	for i := int64(1); i <= 6; i++ {
		ev, err := f.Update(common.Tick(i), roots(i)...)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), ev.CacheIndex)
		assert.Equal(t, f.CurrentRoot(), ev.Root)
		history = append(history, ev.Root)
	}
	assert.Equal(t, uint64(6), f.CacheIndex())

	// 3, 4, 5, 6 are live
	for ci := uint64(3); ci <= 6; ci++ {
		root, err := f.Root(ci)
		require.NoError(t, err)
		assert.Equal(t, history[ci], root)
		assert.True(t, f.IsKnownRoot(history[ci]))
	}
	for ci := uint64(0); ci < 3; ci++ {
		_, err := f.Root(ci)
		assert.Equal(t, common.ErrStale, common.Unwrap(err), "cache index %d", ci)
		assert.False(t, f.IsKnownRoot(history[ci]))
	}
	_, err = f.Root(7)
	assert.Equal(t, common.ErrUnknownCacheIndex, common.Unwrap(err))
	assert.False(t, f.IsKnownRoot(big.NewInt(12345)))
}

func TestCloneAndReload(t *testing.T) {
	h := hasher.Poseidon{}
	f, err := New(h, 4, roots(0)...)
	require.NoError(t, err)
	_, err = f.Update(1, roots(1)...)
	require.NoError(t, err)

	clone := f.Clone()
	_, err = clone.Update(2, roots(2)...)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.CacheIndex())
	assert.Equal(t, uint64(2), clone.CacheIndex())

	for i := int64(3); i < 9; i++ {
		_, err = clone.Update(common.Tick(i), roots(i)...)
		require.NoError(t, err)
	}
	loaded, err := FromBytes(h, 4, clone.Bytes())
	require.NoError(t, err)
	assert.Equal(t, clone.CacheIndex(), loaded.CacheIndex())
	for ci := uint64(5); ci <= 8; ci++ {
		want, err := clone.Root(ci)
		require.NoError(t, err)
		got, err := loaded.Root(ci)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	// reloading into a smaller ring keeps the newest roots
	small, err := FromBytes(h, 2, clone.Bytes())
	require.NoError(t, err)
	_, err = small.Root(6)
	assert.Equal(t, common.ErrStale, common.Unwrap(err))
	got, err := small.Root(8)
	require.NoError(t, err)
	assert.Equal(t, clone.CurrentRoot(), got)

	_, err = FromBytes(h, 4, []byte{0, 1})
	assert.Error(t, err)
}
