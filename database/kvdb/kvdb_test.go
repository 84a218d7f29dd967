package kvdb

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"forest-sequencer/common"
	"forest-sequencer/log"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var deleteme []string

func init() {
	log.Init("debug", []string{"stdout"})
}

func TestMain(m *testing.M) {
	exitVal := m.Run()
	for _, dir := range deleteme {
		if err := os.RemoveAll(dir); err != nil {
			panic(err)
		}
	}
	os.Exit(exitVal)
}

func addTestKV(t *testing.T, k *KVDB, key, value []byte) {
	tx, err := k.db.NewTx()
	require.NoError(t, err)
	require.NoError(t, tx.Put(key, value))
	require.NoError(t, tx.Commit())
}

func printCheckpoints(t *testing.T, path string) {
	files, err := os.ReadDir(path)
	require.NoError(t, err)
	for _, file := range files {
		fmt.Println(file.Name())
	}
}

func TestCheckpoints(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)

	// add test key-values
	for i := 0; i < 10; i++ {
		addTestKV(t, k, []byte{byte(i), byte(i)}, []byte{byte(i), byte(i)})
	}

	// do checkpoints with the current tick and check that the tick has
	// been advanced
	for i := 0; i < 4; i++ {
		require.NoError(t, k.MakeCheckpoint())
	}
	tick, err := k.GetCurrentTick()
	require.NoError(t, err)
	assert.Equal(t, common.Tick(4), tick)

	// write after the checkpoint, discarded by the reset
	addTestKV(t, k, []byte("late"), []byte("write"))

	err = k.Reset(3)
	require.NoError(t, err)
	assert.Equal(t, common.Tick(3), k.CurrentTick)
	_, err = k.db.Get([]byte("late"))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	v, err := k.db.Get([]byte{5, 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 5}, v)

	// checkpoints after the reset tick are gone
	exists, err := k.CheckpointExists(4)
	require.NoError(t, err)
	assert.False(t, exists)

	printCheckpoints(t, dir)

	// reset to 0 opens a fresh db
	err = k.Reset(0)
	require.NoError(t, err)
	_, err = k.db.Get([]byte{5, 5})
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	k.Close()
}

func TestReopenRestoresLastCheckpoint(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	addTestKV(t, k, []byte("a"), []byte("1"))
	require.NoError(t, k.MakeCheckpoint())
	addTestKV(t, k, []byte("b"), []byte("2"))
	require.NoError(t, k.MakeCheckpoint())
	addTestKV(t, k, []byte("c"), []byte("3"))
	k.Close()

	k, err = NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	assert.Equal(t, common.Tick(2), k.CurrentTick)
	v, err := k.db.Get([]byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
	_, err = k.db.Get([]byte("c"))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	k.Close()
}

func TestLastRead(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)

	addTestKV(t, k, []byte("a"), []byte("1"))
	require.NoError(t, k.MakeCheckpoint())
	// not visible in last until the next checkpoint
	addTestKV(t, k, []byte("b"), []byte("2"))

	err = k.LastRead(func(sdb *pebble.Storage) error {
		v, err := sdb.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
		_, err = sdb.Get([]byte("b"))
		assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
		return nil
	})
	require.NoError(t, err)
	k.Close()

	dir2, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir2)
	k, err = NewKVDB(Config{Path: dir2, NoLast: true})
	require.NoError(t, err)
	err = k.LastRead(func(sdb *pebble.Storage) error { return nil })
	assert.Equal(t, ErrNoLast, common.Unwrap(err))
	k.Close()
}

func TestListCheckpoints(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)

	numCheckpoints := 16
	// do checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err = k.MakeCheckpoint()
		require.NoError(t, err)
	}
	list, err := k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numCheckpoints, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numCheckpoints, list[len(list)-1])

	numReset := 10
	err = k.Reset(common.Tick(numReset))
	require.NoError(t, err)
	list, err = k.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numReset, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numReset, list[len(list)-1])

	k.Close()
}

func TestListCheckpointsGap(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, k.MakeCheckpoint())
	}
	require.NoError(t, k.DeleteCheckpoint(2))
	_, err = k.ListCheckpoints()
	assert.Error(t, err)
	k.Close()
}

func TestDeleteOldCheckpoints(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	keep := 16
	k, err := NewKVDB(Config{Path: dir, Keep: keep})
	require.NoError(t, err)

	numCheckpoints := 32
	// do checkpoints and check that we never have more than `keep`
	// checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err = k.MakeCheckpoint()
		require.NoError(t, err)
		err := k.DeleteOldCheckpoints()
		require.NoError(t, err)
		checkpoints, err := k.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}

	k.Close()
}

func TestConcurrentDeleteOldCheckpoints(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	keep := 16
	k, err := NewKVDB(Config{Path: dir, Keep: keep})
	require.NoError(t, err)

	numCheckpoints := 32
	for i := 0; i < numCheckpoints; i++ {
		err = k.MakeCheckpoint()
		require.NoError(t, err)
		wg := sync.WaitGroup{}
		n := 10
		wg.Add(n)
		for j := 0; j < n; j++ {
			go func() {
				err := k.DeleteOldCheckpoints()
				require.NoError(t, err)
				checkpoints, err := k.ListCheckpoints()
				require.NoError(t, err)
				assert.LessOrEqual(t, len(checkpoints), keep)
				wg.Done()
			}()
			_, err := k.ListCheckpoints()
			// only checking here for absence of errors, not the count of checkpoints
			require.NoError(t, err)
		}
		wg.Wait()
		checkpoints, err := k.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}

	k.Close()
}

func TestResetFromBadCheckpoint(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	k, err := NewKVDB(Config{Path: dir, Keep: 16})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, k.MakeCheckpoint())
	}

	// reset from a checkpoint that doesn't exist
	err = k.Reset(10)
	require.Error(t, err)

	k.Close()
}
