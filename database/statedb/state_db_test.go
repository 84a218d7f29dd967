package statedb

import (
	"math/big"
	"os"
	"sync"
	"testing"

	"forest-sequencer/busqueue"
	"forest-sequencer/common"
	"forest-sequencer/database/kvdb"
	"forest-sequencer/hasher"
	"forest-sequencer/log"
	"forest-sequencer/tree"
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

func newTestStateDB(t *testing.T, keep int) *StateDB {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)
	sdb, err := NewStateDB(Config{Path: dir, Keep: keep})
	require.NoError(t, err)
	return sdb
}

func newQueue(id common.QueueID, fill uint32) *busqueue.Queue {
	return &busqueue.Queue{
		ID:             id,
		State:          busqueue.StateOpen,
		Capacity:       4,
		FillCount:      fill,
		OpenedAt:       common.Tick(id),
		ParamsVersion:  1,
		Commitment:     big.NewInt(int64(100 + fill)),
		EscrowedReward: big.NewInt(int64(fill)),
	}
}

func newLayout(t *testing.T, n int) *tree.Layout {
	tr, err := tree.New(hasher.Poseidon{}, 4, common.ZeroLeaf)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := tr.Insert(big.NewInt(int64(i + 1)))
		require.NoError(t, err)
	}
	return tr.Layout()
}

func assertBigEqual(t *testing.T, expected, actual *big.Int) {
	require.NotNil(t, actual)
	assert.Equal(t, expected.String(), actual.String())
}

func assertQueueEqual(t *testing.T, expected, actual *busqueue.Queue) {
	assert.Equal(t, expected.ID, actual.ID)
	assert.Equal(t, expected.State, actual.State)
	assert.Equal(t, expected.FillCount, actual.FillCount)
	assert.Equal(t, expected.OpenedAt, actual.OpenedAt)
	assertBigEqual(t, expected.Commitment, actual.Commitment)
	assertBigEqual(t, expected.EscrowedReward, actual.EscrowedReward)
}

func TestEmptyStateDB(t *testing.T) {
	sdb := newTestStateDB(t, 128)
	snap, err := sdb.Snapshot()
	require.NoError(t, err)
	assert.True(t, snap.Empty())

	_, err = sdb.GetQueue(0)
	assert.Equal(t, common.ErrQueueNotFound, common.Unwrap(err))
	sdb.Close()
}

func TestWriteAndSnapshot(t *testing.T) {
	sdb := newTestStateDB(t, 128)

	openID := common.QueueID(1)
	schedule, err := busqueue.NewParamsSchedule(busqueue.RewardParams{
		ReservationRate: big.NewInt(2), PremiumRate: big.NewInt(3), MinEmptyQueueAge: 5,
	}, 0)
	require.NoError(t, err)
	reserve, err := busqueue.NewReserve(big.NewInt(7), 0)
	require.NoError(t, err)
	require.NoError(t, reserve.Fund(big.NewInt(1000)))

	taxi := newLayout(t, 3)
	changes := &Changes{
		TaxiLayout:    taxi,
		BusLayout:     newLayout(t, 1),
		BlacklistRoot: big.NewInt(42),
		Queues:        []*busqueue.Queue{newQueue(0, 4), newQueue(1, 2)},
		OpenQueueID:   &openID,
		Params:        schedule,
		Reserve:       reserve,
		Forest:        []byte{1, 2, 3},
	}
	require.NoError(t, sdb.Write(changes))

	snap, err := sdb.Snapshot()
	require.NoError(t, err)
	assert.False(t, snap.Empty())
	assert.Equal(t, taxi.NextIndex, snap.TaxiLayout.NextIndex)
	assertBigEqual(t, taxi.Root, snap.TaxiLayout.Root)
	assertBigEqual(t, big.NewInt(42), snap.BlacklistRoot)
	require.NotNil(t, snap.OpenQueueID)
	assert.Equal(t, openID, *snap.OpenQueueID)
	require.Len(t, snap.Queues, 2)
	assertQueueEqual(t, changes.Queues[0], snap.Queues[0])
	assertQueueEqual(t, changes.Queues[1], snap.Queues[1])
	assert.Equal(t, []byte{1, 2, 3}, snap.Forest)
	assert.Equal(t, schedule.Current().Version, snap.Params.Current().Version)
	assertBigEqual(t, big.NewInt(1000), snap.Reserve.Balance)

	// partial write leaves other keys untouched
	q := newQueue(1, 3)
	require.NoError(t, sdb.Write(&Changes{Queues: []*busqueue.Queue{q}}))
	got, err := sdb.GetQueue(1)
	require.NoError(t, err)
	assertQueueEqual(t, q, got)
	snap, err = sdb.Snapshot()
	require.NoError(t, err)
	assertBigEqual(t, big.NewInt(42), snap.BlacklistRoot)

	sdb.Close()
}

func TestInMemoryStateDB(t *testing.T) {
	sdb, err := NewStateDB(Config{Meta: []byte("poseidon")})
	require.NoError(t, err)

	require.NoError(t, sdb.Write(&Changes{BlacklistRoot: big.NewInt(9)}))
	snap, err := sdb.Snapshot()
	require.NoError(t, err)
	assertBigEqual(t, big.NewInt(9), snap.BlacklistRoot)

	require.NoError(t, sdb.MakeCheckpoint())
	assert.Equal(t, common.Tick(1), sdb.CurrentTick())
	assert.Equal(t, ErrInMemory, common.Unwrap(sdb.Reset(0)))
	_, err = sdb.LastGetSnapshot()
	assert.Equal(t, kvdb.ErrNoLast, common.Unwrap(err))
	sdb.Close()
}

func TestMetaMismatch(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	sdb, err := NewStateDB(Config{Path: dir, Keep: 128, Meta: []byte("poseidon/8/32")})
	require.NoError(t, err)
	require.NoError(t, sdb.MakeCheckpoint())
	sdb.Close()

	sdb, err = NewStateDB(Config{Path: dir, Keep: 128, Meta: []byte("poseidon/8/32")})
	require.NoError(t, err)
	sdb.Close()

	_, err = NewStateDB(Config{Path: dir, Keep: 128, Meta: []byte("mimc/8/32")})
	assert.ErrorIs(t, err, ErrMetaMismatch)
}

func TestNewStateDBIntermediateState(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpdb")
	require.NoError(t, err)
	deleteme = append(deleteme, dir)

	sdb, err := NewStateDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)

	// write, checkpoint, write again without checkpoint and reopen: the
	// state is the one of the checkpoint
	q0 := newQueue(0, 1)
	require.NoError(t, sdb.Write(&Changes{Queues: []*busqueue.Queue{q0}}))
	require.NoError(t, sdb.MakeCheckpoint())
	assert.Equal(t, common.Tick(1), sdb.CurrentTick())

	require.NoError(t, sdb.Write(&Changes{Queues: []*busqueue.Queue{newQueue(0, 2)}}))
	got, err := sdb.GetQueue(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.FillCount)

	// last only sees the checkpoint
	got, err = sdb.LastGetQueue(0)
	require.NoError(t, err)
	assertQueueEqual(t, q0, got)

	sdb.Close()

	sdb, err = NewStateDB(Config{Path: dir, Keep: 128})
	require.NoError(t, err)
	assert.Equal(t, common.Tick(1), sdb.CurrentTick())
	got, err = sdb.GetQueue(0)
	require.NoError(t, err)
	assertQueueEqual(t, q0, got)

	snap, err := sdb.LastGetSnapshot()
	require.NoError(t, err)
	require.Len(t, snap.Queues, 1)
	sdb.Close()
}

func TestListCheckpoints(t *testing.T) {
	sdb := newTestStateDB(t, 128)

	numCheckpoints := 16
	// do checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err := sdb.MakeCheckpoint()
		require.NoError(t, err)
	}
	list, err := sdb.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numCheckpoints, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numCheckpoints, list[len(list)-1])

	numReset := 10
	err = sdb.Reset(common.Tick(numReset))
	require.NoError(t, err)
	list, err = sdb.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, numReset, len(list))
	assert.Equal(t, 1, list[0])
	assert.Equal(t, numReset, list[len(list)-1])

	sdb.Close()
}

func TestDeleteOldCheckpoints(t *testing.T) {
	keep := 16
	sdb := newTestStateDB(t, keep)

	numCheckpoints := 32
	// do checkpoints and check that we never have more than `keep`
	// checkpoints
	for i := 0; i < numCheckpoints; i++ {
		err := sdb.MakeCheckpoint()
		require.NoError(t, err)
		err = sdb.DeleteOldCheckpoints()
		require.NoError(t, err)
		checkpoints, err := sdb.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}

	sdb.Close()
}

func TestConcurrentDeleteOldCheckpoints(t *testing.T) {
	keep := 16
	sdb := newTestStateDB(t, keep)

	numCheckpoints := 32
	for i := 0; i < numCheckpoints; i++ {
		err := sdb.MakeCheckpoint()
		require.NoError(t, err)
		wg := sync.WaitGroup{}
		n := 10
		wg.Add(n)
		for j := 0; j < n; j++ {
			go func() {
				err := sdb.DeleteOldCheckpoints()
				require.NoError(t, err)
				checkpoints, err := sdb.ListCheckpoints()
				require.NoError(t, err)
				assert.LessOrEqual(t, len(checkpoints), keep)
				wg.Done()
			}()
			_, err := sdb.ListCheckpoints()
			// only checking here for absence of errors, not the count of checkpoints
			require.NoError(t, err)
		}
		wg.Wait()
		checkpoints, err := sdb.ListCheckpoints()
		require.NoError(t, err)
		assert.LessOrEqual(t, len(checkpoints), keep)
	}

	sdb.Close()
}

func TestResetFromBadCheckpoint(t *testing.T) {
	sdb := newTestStateDB(t, 16)

	for i := 0; i < 3; i++ {
		require.NoError(t, sdb.MakeCheckpoint())
	}

	// reset from a checkpoint that doesn't exist
	err := sdb.Reset(10)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCheckpoint)

	// the db is still open at its current tick
	assert.Equal(t, common.Tick(3), sdb.CurrentTick())
	require.NoError(t, sdb.MakeCheckpoint())
	assert.Equal(t, common.Tick(4), sdb.CurrentTick())
	require.NoError(t, sdb.Reset(2))
	assert.Equal(t, common.Tick(2), sdb.CurrentTick())

	sdb.Close()
}
