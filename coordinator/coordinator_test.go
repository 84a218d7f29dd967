package coordinator

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"forest-sequencer/blacklist"
	"forest-sequencer/busqueue"
	"forest-sequencer/bustree"
	"forest-sequencer/common"
	"forest-sequencer/database/statedb"
	"forest-sequencer/hasher"
	"forest-sequencer/log"
	"forest-sequencer/state"
	"forest-sequencer/txnote"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

func testStateConfig() state.Config {
	return state.Config{
		Hasher:         hasher.Poseidon{},
		TaxiDepth:      3,
		Bus:            bustree.Config{Depth: 8, QueueDepth: 2, BranchDepth: 2},
		BlacklistDepth: 4,
		ForestRingSize: 16,
		InitialParams: busqueue.RewardParams{
			ReservationRate: big.NewInt(1),
			PremiumRate:     big.NewInt(0),
		},
		InitialReleaseRate: big.NewInt(0),
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *MemorySink) {
	cfg := testStateConfig()
	sdb, err := statedb.NewStateDB(statedb.Config{Meta: cfg.Meta()})
	require.NoError(t, err)
	s, initEvents, err := state.NewState(cfg, sdb)
	require.NoError(t, err)
	sink := NewMemorySink()
	c := NewCoordinator(Config{}, s, []EventSink{sink}, initEvents)
	c.Start()
	return c, sink
}

func activation(leaf int64) *state.Submission {
	return &state.Submission{
		TxType: txnote.TxZAccountActivation,
		Utxos:  []state.UtxoInput{{Commitment: big.NewInt(leaf), Reward: big.NewInt(1)}},
	}
}

func TestInitEventsPushed(t *testing.T) {
	c, sink := newTestCoordinator(t)
	defer c.Stop()

	// a read is ordered after the init push
	_, err := c.Roots(context.Background())
	require.NoError(t, err)
	events := sink.Events()
	require.Len(t, events, 2)
	assert.Equal(t, common.EventQueueOpened, events[0].Type())
	assert.Equal(t, common.EventForestRootUpdated, events[1].Type())
}

func TestConcurrentOnboardOneWinner(t *testing.T) {
	c, sink := newTestCoordinator(t)
	defer c.Stop()
	ctx := context.Background()

	leaves := []*big.Int{}
	for i := int64(1); i <= 4; i++ {
		_, err := c.SubmitUtxos(ctx, activation(i))
		require.NoError(t, err)
		leaves = append(leaves, big.NewInt(i))
	}

	n := 8
	errs := make([]error, n)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			onboarder := ethCommon.BigToAddress(big.NewInt(int64(i + 1)))
			_, errs[i] = c.Onboard(ctx, 0, leaves, nil, onboarder)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.Equal(t, common.ErrAlreadyOnboarded, common.Unwrap(err))
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, sink.Events(common.EventBatchCommitted), 1)

	roots, err := c.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), roots.BusNextLeafIndex)
}

func TestConcurrentSetFlagOneWinner(t *testing.T) {
	c, sink := newTestCoordinator(t)
	defer c.Stop()
	ctx := context.Background()

	cfg := testStateConfig()
	mirror, err := blacklist.NewMirror(cfg.Hasher, cfg.BlacklistDepth)
	require.NoError(t, err)
	leaf, proof, err := mirror.Proof(10)
	require.NoError(t, err)

	// every toggle uses the proof of the same root, only the first
	// applied matches
	n := 4
	errs := make([]error, n)
	wg := sync.WaitGroup{}
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.SetFlag(ctx, uint64(10+i), blacklist.ActionAdd, leaf, proof)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, common.ErrProofMismatch)
	}
	assert.Equal(t, 1, winners)
	assert.Len(t, sink.Events(common.EventBlacklistRootUpdated), 1)
}

func TestEventsInOrder(t *testing.T) {
	c, sink := newTestCoordinator(t)
	defer c.Stop()
	ctx := context.Background()

	sub := activation(1)
	sub.Taxi = true
	_, err := c.SubmitUtxos(ctx, sub)
	require.NoError(t, err)
	tick, err := c.AdvanceTick(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.Tick(1), tick)
	_, err = c.FundReserve(ctx, big.NewInt(10))
	require.NoError(t, err)
	_, err = c.SubmitUtxos(ctx, activation(2))
	require.NoError(t, err)

	events := sink.Events(common.EventRootUpdated, common.EventLeafQueued, common.EventTxNote)
	require.Len(t, events, 4)
	assert.Equal(t, common.EventRootUpdated, events[0].Type())
	assert.Equal(t, common.EventTxNote, events[1].Type())
	assert.Equal(t, common.EventLeafQueued, events[2].Type())
	assert.Equal(t, common.Tick(1), events[2].AtTick())
	assert.Equal(t, common.EventTxNote, events[3].Type())
}

func TestCancelledContext(t *testing.T) {
	c, _ := newTestCoordinator(t)
	defer c.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// the op may still be ordered when the queue has room, but a
	// cancelled caller never blocks
	_, err := c.Roots(ctx)
	if err != nil {
		assert.True(t, common.IsErrDone(err))
	}

	_, err = c.SubmitUtxos(context.Background(), &state.Submission{TxType: txnote.TxType(0x7f)})
	assert.ErrorIs(t, err, common.ErrUnsupportedTxType)
}

func TestMirrorSinkFollowsSetFlag(t *testing.T) {
	cfg := testStateConfig()
	sdb, err := statedb.NewStateDB(statedb.Config{Meta: cfg.Meta()})
	require.NoError(t, err)
	s, initEvents, err := state.NewState(cfg, sdb)
	require.NoError(t, err)
	mirror, err := NewMirrorSink(cfg.Hasher, cfg.BlacklistDepth)
	require.NoError(t, err)
	sink := NewMemorySink()
	c := NewCoordinator(Config{}, s, []EventSink{mirror, sink}, initEvents)
	c.Start()
	defer c.Stop()
	ctx := context.Background()

	for _, id := range []uint64{5, 6, 700} {
		leaf, proof, flagged, err := mirror.Proof(id)
		require.NoError(t, err)
		assert.False(t, flagged)
		_, err = c.SetFlag(ctx, id, blacklist.ActionAdd, leaf, proof)
		require.NoError(t, err)
	}
	leaf, proof, flagged, err := mirror.Proof(6)
	require.NoError(t, err)
	assert.True(t, flagged)
	_, err = c.SetFlag(ctx, 6, blacklist.ActionRemove, leaf, proof)
	require.NoError(t, err)

	roots, err := c.Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, roots.Blacklist.String(), mirror.Root().String())

	// a mirror rebuilt from the recorded toggles reaches the same root
	var updates []common.BlacklistRootUpdated
	for _, e := range sink.Events(common.EventBlacklistRootUpdated) {
		updates = append(updates, *e.(*common.BlacklistRootUpdated))
	}
	require.Len(t, updates, 4)
	replayed, err := NewMirrorSink(cfg.Hasher, cfg.BlacklistDepth)
	require.NoError(t, err)
	require.NoError(t, replayed.Replay(updates))
	assert.Equal(t, mirror.Root().String(), replayed.Root().String())
}
