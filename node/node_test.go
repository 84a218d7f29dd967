package node

import (
	"context"
	"math/big"
	"os"
	"testing"
	"time"

	"forest-sequencer/common"
	"forest-sequencer/config"
	"forest-sequencer/database/statedb"
	"forest-sequencer/state"
	"forest-sequencer/txnote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNodeConfig(t *testing.T) *config.Node {
	cfg, err := config.LoadNode("", "")
	require.NoError(t, err)
	cfg.StateDB.Path = ""
	cfg.API.Address = ""
	cfg.PostgreSQL.Enabled = false
	cfg.Coordinator.TickInterval.Duration = 0
	cfg.Forest.TaxiDepth = 2
	cfg.Forest.BusDepth = 6
	cfg.Forest.QueueDepth = 2
	cfg.Forest.BranchDepth = 2
	cfg.Forest.BlacklistDepth = 4
	return cfg
}

func TestStateConfig(t *testing.T) {
	cfg := testNodeConfig(t)
	stateCfg, err := StateConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "poseidon", stateCfg.Hasher.Name())
	assert.Equal(t, 6, stateCfg.Bus.Depth)

	cfg.Forest.QueueDepth = 6
	_, err = StateConfig(cfg)
	assert.Equal(t, common.ClassEligibility, common.ClassOf(err))

	cfg = testNodeConfig(t)
	cfg.Forest.Hasher = "sha256"
	_, err = StateConfig(cfg)
	assert.Error(t, err)
}

func TestNodeInMemory(t *testing.T) {
	n, err := NewNode(testNodeConfig(t), "test")
	require.NoError(t, err)
	n.Start()
	defer n.Stop()

	ctx := context.Background()
	out, err := n.Coordinator().SubmitUtxos(ctx, &state.Submission{
		TxType: txnote.TxZAccountActivation,
		Utxos:  []state.UtxoInput{{Commitment: big.NewInt(5), Reward: big.NewInt(0)}},
		Taxi:   true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.Forest)
	roots, err := n.Coordinator().Roots(ctx)
	require.NoError(t, err)
	assert.Equal(t, out.Forest.Root.String(), roots.Forest.String())
	assert.Equal(t, uint64(1), roots.TaxiNextIndex)
}

func TestNodeReopensStateDB(t *testing.T) {
	dir, err := os.MkdirTemp("", "tmpnode")
	require.NoError(t, err)
	defer func() { assert.NoError(t, os.RemoveAll(dir)) }()

	cfg := testNodeConfig(t)
	cfg.StateDB.Path = dir
	n, err := NewNode(cfg, "test")
	require.NoError(t, err)
	n.Start()
	ctx := context.Background()
	_, err = n.Coordinator().SubmitUtxos(ctx, &state.Submission{
		TxType: txnote.TxZAccountActivation,
		Utxos:  []state.UtxoInput{{Commitment: big.NewInt(5), Reward: big.NewInt(0)}},
		Taxi:   true,
	})
	require.NoError(t, err)
	_, err = n.Coordinator().AdvanceTick(ctx)
	require.NoError(t, err)
	before, err := n.Coordinator().Roots(ctx)
	require.NoError(t, err)
	n.Stop()

	n, err = NewNode(cfg, "test")
	require.NoError(t, err)
	n.Start()
	after, err := n.Coordinator().Roots(ctx)
	require.NoError(t, err)
	n.Stop()
	assert.Equal(t, before.Forest.String(), after.Forest.String())
	assert.Equal(t, before.Tick, after.Tick)

	// a different tree shape can not open the same StateDB
	cfg.Forest.TaxiDepth = 3
	_, err = NewNode(cfg, "test")
	assert.ErrorIs(t, err, statedb.ErrMetaMismatch)
}

func TestNodeAPIRunStops(t *testing.T) {
	cfg := testNodeConfig(t)
	cfg.API.Address = "127.0.0.1:0"
	n, err := NewNode(cfg, "test")
	require.NoError(t, err)
	require.NotNil(t, n.nodeAPI)
	n.Start()
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		n.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		t.Fatal("node did not stop")
	}
}
