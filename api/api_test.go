package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"forest-sequencer/busqueue"
	"forest-sequencer/bustree"
	"forest-sequencer/common"
	"forest-sequencer/coordinator"
	"forest-sequencer/database/statedb"
	"forest-sequencer/hasher"
	"forest-sequencer/log"
	"forest-sequencer/state"
	"forest-sequencer/tree"
	"forest-sequencer/txnote"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
	gin.SetMode(gin.TestMode)
}

type testResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Class   string          `json:"class"`
}

type testServer struct {
	t      *testing.T
	engine *gin.Engine
	coord  *coordinator.Coordinator
	cfg    state.Config
}

func testStateConfig() state.Config {
	return state.Config{
		Hasher:         hasher.Poseidon{},
		TaxiDepth:      1,
		Bus:            bustree.Config{Depth: 6, QueueDepth: 1, BranchDepth: 1},
		BlacklistDepth: 4,
		ForestRingSize: 4,
		InitialParams: busqueue.RewardParams{
			ReservationRate: big.NewInt(1),
			PremiumRate:     big.NewInt(0),
		},
		InitialReleaseRate: big.NewInt(100),
	}
}

func newTestServer(t *testing.T) *testServer {
	cfg := testStateConfig()
	sdb, err := statedb.NewStateDB(statedb.Config{Meta: cfg.Meta()})
	require.NoError(t, err)
	s, initEvents, err := state.NewState(cfg, sdb)
	require.NoError(t, err)
	mirror, err := coordinator.NewMirrorSink(cfg.Hasher, cfg.BlacklistDepth)
	require.NoError(t, err)
	coord := coordinator.NewCoordinator(coordinator.Config{}, s,
		[]coordinator.EventSink{mirror}, initEvents)
	coord.Start()
	t.Cleanup(coord.Stop)

	engine := gin.New()
	_, err = NewAPI(Config{
		Server:      engine,
		Coordinator: coord,
		Mirror:      mirror,
		Metrics:     true,
	})
	require.NoError(t, err)
	return &testServer{t: t, engine: engine, coord: coord, cfg: cfg}
}

func (ts *testServer) do(method, path string, body interface{}) (int, *testResponse) {
	var b []byte
	if body != nil {
		var err error
		b, err = json.Marshal(body)
		require.NoError(ts.t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	var resp testResponse
	require.NoError(ts.t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, &resp
}

func (ts *testServer) data(resp *testResponse, v interface{}) {
	require.NoError(ts.t, json.Unmarshal(resp.Data, v))
}

func activation(commitment int64, taxi bool) submitRequest {
	return submitRequest{
		TxType: uint16(txnote.TxZAccountActivation),
		Utxos: []utxoRequest{{
			Commitment:   fmt.Sprint(commitment),
			EphemeralKey: []byte{1, 2, 3},
			Reward:       "2",
		}},
		Taxi: taxi,
	}
}

func TestRootsMatchState(t *testing.T) {
	ts := newTestServer(t)
	code, resp := ts.do(http.MethodGet, "/v1/roots", nil)
	require.Equal(t, http.StatusOK, code)
	var roots rootsAPI
	ts.data(resp, &roots)

	expected, err := ts.coord.Roots(context.Background())
	require.NoError(t, err)
	assert.Equal(t, expected.Forest.String(), roots.Forest)
	assert.Equal(t, expected.Taxi.String(), roots.Taxi)
	assert.Equal(t, uint64(0), roots.CacheIndex)
}

func TestSubmitUtxos(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodPost, "/v1/utxos", activation(7, true))
	require.Equal(t, http.StatusOK, code, resp.Error)
	var sub submitResponse
	ts.data(resp, &sub)
	require.Len(t, sub.Utxos, 1)
	assert.True(t, sub.Utxos[0].Taxi)
	require.NotNil(t, sub.Forest)
	assert.Equal(t, uint64(1), sub.Forest.CacheIndex)
	encodedLen, err := txnote.EncodedLen(txnote.TxZAccountActivation)
	require.NoError(t, err)
	assert.Len(t, sub.Note, encodedLen)

	// the forest root returned is the one served by the ring
	code, resp = ts.do(http.MethodGet, "/v1/forest/roots/1", nil)
	require.Equal(t, http.StatusOK, code)
	var root forestRootAPI
	ts.data(resp, &root)
	assert.Equal(t, sub.Forest.Root, root.Root)

	code, resp = ts.do(http.MethodGet, "/v1/forest/known/"+root.Root, nil)
	require.Equal(t, http.StatusOK, code)
	var known struct {
		Known bool `json:"known"`
	}
	ts.data(resp, &known)
	assert.True(t, known.Known)

	// taxi of depth 1 takes two leaves, the third goes to the bus
	code, _ = ts.do(http.MethodPost, "/v1/utxos", activation(8, true))
	require.Equal(t, http.StatusOK, code)
	code, resp = ts.do(http.MethodPost, "/v1/utxos", activation(9, true))
	require.Equal(t, http.StatusOK, code)
	ts.data(resp, &sub)
	assert.False(t, sub.Utxos[0].Taxi)
	assert.Nil(t, sub.Forest)
}

func TestSubmitRejected(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodPost, "/v1/utxos", map[string]interface{}{"txType": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, resp.Error)

	req := activation(7, true)
	req.Utxos[0].Commitment = common.FieldModulus.String()
	code, resp = ts.do(http.MethodPost, "/v1/utxos", req)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(common.ClassIntegrity), resp.Class)

	req = activation(7, true)
	req.TxType = 0x7f
	code, _ = ts.do(http.MethodPost, "/v1/utxos", req)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
}

func TestOnboardQueue(t *testing.T) {
	ts := newTestServer(t)

	leaves := []string{"11", "12"}
	for _, l := range leaves {
		var n int64
		_, err := fmt.Sscan(l, &n)
		require.NoError(t, err)
		code, _ := ts.do(http.MethodPost, "/v1/utxos", activation(n, false))
		require.Equal(t, http.StatusOK, code)
	}
	code, resp := ts.do(http.MethodGet, "/v1/queues?state=pending", nil)
	require.Equal(t, http.StatusOK, code)
	var queues []queueAPI
	ts.data(resp, &queues)
	require.Len(t, queues, 1)
	assert.Equal(t, common.QueueID(0), queues[0].ID)
	assert.Equal(t, "4", queues[0].EscrowedReward)

	code, resp = ts.do(http.MethodGet, "/v1/queues/0", nil)
	require.Equal(t, http.StatusOK, code)
	var q queueAPI
	ts.data(resp, &q)
	assert.Equal(t, "pending", q.State)
	assert.Equal(t, "4", q.Reward)

	zeros, err := tree.Zeros(ts.cfg.Hasher, ts.cfg.Bus.QueueDepth, common.ZeroLeaf)
	require.NoError(t, err)
	batchRoot, err := tree.SubtreeRoot(ts.cfg.Hasher, zeros,
		[]*big.Int{big.NewInt(11), big.NewInt(12)})
	require.NoError(t, err)

	code, resp = ts.do(http.MethodPost, "/v1/queues/0/onboard", onboardRequest{
		Leaves:            []string{"11", "13"},
		ExpectedBatchRoot: batchRoot.String(),
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, string(common.ClassIntegrity), resp.Class)

	code, resp = ts.do(http.MethodPost, "/v1/queues/0/onboard", onboardRequest{
		Leaves:            leaves,
		ExpectedBatchRoot: batchRoot.String(),
	})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var onboarded onboardResponse
	ts.data(resp, &onboarded)
	assert.Equal(t, batchRoot.String(), onboarded.BatchRoot)
	assert.Equal(t, "4", onboarded.Reward)

	// replay
	code, resp = ts.do(http.MethodPost, "/v1/queues/0/onboard", onboardRequest{Leaves: leaves})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, string(common.ClassReplay), resp.Class)

	code, _ = ts.do(http.MethodGet, "/v1/queues/42", nil)
	assert.Equal(t, http.StatusNotFound, code)

	// no history database
	code, _ = ts.do(http.MethodGet, "/v1/queues/0/leaves", nil)
	assert.Equal(t, http.StatusNotImplemented, code)
}

func TestBlacklistFlag(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodGet, "/v1/blacklist/300", nil)
	require.Equal(t, http.StatusOK, code)
	var proof flagProofAPI
	ts.data(resp, &proof)
	assert.False(t, proof.Flagged)
	assert.Len(t, proof.Proof, ts.cfg.BlacklistDepth)

	code, resp = ts.do(http.MethodPost, "/v1/blacklist", flagRequest{
		ID: 300, Action: "add", CurrentLeaf: proof.CurrentLeaf, Proof: proof.Proof,
	})
	require.Equal(t, http.StatusOK, code, resp.Error)
	var flagged flagResponse
	ts.data(resp, &flagged)
	assert.True(t, flagged.Added)

	// the old proof no longer authenticates
	code, resp = ts.do(http.MethodPost, "/v1/blacklist", flagRequest{
		ID: 301, Action: "add", CurrentLeaf: proof.CurrentLeaf, Proof: proof.Proof,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, resp = ts.do(http.MethodGet, "/v1/blacklist/300", nil)
	require.Equal(t, http.StatusOK, code)
	ts.data(resp, &proof)
	assert.True(t, proof.Flagged)
	assert.Equal(t, flagged.BlacklistRoot, proof.Root)

	code, resp = ts.do(http.MethodPost, "/v1/blacklist", flagRequest{
		ID: 300, Action: "add", CurrentLeaf: proof.CurrentLeaf, Proof: proof.Proof,
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = ts.do(http.MethodPost, "/v1/blacklist", flagRequest{
		ID: 300, Action: "toggle", CurrentLeaf: proof.CurrentLeaf, Proof: proof.Proof,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// reserved bit
	code, _ = ts.do(http.MethodGet, "/v1/blacklist/255", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRewardsAndReserve(t *testing.T) {
	ts := newTestServer(t)

	code, resp := ts.do(http.MethodPost, "/v1/rewards/reserve/fund", amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, code, resp.Error)
	code, _ = ts.do(http.MethodPost, "/v1/tick", nil)
	require.Equal(t, http.StatusOK, code)

	code, resp = ts.do(http.MethodGet, "/v1/rewards/reserve", nil)
	require.Equal(t, http.StatusOK, code)
	var reserve reserveAPI
	ts.data(resp, &reserve)
	assert.Equal(t, "1000", reserve.Balance)
	assert.Equal(t, "100", reserve.Releasable)

	code, resp = ts.do(http.MethodPut, "/v1/rewards/params", rewardParamsAPI{
		ReservationRate: "3", PremiumRate: "1", MinEmptyQueueAge: 5,
	})
	require.Equal(t, http.StatusOK, code, resp.Error)
	code, resp = ts.do(http.MethodGet, "/v1/rewards/params", nil)
	require.Equal(t, http.StatusOK, code)
	var params []rewardParamsAPI
	ts.data(resp, &params)
	require.Len(t, params, 2)
	assert.Equal(t, "3", params[1].ReservationRate)
	assert.Equal(t, common.Tick(1), params[1].FromTick)

	code, _ = ts.do(http.MethodPut, "/v1/rewards/reserve/rate", amountRequest{Amount: "-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ts.do(http.MethodPut, "/v1/rewards/reserve/rate", amountRequest{Amount: "0x10"})
	assert.Equal(t, http.StatusOK, code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(http.MethodGet, "/v1/roots", nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "api_requests_total")
}
