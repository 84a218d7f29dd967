package api

import (
	"fmt"
	"math/big"
	"net/http"

	"forest-sequencer/busqueue"
	"forest-sequencer/common"
	"forest-sequencer/state"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

type queueAPI struct {
	ID             common.QueueID `json:"id"`
	State          string         `json:"state"`
	Capacity       uint32         `json:"capacity"`
	FillCount      uint32         `json:"fillCount"`
	OpenedAt       common.Tick    `json:"openedAt"`
	ParamsVersion  uint32         `json:"paramsVersion"`
	Commitment     string         `json:"commitment"`
	EscrowedReward string         `json:"escrowedReward"`
	// Reward is what onboarding the queue pays at the current tick
	Reward string `json:"reward,omitempty"`
}

func newQueueAPI(q *busqueue.Queue) queueAPI {
	return queueAPI{
		ID:             q.ID,
		State:          q.State.String(),
		Capacity:       q.Capacity,
		FillCount:      q.FillCount,
		OpenedAt:       q.OpenedAt,
		ParamsVersion:  q.ParamsVersion,
		Commitment:     bigString(q.Commitment),
		EscrowedReward: bigString(q.EscrowedReward),
	}
}

var queueStates = map[string]busqueue.State{
	busqueue.StateOpen.String():      busqueue.StateOpen,
	busqueue.StatePending.String():   busqueue.StatePending,
	busqueue.StateOnboarded.String(): busqueue.StateOnboarded,
}

func (a *API) getQueues(c *gin.Context) {
	var filter *busqueue.State
	if s := c.Query("state"); s != "" {
		st, ok := queueStates[s]
		if !ok {
			retBadRequest(c, fmt.Errorf("state: unknown queue state %q", s))
			return
		}
		filter = &st
	}
	var queues []queueAPI
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		for _, q := range s.Queues(filter) {
			queues = append(queues, newQueueAPI(q))
		}
	}); err != nil {
		retError(c, "error reading queues", err)
		return
	}
	successResponse(c, http.StatusOK, "queues", queues)
}

func (a *API) getQueue(c *gin.Context) {
	id, err := parseUintParam(c, "id", 32)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	var resp queueAPI
	var readErr error
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		q, err := s.Queue(common.QueueID(id))
		if err != nil {
			readErr = err
			return
		}
		resp = newQueueAPI(q)
		if q.State == busqueue.StateOnboarded {
			return
		}
		reward, err := s.Reward(q.ID)
		if err != nil {
			readErr = err
			return
		}
		resp.Reward = reward.String()
	}); err != nil {
		retError(c, "error reading queue", err)
		return
	}
	if readErr != nil {
		retError(c, "error reading queue", readErr)
		return
	}
	successResponse(c, http.StatusOK, "queue", resp)
}

type onboardRequest struct {
	Leaves            []string          `json:"leaves" validate:"required"`
	ExpectedBatchRoot string            `json:"expectedBatchRoot"`
	Onboarder         ethCommon.Address `json:"onboarder"`
}

type onboardResponse struct {
	Tick           common.Tick    `json:"tick"`
	QueueID        common.QueueID `json:"queueId"`
	BatchRoot      string         `json:"batchRoot"`
	FirstLeafIndex uint64         `json:"firstLeafIndex"`
	BusRoot        string         `json:"busRoot"`
	Reward         string         `json:"reward"`
	Forest         *forestRootAPI `json:"forest,omitempty"`
}

func (a *API) postOnboard(c *gin.Context) {
	id, err := parseUintParam(c, "id", 32)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	var req onboardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadRequest(c, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		retBadRequest(c, err)
		return
	}
	leaves, err := parseBigInts("leaves", req.Leaves)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	var expected *big.Int
	if req.ExpectedBatchRoot != "" {
		if expected, err = parseBigInt("expectedBatchRoot", req.ExpectedBatchRoot); err != nil {
			retBadRequest(c, err)
			return
		}
	}
	out, err := a.coord.Onboard(c.Request.Context(), common.QueueID(id), leaves, expected, req.Onboarder)
	if err != nil {
		retError(c, "onboarding rejected", err)
		return
	}
	resp := onboardResponse{
		Tick:    out.Tick,
		QueueID: common.QueueID(id),
		Forest:  newForestRootAPI(out.Forest),
	}
	for _, e := range out.Events {
		if batch, ok := e.(*common.BatchCommitted); ok {
			resp.BatchRoot = bigString(batch.BatchRoot)
			resp.FirstLeafIndex = batch.FirstLeafIndex
			resp.BusRoot = bigString(batch.NewBusRoot)
			resp.Reward = bigString(batch.Reward)
		}
	}
	successResponse(c, http.StatusOK, "queue onboarded", resp)
}

type queuedLeafAPI struct {
	Tick         common.Tick `json:"tick"`
	IndexInQueue uint32      `json:"indexInQueue"`
	Leaf         string      `json:"leaf"`
	Reward       string      `json:"reward"`
}

// getQueueLeaves serves the leaves an onboarder must supply
func (a *API) getQueueLeaves(c *gin.Context) {
	id, err := parseUintParam(c, "id", 32)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	if a.historyDB == nil {
		retError(c, "queue leaves not available", errHistoryDisabled)
		return
	}
	leaves, err := a.historyDB.GetQueueLeaves(common.QueueID(id))
	if err != nil {
		retError(c, "error reading queue leaves", err)
		return
	}
	resp := make([]queuedLeafAPI, len(leaves))
	for i, l := range leaves {
		resp[i] = queuedLeafAPI{
			Tick:         l.Tick,
			IndexInQueue: l.IndexInQueue,
			Leaf:         bigString(l.Leaf),
			Reward:       bigString(l.Reward),
		}
	}
	successResponse(c, http.StatusOK, "queue leaves", resp)
}
