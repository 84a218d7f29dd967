package api

import (
	"math/big"
	"net/http"

	"forest-sequencer/busqueue"
	"forest-sequencer/common"
	"forest-sequencer/state"
	"github.com/gin-gonic/gin"
)

type rewardParamsAPI struct {
	ReservationRate  string      `json:"reservationRate" validate:"required"`
	PremiumRate      string      `json:"premiumRate" validate:"required"`
	MinEmptyQueueAge uint64      `json:"minEmptyQueueAge"`
	FromTick         common.Tick `json:"fromTick"`
	Version          uint32      `json:"version"`
}

func (a *API) getParams(c *gin.Context) {
	var resp []rewardParamsAPI
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		for _, cp := range s.Params().Checkpoints() {
			resp = append(resp, rewardParamsAPI{
				ReservationRate:  bigString(cp.Params.ReservationRate),
				PremiumRate:      bigString(cp.Params.PremiumRate),
				MinEmptyQueueAge: cp.Params.MinEmptyQueueAge,
				FromTick:         cp.FromTick,
				Version:          cp.Version,
			})
		}
	}); err != nil {
		retError(c, "error reading reward params", err)
		return
	}
	successResponse(c, http.StatusOK, "reward params", resp)
}

func (a *API) putParams(c *gin.Context) {
	var req rewardParamsAPI
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadRequest(c, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		retBadRequest(c, err)
		return
	}
	reservation, err := parseBigInt("reservationRate", req.ReservationRate)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	premium, err := parseBigInt("premiumRate", req.PremiumRate)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	out, err := a.coord.UpdateRewardParams(c.Request.Context(), busqueue.RewardParams{
		ReservationRate:  reservation,
		PremiumRate:      premium,
		MinEmptyQueueAge: req.MinEmptyQueueAge,
	})
	if err != nil {
		retError(c, "reward params rejected", err)
		return
	}
	successResponse(c, http.StatusOK, "reward params updated", gin.H{"tick": out.Tick})
}

type reserveAPI struct {
	Balance    string `json:"balance"`
	Released   string `json:"released"`
	Releasable string `json:"releasable"`
}

func (a *API) getReserve(c *gin.Context) {
	var resp reserveAPI
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		r := s.Reserve()
		resp = reserveAPI{
			Balance:    bigString(r.Balance),
			Released:   bigString(r.Released),
			Releasable: bigString(r.Releasable(s.Tick())),
		}
	}); err != nil {
		retError(c, "error reading reserve", err)
		return
	}
	successResponse(c, http.StatusOK, "reserve", resp)
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (a *API) bindAmount(c *gin.Context) (*big.Int, bool) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadRequest(c, err)
		return nil, false
	}
	if err := a.validate.Struct(req); err != nil {
		retBadRequest(c, err)
		return nil, false
	}
	amount, err := parseBigInt("amount", req.Amount)
	if err != nil {
		retBadRequest(c, err)
		return nil, false
	}
	return amount, true
}

func (a *API) putReleaseRate(c *gin.Context) {
	rate, ok := a.bindAmount(c)
	if !ok {
		return
	}
	out, err := a.coord.UpdateReleaseRate(c.Request.Context(), rate)
	if err != nil {
		retError(c, "release rate rejected", err)
		return
	}
	successResponse(c, http.StatusOK, "release rate updated", gin.H{"tick": out.Tick})
}

func (a *API) postFund(c *gin.Context) {
	amount, ok := a.bindAmount(c)
	if !ok {
		return
	}
	out, err := a.coord.FundReserve(c.Request.Context(), amount)
	if err != nil {
		retError(c, "funding rejected", err)
		return
	}
	successResponse(c, http.StatusOK, "reserve funded", gin.H{"tick": out.Tick})
}
