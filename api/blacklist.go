package api

import (
	"errors"
	"fmt"
	"net/http"

	"forest-sequencer/blacklist"
	"forest-sequencer/common"
	"github.com/gin-gonic/gin"
)

var errMirrorOutOfSync = errors.New("blacklist mirror does not match the registry root")

type flagRequest struct {
	ID          uint64   `json:"id"`
	Action      string   `json:"action" validate:"required,oneof=add remove"`
	CurrentLeaf string   `json:"currentLeaf" validate:"required"`
	Proof       []string `json:"proof" validate:"required"`
}

type flagResponse struct {
	Tick          common.Tick    `json:"tick"`
	ID            uint64         `json:"id"`
	Added         bool           `json:"added"`
	LeafIndex     uint64         `json:"leafIndex"`
	NewLeaf       string         `json:"newLeaf"`
	BlacklistRoot string         `json:"blacklistRoot"`
	Forest        *forestRootAPI `json:"forest,omitempty"`
}

func (a *API) postFlag(c *gin.Context) {
	var req flagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadRequest(c, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		retBadRequest(c, err)
		return
	}
	action := blacklist.ActionAdd
	if req.Action == blacklist.ActionRemove.String() {
		action = blacklist.ActionRemove
	}
	leaf, err := parseBigInt("currentLeaf", req.CurrentLeaf)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	proof, err := parseBigInts("proof", req.Proof)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	out, err := a.coord.SetFlag(c.Request.Context(), req.ID, action, leaf, proof)
	if err != nil {
		retError(c, "flag update rejected", err)
		return
	}
	resp := flagResponse{Tick: out.Tick, ID: req.ID, Forest: newForestRootAPI(out.Forest)}
	for _, e := range out.Events {
		if update, ok := e.(*common.BlacklistRootUpdated); ok {
			resp.Added = update.Added
			resp.LeafIndex = update.LeafIndex
			resp.NewLeaf = bigString(update.NewLeaf)
			resp.BlacklistRoot = bigString(update.NewRoot)
		}
	}
	successResponse(c, http.StatusOK, fmt.Sprintf("flag %s applied", action), resp)
}

type flagProofAPI struct {
	ID          uint64   `json:"id"`
	Flagged     bool     `json:"flagged"`
	CurrentLeaf string   `json:"currentLeaf"`
	Proof       []string `json:"proof"`
	Root        string   `json:"root"`
}

// getFlag serves the current leaf and proof a SetFlag of id needs
func (a *API) getFlag(c *gin.Context) {
	id, err := parseUintParam(c, "id", 64)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	if a.mirror == nil {
		retError(c, "blacklist proofs not available", errMirrorDisabled)
		return
	}
	roots, err := a.coord.Roots(c.Request.Context())
	if err != nil {
		retError(c, "error reading roots", err)
		return
	}
	leaf, proof, flagged, err := a.mirror.Proof(id)
	if err != nil {
		retError(c, "error building proof", err)
		return
	}
	// the mirror trails the registry while a toggle is being pushed
	if root := a.mirror.Root(); root.Cmp(roots.Blacklist) != 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"message": "blacklist proof not available",
			"error":   errMirrorOutOfSync.Error(),
		})
		return
	}
	successResponse(c, http.StatusOK, "blacklist flag", flagProofAPI{
		ID:          id,
		Flagged:     flagged,
		CurrentLeaf: bigString(leaf),
		Proof:       bigStrings(proof),
		Root:        bigString(roots.Blacklist),
	})
}
