package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"forest-sequencer/common"
	"forest-sequencer/state"
	"forest-sequencer/txnote"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
)

type rootsAPI struct {
	Tick             common.Tick    `json:"tick"`
	Taxi             string         `json:"taxiRoot"`
	Bus              string         `json:"busRoot"`
	Blacklist        string         `json:"blacklistRoot"`
	Forest           string         `json:"forestRoot"`
	CacheIndex       uint64         `json:"cacheIndex"`
	TaxiNextIndex    uint64         `json:"taxiNextIndex"`
	BusNextLeafIndex uint64         `json:"busNextLeafIndex"`
	OpenQueueID      common.QueueID `json:"openQueueId"`
}

func newRootsAPI(r *state.Roots) *rootsAPI {
	return &rootsAPI{
		Tick:             r.Tick,
		Taxi:             bigString(r.Taxi),
		Bus:              bigString(r.Bus),
		Blacklist:        bigString(r.Blacklist),
		Forest:           bigString(r.Forest),
		CacheIndex:       r.CacheIndex,
		TaxiNextIndex:    r.TaxiNextIndex,
		BusNextLeafIndex: r.BusNextLeafIndex,
		OpenQueueID:      r.OpenQueueID,
	}
}

type forestRootAPI struct {
	// Tick is only known for roots read from the history
	Tick       *common.Tick `json:"tick,omitempty"`
	CacheIndex uint64       `json:"cacheIndex"`
	Root       string       `json:"root"`
}

func newForestRootAPI(e *common.ForestRootUpdated) *forestRootAPI {
	if e == nil {
		return nil
	}
	tick := e.Tick
	return &forestRootAPI{Tick: &tick, CacheIndex: e.CacheIndex, Root: bigString(e.Root)}
}

type utxoRequest struct {
	Commitment   string        `json:"commitment" validate:"required"`
	EphemeralKey hexutil.Bytes `json:"ephemeralKey"`
	Ciphertext   hexutil.Bytes `json:"ciphertext"`
	Reward       string        `json:"reward"`
}

type submitRequest struct {
	TxType    uint16        `json:"txType" validate:"required"`
	SpendTime uint32        `json:"spendTime"`
	Utxos     []utxoRequest `json:"utxos" validate:"required,dive"`
	Amounts   []string      `json:"amounts"`
	Taxi      bool          `json:"taxi"`
}

func (r *submitRequest) submission() (*state.Submission, error) {
	sub := &state.Submission{
		TxType:    txnote.TxType(r.TxType),
		SpendTime: r.SpendTime,
		Utxos:     make([]state.UtxoInput, len(r.Utxos)),
		Taxi:      r.Taxi,
	}
	for i, u := range r.Utxos {
		commitment, err := parseBigInt(fmt.Sprintf("utxos[%d].commitment", i), u.Commitment)
		if err != nil {
			return nil, common.Wrap(err)
		}
		reward := new(big.Int)
		if u.Reward != "" {
			if reward, err = parseBigInt(fmt.Sprintf("utxos[%d].reward", i), u.Reward); err != nil {
				return nil, common.Wrap(err)
			}
		}
		if len(u.EphemeralKey) > txnote.EphemeralKeyLen || len(u.Ciphertext) > txnote.CiphertextLen {
			return nil, common.Wrap(fmt.Errorf("utxos[%d]: cipher is too long", i))
		}
		var cipher txnote.Cipher
		copy(cipher.EphemeralKey[:], u.EphemeralKey)
		copy(cipher.Ciphertext[:], u.Ciphertext)
		sub.Utxos[i] = state.UtxoInput{Commitment: commitment, Cipher: cipher, Reward: reward}
	}
	amounts, err := parseBigInts("amounts", r.Amounts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	sub.Amounts = amounts
	return sub, nil
}

type placementAPI struct {
	Commitment   string `json:"commitment"`
	QueueID      uint32 `json:"queueId"`
	IndexInQueue uint8  `json:"indexInQueue"`
	Taxi         bool   `json:"taxi"`
}

type submitResponse struct {
	Tick   common.Tick    `json:"tick"`
	Note   hexutil.Bytes  `json:"note"`
	Utxos  []placementAPI `json:"utxos"`
	Forest *forestRootAPI `json:"forest,omitempty"`
}

func (a *API) postUtxos(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		retBadRequest(c, err)
		return
	}
	if err := a.validate.Struct(req); err != nil {
		retBadRequest(c, err)
		return
	}
	sub, err := req.submission()
	if err != nil {
		retBadRequest(c, err)
		return
	}
	out, err := a.coord.SubmitUtxos(c.Request.Context(), sub)
	if err != nil {
		retError(c, "utxos rejected", err)
		return
	}
	resp := submitResponse{
		Tick:   out.Tick,
		Note:   out.Note,
		Utxos:  make([]placementAPI, len(out.Utxos)),
		Forest: newForestRootAPI(out.Forest),
	}
	for i, u := range out.Utxos {
		resp.Utxos[i] = placementAPI{
			Commitment:   bigString(u.Commitment),
			QueueID:      u.QueueID,
			IndexInQueue: u.IndexInQueue,
			Taxi:         u.QueueID == txnote.TaxiQueueID,
		}
	}
	successResponse(c, http.StatusOK, "utxos accepted", resp)
}

func (a *API) postTick(c *gin.Context) {
	tick, err := a.coord.AdvanceTick(c.Request.Context())
	if err != nil {
		retError(c, "tick not advanced", err)
		return
	}
	successResponse(c, http.StatusOK, "tick advanced", gin.H{"tick": tick})
}

func (a *API) getRoots(c *gin.Context) {
	roots, err := a.coord.Roots(c.Request.Context())
	if err != nil {
		retError(c, "error reading roots", err)
		return
	}
	successResponse(c, http.StatusOK, "roots", newRootsAPI(roots))
}

func (a *API) getForestRoot(c *gin.Context) {
	cacheIndex, err := parseUintParam(c, "cacheIndex", 64)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	var root *big.Int
	var rootErr error
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		root, rootErr = s.ForestRoot(cacheIndex)
	}); err != nil {
		retError(c, "error reading forest root", err)
		return
	}
	if errors.Is(common.Unwrap(rootErr), common.ErrStale) && a.historyDB != nil {
		// rotated out of the ring, the history still has it
		e, err := a.historyDB.GetForestRootAPI(cacheIndex)
		if err != nil {
			retError(c, "error reading forest root", err)
			return
		}
		successResponse(c, http.StatusOK, "forest root", newForestRootAPI(e))
		return
	}
	if rootErr != nil {
		retError(c, "error reading forest root", rootErr)
		return
	}
	successResponse(c, http.StatusOK, "forest root", &forestRootAPI{
		CacheIndex: cacheIndex, Root: root.String(),
	})
}

func (a *API) getKnownRoot(c *gin.Context) {
	root, err := parseBigInt("root", c.Param("root"))
	if err != nil {
		retBadRequest(c, err)
		return
	}
	var known bool
	if err := a.coord.Read(c.Request.Context(), func(s *state.State) {
		known = s.IsKnownRoot(root)
	}); err != nil {
		retError(c, "error reading forest roots", err)
		return
	}
	successResponse(c, http.StatusOK, "forest root lookup", gin.H{"known": known})
}

type txNoteAPI struct {
	Tick   common.Tick   `json:"tick"`
	TxType uint16        `json:"txType"`
	Note   hexutil.Bytes `json:"note"`
}

func (a *API) getTxNotes(c *gin.Context) {
	if a.historyDB == nil {
		retError(c, "tx notes not available", errHistoryDisabled)
		return
	}
	from, err := strconv.ParseUint(c.DefaultQuery("fromTick", "0"), 10, 64)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	to, err := strconv.ParseUint(c.DefaultQuery("toTick", strconv.FormatUint(from+1, 10)), 10, 64)
	if err != nil {
		retBadRequest(c, err)
		return
	}
	notes, err := a.historyDB.GetTxNotes(common.Tick(from), common.Tick(to))
	if err != nil {
		retError(c, "error reading tx notes", err)
		return
	}
	resp := make([]txNoteAPI, len(notes))
	for i, n := range notes {
		resp[i] = txNoteAPI{Tick: n.Tick, TxType: n.TxType, Note: n.Note}
	}
	successResponse(c, http.StatusOK, "tx notes", resp)
}
