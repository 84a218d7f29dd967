/*
Package api serves the http API of the forest sequencer.

Write endpoints are ordered by the coordinator: the response of a write is
sent once the operation has been applied, or rejected, in the single
operation order.  Read endpoints see the state in between two operations.
Past facts (forest roots rotated out of the ring, tx notes) are served from
the history database when one is configured.

Every response is a JSON object with a "message" and either "data" or
"error".  Big integers are encoded as decimal strings.
*/
package api

import (
	"errors"

	"forest-sequencer/common"
	"forest-sequencer/coordinator"
	"forest-sequencer/database/historydb"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API serves HTTP requests to allow external interaction with the forest
type API struct {
	coord     *coordinator.Coordinator
	historyDB *historydb.HistoryDB
	mirror    *coordinator.MirrorSink
	validate  *validator.Validate
}

// Config wraps the parameters needed to start the API
type Config struct {
	Server      *gin.Engine
	Coordinator *coordinator.Coordinator
	// HistoryDB is optional, without it only the current state is served
	HistoryDB *historydb.HistoryDB
	// Mirror is optional, without it blacklist proofs are not served
	Mirror *coordinator.MirrorSink
	// Metrics serves the prometheus metrics at /metrics
	Metrics bool
}

// NewAPI sets the endpoints and the appropriate handlers, but doesn't start the server
func NewAPI(setup Config) (*API, error) {
	if setup.Server == nil {
		return nil, common.Wrap(errors.New("no gin engine"))
	}
	if setup.Coordinator == nil {
		return nil, common.Wrap(errors.New("cannot serve the API without a Coordinator"))
	}
	a := &API{
		coord:     setup.Coordinator,
		historyDB: setup.HistoryDB,
		mirror:    setup.Mirror,
		validate:  validator.New(),
	}

	server := setup.Server
	server.Use(metricsMiddleware())
	if setup.Metrics {
		server.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	v1 := server.Group("/v1")

	v1.POST("/utxos", a.postUtxos)
	v1.POST("/tick", a.postTick)
	v1.GET("/roots", a.getRoots)

	v1.GET("/queues", a.getQueues)
	v1.GET("/queues/:id", a.getQueue)
	v1.POST("/queues/:id/onboard", a.postOnboard)
	v1.GET("/queues/:id/leaves", a.getQueueLeaves)

	v1.POST("/blacklist", a.postFlag)
	v1.GET("/blacklist/:id", a.getFlag)

	v1.GET("/forest/roots/:cacheIndex", a.getForestRoot)
	v1.GET("/forest/known/:root", a.getKnownRoot)

	v1.GET("/rewards/params", a.getParams)
	v1.PUT("/rewards/params", a.putParams)
	v1.GET("/rewards/reserve", a.getReserve)
	v1.PUT("/rewards/reserve/rate", a.putReleaseRate)
	v1.POST("/rewards/reserve/fund", a.postFund)

	v1.GET("/notes", a.getTxNotes)

	return a, nil
}
