/*
Package node does the initialization of all the required objects to run the
forest sequencer.

The Node owns the persisted state, the coordinator goroutine that orders
every operation on it, and the sinks that receive the emitted facts: the
history database when PostgreSQL is enabled and the blacklist mirror that
serves SetFlag proofs.  The http API runs in its own goroutine and only
talks to the coordinator.
*/
package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"forest-sequencer/api"
	"forest-sequencer/busqueue"
	"forest-sequencer/bustree"
	"forest-sequencer/common"
	"forest-sequencer/config"
	"forest-sequencer/coordinator"
	dbUtils "forest-sequencer/database"
	"forest-sequencer/database/historydb"
	"forest-sequencer/database/statedb"
	"forest-sequencer/hasher"
	"forest-sequencer/log"
	"forest-sequencer/state"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Node is the forest sequencer node
type Node struct {
	nodeAPI *NodeAPI
	coord   *coordinator.Coordinator
	stateDB *statedb.StateDB

	// General
	cfg          *config.Node
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB
	historyDB    *historydb.HistoryDB
	ctx          context.Context
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NodeAPI holds the node http API
type NodeAPI struct { //nolint:golint
	api          *api.API
	engine       *gin.Engine
	addr         string
	readtimeout  time.Duration
	writetimeout time.Duration
}

// NewNodeAPI creates a new NodeAPI (which internally calls api.NewAPI)
func NewNodeAPI(addr string, cfgAPI config.API, apiConfig api.Config) (*NodeAPI, error) {
	_api, err := api.NewAPI(apiConfig)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &NodeAPI{
		addr:         addr,
		api:          _api,
		engine:       apiConfig.Server,
		readtimeout:  cfgAPI.ReadTimeout.Duration,
		writetimeout: cfgAPI.WriteTimeout.Duration,
	}, nil
}

// Run starts the http server of the NodeAPI.  To stop it, pass a context
// with cancellation.
func (a *NodeAPI) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.addr,
		Handler:           a.engine,
		ReadTimeout:       a.readtimeout,
		ReadHeaderTimeout: a.readtimeout,
		WriteTimeout:      a.writetimeout,
		MaxHeaderBytes:    1 << 20,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("NodeAPI is ready at %v", a.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return common.Wrap(fmt.Errorf("ListenAndServe: %w", err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Stopping NodeAPI...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return common.Wrap(err)
		}
		log.Info("NodeAPI done")
		return nil
	})
	return common.Wrap(g.Wait())
}

// StateConfig builds the state.Config described by cfg
func StateConfig(cfg *config.Node) (state.Config, error) {
	h, err := hasher.New(cfg.Forest.Hasher)
	if err != nil {
		return state.Config{}, common.Wrap(err)
	}
	stateCfg := state.Config{
		Hasher:    h,
		TaxiDepth: cfg.Forest.TaxiDepth,
		Bus: bustree.Config{
			Depth:       cfg.Forest.BusDepth,
			QueueDepth:  cfg.Forest.QueueDepth,
			BranchDepth: cfg.Forest.BranchDepth,
		},
		BlacklistDepth: cfg.Forest.BlacklistDepth,
		ForestRingSize: cfg.Forest.RingSize,
		InitialParams: busqueue.RewardParams{
			ReservationRate:  cfg.Rewards.ReservationRate,
			PremiumRate:      cfg.Rewards.PremiumRate,
			MinEmptyQueueAge: cfg.Rewards.MinEmptyQueueAge,
		},
		InitialReleaseRate: cfg.Rewards.ReleaseRate,
	}
	return stateCfg, common.Wrap(stateCfg.Validate())
}

func initSQLDBs(cfg *config.PostgreSQL) (dbRead, dbWrite *sqlx.DB, err error) {
	dbWrite, err = dbUtils.InitSQLDB(
		cfg.PortWrite,
		cfg.HostWrite,
		cfg.UserWrite,
		cfg.PasswordWrite,
		cfg.NameWrite,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	if cfg.HostRead == "" {
		return dbWrite, dbWrite, nil
	}
	dbRead, err = dbUtils.InitSQLDB(
		cfg.PortRead,
		cfg.HostRead,
		cfg.UserRead,
		cfg.PasswordRead,
		cfg.NameRead,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	return dbRead, dbWrite, nil
}

// NewNode creates a Node
func NewNode(cfg *config.Node, version string) (_ *Node, err error) {
	meddler.Debug = cfg.Debug.MeddlerLogs

	stateCfg, err := StateConfig(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
		Meta: stateCfg.Meta(),
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer func() {
		if err != nil {
			stateDB.Close()
		}
	}()
	s, initEvents, err := state.NewState(stateCfg, stateDB)
	if err != nil {
		return nil, common.Wrap(err)
	}
	roots := s.Roots()
	log.Infow("forest state loaded",
		"tick", roots.Tick,
		"forestRoot", roots.Forest,
		"cacheIndex", roots.CacheIndex,
		"openQueue", roots.OpenQueueID,
	)

	mirror, err := coordinator.NewMirrorSink(stateCfg.Hasher, stateCfg.BlacklistDepth)
	if err != nil {
		return nil, common.Wrap(err)
	}
	sinks := []coordinator.EventSink{mirror}

	var dbRead, dbWrite *sqlx.DB
	var historyDB *historydb.HistoryDB
	if cfg.PostgreSQL.Enabled {
		dbRead, dbWrite, err = initSQLDBs(&cfg.PostgreSQL)
		if err != nil {
			return nil, common.Wrap(err)
		}
		apiConnCon := dbUtils.NewAPIConnectionController(
			cfg.API.MaxSQLConnections,
			cfg.API.SQLConnectionTimeout.Duration,
		)
		historyDB = historydb.NewHistoryDB(dbRead, dbWrite, apiConnCon)
		// facts of ticks the state does not have anymore
		if err := historyDB.Reorg(roots.Tick); err != nil {
			return nil, common.Wrap(err)
		}
		updates, err := historyDB.GetAllBlacklistUpdates()
		if err != nil {
			return nil, common.Wrap(err)
		}
		if err := mirror.Replay(updates); err != nil {
			return nil, common.Wrap(err)
		}
		sinks = append(sinks, historyDB)
	}
	if mirror.Root().Cmp(roots.Blacklist) != 0 {
		log.Warnw("blacklist mirror does not match the registry, proofs will not be served",
			"mirrorRoot", mirror.Root(), "registryRoot", roots.Blacklist)
	}

	coord := coordinator.NewCoordinator(coordinator.Config{
		TickInterval: cfg.Coordinator.TickInterval.Duration,
		QueueLen:     cfg.Coordinator.QueueLen,
	}, s, sinks, initEvents)

	var nodeAPI *NodeAPI
	if cfg.API.Address != "" {
		if cfg.Debug.GinDebugMode {
			gin.SetMode(gin.DebugMode)
		} else {
			gin.SetMode(gin.ReleaseMode)
		}
		server := gin.Default()
		if cfg.API.CORS {
			server.Use(cors.Default())
		}
		nodeAPI, err = NewNodeAPI(cfg.API.Address, cfg.API, api.Config{
			Server:      server,
			Coordinator: coord,
			HistoryDB:   historyDB,
			Mirror:      mirror,
			Metrics:     cfg.API.Metrics,
		})
		if err != nil {
			return nil, common.Wrap(err)
		}
	}
	log.Infow("node created", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		nodeAPI:      nodeAPI,
		coord:        coord,
		stateDB:      stateDB,
		cfg:          cfg,
		sqlConnRead:  dbRead,
		sqlConnWrite: dbWrite,
		historyDB:    historyDB,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Coordinator returns the coordinator of the node
func (n *Node) Coordinator() *coordinator.Coordinator {
	return n.coord
}

// StartNodeAPI starts the NodeAPI
func (n *Node) StartNodeAPI() {
	if n.nodeAPI == nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// Do not stop the node if the API fails, the coordinator keeps
		// ordering the operations already queued
		if err := n.nodeAPI.Run(n.ctx); err != nil {
			log.Errorw("NodeAPI.Run", "err", err)
		}
	}()
}

// Start the node
func (n *Node) Start() {
	log.Info("Starting node...")
	n.coord.Start()
	n.StartNodeAPI()
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	log.Info("Stopping Coordinator...")
	n.coord.Stop()

	// Close kv DBs
	n.stateDB.Close()
	if n.sqlConnRead != nil && n.sqlConnRead != n.sqlConnWrite {
		if err := n.sqlConnRead.Close(); err != nil {
			log.Errorw("closing read SQL connection", "err", err)
		}
	}
	if n.sqlConnWrite != nil {
		if err := n.sqlConnWrite.Close(); err != nil {
			log.Errorw("closing write SQL connection", "err", err)
		}
	}
}
