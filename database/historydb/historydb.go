package historydb

import (
	"context"
	"fmt"

	"forest-sequencer/common"
	"forest-sequencer/database"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// HistoryDB persists the facts emitted by the coordinator so that indexers
// and the API can serve them after the in-memory state has moved on.
type HistoryDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *HistoryDB {
	return &HistoryDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the L2DB.db. This method should be used only for
// internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

var eventTables = map[common.EventType]string{
	common.EventRootUpdated:          "root_updated",
	common.EventLeafQueued:           "leaf_queued",
	common.EventQueueOpened:          "queue_opened",
	common.EventBatchCommitted:       "batch_committed",
	common.EventBranchFilled:         "branch_filled",
	common.EventBlacklistRootUpdated: "blacklist_root_updated",
	common.EventForestRootUpdated:    "forest_root_updated",
	common.EventTxNote:               "tx_note",
}

// Push stores the events in a single SQL transaction, keeping their order.
// It implements coordinator.EventSink.
func (hdb *HistoryDB) Push(ctx context.Context, events []common.Event) (err error) {
	if len(events) == 0 {
		return nil
	}
	txn, err := hdb.dbWrite.BeginTxx(ctx, nil)
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	for _, ev := range events {
		if err = hdb.addEvent(txn, ev); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}

func (hdb *HistoryDB) addEvent(d meddler.DB, ev common.Event) error {
	table, ok := eventTables[ev.Type()]
	if !ok {
		return common.Wrap(fmt.Errorf("no table for event type %q", ev.Type()))
	}
	return common.Wrap(meddler.Insert(d, table, ev))
}

// GetForestRoot returns the last forest root recorded at cacheIndex
func (hdb *HistoryDB) GetForestRoot(cacheIndex uint64) (*common.ForestRootUpdated, error) {
	return hdb.getForestRoot(hdb.dbRead, cacheIndex)
}

func (hdb *HistoryDB) getForestRoot(d meddler.DB, cacheIndex uint64) (*common.ForestRootUpdated, error) {
	root := &common.ForestRootUpdated{}
	err := meddler.QueryRow(
		d, root,
		`SELECT tick, cache_index, root FROM forest_root_updated
		WHERE cache_index = $1 ORDER BY item_id DESC LIMIT 1;`, cacheIndex,
	)
	return root, common.Wrap(err)
}

// GetLastForestRoot returns the most recent forest root
func (hdb *HistoryDB) GetLastForestRoot() (*common.ForestRootUpdated, error) {
	root := &common.ForestRootUpdated{}
	err := meddler.QueryRow(
		hdb.dbRead, root,
		`SELECT tick, cache_index, root FROM forest_root_updated
		ORDER BY item_id DESC LIMIT 1;`,
	)
	return root, common.Wrap(err)
}

// GetForestRoots returns the forest roots recorded in the tick range [from, to)
func (hdb *HistoryDB) GetForestRoots(from, to common.Tick) ([]common.ForestRootUpdated, error) {
	var roots []*common.ForestRootUpdated
	err := meddler.QueryAll(
		hdb.dbRead, &roots,
		`SELECT tick, cache_index, root FROM forest_root_updated
		WHERE $1 <= tick AND tick < $2 ORDER BY item_id;`, from, to,
	)
	return database.SlicePtrsToSlice(roots).([]common.ForestRootUpdated), common.Wrap(err)
}

// GetBatchCommitted returns the onboarding record of a queue
func (hdb *HistoryDB) GetBatchCommitted(queueID common.QueueID) (*common.BatchCommitted, error) {
	return hdb.getBatchCommitted(hdb.dbRead, queueID)
}

func (hdb *HistoryDB) getBatchCommitted(d meddler.DB, queueID common.QueueID) (*common.BatchCommitted, error) {
	batch := &common.BatchCommitted{}
	err := meddler.QueryRow(
		d, batch,
		`SELECT tick, queue_id, batch_root, first_leaf_index, leaf_count,
		new_bus_root, reward, onboarder
		FROM batch_committed WHERE queue_id = $1;`, queueID,
	)
	return batch, common.Wrap(err)
}

// GetQueueLeaves returns the leaves queued into queueID in insertion order
func (hdb *HistoryDB) GetQueueLeaves(queueID common.QueueID) ([]common.LeafQueued, error) {
	var leaves []*common.LeafQueued
	err := meddler.QueryAll(
		hdb.dbRead, &leaves,
		`SELECT tick, queue_id, index_in_queue, leaf, reward FROM leaf_queued
		WHERE queue_id = $1 ORDER BY index_in_queue;`, queueID,
	)
	return database.SlicePtrsToSlice(leaves).([]common.LeafQueued), common.Wrap(err)
}

// GetTreeLeaves returns the single leaf insertions of a tree starting at
// fromIndex, at most limit of them
func (hdb *HistoryDB) GetTreeLeaves(tree common.TreeID, fromIndex uint64, limit uint) ([]common.RootUpdated, error) {
	var leaves []*common.RootUpdated
	err := meddler.QueryAll(
		hdb.dbRead, &leaves,
		`SELECT tick, tree, leaf_index, leaf, new_root FROM root_updated
		WHERE tree = $1 AND leaf_index >= $2 ORDER BY leaf_index LIMIT $3;`,
		tree, fromIndex, limit,
	)
	return database.SlicePtrsToSlice(leaves).([]common.RootUpdated), common.Wrap(err)
}

// GetBlacklistUpdates returns every toggle of a blacklist id in order
func (hdb *HistoryDB) GetBlacklistUpdates(id uint64) ([]common.BlacklistRootUpdated, error) {
	var updates []*common.BlacklistRootUpdated
	err := meddler.QueryAll(
		hdb.dbRead, &updates,
		`SELECT tick, blacklist_id, added, leaf_index, new_leaf, new_root
		FROM blacklist_root_updated WHERE blacklist_id = $1 ORDER BY item_id;`, id,
	)
	return database.SlicePtrsToSlice(updates).([]common.BlacklistRootUpdated), common.Wrap(err)
}

// GetAllBlacklistUpdates returns every blacklist toggle in order
func (hdb *HistoryDB) GetAllBlacklistUpdates() ([]common.BlacklistRootUpdated, error) {
	var updates []*common.BlacklistRootUpdated
	err := meddler.QueryAll(
		hdb.dbRead, &updates,
		`SELECT tick, blacklist_id, added, leaf_index, new_leaf, new_root
		FROM blacklist_root_updated ORDER BY item_id;`,
	)
	return database.SlicePtrsToSlice(updates).([]common.BlacklistRootUpdated), common.Wrap(err)
}

// GetBranchesFilled returns every completed bus tree branch
func (hdb *HistoryDB) GetBranchesFilled() ([]common.BranchFilled, error) {
	var branches []*common.BranchFilled
	err := meddler.QueryAll(
		hdb.dbRead, &branches,
		`SELECT tick, branch_index, branch_root FROM branch_filled ORDER BY branch_index;`,
	)
	return database.SlicePtrsToSlice(branches).([]common.BranchFilled), common.Wrap(err)
}

// GetTxNotes returns the tx notes emitted in the tick range [from, to)
func (hdb *HistoryDB) GetTxNotes(from, to common.Tick) ([]common.TxNoteEmitted, error) {
	var notes []*common.TxNoteEmitted
	err := meddler.QueryAll(
		hdb.dbRead, &notes,
		`SELECT tick, tx_type, note FROM tx_note
		WHERE $1 <= tick AND tick < $2 ORDER BY item_id;`, from, to,
	)
	return database.SlicePtrsToSlice(notes).([]common.TxNoteEmitted), common.Wrap(err)
}

// Reorg deletes every fact recorded after lastValidTick, used when the
// state is reset to an older checkpoint
func (hdb *HistoryDB) Reorg(lastValidTick common.Tick) error {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	for _, table := range eventTables {
		if _, err = txn.Exec(
			fmt.Sprintf("DELETE FROM %s WHERE tick > $1;", table), lastValidTick,
		); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}
