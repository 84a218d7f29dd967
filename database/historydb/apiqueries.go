package historydb

import (
	"forest-sequencer/common"
)

// GetForestRootAPI returns the forest root at cacheIndex, limiting the
// number of concurrent API connections
func (hdb *HistoryDB) GetForestRootAPI(cacheIndex uint64) (*common.ForestRootUpdated, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	return hdb.getForestRoot(hdb.dbRead, cacheIndex)
}

// GetBatchCommittedAPI returns the onboarding record of a queue, limiting
// the number of concurrent API connections
func (hdb *HistoryDB) GetBatchCommittedAPI(queueID common.QueueID) (*common.BatchCommitted, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	return hdb.getBatchCommitted(hdb.dbRead, queueID)
}
