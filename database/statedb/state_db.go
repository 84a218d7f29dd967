package statedb

import (
	"errors"
	"fmt"
	"math/big"

	"forest-sequencer/busqueue"
	"forest-sequencer/common"
	"forest-sequencer/database/kvdb"
	"forest-sequencer/log"
	"forest-sequencer/tree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/memory"
	"github.com/iden3/go-merkletree/db/pebble"
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored.  An empty Path keeps the
	// state in memory, without checkpoints.
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// tick for thread-safe reads.
	NoLast bool
	// Meta identifies the configuration the persisted state was built
	// with.  Opening a StateDB with a different Meta fails.
	Meta []byte
	// At every checkpoint, check that there are no gaps between the
	// checkpoints
	noGapsCheck bool
}

var (
	// ErrMetaMismatch is used when the persisted state was built with a
	// different configuration
	ErrMetaMismatch = errors.New("persisted state was built with a different configuration")
	// ErrInMemory is used when a checkpoint operation is called on a
	// StateDB without Path
	ErrInMemory = errors.New("in memory StateDB has no checkpoints")
	// ErrNoCheckpoint is used when resetting to a tick without checkpoint
	ErrNoCheckpoint = errors.New("no checkpoint for tick")

	// PrefixKeyQueue is the key prefix for bus queues in the db
	PrefixKeyQueue = []byte("q:")

	// KeyTaxiLayout is the key of the taxi tree layout
	KeyTaxiLayout = []byte("t:layout")
	// KeyBusLayout is the key of the bus tree layout
	KeyBusLayout = []byte("b:layout")
	// KeyBlacklistRoot is the key of the blacklist root
	KeyBlacklistRoot = []byte("bl:root")
	// KeyOpenQueue is the key of the id of the Open bus queue
	KeyOpenQueue = []byte("k:openqueue")
	// KeyParams is the key of the reward params schedule
	KeyParams = []byte("k:params")
	// KeyReserve is the key of the reward reserve
	KeyReserve = []byte("k:reserve")
	// KeyForest is the key of the forest root ring
	KeyForest = []byte("k:forest")
	// KeyMeta is the key of the configuration fingerprint
	KeyMeta = []byte("k:meta")
)

// StateDB persists the layouts of the forest components over a pebble KVDB
// with one checkpoint per tick
type StateDB struct {
	cfg Config
	kv  *kvdb.KVDB
	// mem is used instead of kv when cfg.Path is empty
	mem     *memory.Storage
	memTick common.Tick
}

// Last is a consistent view to the last checkpoint of the StateDB
type Last struct {
	db db.Storage
}

// Snapshot is everything persisted by the StateDB.  Fields are nil when
// nothing has been written yet.
type Snapshot struct {
	TaxiLayout    *tree.Layout
	BusLayout     *tree.Layout
	BlacklistRoot *big.Int
	Queues        []*busqueue.Queue
	OpenQueueID   *common.QueueID
	Params        *busqueue.ParamsSchedule
	Reserve       *busqueue.Reserve
	Forest        []byte
}

// Empty returns true if nothing has been persisted
func (s *Snapshot) Empty() bool {
	return s.TaxiLayout == nil && s.BusLayout == nil && s.BlacklistRoot == nil &&
		len(s.Queues) == 0 && s.OpenQueueID == nil && s.Params == nil &&
		s.Reserve == nil && s.Forest == nil
}

// Changes is the set of writes of one operation.  Nil fields are left
// untouched.
type Changes struct {
	TaxiLayout    *tree.Layout
	BusLayout     *tree.Layout
	BlacklistRoot *big.Int
	Queues        []*busqueue.Queue
	OpenQueueID   *common.QueueID
	Params        *busqueue.ParamsSchedule
	Reserve       *busqueue.Reserve
	Forest        []byte
}

// NewStateDB opens the StateDB at cfg.Path, restored to its last checkpoint
func NewStateDB(cfg Config) (*StateDB, error) {
	s := &StateDB{cfg: cfg}
	if cfg.Path == "" {
		s.mem = memory.NewMemoryStorage()
	} else {
		kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep,
			NoGapsCheck: cfg.noGapsCheck, NoLast: cfg.NoLast})
		if err != nil {
			return nil, common.Wrap(err)
		}
		s.kv = kv
	}
	if err := s.checkMeta(); err != nil {
		s.Close()
		return nil, common.Wrap(err)
	}
	return s, nil
}

func (s *StateDB) storage() db.Storage {
	if s.kv != nil {
		return s.kv.DB()
	}
	return s.mem
}

// checkMeta stores cfg.Meta on a fresh db, or compares it with the stored
// one
func (s *StateDB) checkMeta() error {
	if len(s.cfg.Meta) == 0 {
		return nil
	}
	stored, err := s.storage().Get(KeyMeta)
	if common.Unwrap(err) == db.ErrNotFound {
		tx, err := s.storage().NewTx()
		if err != nil {
			return common.Wrap(err)
		}
		if err := tx.Put(KeyMeta, s.cfg.Meta); err != nil {
			return common.Wrap(err)
		}
		return common.Wrap(tx.Commit())
	} else if err != nil {
		return common.Wrap(err)
	}
	if string(stored) != string(s.cfg.Meta) {
		return common.Wrap(fmt.Errorf("%w: stored %q, configured %q",
			ErrMetaMismatch, stored, s.cfg.Meta))
	}
	return nil
}

// Write persists c in a single transaction
func (s *StateDB) Write(c *Changes) error {
	tx, err := s.storage().NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	defer tx.Close()
	if c.TaxiLayout != nil {
		if err := tx.Put(KeyTaxiLayout, c.TaxiLayout.Bytes()); err != nil {
			return common.Wrap(err)
		}
	}
	if c.BusLayout != nil {
		if err := tx.Put(KeyBusLayout, c.BusLayout.Bytes()); err != nil {
			return common.Wrap(err)
		}
	}
	if c.BlacklistRoot != nil {
		root := common.FieldElementBytes(c.BlacklistRoot)
		if err := tx.Put(KeyBlacklistRoot, root[:]); err != nil {
			return common.Wrap(err)
		}
	}
	for _, q := range c.Queues {
		b, err := q.Bytes()
		if err != nil {
			return common.Wrap(err)
		}
		if err := tx.Put(db.Concat(PrefixKeyQueue, q.ID.Bytes()), b); err != nil {
			return common.Wrap(err)
		}
	}
	if c.OpenQueueID != nil {
		if err := tx.Put(KeyOpenQueue, c.OpenQueueID.Bytes()); err != nil {
			return common.Wrap(err)
		}
	}
	if c.Params != nil {
		b, err := c.Params.Bytes()
		if err != nil {
			return common.Wrap(err)
		}
		if err := tx.Put(KeyParams, b); err != nil {
			return common.Wrap(err)
		}
	}
	if c.Reserve != nil {
		b, err := c.Reserve.Bytes()
		if err != nil {
			return common.Wrap(err)
		}
		if err := tx.Put(KeyReserve, b); err != nil {
			return common.Wrap(err)
		}
	}
	if c.Forest != nil {
		if err := tx.Put(KeyForest, c.Forest); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(tx.Commit())
}

// Snapshot reads everything persisted in the current state
func (s *StateDB) Snapshot() (*Snapshot, error) {
	return readSnapshot(s.storage())
}

// GetQueue returns the persisted queue with id
func (s *StateDB) GetQueue(id common.QueueID) (*busqueue.Queue, error) {
	return getQueue(s.storage(), id)
}

func getValue(sto db.Storage, key []byte) ([]byte, error) {
	b, err := sto.Get(key)
	if common.Unwrap(err) == db.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return b, nil
}

func getQueue(sto db.Storage, id common.QueueID) (*busqueue.Queue, error) {
	b, err := sto.Get(db.Concat(PrefixKeyQueue, id.Bytes()))
	if common.Unwrap(err) == db.ErrNotFound {
		return nil, common.Wrap(common.ErrQueueNotFound)
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return busqueue.QueueFromBytes(b)
}

func readSnapshot(sto db.Storage) (*Snapshot, error) {
	var snap Snapshot
	if b, err := getValue(sto, KeyTaxiLayout); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		if snap.TaxiLayout, err = tree.LayoutFromBytes(b); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if b, err := getValue(sto, KeyBusLayout); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		if snap.BusLayout, err = tree.LayoutFromBytes(b); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if b, err := getValue(sto, KeyBlacklistRoot); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		if snap.BlacklistRoot, err = common.FieldElementFromBytes(b); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if b, err := getValue(sto, KeyOpenQueue); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		id, err := common.QueueIDFromBytes(b)
		if err != nil {
			return nil, common.Wrap(err)
		}
		snap.OpenQueueID = &id
	}
	if b, err := getValue(sto, KeyParams); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		if snap.Params, err = busqueue.ParamsScheduleFromBytes(b); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if b, err := getValue(sto, KeyReserve); err != nil {
		return nil, common.Wrap(err)
	} else if b != nil {
		if snap.Reserve, err = busqueue.ReserveFromBytes(b); err != nil {
			return nil, common.Wrap(err)
		}
	}
	b, err := getValue(sto, KeyForest)
	if err != nil {
		return nil, common.Wrap(err)
	}
	snap.Forest = b

	err = sto.WithPrefix(PrefixKeyQueue).Iterate(func(k, v []byte) (bool, error) {
		q, err := busqueue.QueueFromBytes(v)
		if err != nil {
			return false, common.Wrap(err)
		}
		snap.Queues = append(snap.Queues, q)
		return true, nil
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &snap, nil
}

// Snapshot reads everything persisted in the last checkpoint
func (l *Last) Snapshot() (*Snapshot, error) {
	return readSnapshot(l.db)
}

// GetQueue returns the queue with id as of the last checkpoint
func (l *Last) GetQueue(id common.QueueID) (*busqueue.Queue, error) {
	return getQueue(l.db, id)
}

// DB returns the underlying storage of Last
func (l *Last) DB() db.Storage {
	return l.db
}

// LastRead is a thread-safe method to query the last checkpoint of the
// StateDB via the Last type methods
func (s *StateDB) LastRead(fn func(sdbLast *Last) error) error {
	if s.kv == nil {
		return common.Wrap(kvdb.ErrNoLast)
	}
	return s.kv.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db: db,
			})
		},
	)
}

// LastGetSnapshot is a thread-safe method to read the last checkpoint
func (s *StateDB) LastGetSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		snap, err = sdb.Snapshot()
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return snap, nil
}

// LastGetQueue is a thread-safe method to query a queue in the last
// checkpoint of the StateDB
func (s *StateDB) LastGetQueue(id common.QueueID) (*busqueue.Queue, error) {
	var q *busqueue.Queue
	if err := s.LastRead(func(sdb *Last) error {
		var err error
		q, err = sdb.GetQueue(id)
		return err
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return q, nil
}

// CurrentTick returns the tick the current state is at
func (s *StateDB) CurrentTick() common.Tick {
	if s.kv != nil {
		return s.kv.CurrentTick
	}
	return s.memTick
}

// MakeCheckpoint advances the current tick and stores a checkpoint of the
// state at the start of the new tick
func (s *StateDB) MakeCheckpoint() error {
	log.Debugw("Making StateDB checkpoint", "tick", s.CurrentTick()+1)
	if s.kv == nil {
		s.memTick++
		return nil
	}
	return s.kv.MakeCheckpoint()
}

// Reset resets the StateDB to the checkpoint at the given tick
func (s *StateDB) Reset(tick common.Tick) error {
	log.Debugw("Making StateDB Reset", "tick", tick)
	if s.kv == nil {
		return common.Wrap(ErrInMemory)
	}
	// the current db is closed by the reset, so check first
	if tick != 0 {
		exists, err := s.kv.CheckpointExists(tick)
		if err != nil {
			return common.Wrap(err)
		}
		if !exists {
			return common.Wrap(fmt.Errorf("%w: %d", ErrNoCheckpoint, tick))
		}
	}
	if err := s.kv.Reset(tick); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(s.checkMeta())
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (s *StateDB) DeleteOldCheckpoints() error {
	if s.kv == nil {
		return nil
	}
	return s.kv.DeleteOldCheckpoints()
}

// ListCheckpoints returns the ticks of the stored checkpoints
func (s *StateDB) ListCheckpoints() ([]int, error) {
	if s.kv == nil {
		return nil, common.Wrap(ErrInMemory)
	}
	return s.kv.ListCheckpoints()
}

// Close closes the StateDB
func (s *StateDB) Close() {
	if s.kv != nil {
		s.kv.Close()
	}
	if s.mem != nil {
		s.mem.Close()
	}
}
