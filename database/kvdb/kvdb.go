package kvdb

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"forest-sequencer/common"
	"forest-sequencer/log"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// PathTick defines the subpath of the Tick Checkpoint in the
	// subpath of the KVDB
	PathTick = "Tick"
	// PathCurrent defines the subpath of the current Tick in the subpath
	// of the KVDB
	PathCurrent = "current"
	// PathLast defines the subpath of the last Tick in the subpath
	// of the StateDB
	PathLast = "last"
	// DefaultKeep is the default value for the Keep parameter
	DefaultKeep = 128
)

var (
	// KeyCurrentTick is used as key in the db to store the current Tick
	KeyCurrentTick = []byte("k:currenttick")
	// ErrNoLast is returned when the KVDB has been configured to not have
	// a Last checkpoint but a Last method is used
	ErrNoLast = fmt.Errorf("no last checkpoint")
)

// KVDB represents the Key-Value DB object
type KVDB struct {
	cfg Config
	db  *pebble.Storage
	// CurrentTick holds the tick the operations are currently applied at
	CurrentTick     common.Tick
	mutexCheckpoint sync.Mutex
	mutexDelOld     sync.Mutex
	wg              sync.WaitGroup
	last            *Last
}

// Last is a consistent view to the last checkpoint of the KVDB that can be
// queried concurrently.
type Last struct {
	db   *pebble.Storage
	path string
	rw   sync.RWMutex
}

// Config of the KVDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// At every checkpoint, check that there are no gaps between the
	// checkpoints
	NoGapsCheck bool
	// NoLast skips having an opened DB with a checkpoint to the last
	// tick for thread-safe reads.
	NoLast bool
}

func checkpointPath(base string, tick common.Tick) string {
	return path.Join(base, fmt.Sprintf("%s%d", PathTick, tick))
}

func (k *Last) setNew() error {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	lastPath := path.Join(k.path, PathLast)
	if err := os.RemoveAll(lastPath); err != nil {
		return common.Wrap(err)
	}
	db, err := pebble.NewPebbleStorage(lastPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = db
	return nil
}

func (k *Last) set(kvdb *KVDB, tick common.Tick) error {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	lastPath := path.Join(k.path, PathLast)
	if err := kvdb.MakeCheckpointFromTo(tick, lastPath); err != nil {
		return common.Wrap(err)
	}
	db, err := pebble.NewPebbleStorage(lastPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = db
	return nil
}

func (k *Last) close() {
	k.rw.Lock()
	defer k.rw.Unlock()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
}

// NewKVDB creates a new KVDB stored in disk at cfg.Path. The current state
// is restored from the checkpoint of the last stored tick, so writes done
// after the last checkpoint are discarded. Checkpoints older than the value
// defined by `keep` will be deleted.
func NewKVDB(cfg Config) (*KVDB, error) {
	sto, err := pebble.NewPebbleStorage(path.Join(cfg.Path, PathCurrent), false)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var last *Last
	if !cfg.NoLast {
		last = &Last{
			path: cfg.Path,
		}
	}
	kvdb := &KVDB{
		cfg:  cfg,
		db:   sto,
		last: last,
	}
	// load currentTick
	kvdb.CurrentTick, err = kvdb.GetCurrentTick()
	if err != nil {
		return nil, common.Wrap(err)
	}

	// make reset (get checkpoint) at currentTick
	err = kvdb.reset(kvdb.CurrentTick, true)
	if err != nil {
		return nil, common.Wrap(err)
	}

	return kvdb, nil
}

// LastRead is a thread-safe method to query the last checkpoint of the KVDB
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.rw.RLock()
	defer k.last.rw.RUnlock()
	return fn(k.last.db)
}

// DB returns the *pebble.Storage from the KVDB
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns the db.Storage with the given prefix from the
// current KVDB
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// Reset resets the KVDB to the checkpoint at the given tick. Reset does not
// delete the checkpoints between old current and the new current, those
// checkpoints will remain in the storage, and eventually will be deleted
// when MakeCheckpoint overwrites them.
func (k *KVDB) Reset(tick common.Tick) error {
	return k.reset(tick, true)
}

// reset resets the KVDB to the checkpoint at the given tick. `closeCurrent`
// will close the currently opened db before doing the reset.
func (k *KVDB) reset(tick common.Tick, closeCurrent bool) error {
	currentPath := path.Join(k.cfg.Path, PathCurrent)

	if closeCurrent && k.db != nil {
		k.db.Close()
		k.db = nil
	}
	// remove 'current'
	if err := os.RemoveAll(currentPath); err != nil {
		return common.Wrap(err)
	}
	// remove all checkpoints > tick
	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	// Find first checkpoint that is greater than tick, and delete
	// everything after that
	start := 0
	for ; start < len(list); start++ {
		if common.Tick(list[start]) > tick {
			break
		}
	}
	for _, t := range list[start:] {
		if err := k.DeleteCheckpoint(common.Tick(t)); err != nil {
			return common.Wrap(err)
		}
	}

	if tick == 0 {
		// if tick == 0, open the new fresh 'current'
		sto, err := pebble.NewPebbleStorage(currentPath, false)
		if err != nil {
			return common.Wrap(err)
		}
		k.db = sto
		k.CurrentTick = 0
		if k.last != nil {
			if err := k.last.setNew(); err != nil {
				return common.Wrap(err)
			}
		}

		return nil
	}

	// copy 'tick' to 'current'
	if err := k.MakeCheckpointFromTo(tick, currentPath); err != nil {
		return common.Wrap(err)
	}
	// copy 'tick' to 'last'
	if k.last != nil {
		if err := k.last.set(k, tick); err != nil {
			return common.Wrap(err)
		}
	}

	// open the new 'current'
	sto, err := pebble.NewPebbleStorage(currentPath, false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto

	// get currentTick
	k.CurrentTick, err = k.GetCurrentTick()
	if err != nil {
		return common.Wrap(err)
	}

	return nil
}

// GetCurrentTick returns the current Tick stored in the KVDB
func (k *KVDB) GetCurrentTick() (common.Tick, error) {
	b, err := k.db.Get(KeyCurrentTick)
	if common.Unwrap(err) == db.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, common.Wrap(err)
	}
	return common.TickFromBytes(b)
}

// setCurrentTick stores the current Tick in the KVDB
func (k *KVDB) setCurrentTick() error {
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	err = tx.Put(KeyCurrentTick, k.CurrentTick.Bytes())
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	return nil
}

// ListCheckpoints returns the list of ticks of the checkpoints, sorted.
// If there's a gap between the list of checkpoints, an error is returned.
func (k *KVDB) ListCheckpoints() ([]int, error) {
	files, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	checkpoints := []int{}
	var checkpoint int
	pattern := fmt.Sprintf("%s%%d", PathTick)
	for _, file := range files {
		fileName := file.Name()
		if file.IsDir() && strings.HasPrefix(fileName, PathTick) {
			if _, err := fmt.Sscanf(fileName, pattern, &checkpoint); err != nil {
				return nil, common.Wrap(err)
			}
			checkpoints = append(checkpoints, checkpoint)
		}
	}
	sort.Ints(checkpoints)
	if !k.cfg.NoGapsCheck && len(checkpoints) > 0 {
		first := checkpoints[0]
		for _, checkpoint := range checkpoints[1:] {
			first++
			if checkpoint != first {
				log.Errorw("gap between checkpoints", "checkpoints", checkpoints)
				return nil, common.Wrap(fmt.Errorf("checkpoint gap at %v", checkpoint))
			}
		}
	}
	return checkpoints, nil
}

// DeleteCheckpoint removes if exist the checkpoint of the given tick
func (k *KVDB) DeleteCheckpoint(tick common.Tick) error {
	cpPath := checkpointPath(k.cfg.Path, tick)

	if _, err := os.Stat(cpPath); os.IsNotExist(err) {
		return common.Wrap(fmt.Errorf("Checkpoint with tick %d does not exist in DB", tick))
	} else if err != nil {
		return common.Wrap(err)
	}

	return os.RemoveAll(cpPath)
}

// MakeCheckpointFromTo makes a checkpoint from the current db at fromTick
// to the dest folder.  This method is locking, so it can be called from
// multiple places at the same time.
func (k *KVDB) MakeCheckpointFromTo(fromTick common.Tick, dest string) error {
	source := checkpointPath(k.cfg.Path, fromTick)
	if _, err := os.Stat(source); os.IsNotExist(err) {
		// if kvdb does not have checkpoint at tick, return err
		return common.Wrap(fmt.Errorf("Checkpoint \"%v\" does not exist", source))
	} else if err != nil {
		return common.Wrap(err)
	}
	k.mutexCheckpoint.Lock()
	defer k.mutexCheckpoint.Unlock()
	return PebbleMakeCheckpoint(source, dest)
}

// PebbleMakeCheckpoint is a helper function to make a pebble checkpoint from
// source to dest.
func PebbleMakeCheckpoint(source, dest string) error {
	// Remove dest folder (if it exists) before doing the checkpoint
	if _, err := os.Stat(dest); os.IsNotExist(err) {
	} else if err != nil {
		return common.Wrap(err)
	} else {
		if err := os.RemoveAll(dest); err != nil {
			return common.Wrap(err)
		}
	}

	sto, err := pebble.NewPebbleStorage(source, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()

	// execute Checkpoint
	err = sto.Pebble().Checkpoint(dest)
	if err != nil {
		return common.Wrap(err)
	}

	return nil
}

// MakeCheckpoint advances & stores the current Tick, and then stores a
// Checkpoint of the current state of the KVDB. The checkpoint of tick N is
// the state at the start of tick N.
func (k *KVDB) MakeCheckpoint() error {
	// advance currentTick
	k.CurrentTick++

	cpPath := checkpointPath(k.cfg.Path, k.CurrentTick)

	if err := k.setCurrentTick(); err != nil {
		return common.Wrap(err)
	}

	// if checkpoint Tick already exist in disk, delete it
	if _, err := os.Stat(cpPath); os.IsNotExist(err) {
	} else if err != nil {
		return common.Wrap(err)
	} else {
		if err := os.RemoveAll(cpPath); err != nil {
			return common.Wrap(err)
		}
	}
	// execute Checkpoint
	if err := k.db.Pebble().Checkpoint(cpPath); err != nil {
		return common.Wrap(err)
	}
	// copy 'CurrentTick' to 'last'
	if k.last != nil {
		if err := k.last.set(k, k.CurrentTick); err != nil {
			return common.Wrap(err)
		}
	}

	k.wg.Add(1)
	go func() {
		delErr := k.DeleteOldCheckpoints()
		if delErr != nil {
			log.Errorw("delete old checkpoints failed", "err", delErr)
		}
		k.wg.Done()
	}()

	return nil
}

// DeleteOldCheckpoints deletes old checkpoints when there are more than
// `cfg.Keep` checkpoints
func (k *KVDB) DeleteOldCheckpoints() error {
	k.mutexDelOld.Lock()
	defer k.mutexDelOld.Unlock()

	list, err := k.ListCheckpoints()
	if err != nil {
		return common.Wrap(err)
	}
	if k.cfg.Keep > 0 && len(list) > k.cfg.Keep {
		for _, checkpoint := range list[:len(list)-k.cfg.Keep] {
			if err := k.DeleteCheckpoint(common.Tick(checkpoint)); err != nil {
				return common.Wrap(err)
			}
		}
	}
	return nil
}

// Close the DB
func (k *KVDB) Close() {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.close()
	}
	// wait for deletion of old checkpoints
	k.wg.Wait()
}

// CheckpointExists returns true if the checkpoint exists
func (k *KVDB) CheckpointExists(tick common.Tick) (bool, error) {
	source := checkpointPath(k.cfg.Path, tick)
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}
