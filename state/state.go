/*
Package state composes the trees of the forest, the bus queues and the
reward reserve into the single state a sequencer applies operations to.

	                  +-------------+
	 SubmitUtxos ---->|             |----> taxi.Taxi ------+
	 Onboard -------->|    State    |----> busqueue -> bustree
	 SetFlag -------->|             |----> blacklist ------+--> forest
	 Update*,Fund --->|             |                      |
	                  +------+------+                      v
	                         |                      ForestRootUpdated
	                         v
	                  statedb.StateDB (pebble, one checkpoint per tick)

Every operation runs in three steps:
  - validate and stage the changes on copies of the touched components
  - persist the staged changes in one statedb write
  - swap the copies in

A failed operation therefore leaves roots, queues and reserve unchanged,
both in memory and in the db.

State is not safe for concurrent use. The sequencer owns it and applies one
operation at a time.
*/
package state

import (
	"fmt"
	"math/big"

	"forest-sequencer/blacklist"
	"forest-sequencer/busqueue"
	"forest-sequencer/bustree"
	"forest-sequencer/common"
	"forest-sequencer/database/statedb"
	"forest-sequencer/forest"
	"forest-sequencer/hasher"
	"forest-sequencer/log"
	"forest-sequencer/taxi"
	"forest-sequencer/tree"
	"forest-sequencer/txnote"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// maxIndexDepth is the deepest taxi tree or bus queue whose leaf index fits
// the one byte IndexInQueue of a tx note
const maxIndexDepth = 8

// Config of the State
type Config struct {
	Hasher         hasher.Hasher
	TaxiDepth      int
	Bus            bustree.Config
	BlacklistDepth int
	ForestRingSize int
	// InitialParams and InitialReleaseRate are only used on a fresh db
	InitialParams      busqueue.RewardParams
	InitialReleaseRate *big.Int
}

// Validate checks the Config
func (c *Config) Validate() error {
	if c.Hasher == nil {
		return common.Wrap(fmt.Errorf("%w: no hasher", common.ErrInvalidParams))
	}
	if c.TaxiDepth <= 0 || c.TaxiDepth > maxIndexDepth {
		return common.Wrap(fmt.Errorf("%w: taxi depth %d not in [1, %d]",
			common.ErrInvalidParams, c.TaxiDepth, maxIndexDepth))
	}
	if err := c.Bus.Validate(); err != nil {
		return common.Wrap(err)
	}
	if c.Bus.QueueDepth > maxIndexDepth {
		return common.Wrap(fmt.Errorf("%w: queue depth %d above %d",
			common.ErrInvalidParams, c.Bus.QueueDepth, maxIndexDepth))
	}
	if c.BlacklistDepth <= 0 || c.BlacklistDepth > tree.MaxDepth {
		return common.Wrap(fmt.Errorf("%w: blacklist depth %d", common.ErrInvalidParams, c.BlacklistDepth))
	}
	if c.ForestRingSize <= 0 {
		return common.Wrap(fmt.Errorf("%w: forest ring size %d", common.ErrInvalidParams, c.ForestRingSize))
	}
	return nil
}

// Meta returns the fingerprint of the parts of the Config the persisted
// state depends on
func (c *Config) Meta() []byte {
	return []byte(fmt.Sprintf("%s/taxi%d/bus%d.%d.%d/blacklist%d", c.Hasher.Name(), c.TaxiDepth,
		c.Bus.Depth, c.Bus.QueueDepth, c.Bus.BranchDepth, c.BlacklistDepth))
}

// State is the authenticated state of the pool
type State struct {
	cfg       Config
	sdb       *statedb.StateDB
	taxi      *taxi.Taxi
	bus       *bustree.BusTree
	pipeline  *busqueue.Pipeline
	blacklist *blacklist.Registry
	forest    *forest.Forest
}

// Output contains what an operation did.  Only the fields of the operation
// are set.
type Output struct {
	Tick   common.Tick
	Events []common.Event
	// Note is the encoded tx note of a SubmitUtxos
	Note []byte
	// Utxos are the placements of the utxos of a SubmitUtxos
	Utxos []txnote.Utxo
	// Settlement and Append are set by Onboard
	Settlement *busqueue.Settlement
	Append     *bustree.Append
	// Forest is set when the forest root changed
	Forest *common.ForestRootUpdated
}

// NewState opens the State persisted in sdb, or initializes it when sdb is
// empty.  The returned events are the ones of the initialization.
func NewState(cfg Config, sdb *statedb.StateDB) (*State, []common.Event, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, common.Wrap(err)
	}
	s := &State{cfg: cfg, sdb: sdb}
	snap, err := sdb.Snapshot()
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if !snap.Empty() {
		if err := s.load(snap); err != nil {
			return nil, nil, common.Wrap(err)
		}
		log.Infow("State loaded", "tick", s.Tick(), "forestRoot", s.forest.CurrentRoot(),
			"cacheIndex", s.forest.CacheIndex())
		return s, nil, nil
	}
	events, err := s.init()
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	log.Infow("State initialized", "tick", s.Tick(), "forestRoot", s.forest.CurrentRoot())
	return s, events, nil
}

func (s *State) init() ([]common.Event, error) {
	h := s.cfg.Hasher
	now := s.Tick()
	taxiTree, err := taxi.New(h, s.cfg.TaxiDepth)
	if err != nil {
		return nil, common.Wrap(err)
	}
	bus, err := bustree.New(h, s.cfg.Bus)
	if err != nil {
		return nil, common.Wrap(err)
	}
	registry, err := blacklist.New(h, s.cfg.BlacklistDepth)
	if err != nil {
		return nil, common.Wrap(err)
	}
	params, err := busqueue.NewParamsSchedule(s.cfg.InitialParams, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	releaseRate := s.cfg.InitialReleaseRate
	if releaseRate == nil {
		releaseRate = new(big.Int)
	}
	reserve, err := busqueue.NewReserve(releaseRate, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	pipeline, opened, err := busqueue.New(h, s.cfg.Bus.QueueCapacity(), params, reserve, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	f, err := forest.New(h, s.cfg.ForestRingSize, taxiTree.Root(), bus.Root(), registry.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}
	openID := pipeline.OpenID()
	changes := &statedb.Changes{
		TaxiLayout:    taxiTree.Layout(),
		BusLayout:     bus.Layout(),
		BlacklistRoot: registry.Root(),
		Queues:        pipeline.Queues(nil),
		OpenQueueID:   &openID,
		Params:        params,
		Reserve:       reserve,
		Forest:        f.Bytes(),
	}
	if err := s.sdb.Write(changes); err != nil {
		return nil, common.Wrap(err)
	}
	s.taxi, s.bus, s.blacklist, s.pipeline, s.forest = taxiTree, bus, registry, pipeline, f
	return []common.Event{opened, &common.ForestRootUpdated{
		Tick:       now,
		CacheIndex: f.CacheIndex(),
		Root:       f.CurrentRoot(),
	}}, nil
}

func (s *State) load(snap *statedb.Snapshot) error {
	if snap.TaxiLayout == nil || snap.BusLayout == nil || snap.BlacklistRoot == nil ||
		snap.OpenQueueID == nil || snap.Params == nil || snap.Reserve == nil || snap.Forest == nil {
		return common.Wrap(fmt.Errorf("incomplete persisted state"))
	}
	h := s.cfg.Hasher
	taxiTree, err := taxi.Load(h, s.cfg.TaxiDepth, snap.TaxiLayout)
	if err != nil {
		return common.Wrap(err)
	}
	bus, err := bustree.Load(h, s.cfg.Bus, snap.BusLayout)
	if err != nil {
		return common.Wrap(err)
	}
	registry, err := blacklist.Load(h, s.cfg.BlacklistDepth, snap.BlacklistRoot)
	if err != nil {
		return common.Wrap(err)
	}
	pipeline, err := busqueue.Load(h, s.cfg.Bus.QueueCapacity(), snap.Queues, *snap.OpenQueueID,
		snap.Params, snap.Reserve)
	if err != nil {
		return common.Wrap(err)
	}
	f, err := forest.FromBytes(h, s.cfg.ForestRingSize, snap.Forest)
	if err != nil {
		return common.Wrap(err)
	}
	s.taxi, s.bus, s.blacklist, s.pipeline, s.forest = taxiTree, bus, registry, pipeline, f
	return nil
}

// Tick returns the tick operations are currently applied at
func (s *State) Tick() common.Tick {
	return s.sdb.CurrentTick()
}

// Config returns the Config of the State
func (s *State) Config() Config {
	return s.cfg
}

// updateForest stages a new forest root over the given tree roots
func (s *State) updateForest(now common.Tick, taxiRoot, busRoot, blacklistRoot *big.Int) (
	*forest.Forest, *common.ForestRootUpdated, error) {
	f := s.forest.Clone()
	updated, err := f.Update(now, taxiRoot, busRoot, blacklistRoot)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	return f, updated, nil
}

// Submission is a leaf submitting transaction
type Submission struct {
	TxType    txnote.TxType
	SpendTime uint32
	Utxos     []UtxoInput
	// Amounts fill the PublicAmount segments of the tx type
	Amounts []*big.Int
	// Taxi asks for immediate insertion in the taxi tree.  When the taxi
	// can not take every utxo of the transaction they go to the bus.
	Taxi bool
}

// UtxoInput is one utxo of a Submission
type UtxoInput struct {
	Commitment *big.Int
	Cipher     txnote.Cipher
	// Reward is escrowed for the onboarder of the bus queue the utxo
	// lands in.  Unused for taxi insertions.
	Reward *big.Int
}

// SubmitUtxos adds the utxos of a transaction to the taxi tree or to the
// bus queues and emits its tx note.  The utxos of one transaction all go
// the same way.
func (s *State) SubmitUtxos(sub *Submission) (*Output, error) {
	now := s.Tick()
	n, err := txnote.UtxoCount(sub.TxType)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if n != len(sub.Utxos) {
		return nil, common.Wrap(fmt.Errorf("%w: %s takes %d utxos, got %d",
			common.ErrSegmentCountMismatch, sub.TxType, n, len(sub.Utxos)))
	}
	for _, u := range sub.Utxos {
		if err := common.CheckInField(u.Commitment); err != nil {
			return nil, common.Wrap(err)
		}
	}

	out := &Output{Tick: now, Utxos: make([]txnote.Utxo, 0, n)}
	changes := &statedb.Changes{}
	var (
		newTaxi   *taxi.Taxi
		newForest *forest.Forest
		batch     *busqueue.Batch
	)
	if sub.Taxi && s.taxi.Remaining() >= uint64(n) {
		newTaxi = s.taxi.Clone()
		for _, u := range sub.Utxos {
			updated, err := newTaxi.Insert(u.Commitment, now)
			if err != nil {
				return nil, common.Wrap(err)
			}
			out.Events = append(out.Events, updated)
			out.Utxos = append(out.Utxos, txnote.Utxo{
				Commitment:   u.Commitment,
				QueueID:      txnote.TaxiQueueID,
				IndexInQueue: uint8(updated.LeafIndex),
				Cipher:       u.Cipher,
			})
		}
		if newForest, out.Forest, err = s.updateForest(now, newTaxi.Root(), s.bus.Root(),
			s.blacklist.Root()); err != nil {
			return nil, common.Wrap(err)
		}
		changes.TaxiLayout = newTaxi.Layout()
		changes.Forest = newForest.Bytes()
	} else {
		batch = s.pipeline.Begin(now)
		for _, u := range sub.Utxos {
			placement, events, err := batch.Enqueue(u.Commitment, u.Reward)
			if err != nil {
				return nil, common.Wrap(err)
			}
			out.Events = append(out.Events, events...)
			out.Utxos = append(out.Utxos, txnote.Utxo{
				Commitment:   u.Commitment,
				QueueID:      uint32(placement.QueueID),
				IndexInQueue: uint8(placement.IndexInQueue),
				Cipher:       u.Cipher,
			})
		}
		bc := batch.Changes()
		changes.Queues = bc.Queues
		changes.OpenQueueID = &bc.OpenID
	}

	note, err := txnote.Build(sub.TxType, uint32(now), sub.SpendTime, out.Utxos, sub.Amounts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if out.Note, err = txnote.Encode(note); err != nil {
		return nil, common.Wrap(err)
	}

	if err := s.sdb.Write(changes); err != nil {
		return nil, common.Wrap(err)
	}
	if newTaxi != nil {
		s.taxi = newTaxi
		s.forest = newForest
		out.Events = append(out.Events, out.Forest)
	}
	if batch != nil {
		batch.Commit()
	}
	out.Events = append(out.Events, &common.TxNoteEmitted{
		Tick:   now,
		TxType: uint16(sub.TxType),
		Note:   out.Note,
	})
	return out, nil
}

// Onboard batches the leaves of queue id into the bus tree and pays the
// onboarder.  expectedBatchRoot, when set, must be the root of the queue
// subtree.
func (s *State) Onboard(id common.QueueID, leaves []*big.Int, expectedBatchRoot *big.Int,
	onboarder ethCommon.Address) (*Output, error) {
	now := s.Tick()
	batch := s.pipeline.Begin(now)
	settlement, err := batch.Onboard(id, leaves)
	if err != nil {
		return nil, common.Wrap(err)
	}
	batchRoot, err := s.bus.BatchRoot(leaves)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if expectedBatchRoot != nil && expectedBatchRoot.Cmp(batchRoot) != 0 {
		return nil, common.Wrap(fmt.Errorf("%w: batch root %v, expected %v",
			common.ErrBatchMismatch, batchRoot, expectedBatchRoot))
	}
	bus := s.bus.Clone()
	appended, err := bus.Insert(batchRoot, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	newForest, forestUpdated, err := s.updateForest(now, s.taxi.Root(), bus.Root(), s.blacklist.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}

	bc := batch.Changes()
	changes := &statedb.Changes{
		BusLayout:   bus.Layout(),
		Queues:      bc.Queues,
		OpenQueueID: &bc.OpenID,
		Reserve:     bc.Reserve,
		Forest:      newForest.Bytes(),
	}
	if err := s.sdb.Write(changes); err != nil {
		return nil, common.Wrap(err)
	}
	batch.Commit()
	s.bus = bus
	s.forest = newForest

	out := &Output{
		Tick:       now,
		Settlement: settlement,
		Append:     appended,
		Forest:     forestUpdated,
	}
	out.Events = append(out.Events, &common.BatchCommitted{
		Tick:           now,
		QueueID:        id,
		BatchRoot:      batchRoot,
		FirstLeafIndex: appended.FirstLeafIndex,
		LeafCount:      uint32(len(leaves)),
		NewBusRoot:     appended.NewRoot,
		Reward:         settlement.Reward,
		Onboarder:      onboarder,
	})
	if appended.BranchFilled != nil {
		out.Events = append(out.Events, appended.BranchFilled)
	}
	if settlement.Opened != nil {
		out.Events = append(out.Events, settlement.Opened)
	}
	out.Events = append(out.Events, forestUpdated)
	return out, nil
}

// SetFlag toggles the blacklist flag of id.  currentLeaf and proof must
// authenticate the bitmap leaf holding id against the current blacklist
// root.
func (s *State) SetFlag(id uint64, action blacklist.Action, currentLeaf *big.Int,
	proof []*big.Int) (*Output, error) {
	now := s.Tick()
	update, err := s.blacklist.Prepare(id, action, currentLeaf, proof, now)
	if err != nil {
		return nil, common.Wrap(err)
	}
	newForest, forestUpdated, err := s.updateForest(now, s.taxi.Root(), s.bus.Root(), update.NewRoot)
	if err != nil {
		return nil, common.Wrap(err)
	}
	changes := &statedb.Changes{
		BlacklistRoot: update.NewRoot,
		Forest:        newForest.Bytes(),
	}
	if err := s.sdb.Write(changes); err != nil {
		return nil, common.Wrap(err)
	}
	s.blacklist.Apply(update)
	s.forest = newForest
	return &Output{
		Tick:   now,
		Events: []common.Event{update, forestUpdated},
		Forest: forestUpdated,
	}, nil
}

// reserveOp runs fn on a pipeline batch that only touches the params or
// the reserve
func (s *State) reserveOp(fn func(b *busqueue.Batch) error) (*Output, error) {
	now := s.Tick()
	batch := s.pipeline.Begin(now)
	if err := fn(batch); err != nil {
		return nil, common.Wrap(err)
	}
	bc := batch.Changes()
	if err := s.sdb.Write(&statedb.Changes{Params: bc.Params, Reserve: bc.Reserve}); err != nil {
		return nil, common.Wrap(err)
	}
	batch.Commit()
	return &Output{Tick: now}, nil
}

// UpdateRewardParams sets the reward params in force from the current tick
func (s *State) UpdateRewardParams(params busqueue.RewardParams) (*Output, error) {
	return s.reserveOp(func(b *busqueue.Batch) error {
		_, err := b.UpdateParams(params)
		return err
	})
}

// UpdateReleaseRate sets the reserve release rate from the current tick
func (s *State) UpdateReleaseRate(rate *big.Int) (*Output, error) {
	return s.reserveOp(func(b *busqueue.Batch) error {
		return b.UpdateReleaseRate(rate)
	})
}

// FundReserve adds amount to the reward reserve
func (s *State) FundReserve(amount *big.Int) (*Output, error) {
	return s.reserveOp(func(b *busqueue.Batch) error {
		return b.Fund(amount)
	})
}

// AdvanceTick checkpoints the state and moves to the next tick
func (s *State) AdvanceTick() (common.Tick, error) {
	if err := s.sdb.MakeCheckpoint(); err != nil {
		return 0, common.Wrap(err)
	}
	return s.Tick(), nil
}

// Reset moves the State back to the checkpoint at tick
func (s *State) Reset(tick common.Tick) error {
	if err := s.sdb.Reset(tick); err != nil {
		return common.Wrap(err)
	}
	snap, err := s.sdb.Snapshot()
	if err != nil {
		return common.Wrap(err)
	}
	if snap.Empty() {
		_, err := s.init()
		return common.Wrap(err)
	}
	return common.Wrap(s.load(snap))
}

// Roots is a consistent view of every root of the State
type Roots struct {
	Tick             common.Tick
	Taxi             *big.Int
	Bus              *big.Int
	Blacklist        *big.Int
	Forest           *big.Int
	CacheIndex       uint64
	TaxiNextIndex    uint64
	BusNextLeafIndex uint64
	OpenQueueID      common.QueueID
}

// Roots returns the current roots
func (s *State) Roots() *Roots {
	return &Roots{
		Tick:             s.Tick(),
		Taxi:             s.taxi.Root(),
		Bus:              s.bus.Root(),
		Blacklist:        s.blacklist.Root(),
		Forest:           s.forest.CurrentRoot(),
		CacheIndex:       s.forest.CacheIndex(),
		TaxiNextIndex:    s.taxi.NextIndex(),
		BusNextLeafIndex: s.bus.NextLeafIndex(),
		OpenQueueID:      s.pipeline.OpenID(),
	}
}

// ForestRoot returns the forest root at cacheIndex
func (s *State) ForestRoot(cacheIndex uint64) (*big.Int, error) {
	return s.forest.Root(cacheIndex)
}

// IsKnownRoot returns true if root is one of the recent forest roots
func (s *State) IsKnownRoot(root *big.Int) bool {
	return s.forest.IsKnownRoot(root)
}

// Queue returns the bus queue with id
func (s *State) Queue(id common.QueueID) (*busqueue.Queue, error) {
	return s.pipeline.Queue(id)
}

// Queues returns the bus queues in queueState, or every queue if nil
func (s *State) Queues(queueState *busqueue.State) []*busqueue.Queue {
	return s.pipeline.Queues(queueState)
}

// Reward returns what onboarding queue id would pay at the current tick
func (s *State) Reward(id common.QueueID) (*big.Int, error) {
	return s.pipeline.Reward(id, s.Tick())
}

// Params returns the reward params schedule
func (s *State) Params() *busqueue.ParamsSchedule {
	return s.pipeline.Params()
}

// Reserve returns the reward reserve
func (s *State) Reserve() *busqueue.Reserve {
	return s.pipeline.Reserve()
}
