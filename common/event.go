package common

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// TreeID names one of the trees of the forest
type TreeID string

const (
	// TreeTaxi is the immediate insertion tree
	TreeTaxi TreeID = "taxi"
	// TreeBus is the batched insertion tree
	TreeBus TreeID = "bus"
	// TreeBlacklist is the blacklist bitmap tree
	TreeBlacklist TreeID = "blacklist"
)

// EventType identifies the kind of an emitted fact
type EventType string

const (
	// EventRootUpdated is emitted for every single leaf insertion
	EventRootUpdated EventType = "root_updated"
	// EventLeafQueued is emitted for every leaf added to a bus queue
	EventLeafQueued EventType = "leaf_queued"
	// EventQueueOpened is emitted when a new bus queue starts accepting leaves
	EventQueueOpened EventType = "queue_opened"
	// EventBatchCommitted is emitted when a queue is onboarded
	EventBatchCommitted EventType = "batch_committed"
	// EventBranchFilled is emitted when a bus tree branch is complete
	EventBranchFilled EventType = "branch_filled"
	// EventBlacklistRootUpdated is emitted for every blacklist toggle
	EventBlacklistRootUpdated EventType = "blacklist_root_updated"
	// EventForestRootUpdated is emitted when the forest root changes
	EventForestRootUpdated EventType = "forest_root_updated"
	// EventTxNote is emitted once per leaf submitting transaction
	EventTxNote EventType = "tx_note"
)

// Event is a fact emitted by a state change, consumed by indexers
type Event interface {
	Type() EventType
	AtTick() Tick
}

// RootUpdated records a single leaf insertion into a tree
type RootUpdated struct {
	Tick      Tick     `meddler:"tick"`
	Tree      TreeID   `meddler:"tree"`
	LeafIndex uint64   `meddler:"leaf_index"`
	Leaf      *big.Int `meddler:"leaf,bigint"`
	NewRoot   *big.Int `meddler:"new_root,bigint"`
}

// Type implements Event
func (e *RootUpdated) Type() EventType { return EventRootUpdated }

// AtTick implements Event
func (e *RootUpdated) AtTick() Tick { return e.Tick }

// LeafQueued records a leaf added to a bus queue
type LeafQueued struct {
	Tick         Tick     `meddler:"tick"`
	QueueID      QueueID  `meddler:"queue_id"`
	IndexInQueue uint32   `meddler:"index_in_queue"`
	Leaf         *big.Int `meddler:"leaf,bigint"`
	Reward       *big.Int `meddler:"reward,bigint"`
}

// Type implements Event
func (e *LeafQueued) Type() EventType { return EventLeafQueued }

// AtTick implements Event
func (e *LeafQueued) AtTick() Tick { return e.Tick }

// QueueOpened records the creation of a new Open bus queue
type QueueOpened struct {
	Tick    Tick    `meddler:"tick"`
	QueueID QueueID `meddler:"queue_id"`
}

// Type implements Event
func (e *QueueOpened) Type() EventType { return EventQueueOpened }

// AtTick implements Event
func (e *QueueOpened) AtTick() Tick { return e.Tick }

// BatchCommitted records the onboarding of a queue into the bus tree
type BatchCommitted struct {
	Tick           Tick              `meddler:"tick"`
	QueueID        QueueID           `meddler:"queue_id"`
	BatchRoot      *big.Int          `meddler:"batch_root,bigint"`
	FirstLeafIndex uint64            `meddler:"first_leaf_index"`
	LeafCount      uint32            `meddler:"leaf_count"`
	NewBusRoot     *big.Int          `meddler:"new_bus_root,bigint"`
	Reward         *big.Int          `meddler:"reward,bigint"`
	Onboarder      ethCommon.Address `meddler:"onboarder"`
}

// Type implements Event
func (e *BatchCommitted) Type() EventType { return EventBatchCommitted }

// AtTick implements Event
func (e *BatchCommitted) AtTick() Tick { return e.Tick }

// BranchFilled records the completion of a bus tree branch
type BranchFilled struct {
	Tick        Tick     `meddler:"tick"`
	BranchIndex uint64   `meddler:"branch_index"`
	BranchRoot  *big.Int `meddler:"branch_root,bigint"`
}

// Type implements Event
func (e *BranchFilled) Type() EventType { return EventBranchFilled }

// AtTick implements Event
func (e *BranchFilled) AtTick() Tick { return e.Tick }

// BlacklistRootUpdated records a blacklist flag toggle
type BlacklistRootUpdated struct {
	Tick      Tick     `meddler:"tick"`
	ID        uint64   `meddler:"blacklist_id"`
	Added     bool     `meddler:"added"`
	LeafIndex uint64   `meddler:"leaf_index"`
	NewLeaf   *big.Int `meddler:"new_leaf,bigint"`
	NewRoot   *big.Int `meddler:"new_root,bigint"`
}

// Type implements Event
func (e *BlacklistRootUpdated) Type() EventType { return EventBlacklistRootUpdated }

// AtTick implements Event
func (e *BlacklistRootUpdated) AtTick() Tick { return e.Tick }

// ForestRootUpdated records a new forest root and its cache index
type ForestRootUpdated struct {
	Tick       Tick     `meddler:"tick"`
	CacheIndex uint64   `meddler:"cache_index"`
	Root       *big.Int `meddler:"root,bigint"`
}

// Type implements Event
func (e *ForestRootUpdated) Type() EventType { return EventForestRootUpdated }

// AtTick implements Event
func (e *ForestRootUpdated) AtTick() Tick { return e.Tick }

// TxNoteEmitted carries the encoded note of one transaction
type TxNoteEmitted struct {
	Tick   Tick   `meddler:"tick"`
	TxType uint16 `meddler:"tx_type"`
	Note   []byte `meddler:"note"`
}

// Type implements Event
func (e *TxNoteEmitted) Type() EventType { return EventTxNote }

// AtTick implements Event
func (e *TxNoteEmitted) AtTick() Tick { return e.Tick }
