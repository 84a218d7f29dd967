/*
Package busqueue implements the queues feeding the bus tree.

Leaves are collected in bounded queues. The single Open queue accepts
leaves; once full it becomes Pending and a new Open queue takes its place
in the same operation. A Pending queue, or an Open queue old enough, is
onboarded into the bus tree by anyone, who is paid the reward accrued by
the queue. Onboarded is terminal.

Queues do not keep their leaves. Each queue keeps the hash chain
c(0) = 0, c(i+1) = H(c(i), leaf(i)) of its leaves, which the onboarder
must reproduce with the leaves it supplies.
*/
package busqueue

import (
	"math/big"

	"forest-sequencer/common"
)

// State is the lifecycle state of a queue
type State uint8

const (
	// StateOpen accepts new leaves
	StateOpen State = iota
	// StatePending is full and waits for onboarding
	StatePending
	// StateOnboarded has been inserted into the bus tree
	StateOnboarded
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePending:
		return "pending"
	case StateOnboarded:
		return "onboarded"
	default:
		return "unknown"
	}
}

// Queue is a bounded batch of leaves waiting for onboarding
type Queue struct {
	ID            common.QueueID `json:"id"`
	State         State          `json:"state"`
	Capacity      uint32         `json:"capacity"`
	FillCount     uint32         `json:"fillCount"`
	OpenedAt      common.Tick    `json:"openedAt"`
	ParamsVersion uint32         `json:"paramsVersion"`
	// Commitment is the hash chain of the queued leaves
	Commitment *big.Int `json:"commitment"`
	// EscrowedReward is the sum of the rewards paid by leaf submitters
	EscrowedReward *big.Int `json:"escrowedReward"`
}

func newQueue(id common.QueueID, capacity uint32, now common.Tick, paramsVersion uint32) *Queue {
	return &Queue{
		ID:             id,
		State:          StateOpen,
		Capacity:       capacity,
		OpenedAt:       now,
		ParamsVersion:  paramsVersion,
		Commitment:     new(big.Int),
		EscrowedReward: new(big.Int),
	}
}

// Copy returns an independent copy
func (q *Queue) Copy() *Queue {
	c := *q
	c.Commitment = common.CopyBigInt(q.Commitment)
	c.EscrowedReward = common.CopyBigInt(q.EscrowedReward)
	return &c
}

// Full returns true when no more leaves fit in the queue
func (q *Queue) Full() bool { return q.FillCount >= q.Capacity }
