package busqueue

import (
	"fmt"
	"math"
	"math/big"
	"sort"

	"forest-sequencer/common"
	"forest-sequencer/hasher"
)

// Pipeline owns every bus queue, the reward parameters and the reward
// reserve. It is not safe for concurrent use: changes go through a Batch
// owned by a single writer.
type Pipeline struct {
	hasher   hasher.Hasher
	capacity uint32
	queues   map[common.QueueID]*Queue
	openID   common.QueueID
	params   *ParamsSchedule
	reserve  *Reserve
}

// New returns a Pipeline whose first Open queue, id 0, opens at now
func New(h hasher.Hasher, capacity uint32, params *ParamsSchedule, reserve *Reserve,
	now common.Tick) (*Pipeline, *common.QueueOpened, error) {
	if capacity == 0 {
		return nil, nil, common.Wrap(fmt.Errorf("%w: queue capacity 0", common.ErrInvalidParams))
	}
	q := newQueue(0, capacity, now, params.At(now).Version)
	p := &Pipeline{
		hasher:   h,
		capacity: capacity,
		queues:   map[common.QueueID]*Queue{0: q},
		openID:   0,
		params:   params,
		reserve:  reserve,
	}
	return p, &common.QueueOpened{Tick: now, QueueID: 0}, nil
}

// Load restores a Pipeline from its persisted parts
func Load(h hasher.Hasher, capacity uint32, queues []*Queue, openID common.QueueID,
	params *ParamsSchedule, reserve *Reserve) (*Pipeline, error) {
	p := &Pipeline{
		hasher:   h,
		capacity: capacity,
		queues:   make(map[common.QueueID]*Queue, len(queues)),
		openID:   openID,
		params:   params,
		reserve:  reserve,
	}
	for _, q := range queues {
		p.queues[q.ID] = q.Copy()
	}
	open, ok := p.queues[openID]
	if !ok || open.State != StateOpen {
		return nil, common.Wrap(fmt.Errorf("open queue %d missing from persisted queues", openID))
	}
	return p, nil
}

// Capacity returns the number of leaves per queue
func (p *Pipeline) Capacity() uint32 { return p.capacity }

// OpenID returns the id of the Open queue
func (p *Pipeline) OpenID() common.QueueID { return p.openID }

// Queue returns a copy of the queue with id
func (p *Pipeline) Queue(id common.QueueID) (*Queue, error) {
	q, ok := p.queues[id]
	if !ok {
		return nil, common.Wrap(common.ErrQueueNotFound)
	}
	return q.Copy(), nil
}

// Queues returns a copy of the queues in state, ordered by id. A nil state
// returns every queue.
func (p *Pipeline) Queues(state *State) []*Queue {
	queues := make([]*Queue, 0, len(p.queues))
	for _, q := range p.queues {
		if state == nil || q.State == *state {
			queues = append(queues, q.Copy())
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].ID < queues[j].ID })
	return queues
}

// Params returns a copy of the reward parameter schedule
func (p *Pipeline) Params() *ParamsSchedule { return p.params.Clone() }

// Reserve returns a copy of the reward reserve
func (p *Pipeline) Reserve() *Reserve { return p.reserve.Clone() }

// Reward returns the reward an onboarder of queue id would be paid at now
func (p *Pipeline) Reward(id common.QueueID, now common.Tick) (*big.Int, error) {
	q, ok := p.queues[id]
	if !ok {
		return nil, common.Wrap(common.ErrQueueNotFound)
	}
	if q.State == StateOnboarded {
		return nil, common.Wrap(common.ErrAlreadyOnboarded)
	}
	return onboardReward(q, p.params, p.reserve, now), nil
}

func onboardReward(q *Queue, params *ParamsSchedule, reserve *Reserve, now common.Tick) *big.Int {
	fromReserve := params.Accrued(q.OpenedAt, now)
	if releasable := reserve.Releasable(now); releasable.Cmp(fromReserve) < 0 {
		fromReserve = releasable
	}
	return new(big.Int).Add(q.EscrowedReward, fromReserve)
}

// Batch stages the changes of one operation. Nothing is visible in the
// Pipeline until Commit, so a failed operation is dropped by discarding its
// Batch.
type Batch struct {
	p       *Pipeline
	now     common.Tick
	queues  map[common.QueueID]*Queue
	openID  common.QueueID
	params  *ParamsSchedule
	reserve *Reserve
}

// Begin returns an empty Batch for an operation applied at now
func (p *Pipeline) Begin(now common.Tick) *Batch {
	return &Batch{
		p:      p,
		now:    now,
		queues: make(map[common.QueueID]*Queue),
		openID: p.openID,
	}
}

func (b *Batch) queue(id common.QueueID) (*Queue, error) {
	if q, ok := b.queues[id]; ok {
		return q, nil
	}
	q, ok := b.p.queues[id]
	if !ok {
		return nil, common.Wrap(common.ErrQueueNotFound)
	}
	q = q.Copy()
	b.queues[id] = q
	return q, nil
}

func (b *Batch) schedule() *ParamsSchedule {
	if b.params != nil {
		return b.params
	}
	return b.p.params
}

func (b *Batch) mutableReserve() *Reserve {
	if b.reserve == nil {
		b.reserve = b.p.reserve.Clone()
	}
	return b.reserve
}

// OpenID returns the id of the Open queue with the staged changes applied
func (b *Batch) OpenID() common.QueueID { return b.openID }

func (b *Batch) openNext() (*common.QueueOpened, error) {
	if b.openID == math.MaxUint32 {
		return nil, common.Wrap(common.ErrNumOverflow)
	}
	id := b.openID + 1
	b.queues[id] = newQueue(id, b.p.capacity, b.now, b.schedule().At(b.now).Version)
	b.openID = id
	return &common.QueueOpened{Tick: b.now, QueueID: id}, nil
}

// Placement is the position given to an enqueued leaf
type Placement struct {
	QueueID      common.QueueID
	IndexInQueue uint32
}

// Enqueue adds leaf to the Open queue. reward is escrowed for the
// onboarder of the queue.
func (b *Batch) Enqueue(leaf, reward *big.Int) (*Placement, []common.Event, error) {
	return b.EnqueueTo(b.openID, leaf, reward)
}

// EnqueueTo adds leaf to queue id, which must be the Open queue. When the
// queue becomes full it turns Pending and the next queue opens.
func (b *Batch) EnqueueTo(id common.QueueID, leaf, reward *big.Int) (*Placement, []common.Event, error) {
	if err := common.CheckInField(leaf); err != nil {
		return nil, nil, common.Wrap(err)
	}
	if reward == nil {
		reward = new(big.Int)
	}
	if reward.Sign() < 0 {
		return nil, nil, common.Wrap(fmt.Errorf("%w: negative reward %v", common.ErrInvalidParams, reward))
	}
	if _, err := b.queue(id); err != nil {
		return nil, nil, common.Wrap(err)
	}
	// only touch the staged copy once every check passed
	q := b.queues[id]
	if q.State != StateOpen || id != b.openID {
		return nil, nil, common.Wrap(common.ErrQueueNotOpen)
	}
	if q.Full() {
		return nil, nil, common.Wrap(common.ErrQueueFull)
	}
	commitment, err := b.p.hasher.Hash2(q.Commitment, leaf)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	placement := &Placement{QueueID: id, IndexInQueue: q.FillCount}
	q.Commitment = commitment
	q.FillCount++
	q.EscrowedReward = new(big.Int).Add(q.EscrowedReward, reward)

	events := []common.Event{&common.LeafQueued{
		Tick:         b.now,
		QueueID:      id,
		IndexInQueue: placement.IndexInQueue,
		Leaf:         common.CopyBigInt(leaf),
		Reward:       common.CopyBigInt(reward),
	}}
	if q.Full() {
		q.State = StatePending
		opened, err := b.openNext()
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		events = append(events, opened)
	}
	return placement, events, nil
}

// Settlement is the outcome of onboarding a queue
type Settlement struct {
	Queue *Queue
	// Reward is the total paid to the onboarder
	Reward *big.Int
	// Accrued is the reward owed by the reserve, PaidFromReserve what the
	// reserve could release of it
	Accrued         *big.Int
	PaidFromReserve *big.Int
	// Opened is set when onboarding the Open queue opened the next one
	Opened *common.QueueOpened
}

// Onboard checks that queue id can be onboarded with leaves, marks it
// Onboarded and pays the reward out of the escrow and the reserve. A short
// reserve reduces the reward but never fails the onboarding.
func (b *Batch) Onboard(id common.QueueID, leaves []*big.Int) (*Settlement, error) {
	q, err := b.queue(id)
	if err != nil {
		return nil, common.Wrap(err)
	}
	switch q.State {
	case StateOnboarded:
		return nil, common.Wrap(common.ErrAlreadyOnboarded)
	case StateOpen:
		age := b.now.Sub(q.OpenedAt)
		if q.FillCount == 0 || age < b.schedule().At(b.now).Params.MinEmptyQueueAge {
			return nil, common.Wrap(common.ErrNotEligible)
		}
	}
	if uint32(len(leaves)) != q.FillCount || len(leaves) > int(q.Capacity) {
		return nil, common.Wrap(fmt.Errorf("%w: %d leaves supplied, queue holds %d",
			common.ErrBatchMismatch, len(leaves), q.FillCount))
	}
	chain := new(big.Int)
	for _, leaf := range leaves {
		if chain, err = b.p.hasher.Hash2(chain, leaf); err != nil {
			return nil, common.Wrap(fmt.Errorf("%w: %v", common.ErrBatchMismatch, err))
		}
	}
	if chain.Cmp(q.Commitment) != 0 {
		return nil, common.Wrap(common.ErrBatchMismatch)
	}

	accrued := b.schedule().Accrued(q.OpenedAt, b.now)
	paid := b.mutableReserve().Release(accrued, b.now)
	s := &Settlement{
		Reward:          new(big.Int).Add(q.EscrowedReward, paid),
		Accrued:         accrued,
		PaidFromReserve: paid,
	}
	wasOpen := q.State == StateOpen
	q.State = StateOnboarded
	if wasOpen {
		if s.Opened, err = b.openNext(); err != nil {
			return nil, common.Wrap(err)
		}
	}
	s.Queue = q.Copy()
	return s, nil
}

// UpdateParams appends reward params in force from now on
func (b *Batch) UpdateParams(params RewardParams) (ParamsCheckpoint, error) {
	schedule := b.schedule().Clone()
	cp, err := schedule.Update(params, b.now)
	if err != nil {
		return ParamsCheckpoint{}, common.Wrap(err)
	}
	b.params = schedule
	return cp, nil
}

// Fund adds amount to the reserve
func (b *Batch) Fund(amount *big.Int) error {
	reserve := b.mutableReserve().Clone()
	if err := reserve.Fund(amount); err != nil {
		return common.Wrap(err)
	}
	b.reserve = reserve
	return nil
}

// UpdateReleaseRate sets the reserve release rate from now on
func (b *Batch) UpdateReleaseRate(rate *big.Int) error {
	reserve := b.mutableReserve().Clone()
	if err := reserve.UpdateReleaseRate(rate, b.now); err != nil {
		return common.Wrap(err)
	}
	b.reserve = reserve
	return nil
}

// Changes lists what Commit will write
type Changes struct {
	Queues []*Queue
	OpenID common.QueueID
	// Params and Reserve are nil when unchanged
	Params  *ParamsSchedule
	Reserve *Reserve
}

// Changes returns the staged changes, queues ordered by id
func (b *Batch) Changes() *Changes {
	c := &Changes{OpenID: b.openID, Params: b.params, Reserve: b.reserve}
	for _, q := range b.queues {
		c.Queues = append(c.Queues, q)
	}
	sort.Slice(c.Queues, func(i, j int) bool { return c.Queues[i].ID < c.Queues[j].ID })
	return c
}

// Commit makes the staged changes visible in the Pipeline
func (b *Batch) Commit() {
	for id, q := range b.queues {
		b.p.queues[id] = q
	}
	b.p.openID = b.openID
	if b.params != nil {
		b.p.params = b.params
	}
	if b.reserve != nil {
		b.p.reserve = b.reserve
	}
}
