/*
Package coordinator serializes every operation on the forest state. A single
goroutine owns the state.State and applies the messages it receives one at a
time, so concurrent callers racing for the same queue or blacklist leaf get
exactly one winner and typed errors for the rest.

A caller's context only bounds the wait: once an operation has been taken
from the queue it is applied, even if the caller stopped waiting for the
reply.
*/
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"forest-sequencer/blacklist"
	"forest-sequencer/busqueue"
	"forest-sequencer/common"
	"forest-sequencer/log"
	"forest-sequencer/metric"
	"forest-sequencer/state"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	queueLen         = 16
	longWaitDuration = 999 * time.Hour
)

// Config contains the Coordinator configuration
type Config struct {
	// TickInterval is the time between two automatic tick advances.  Zero
	// disables them, ticks then only move with AdvanceTick.
	TickInterval time.Duration
	// QueueLen is the number of operations that can wait to be applied
	QueueLen int
}

// Coordinator applies operations on the State in a total order
type Coordinator struct {
	cfg     Config
	state   *state.State
	sinks   []EventSink
	started bool

	// initEvents are pushed to the sinks on Start
	initEvents []common.Event

	msgCh  chan interface{}
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// msgOp asks the coordinator to run an operation on the State
type msgOp struct {
	name  string
	fn    func(s *state.State) (*state.Output, error)
	reply chan opReply
}

type opReply struct {
	out *state.Output
	err error
}

// msgRead asks the coordinator to run a read only function on the State
type msgRead struct {
	fn   func(s *state.State)
	done chan struct{}
}

// NewCoordinator creates a new Coordinator owning s.  initEvents are the
// events of the initialization of s, pushed to the sinks on Start.
func NewCoordinator(cfg Config, s *state.State, sinks []EventSink,
	initEvents []common.Event) *Coordinator {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = queueLen
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:        cfg,
		state:      s,
		sinks:      sinks,
		initEvents: initEvents,
		msgCh:      make(chan interface{}, cfg.QueueLen),
		ctx:        ctx,
		cancel:     cancel,
	}
	return c
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true
	metric.CurrentTick.Set(float64(c.state.Tick()))
	c.push(c.initEvents)
	c.initEvents = nil

	c.wg.Add(1)
	go func() {
		interval := c.cfg.TickInterval
		if interval <= 0 {
			interval = longWaitDuration
		}
		timer := time.NewTimer(interval)
		defer timer.Stop()
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				c.wg.Done()
				return
			case msg := <-c.msgCh:
				c.handleMsg(msg)
			case <-timer.C:
				timer.Reset(interval)
				if c.cfg.TickInterval <= 0 {
					continue
				}
				if _, err := c.advanceTick(); err != nil {
					log.Errorw("Coordinator.advanceTick", "err", err)
				}
			}
		}
	}()
}

// Stop the coordinator.  Operations still waiting in the queue are dropped
// and their callers get ErrDone when their context ends.
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) handleMsg(msg interface{}) {
	switch msg := msg.(type) {
	case *msgOp:
		start := time.Now()
		out, err := msg.fn(c.state)
		metric.MeasureDuration(metric.OperationDuration, start, msg.name)
		if err != nil {
			metric.RejectedOperations.WithLabelValues(msg.name, string(common.ClassOf(err))).Inc()
			log.Debugw("operation rejected", "op", msg.name, "err", err)
		} else {
			metric.Operations.WithLabelValues(msg.name).Inc()
			c.push(out.Events)
		}
		msg.reply <- opReply{out: out, err: err}
	case *msgRead:
		msg.fn(c.state)
		close(msg.done)
	default:
		log.Errorw("Coordinator received an unexpected msg", "msg", fmt.Sprintf("%T", msg))
	}
}

// push hands the events to every sink.  A failing sink is logged, the
// state change it reports is already committed.
func (c *Coordinator) push(events []common.Event) {
	if len(events) == 0 {
		return
	}
	observe(events)
	for _, sink := range c.sinks {
		if err := sink.Push(c.ctx, events); err != nil {
			log.Errorw("EventSink.Push", "err", err)
		}
	}
}

func observe(events []common.Event) {
	for _, e := range events {
		switch e := e.(type) {
		case *common.RootUpdated:
			metric.LeavesInserted.WithLabelValues(string(e.Tree)).Inc()
		case *common.LeafQueued:
			metric.LeavesInserted.WithLabelValues("bus_queue").Inc()
		case *common.BatchCommitted:
			metric.QueuesOnboarded.Inc()
			metric.LeavesInserted.WithLabelValues(string(common.TreeBus)).Add(float64(e.LeafCount))
			reward, _ := new(big.Float).SetInt(e.Reward).Float64()
			metric.RewardPaid.Add(reward)
		case *common.BlacklistRootUpdated:
			action := blacklist.ActionRemove
			if e.Added {
				action = blacklist.ActionAdd
			}
			metric.BlacklistToggles.WithLabelValues(action.String()).Inc()
		case *common.ForestRootUpdated:
			metric.ForestCacheIndex.Set(float64(e.CacheIndex))
		}
	}
}

func (c *Coordinator) advanceTick() (common.Tick, error) {
	tick, err := c.state.AdvanceTick()
	if err != nil {
		return 0, common.Wrap(err)
	}
	metric.CurrentTick.Set(float64(tick))
	log.Debugw("tick advanced", "tick", tick)
	return tick, nil
}

// do orders op and waits for its outcome
func (c *Coordinator) do(ctx context.Context, name string,
	fn func(s *state.State) (*state.Output, error)) (*state.Output, error) {
	msg := &msgOp{name: name, fn: fn, reply: make(chan opReply, 1)}
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	case <-c.ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
	select {
	case r := <-msg.reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	case <-c.ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
}

// Read runs fn with the State in between two operations.  fn must not keep
// references to the State.
func (c *Coordinator) Read(ctx context.Context, fn func(s *state.State)) error {
	msg := &msgRead{fn: fn, done: make(chan struct{})}
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	case <-c.ctx.Done():
		return common.Wrap(common.ErrDone)
	}
	select {
	case <-msg.done:
		return nil
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	case <-c.ctx.Done():
		return common.Wrap(common.ErrDone)
	}
}

// SubmitUtxos orders a leaf submitting transaction
func (c *Coordinator) SubmitUtxos(ctx context.Context, sub *state.Submission) (*state.Output, error) {
	return c.do(ctx, "submit_utxos", func(s *state.State) (*state.Output, error) {
		return s.SubmitUtxos(sub)
	})
}

// Onboard orders the onboarding of queue id
func (c *Coordinator) Onboard(ctx context.Context, id common.QueueID, leaves []*big.Int,
	expectedBatchRoot *big.Int, onboarder ethCommon.Address) (*state.Output, error) {
	return c.do(ctx, "onboard", func(s *state.State) (*state.Output, error) {
		return s.Onboard(id, leaves, expectedBatchRoot, onboarder)
	})
}

// SetFlag orders a blacklist flag toggle
func (c *Coordinator) SetFlag(ctx context.Context, id uint64, action blacklist.Action,
	currentLeaf *big.Int, proof []*big.Int) (*state.Output, error) {
	return c.do(ctx, "set_flag", func(s *state.State) (*state.Output, error) {
		return s.SetFlag(id, action, currentLeaf, proof)
	})
}

// UpdateRewardParams orders a reward params update
func (c *Coordinator) UpdateRewardParams(ctx context.Context, params busqueue.RewardParams) (*state.Output, error) {
	return c.do(ctx, "update_reward_params", func(s *state.State) (*state.Output, error) {
		return s.UpdateRewardParams(params)
	})
}

// UpdateReleaseRate orders a reserve release rate update
func (c *Coordinator) UpdateReleaseRate(ctx context.Context, rate *big.Int) (*state.Output, error) {
	return c.do(ctx, "update_release_rate", func(s *state.State) (*state.Output, error) {
		return s.UpdateReleaseRate(rate)
	})
}

// FundReserve orders a reserve funding
func (c *Coordinator) FundReserve(ctx context.Context, amount *big.Int) (*state.Output, error) {
	return c.do(ctx, "fund_reserve", func(s *state.State) (*state.Output, error) {
		return s.FundReserve(amount)
	})
}

// AdvanceTick orders a checkpoint and the move to the next tick
func (c *Coordinator) AdvanceTick(ctx context.Context) (common.Tick, error) {
	out, err := c.do(ctx, "advance_tick", func(s *state.State) (*state.Output, error) {
		tick, err := c.advanceTick()
		if err != nil {
			return nil, common.Wrap(err)
		}
		return &state.Output{Tick: tick}, nil
	})
	if err != nil {
		return 0, common.Wrap(err)
	}
	return out.Tick, nil
}

// Roots returns the current roots
func (c *Coordinator) Roots(ctx context.Context) (*state.Roots, error) {
	var roots *state.Roots
	if err := c.Read(ctx, func(s *state.State) { roots = s.Roots() }); err != nil {
		return nil, common.Wrap(err)
	}
	return roots, nil
}
