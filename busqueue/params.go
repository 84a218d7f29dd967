package busqueue

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
)

// RewardParams drive the reward accrued by a queue while it waits for
// onboarding
type RewardParams struct {
	// ReservationRate is accrued per tick from the moment a queue opens
	ReservationRate *big.Int `json:"reservationRate"`
	// PremiumRate is accrued per tick once the queue is MinEmptyQueueAge old
	PremiumRate *big.Int `json:"premiumRate"`
	// MinEmptyQueueAge is the age an Open queue must reach before it can be
	// onboarded without being full
	MinEmptyQueueAge uint64 `json:"minEmptyQueueAge"`
}

// Validate returns ErrInvalidParams when a rate is missing or negative
func (p *RewardParams) Validate() error {
	if p.ReservationRate == nil || p.ReservationRate.Sign() < 0 {
		return common.Wrap(fmt.Errorf("%w: reservation rate %v", common.ErrInvalidParams, p.ReservationRate))
	}
	if p.PremiumRate == nil || p.PremiumRate.Sign() < 0 {
		return common.Wrap(fmt.Errorf("%w: premium rate %v", common.ErrInvalidParams, p.PremiumRate))
	}
	return nil
}

func (p RewardParams) copy() RewardParams {
	return RewardParams{
		ReservationRate:  common.CopyBigInt(p.ReservationRate),
		PremiumRate:      common.CopyBigInt(p.PremiumRate),
		MinEmptyQueueAge: p.MinEmptyQueueAge,
	}
}

// ParamsCheckpoint is a set of RewardParams in force from FromTick until the
// next checkpoint
type ParamsCheckpoint struct {
	Params   RewardParams
	FromTick common.Tick
	Version  uint32
}

// ParamsSchedule is the ordered list of reward parameter checkpoints. Rates
// of a checkpoint only apply to ticks inside its own interval, so an update
// never changes what was already accrued.
type ParamsSchedule struct {
	checkpoints []ParamsCheckpoint
}

// NewParamsSchedule returns a schedule with initial in force from tick from,
// as version 1
func NewParamsSchedule(initial RewardParams, from common.Tick) (*ParamsSchedule, error) {
	if err := initial.Validate(); err != nil {
		return nil, common.Wrap(err)
	}
	return &ParamsSchedule{checkpoints: []ParamsCheckpoint{
		{Params: initial.copy(), FromTick: from, Version: 1},
	}}, nil
}

// LoadParamsSchedule restores a schedule from its checkpoints
func LoadParamsSchedule(checkpoints []ParamsCheckpoint) (*ParamsSchedule, error) {
	if len(checkpoints) == 0 {
		return nil, common.Wrap(fmt.Errorf("%w: empty params schedule", common.ErrInvalidParams))
	}
	for i := range checkpoints {
		if err := checkpoints[i].Params.Validate(); err != nil {
			return nil, common.Wrap(err)
		}
		if i > 0 && checkpoints[i].FromTick < checkpoints[i-1].FromTick {
			return nil, common.Wrap(fmt.Errorf("%w: params checkpoints out of order",
				common.ErrInvalidParams))
		}
	}
	cps := make([]ParamsCheckpoint, len(checkpoints))
	copy(cps, checkpoints)
	return &ParamsSchedule{checkpoints: cps}, nil
}

// Checkpoints returns a copy of the checkpoints
func (s *ParamsSchedule) Checkpoints() []ParamsCheckpoint {
	cps := make([]ParamsCheckpoint, len(s.checkpoints))
	for i, cp := range s.checkpoints {
		cps[i] = ParamsCheckpoint{Params: cp.Params.copy(), FromTick: cp.FromTick, Version: cp.Version}
	}
	return cps
}

// Current returns the latest checkpoint
func (s *ParamsSchedule) Current() ParamsCheckpoint {
	return s.checkpoints[len(s.checkpoints)-1]
}

// At returns the checkpoint in force at tick t
func (s *ParamsSchedule) At(t common.Tick) ParamsCheckpoint {
	for i := len(s.checkpoints) - 1; i > 0; i-- {
		if s.checkpoints[i].FromTick <= t {
			return s.checkpoints[i]
		}
	}
	return s.checkpoints[0]
}

// Update appends params in force from now on, with the next version
func (s *ParamsSchedule) Update(params RewardParams, now common.Tick) (ParamsCheckpoint, error) {
	if err := params.Validate(); err != nil {
		return ParamsCheckpoint{}, common.Wrap(err)
	}
	last := s.Current()
	if now < last.FromTick {
		return ParamsCheckpoint{}, common.Wrap(fmt.Errorf("%w: update at tick %d before checkpoint at %d",
			common.ErrInvalidParams, now, last.FromTick))
	}
	cp := ParamsCheckpoint{Params: params.copy(), FromTick: now, Version: last.Version + 1}
	s.checkpoints = append(s.checkpoints, cp)
	return cp, nil
}

// Clone returns an independent copy
func (s *ParamsSchedule) Clone() *ParamsSchedule {
	return &ParamsSchedule{checkpoints: s.Checkpoints()}
}

// overlap returns the length of [a, b) ∩ [c, d), where d == nil means
// unbounded
func overlap(a, b, c common.Tick, d *common.Tick) uint64 {
	lo := a
	if c > lo {
		lo = c
	}
	hi := b
	if d != nil && *d < hi {
		hi = *d
	}
	return hi.Sub(lo)
}

// Accrued returns the reward accrued by a queue opened at openedAt when
// evaluated at now, integrating every checkpoint over its own interval
func (s *ParamsSchedule) Accrued(openedAt, now common.Tick) *big.Int {
	total := new(big.Int)
	for i, cp := range s.checkpoints {
		var end *common.Tick
		if i+1 < len(s.checkpoints) {
			end = &s.checkpoints[i+1].FromTick
		}
		reserved := overlap(openedAt, now, cp.FromTick, end)
		if reserved > 0 {
			total.Add(total, new(big.Int).Mul(cp.Params.ReservationRate,
				new(big.Int).SetUint64(reserved)))
		}
		premiumFrom := openedAt + common.Tick(cp.Params.MinEmptyQueueAge)
		premium := overlap(premiumFrom, now, cp.FromTick, end)
		if premium > 0 {
			total.Add(total, new(big.Int).Mul(cp.Params.PremiumRate,
				new(big.Int).SetUint64(premium)))
		}
	}
	return total
}
