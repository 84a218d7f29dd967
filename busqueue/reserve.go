package busqueue

import (
	"fmt"
	"math/big"
	"reflect"

	"forest-sequencer/common"

	"github.com/mitchellh/copystructure"
)

func init() {
	// Copiers is process-global: every copystructure.Copy in the binary
	// copies big.Int values through this function
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// RateCheckpoint sets the amount of the reserve unlocked per tick from
// FromTick until the next checkpoint
type RateCheckpoint struct {
	Rate     *big.Int
	FromTick common.Tick
}

// Reserve funds the onboarding rewards. Its funds are unlocked at a limited
// rate per tick like a leaky bucket: at tick t the amount that can be paid
// is the sum of the unlocked amounts minus what was already released,
// capped by the balance.
type Reserve struct {
	Balance  *big.Int
	Released *big.Int
	Rates    []RateCheckpoint
}

// NewReserve returns an empty reserve unlocking rate per tick from start
func NewReserve(rate *big.Int, start common.Tick) (*Reserve, error) {
	if rate == nil || rate.Sign() < 0 {
		return nil, common.Wrap(fmt.Errorf("%w: release rate %v", common.ErrInvalidParams, rate))
	}
	return &Reserve{
		Balance:  new(big.Int),
		Released: new(big.Int),
		Rates:    []RateCheckpoint{{Rate: common.CopyBigInt(rate), FromTick: start}},
	}, nil
}

// Clone returns an independent copy
func (r *Reserve) Clone() *Reserve {
	return copystructure.Must(copystructure.Copy(r)).(*Reserve)
}

// Fund adds amount to the balance
func (r *Reserve) Fund(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return common.Wrap(fmt.Errorf("%w: fund amount %v", common.ErrInvalidParams, amount))
	}
	r.Balance = new(big.Int).Add(r.Balance, amount)
	return nil
}

// UpdateReleaseRate sets the rate unlocked per tick from now on. Ticks
// before now keep the previous rate.
func (r *Reserve) UpdateReleaseRate(rate *big.Int, now common.Tick) error {
	if rate == nil || rate.Sign() < 0 {
		return common.Wrap(fmt.Errorf("%w: release rate %v", common.ErrInvalidParams, rate))
	}
	last := r.Rates[len(r.Rates)-1]
	if now < last.FromTick {
		return common.Wrap(fmt.Errorf("%w: rate update at tick %d before checkpoint at %d",
			common.ErrInvalidParams, now, last.FromTick))
	}
	r.Rates = append(r.Rates, RateCheckpoint{Rate: common.CopyBigInt(rate), FromTick: now})
	return nil
}

// Unlocked returns the total amount unlocked in [start, now)
func (r *Reserve) Unlocked(now common.Tick) *big.Int {
	total := new(big.Int)
	for i, cp := range r.Rates {
		end := now
		if i+1 < len(r.Rates) && r.Rates[i+1].FromTick < end {
			end = r.Rates[i+1].FromTick
		}
		if ticks := end.Sub(cp.FromTick); ticks > 0 {
			total.Add(total, new(big.Int).Mul(cp.Rate, new(big.Int).SetUint64(ticks)))
		}
	}
	return total
}

// Releasable returns the amount that can be paid at now
func (r *Reserve) Releasable(now common.Tick) *big.Int {
	releasable := new(big.Int).Sub(r.Unlocked(now), r.Released)
	if releasable.Sign() < 0 {
		releasable.SetInt64(0)
	}
	if releasable.Cmp(r.Balance) > 0 {
		releasable.Set(r.Balance)
	}
	return releasable
}

// Release pays up to amount out of the releasable funds and returns what
// was actually paid
func (r *Reserve) Release(amount *big.Int, now common.Tick) *big.Int {
	paid := r.Releasable(now)
	if amount.Cmp(paid) < 0 {
		paid.Set(amount)
	}
	if paid.Sign() <= 0 {
		return new(big.Int)
	}
	r.Balance = new(big.Int).Sub(r.Balance, paid)
	r.Released = new(big.Int).Add(r.Released, paid)
	return paid
}
