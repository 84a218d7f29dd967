package busqueue

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"forest-sequencer/common"
)

const (
	amountBytesLen     = 32
	queueBytesLen      = 4 + 1 + 4 + 4 + 8 + 4 + common.FieldElementBytesLen + amountBytesLen
	paramsCpBytesLen   = 8 + 4 + amountBytesLen + amountBytesLen + 8
	rateCpBytesLen     = 8 + amountBytesLen
	reserveHeaderBytes = amountBytesLen + amountBytesLen + 4
)

func putAmount(b []byte, v *big.Int) error {
	if v == nil || v.Sign() < 0 || v.BitLen() > amountBytesLen*8 {
		return common.Wrap(fmt.Errorf("%w: amount %v", common.ErrNumOverflow, v))
	}
	v.FillBytes(b[:amountBytesLen])
	return nil
}

func getAmount(b []byte) *big.Int {
	return new(big.Int).SetBytes(b[:amountBytesLen])
}

// Bytes encodes the queue as
// [ 4 id | 1 state | 4 capacity | 4 fillCount | 8 openedAt | 4 paramsVersion |
// 32 commitment | 32 escrowedReward ]
func (q *Queue) Bytes() ([]byte, error) {
	b := make([]byte, queueBytesLen)
	copy(b[0:4], q.ID.Bytes())
	b[4] = byte(q.State)
	binary.BigEndian.PutUint32(b[5:9], q.Capacity)
	binary.BigEndian.PutUint32(b[9:13], q.FillCount)
	copy(b[13:21], q.OpenedAt.Bytes())
	binary.BigEndian.PutUint32(b[21:25], q.ParamsVersion)
	commitment := common.FieldElementBytes(q.Commitment)
	copy(b[25:57], commitment[:])
	if err := putAmount(b[57:], q.EscrowedReward); err != nil {
		return nil, common.Wrap(err)
	}
	return b, nil
}

// QueueFromBytes decodes a Queue encoded with Queue.Bytes
func QueueFromBytes(b []byte) (*Queue, error) {
	if len(b) != queueBytesLen {
		return nil, common.Wrap(fmt.Errorf("can not parse QueueFromBytes, bytes len %d, expected %d",
			len(b), queueBytesLen))
	}
	id, err := common.QueueIDFromBytes(b[0:4])
	if err != nil {
		return nil, common.Wrap(err)
	}
	if State(b[4]) > StateOnboarded {
		return nil, common.Wrap(fmt.Errorf("invalid queue state %d", b[4]))
	}
	openedAt, err := common.TickFromBytes(b[13:21])
	if err != nil {
		return nil, common.Wrap(err)
	}
	commitment, err := common.FieldElementFromBytes(b[25:57])
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Queue{
		ID:             id,
		State:          State(b[4]),
		Capacity:       binary.BigEndian.Uint32(b[5:9]),
		FillCount:      binary.BigEndian.Uint32(b[9:13]),
		OpenedAt:       openedAt,
		ParamsVersion:  binary.BigEndian.Uint32(b[21:25]),
		Commitment:     commitment,
		EscrowedReward: getAmount(b[57:]),
	}, nil
}

// Bytes encodes the schedule as a 4 bytes count followed by the
// checkpoints [ 8 fromTick | 4 version | 32 reservationRate |
// 32 premiumRate | 8 minEmptyQueueAge ]
func (s *ParamsSchedule) Bytes() ([]byte, error) {
	b := make([]byte, 4+len(s.checkpoints)*paramsCpBytesLen)
	binary.BigEndian.PutUint32(b[0:4], uint32(len(s.checkpoints)))
	for i, cp := range s.checkpoints {
		o := b[4+i*paramsCpBytesLen:]
		copy(o[0:8], cp.FromTick.Bytes())
		binary.BigEndian.PutUint32(o[8:12], cp.Version)
		if err := putAmount(o[12:44], cp.Params.ReservationRate); err != nil {
			return nil, common.Wrap(err)
		}
		if err := putAmount(o[44:76], cp.Params.PremiumRate); err != nil {
			return nil, common.Wrap(err)
		}
		binary.BigEndian.PutUint64(o[76:84], cp.Params.MinEmptyQueueAge)
	}
	return b, nil
}

// ParamsScheduleFromBytes decodes a schedule encoded with
// ParamsSchedule.Bytes
func ParamsScheduleFromBytes(b []byte) (*ParamsSchedule, error) {
	if len(b) < 4 {
		return nil, common.Wrap(fmt.Errorf("params schedule too short: %d bytes", len(b)))
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if len(b) != 4+n*paramsCpBytesLen {
		return nil, common.Wrap(fmt.Errorf("params schedule of %d checkpoints has %d bytes", n, len(b)))
	}
	cps := make([]ParamsCheckpoint, n)
	for i := range cps {
		o := b[4+i*paramsCpBytesLen:]
		from, err := common.TickFromBytes(o[0:8])
		if err != nil {
			return nil, common.Wrap(err)
		}
		cps[i] = ParamsCheckpoint{
			FromTick: from,
			Version:  binary.BigEndian.Uint32(o[8:12]),
			Params: RewardParams{
				ReservationRate:  getAmount(o[12:44]),
				PremiumRate:      getAmount(o[44:76]),
				MinEmptyQueueAge: binary.BigEndian.Uint64(o[76:84]),
			},
		}
	}
	return LoadParamsSchedule(cps)
}

// Bytes encodes the reserve as [ 32 balance | 32 released | 4 count ]
// followed by the rate checkpoints [ 8 fromTick | 32 rate ]
func (r *Reserve) Bytes() ([]byte, error) {
	b := make([]byte, reserveHeaderBytes+len(r.Rates)*rateCpBytesLen)
	if err := putAmount(b[0:32], r.Balance); err != nil {
		return nil, common.Wrap(err)
	}
	if err := putAmount(b[32:64], r.Released); err != nil {
		return nil, common.Wrap(err)
	}
	binary.BigEndian.PutUint32(b[64:68], uint32(len(r.Rates)))
	for i, cp := range r.Rates {
		o := b[reserveHeaderBytes+i*rateCpBytesLen:]
		copy(o[0:8], cp.FromTick.Bytes())
		if err := putAmount(o[8:40], cp.Rate); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return b, nil
}

// ReserveFromBytes decodes a Reserve encoded with Reserve.Bytes
func ReserveFromBytes(b []byte) (*Reserve, error) {
	if len(b) < reserveHeaderBytes {
		return nil, common.Wrap(fmt.Errorf("reserve too short: %d bytes", len(b)))
	}
	n := int(binary.BigEndian.Uint32(b[64:68]))
	if n == 0 || len(b) != reserveHeaderBytes+n*rateCpBytesLen {
		return nil, common.Wrap(fmt.Errorf("reserve of %d rates has %d bytes", n, len(b)))
	}
	r := &Reserve{
		Balance:  getAmount(b[0:32]),
		Released: getAmount(b[32:64]),
		Rates:    make([]RateCheckpoint, n),
	}
	for i := range r.Rates {
		o := b[reserveHeaderBytes+i*rateCpBytesLen:]
		from, err := common.TickFromBytes(o[0:8])
		if err != nil {
			return nil, common.Wrap(err)
		}
		r.Rates[i] = RateCheckpoint{FromTick: from, Rate: getAmount(o[8:40])}
	}
	return r, nil
}
