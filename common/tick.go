package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
)

const (
	tickBytesLen    = 8
	queueIDBytesLen = 4
)

// Tick is a position in the totally ordered operation log. Every operation
// applied by the sequencer happens at the current Tick.
type Tick uint64

// Bytes returns a byte array of length 8 representing the Tick
func (t Tick) Bytes() []byte {
	var b [tickBytesLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(t))
	return b[:]
}

// TickFromBytes returns Tick from a []byte
func TickFromBytes(b []byte) (Tick, error) {
	if len(b) != tickBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse TickFromBytes, bytes len %d, expected %d",
			len(b), tickBytesLen))
	}
	return Tick(binary.BigEndian.Uint64(b)), nil
}

// Sub returns t-u, or 0 if u is after t
func (t Tick) Sub(u Tick) uint64 {
	if u >= t {
		return 0
	}
	return uint64(t - u)
}

// QueueID identifies a bus queue. Ids are assigned sequentially from 0.
type QueueID uint32

// Bytes returns a byte array of length 4 representing the QueueID
func (id QueueID) Bytes() []byte {
	var b [queueIDBytesLen]byte
	binary.BigEndian.PutUint32(b[:], uint32(id))
	return b[:]
}

// QueueIDFromBytes returns QueueID from a []byte
func QueueIDFromBytes(b []byte) (QueueID, error) {
	if len(b) != queueIDBytesLen {
		return 0, Wrap(fmt.Errorf("can not parse QueueIDFromBytes, bytes len %d, expected %d",
			len(b), queueIDBytesLen))
	}
	return QueueID(binary.BigEndian.Uint32(b)), nil
}

// BigInt returns a *big.Int representing the QueueID
func (id QueueID) BigInt() *big.Int {
	return big.NewInt(int64(id))
}
