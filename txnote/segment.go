package txnote

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"forest-sequencer/common"
)

// SegmentType is the tag byte leading every segment
type SegmentType uint8

const (
	// SegmentCreateTime carries the tick the utxos were created at
	SegmentCreateTime SegmentType = 0x01
	// SegmentSpendTime carries the tick the spent utxos were spent at
	SegmentSpendTime SegmentType = 0x02
	// SegmentBusTreeIds locates a utxo in the bus queues
	SegmentBusTreeIds SegmentType = 0x03
	// SegmentZAccount carries the encrypted zAccount utxo
	SegmentZAccount SegmentType = 0x04
	// SegmentZAsset carries an encrypted zAsset utxo
	SegmentZAsset SegmentType = 0x05
	// SegmentPublicAmount carries a deposited or withdrawn amount
	SegmentPublicAmount SegmentType = 0x06
)

const (
	// EphemeralKeyLen is the length of the ephemeral public key of a cipher
	// segment
	EphemeralKeyLen = 32
	// CiphertextLen is the length of the ciphertext of a cipher segment
	CiphertextLen   = 64
	publicAmountLen = 32
)

// segmentLengths holds the length of every segment, tag byte included
var segmentLengths = map[SegmentType]int{
	SegmentCreateTime:   1 + 4,
	SegmentSpendTime:    1 + 4,
	SegmentBusTreeIds:   1 + common.FieldElementBytesLen + 4 + 1,
	SegmentZAccount:     1 + EphemeralKeyLen + CiphertextLen,
	SegmentZAsset:       1 + EphemeralKeyLen + CiphertextLen,
	SegmentPublicAmount: 1 + publicAmountLen,
}

func (t SegmentType) String() string {
	switch t {
	case SegmentCreateTime:
		return "CreateTime"
	case SegmentSpendTime:
		return "SpendTime"
	case SegmentBusTreeIds:
		return "BusTreeIds"
	case SegmentZAccount:
		return "ZAccount"
	case SegmentZAsset:
		return "ZAsset"
	case SegmentPublicAmount:
		return "PublicAmount"
	default:
		return fmt.Sprintf("Segment(0x%02x)", uint8(t))
	}
}

// Len returns the encoded length of the segment, tag byte included
func (t SegmentType) Len() int { return segmentLengths[t] }

// Segment is one typed, fixed length part of a TxNote
type Segment interface {
	Type() SegmentType
	// putPayload writes the payload, tag excluded, into b
	putPayload(b []byte) error
}

// CreateTime is the tick the new utxos were created at
type CreateTime struct {
	Tick uint32
}

// Type implements Segment
func (CreateTime) Type() SegmentType { return SegmentCreateTime }

func (s CreateTime) putPayload(b []byte) error {
	binary.BigEndian.PutUint32(b, s.Tick)
	return nil
}

// SpendTime is the tick the spent utxos were spent at
type SpendTime struct {
	Tick uint32
}

// Type implements Segment
func (SpendTime) Type() SegmentType { return SegmentSpendTime }

func (s SpendTime) putPayload(b []byte) error {
	binary.BigEndian.PutUint32(b, s.Tick)
	return nil
}

// BusTreeIds locates a utxo commitment in the bus queues
type BusTreeIds struct {
	Commitment   [common.FieldElementBytesLen]byte
	QueueID      uint32
	IndexInQueue uint8
}

// Type implements Segment
func (BusTreeIds) Type() SegmentType { return SegmentBusTreeIds }

func (s BusTreeIds) putPayload(b []byte) error {
	copy(b[0:32], s.Commitment[:])
	binary.BigEndian.PutUint32(b[32:36], s.QueueID)
	b[36] = s.IndexInQueue
	return nil
}

// Cipher is the payload of an encrypted utxo segment
type Cipher struct {
	EphemeralKey [EphemeralKeyLen]byte
	Ciphertext   [CiphertextLen]byte
}

func (c Cipher) putPayload(b []byte) error {
	copy(b[0:EphemeralKeyLen], c.EphemeralKey[:])
	copy(b[EphemeralKeyLen:], c.Ciphertext[:])
	return nil
}

func cipherFromPayload(b []byte) Cipher {
	var c Cipher
	copy(c.EphemeralKey[:], b[0:EphemeralKeyLen])
	copy(c.Ciphertext[:], b[EphemeralKeyLen:EphemeralKeyLen+CiphertextLen])
	return c
}

// ZAccount is the encrypted zAccount utxo
type ZAccount struct {
	Cipher
}

// Type implements Segment
func (ZAccount) Type() SegmentType { return SegmentZAccount }

// ZAsset is an encrypted zAsset utxo
type ZAsset struct {
	Cipher
}

// Type implements Segment
func (ZAsset) Type() SegmentType { return SegmentZAsset }

// PublicAmount is an amount entering or leaving the pool, as a uint256
type PublicAmount struct {
	Amount *big.Int
}

// Type implements Segment
func (PublicAmount) Type() SegmentType { return SegmentPublicAmount }

func (s PublicAmount) putPayload(b []byte) error {
	if s.Amount == nil || s.Amount.Sign() < 0 || s.Amount.BitLen() > publicAmountLen*8 {
		return common.Wrap(fmt.Errorf("%w: public amount %v", common.ErrNumOverflow, s.Amount))
	}
	s.Amount.FillBytes(b[:publicAmountLen])
	return nil
}

// decodeSegment parses the payload of a segment of type t
func decodeSegment(t SegmentType, payload []byte) Segment {
	switch t {
	case SegmentCreateTime:
		return CreateTime{Tick: binary.BigEndian.Uint32(payload)}
	case SegmentSpendTime:
		return SpendTime{Tick: binary.BigEndian.Uint32(payload)}
	case SegmentBusTreeIds:
		var s BusTreeIds
		copy(s.Commitment[:], payload[0:32])
		s.QueueID = binary.BigEndian.Uint32(payload[32:36])
		s.IndexInQueue = payload[36]
		return s
	case SegmentZAccount:
		return ZAccount{Cipher: cipherFromPayload(payload)}
	case SegmentZAsset:
		return ZAsset{Cipher: cipherFromPayload(payload)}
	case SegmentPublicAmount:
		amount := new(big.Int).SetBytes(payload[:publicAmountLen])
		if amount.Sign() == 0 {
			amount = new(big.Int)
		}
		return PublicAmount{Amount: amount}
	}
	return nil
}
