/*
Package txnote encodes the note published with every transaction that adds
utxos to the forest.

A note is one byte holding the low byte of the tx type, followed by the
segments of the tx type layout. A segment is a one byte tag followed by a
fixed length payload; multi byte integers are big-endian.
*/
package txnote

import (
	"fmt"

	"forest-sequencer/common"
)

// TxType identifies the kind of a transaction. The low byte is the kind,
// the high byte holds flags refining it.
type TxType uint16

const (
	// TxZAccountActivation activates a zAccount
	TxZAccountActivation TxType = 0x01
	// TxPrpClaim claims privacy rewards points
	TxPrpClaim TxType = 0x02
	// TxPrpConversion converts privacy rewards points
	TxPrpConversion TxType = 0x03
	// TxZTransaction is the main shielded transaction
	TxZTransaction TxType = 0x04
	// TxZSwap swaps two shielded assets
	TxZSwap TxType = 0x05

	flagDeposit    TxType = 0x100
	flagWithdrawal TxType = 0x200

	// TxDeposit is a ZTransaction bringing funds into the pool
	TxDeposit = TxZTransaction | flagDeposit
	// TxWithdrawal is a ZTransaction taking funds out of the pool
	TxWithdrawal = TxZTransaction | flagWithdrawal
	// TxDepositAndWithdrawal is a ZTransaction doing both
	TxDepositAndWithdrawal = TxZTransaction | flagDeposit | flagWithdrawal
)

// TaxiQueueID is the queue id written in BusTreeIds for a utxo inserted in
// the taxi tree instead of a bus queue. IndexInQueue then holds the taxi
// leaf index.
const TaxiQueueID = ^uint32(0)

var zTransactionLayout = []SegmentType{
	SegmentSpendTime, SegmentCreateTime,
	SegmentBusTreeIds, SegmentZAccount,
	SegmentBusTreeIds, SegmentZAsset,
	SegmentBusTreeIds, SegmentZAsset,
}

func withAmounts(layout []SegmentType, n int) []SegmentType {
	l := append([]SegmentType{}, layout...)
	for i := 0; i < n; i++ {
		l = append(l, SegmentPublicAmount)
	}
	return l
}

// layouts holds the ordered segments of every supported tx type
var layouts = map[TxType][]SegmentType{
	TxZAccountActivation: {SegmentCreateTime, SegmentBusTreeIds, SegmentZAccount},
	TxPrpClaim:           {SegmentCreateTime, SegmentBusTreeIds, SegmentZAccount},
	TxPrpConversion: {
		SegmentCreateTime,
		SegmentBusTreeIds, SegmentZAccount,
		SegmentBusTreeIds, SegmentZAsset,
	},
	TxZTransaction:         zTransactionLayout,
	TxZSwap:                zTransactionLayout,
	TxDeposit:              withAmounts(zTransactionLayout, 1),
	TxWithdrawal:           withAmounts(zTransactionLayout, 1),
	TxDepositAndWithdrawal: withAmounts(zTransactionLayout, 2),
}

func (t TxType) String() string {
	switch t {
	case TxZAccountActivation:
		return "ZAccountActivation"
	case TxPrpClaim:
		return "PrpClaim"
	case TxPrpConversion:
		return "PrpConversion"
	case TxZTransaction:
		return "ZTransaction"
	case TxZSwap:
		return "ZSwap"
	case TxDeposit:
		return "Deposit"
	case TxWithdrawal:
		return "Withdrawal"
	case TxDepositAndWithdrawal:
		return "DepositAndWithdrawal"
	default:
		return fmt.Sprintf("TxType(0x%x)", uint16(t))
	}
}

// Layout returns the segments of txType, in order
func Layout(txType TxType) ([]SegmentType, error) {
	layout, ok := layouts[txType]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: 0x%x", common.ErrUnsupportedTxType, uint16(txType)))
	}
	return append([]SegmentType{}, layout...), nil
}

// EncodedLen returns the length of an encoded note of txType
func EncodedLen(txType TxType) (int, error) {
	layout, err := Layout(txType)
	if err != nil {
		return 0, common.Wrap(err)
	}
	n := 1
	for _, t := range layout {
		n += t.Len()
	}
	return n, nil
}

// SegmentTypeMismatchError is returned when a segment does not have the
// type expected by the layout
type SegmentTypeMismatchError struct {
	Index    int
	Expected SegmentType
	Actual   SegmentType
}

func (e *SegmentTypeMismatchError) Error() string {
	return fmt.Sprintf("segment %d: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

// Class classifies the error as an integrity error
func (e *SegmentTypeMismatchError) Class() common.ErrorClass { return common.ClassIntegrity }

// TxNote is the decoded note of one transaction
type TxNote struct {
	TxType   TxType
	Segments []Segment
}

// Encode returns the wire form of note
func Encode(note *TxNote) ([]byte, error) {
	layout, err := Layout(note.TxType)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if len(note.Segments) != len(layout) {
		return nil, common.Wrap(fmt.Errorf("%w: %d segments for a layout of %d",
			common.ErrSegmentCountMismatch, len(note.Segments), len(layout)))
	}
	size, _ := EncodedLen(note.TxType)
	b := make([]byte, size)
	b[0] = byte(note.TxType)
	offset := 1
	for i, expected := range layout {
		seg := note.Segments[i]
		if seg == nil {
			return nil, common.Wrap(&SegmentTypeMismatchError{Index: i, Expected: expected})
		}
		if seg.Type() != expected {
			return nil, common.Wrap(&SegmentTypeMismatchError{Index: i, Expected: expected, Actual: seg.Type()})
		}
		b[offset] = byte(expected)
		if err := seg.putPayload(b[offset+1 : offset+expected.Len()]); err != nil {
			return nil, common.Wrap(err)
		}
		offset += expected.Len()
	}
	return b, nil
}

// Decode parses the note of a transaction of type txType. Bytes after the
// last segment are ignored.
func Decode(b []byte, txType TxType) (*TxNote, error) {
	layout, err := Layout(txType)
	if err != nil {
		return nil, common.Wrap(err)
	}
	size, _ := EncodedLen(txType)
	if len(b) < size {
		return nil, common.Wrap(fmt.Errorf("%w: %d bytes, %s needs %d",
			common.ErrNoteTooShort, len(b), txType, size))
	}
	if b[0] != byte(txType) {
		return nil, common.Wrap(fmt.Errorf("%w: leading byte 0x%02x, %s is 0x%02x",
			common.ErrTxTypeMismatch, b[0], txType, byte(txType)))
	}
	note := &TxNote{TxType: txType, Segments: make([]Segment, len(layout))}
	offset := 1
	for i, expected := range layout {
		if actual := SegmentType(b[offset]); actual != expected {
			return nil, common.Wrap(&SegmentTypeMismatchError{Index: i, Expected: expected, Actual: actual})
		}
		note.Segments[i] = decodeSegment(expected, b[offset+1:offset+expected.Len()])
		offset += expected.Len()
	}
	return note, nil
}
