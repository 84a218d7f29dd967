package txnote

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
)

// Utxo is a utxo added to the forest by a transaction, with where it was
// placed and its encrypted content
type Utxo struct {
	Commitment   *big.Int
	QueueID      uint32
	IndexInQueue uint8
	Cipher       Cipher
}

// UtxoCount returns the number of utxos a transaction of txType adds
func UtxoCount(txType TxType) (int, error) {
	layout, err := Layout(txType)
	if err != nil {
		return 0, common.Wrap(err)
	}
	n := 0
	for _, t := range layout {
		if t == SegmentBusTreeIds {
			n++
		}
	}
	return n, nil
}

// Build fills the layout of txType. Every BusTreeIds segment and the
// cipher segment following it take the next utxo, PublicAmount segments
// take the next amount.
func Build(txType TxType, createTime, spendTime uint32, utxos []Utxo, amounts []*big.Int) (*TxNote, error) {
	layout, err := Layout(txType)
	if err != nil {
		return nil, common.Wrap(err)
	}
	note := &TxNote{TxType: txType, Segments: make([]Segment, 0, len(layout))}
	nextUtxo, nextAmount := 0, 0
	for _, t := range layout {
		switch t {
		case SegmentCreateTime:
			note.Segments = append(note.Segments, CreateTime{Tick: createTime})
		case SegmentSpendTime:
			note.Segments = append(note.Segments, SpendTime{Tick: spendTime})
		case SegmentBusTreeIds:
			if nextUtxo >= len(utxos) {
				return nil, common.Wrap(fmt.Errorf("%w: %s needs more than %d utxos",
					common.ErrSegmentCountMismatch, txType, len(utxos)))
			}
			u := utxos[nextUtxo]
			if err := common.CheckInField(u.Commitment); err != nil {
				return nil, common.Wrap(err)
			}
			note.Segments = append(note.Segments, BusTreeIds{
				Commitment:   common.FieldElementBytes(u.Commitment),
				QueueID:      u.QueueID,
				IndexInQueue: u.IndexInQueue,
			})
			nextUtxo++
		case SegmentZAccount:
			note.Segments = append(note.Segments, ZAccount{Cipher: utxos[nextUtxo-1].Cipher})
		case SegmentZAsset:
			note.Segments = append(note.Segments, ZAsset{Cipher: utxos[nextUtxo-1].Cipher})
		case SegmentPublicAmount:
			if nextAmount >= len(amounts) {
				return nil, common.Wrap(fmt.Errorf("%w: %s needs more than %d public amounts",
					common.ErrSegmentCountMismatch, txType, len(amounts)))
			}
			note.Segments = append(note.Segments, PublicAmount{Amount: common.CopyBigInt(amounts[nextAmount])})
			nextAmount++
		}
	}
	if nextUtxo != len(utxos) || nextAmount != len(amounts) {
		return nil, common.Wrap(fmt.Errorf("%w: %s takes %d utxos and %d amounts, got %d and %d",
			common.ErrSegmentCountMismatch, txType, nextUtxo, nextAmount, len(utxos), len(amounts)))
	}
	return note, nil
}
