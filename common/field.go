package common

import (
	"fmt"
	"math/big"

	"github.com/iden3/go-iden3-crypto/constants"
	cryptoUtils "github.com/iden3/go-iden3-crypto/utils"
)

// FieldElementBytesLen is the length of the big-endian encoding of a field
// element
const FieldElementBytesLen = 32

// ZeroLeafHex is the value of an empty leaf in the utxo trees. It is the
// keccak256 of "Pantherprotocol" reduced modulo the scalar field.
const ZeroLeafHex = "0667764c376602b72ef22218e1673c2cc8546201f9a77807570b3e5de137680d"

var (
	// FieldModulus is the order of the BN254 scalar field every leaf and
	// root lives in
	FieldModulus = new(big.Int).Set(constants.Q)
	// ZeroLeaf is the default value of an unfilled utxo tree leaf
	ZeroLeaf, _ = new(big.Int).SetString(ZeroLeafHex, 16)
)

// CheckInField returns ErrNotInFF when v is nil, negative or not smaller
// than the field modulus
func CheckInField(v *big.Int) error {
	if v == nil || !cryptoUtils.CheckBigIntInField(v) {
		return Wrap(ErrNotInFF)
	}
	return nil
}

// FieldElementBytes returns the 32 bytes big-endian representation of v
func FieldElementBytes(v *big.Int) [FieldElementBytesLen]byte {
	var b [FieldElementBytesLen]byte
	if v != nil {
		v.FillBytes(b[:])
	}
	return b
}

// FieldElementFromBytes parses a 32 bytes big-endian field element
func FieldElementFromBytes(b []byte) (*big.Int, error) {
	if len(b) != FieldElementBytesLen {
		return nil, Wrap(fmt.Errorf("can not parse field element, bytes len %d, expected %d",
			len(b), FieldElementBytesLen))
	}
	v := new(big.Int).SetBytes(b)
	if err := CheckInField(v); err != nil {
		return nil, Wrap(err)
	}
	return v, nil
}

// CopyBigInt returns a copy of v, or nil if v is nil
func CopyBigInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
