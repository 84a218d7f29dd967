/*
Package hasher provides the commitment hash used by every tree of the forest.
A Hasher is a pure, deterministic function of two or three field elements
returning a field element of the BN254 scalar field.

Two implementations are available:
  - poseidon: iden3 Poseidon, the default
  - mimc: gnark-crypto MiMC in Miyaguchi-Preneel mode
*/
package hasher

import (
	"fmt"
	"math/big"

	"forest-sequencer/common"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/iden3/go-iden3-crypto/poseidon"
)

const (
	// NamePoseidon selects the Poseidon hasher
	NamePoseidon = "poseidon"
	// NameMiMC selects the MiMC hasher
	NameMiMC = "mimc"
)

// Hasher is the fixed arity commitment hash of the forest
type Hasher interface {
	Hash2(a, b *big.Int) (*big.Int, error)
	Hash3(a, b, c *big.Int) (*big.Int, error)
	Name() string
}

// New returns the Hasher registered with name
func New(name string) (Hasher, error) {
	switch name {
	case NamePoseidon, "":
		return Poseidon{}, nil
	case NameMiMC:
		return MiMC{}, nil
	default:
		return nil, common.Wrap(fmt.Errorf("unknown hasher %q", name))
	}
}

func checkInputs(inputs []*big.Int) error {
	for i, in := range inputs {
		if err := common.CheckInField(in); err != nil {
			return common.Wrap(fmt.Errorf("hash input %d: %w", i, err))
		}
	}
	return nil
}

// Poseidon hashes with the iden3 Poseidon permutation
type Poseidon struct{}

// Name implements Hasher
func (Poseidon) Name() string { return NamePoseidon }

// Hash2 implements Hasher
func (p Poseidon) Hash2(a, b *big.Int) (*big.Int, error) {
	return p.hash(a, b)
}

// Hash3 implements Hasher
func (p Poseidon) Hash3(a, b, c *big.Int) (*big.Int, error) {
	return p.hash(a, b, c)
}

func (Poseidon) hash(inputs ...*big.Int) (*big.Int, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, common.Wrap(err)
	}
	h, err := poseidon.Hash(inputs)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return h, nil
}

// MiMC hashes with the gnark-crypto MiMC construction over the BN254 scalar
// field. Every input is absorbed as one 32 bytes big-endian block.
type MiMC struct{}

// Name implements Hasher
func (MiMC) Name() string { return NameMiMC }

// Hash2 implements Hasher
func (m MiMC) Hash2(a, b *big.Int) (*big.Int, error) {
	return m.hash(a, b)
}

// Hash3 implements Hasher
func (m MiMC) Hash3(a, b, c *big.Int) (*big.Int, error) {
	return m.hash(a, b, c)
}

func (MiMC) hash(inputs ...*big.Int) (*big.Int, error) {
	if err := checkInputs(inputs); err != nil {
		return nil, common.Wrap(err)
	}
	h := mimc.NewMiMC()
	for _, in := range inputs {
		block := common.FieldElementBytes(in)
		if _, err := h.Write(block[:]); err != nil {
			return nil, common.Wrap(err)
		}
	}
	return new(big.Int).SetBytes(h.Sum(nil)), nil
}
