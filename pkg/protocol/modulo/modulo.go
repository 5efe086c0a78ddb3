// Package modulo implements the MODULO subprotocol: x mod m2 for an
// arbitrary (not necessarily power-of-two) public modulus m2, per spec.md
// 4.2. It follows the same masked-reveal shape as pkg/protocol/mod2m,
// generalized to an arbitrary modulus carried by the preprocessed Mask.
package modulo

import (
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Mask is the preprocessed auxiliary material MODULO consumes, generated
// for a specific target modulus: a share of a masking random value R and a
// share of R mod M.
type Mask struct {
	R       field.Element
	RLow    field.Element
	Modulus *big.Int
}

// Machine implements protocol.Machine for a single MODULO instance.
type Machine struct {
	prime *field.Prime
	mask  Mask

	open *reveal.Machine
	done bool
}

// New starts a MODULO instance reducing xShare modulo mask.Modulus.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare field.Element, mask Mask) (*Machine, protocol.Yield, error) {
	masked, err := xShare.Add(mask.R)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("modulo: x+r: %w", err)
	}
	open, y := reveal.New(prime, degree, self, points, masked)
	return &Machine{prime: prime, mask: mask, open: open}, protocol.WrapOutbound(y, "open"), nil
}

func (mc *Machine) Round() protocol.RoundID { return mc.open.Round() }
func (mc *Machine) Done() bool              { return mc.done }

// HandleMessage forwards to the internal reveal machine and, once the
// masked sum opens, computes this party's share of x mod mask.Modulus.
func (mc *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if mc.done {
		return protocol.Empty(), nil
	}
	_, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("modulo: message missing sub-machine tag")
	}
	y, err := mc.open.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("modulo: open: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "open"), nil
	}

	c, err := field.FromBytes(mc.prime, y.Output[8:])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("modulo: decode opened value: %w", err)
	}
	cLow := new(big.Int).Mod(c.BigInt(), mc.mask.Modulus)

	diff := new(big.Int).Sub(cLow, mc.mask.RLow.BigInt())
	diff.Mod(diff, mc.mask.Modulus)
	result := field.FromBigInt(mc.prime, diff)
	mc.done = true
	return protocol.Final(result.Bytes()), nil
}
