// Package truncpr implements the TRUNC-PR subprotocol: probabilistic
// truncation of a secret-shared value by m bits, per spec.md 4.2. Unlike
// MOD2M it tolerates a bounded rounding error in the lowest bit by design
// (hence "probabilistic"), so no low-bit correction beyond the statistical
// mask is needed; it simply discards the low m bits of the revealed masked
// sum and the preprocessed mask's own low m bits.
package truncpr

import (
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Mask is the preprocessed auxiliary material TRUNC-PR consumes: a share of
// a statistically-masking random value R and a share of floor(R / 2^M).
type Mask struct {
	R        field.Element
	RShifted field.Element
}

// Machine implements protocol.Machine for a single TRUNC-PR instance.
type Machine struct {
	prime *field.Prime
	m     uint
	mask  Mask

	open *reveal.Machine
	done bool
}

// New starts a TRUNC-PR instance computing floor(xShare / 2^m).
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare field.Element, mask Mask, m uint) (*Machine, protocol.Yield, error) {
	masked, err := xShare.Add(mask.R)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("truncpr: x+r: %w", err)
	}
	open, y := reveal.New(prime, degree, self, points, masked)
	return &Machine{prime: prime, m: m, mask: mask, open: open}, protocol.WrapOutbound(y, "open"), nil
}

func (mc *Machine) Round() protocol.RoundID { return mc.open.Round() }
func (mc *Machine) Done() bool              { return mc.done }

// HandleMessage forwards to the internal reveal machine and, once the
// masked sum opens, computes this party's share of floor(x / 2^m).
func (mc *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if mc.done {
		return protocol.Empty(), nil
	}
	_, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("truncpr: message missing sub-machine tag")
	}
	y, err := mc.open.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("truncpr: open: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "open"), nil
	}

	c, err := field.FromBytes(mc.prime, y.Output[8:])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("truncpr: decode opened value: %w", err)
	}
	cShifted := new(big.Int).Rsh(c.BigInt(), mc.m)
	cShiftedEl := field.FromBigInt(mc.prime, cShifted)
	result, err := cShiftedEl.Sub(mc.mask.RShifted)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("truncpr: cshifted-rshifted: %w", err)
	}
	mc.done = true
	return protocol.Final(result.Bytes()), nil
}
