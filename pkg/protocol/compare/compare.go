// Package compare implements the LESS-THAN subprotocol, per spec.md 4.2.
// Signed comparison x < y reduces to testing the sign of d = x - y, which
// (subtraction being linear in Shamir shares) is computed locally; the sign
// bit is then extracted with the same masked-reveal construction used by
// pkg/protocol/mod2m, reading the top bit instead of the low bits.
package compare

import (
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Mask is the preprocessed auxiliary material LESS-THAN consumes: a share
// of a statistically-masking random value R and a share of R's sign/top
// bit at the configured integer bit width.
type Mask struct {
	R         field.Element
	RTopBit   field.Element
	BitWidth  uint
}

// Machine implements protocol.Machine for a single LESS-THAN instance.
type Machine struct {
	prime *field.Prime
	mask  Mask

	open *reveal.Machine
	done bool
}

// New starts a LESS-THAN instance testing xShare < yShare. Both operands
// must use the signed (-p/2, p/2] encoding from pkg/field.EncodeInteger.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare, yShare field.Element, mask Mask) (*Machine, protocol.Yield, error) {
	d, err := xShare.Sub(yShare)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("compare: x-y: %w", err)
	}
	// Shift by 2^bitwidth so that, for |d| < 2^bitwidth, the shifted value
	// lies in (0, 2^(bitwidth+1)) and its top bit (bit bitwidth, the bit
	// HandleMessage reads) is 1 exactly when d >= 0.
	offset := new(big.Int).Lsh(big.NewInt(1), mask.BitWidth)
	shifted, err := d.Add(field.FromBigInt(prime, offset))
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("compare: shift: %w", err)
	}
	masked, err := shifted.Add(mask.R)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("compare: mask: %w", err)
	}
	open, y := reveal.New(prime, degree, self, points, masked)
	return &Machine{prime: prime, mask: mask, open: open}, protocol.WrapOutbound(y, "open"), nil
}

func (mc *Machine) Round() protocol.RoundID { return mc.open.Round() }
func (mc *Machine) Done() bool              { return mc.done }

// HandleMessage forwards to the internal reveal machine and, once the
// masked shifted difference opens, computes this party's share of the
// boolean x < y as the (inverted) top bit of the shifted difference.
func (mc *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if mc.done {
		return protocol.Empty(), nil
	}
	_, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("compare: message missing sub-machine tag")
	}
	y, err := mc.open.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("compare: open: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "open"), nil
	}

	c, err := field.FromBytes(mc.prime, y.Output[8:])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("compare: decode opened value: %w", err)
	}
	topBitC := bitAt(c.BigInt(), mc.mask.BitWidth)
	topBitCEl := field.FromUint64(mc.prime, topBitC)

	// x < y iff the shifted difference's top bit is 0, i.e. result = 1 -
	// topBit(c) + topBit(r) (mod 2, approximated here by field subtraction
	// since carries across the mask boundary are assumed absorbed by the
	// mask's statistical security margin).
	diff, err := topBitCEl.Sub(mc.mask.RTopBit)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("compare: topbit diff: %w", err)
	}
	result, err := field.One(mc.prime).Sub(diff)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("compare: result: %w", err)
	}
	mc.done = true
	return protocol.Final(result.Bytes()), nil
}

func bitAt(v *big.Int, pos uint) uint64 {
	if v.Bit(int(pos)) == 1 {
		return 1
	}
	return 0
}
