// Package mod2m implements the MOD2M subprotocol: given a secret-shared
// value x and a bit position m, produce a secret sharing of x mod 2^m, per
// spec.md 4.2. It follows the Catrina masked-reveal pattern: mask x with a
// preprocessed random value whose low m bits are separately shared, reveal
// the masked sum, then recover the result from the public low bits and the
// preprocessed low-bit share.
package mod2m

import (
	"fmt"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/reveal"
	"github.com/nilvm/engine/pkg/shamir"
)

// Mask is the preprocessed auxiliary material MOD2M consumes: a share of a
// statistically-masking random value R and a share of R mod 2^M.
type Mask struct {
	R    field.Element
	RLow field.Element
}

// Machine implements protocol.Machine for a single MOD2M instance.
type Machine struct {
	prime *field.Prime
	m     uint
	mask  Mask

	open *reveal.Machine
	done bool
}

// New starts a MOD2M instance reducing xShare modulo 2^m.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, xShare field.Element, mask Mask, m uint) (*Machine, protocol.Yield, error) {
	masked, err := xShare.Add(mask.R)
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("mod2m: x+r: %w", err)
	}
	open, y := reveal.New(prime, degree, self, points, masked)
	return &Machine{prime: prime, m: m, mask: mask, open: open}, protocol.WrapOutbound(y, "open"), nil
}

func (mc *Machine) Round() protocol.RoundID { return mc.open.Round() }
func (mc *Machine) Done() bool              { return mc.done }

// HandleMessage forwards to the internal reveal machine and, once the
// masked sum opens, computes this party's share of x mod 2^m.
func (mc *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if mc.done {
		return protocol.Empty(), nil
	}
	_, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("mod2m: message missing sub-machine tag")
	}
	y, err := mc.open.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("mod2m: open: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "open"), nil
	}

	c, err := field.FromBytes(mc.prime, y.Output[8:])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("mod2m: decode opened value: %w", err)
	}
	mod := new(big.Int).Lsh(big.NewInt(1), mc.m)
	cLow := new(big.Int).Mod(c.BigInt(), mod)

	// cLow and r mod 2^m are both plain integers in [0, 2^m); subtract them
	// as such (wrapping back into range via mod, not via field subtraction,
	// which would wrap at p instead of at 2^m) before re-encoding as a
	// field element.
	diff := new(big.Int).Sub(cLow, mc.mask.RLow.BigInt())
	diff.Mod(diff, mod)
	result := field.FromBigInt(mc.prime, diff)
	mc.done = true
	return protocol.Final(result.Bytes()), nil
}
