package preprocessing

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/shamir"
)

// Well-known element-kind prefixes. A kind string beyond these (e.g.
// "Modulo:<modulus>" or "TruncPr:<shift>") still decodes the same way as
// its prefix; only the sampling differs, per unitShape below.
const (
	KindMultiplication  ElementKind = "Multiplication"
	KindCompare         ElementKind = "CompareMask"
	KindEquals          ElementKind = "Equals"
	KindRandomBit       ElementKind = "RandomBit"
	KindRandomInteger   ElementKind = "RandomInteger"
	KindEcdsaSign       ElementKind = "EcdsaSign"
	kindModuloPrefix                = "Modulo:"
	kindTruncPrPrefix               = "TruncPr:"
)

// ModuloKind names the per-modulus preprocessing bucket MODULO draws from:
// a MODULO mask is only valid against the specific modulus it was
// generated for, so each distinct modulus a compute uses gets its own
// element-kind bucket, keyed by its decimal string.
func ModuloKind(modulus fmt.Stringer) ElementKind {
	return ElementKind(kindModuloPrefix + modulus.String())
}

// TruncPrKind names the per-shift preprocessing bucket TRUNC-PR draws
// from: floor(R / 2^m) depends on m, so distinct truncation widths get
// distinct buckets.
func TruncPrKind(shift uint) ElementKind {
	return ElementKind(fmt.Sprintf("%s%d", kindTruncPrPrefix, shift))
}

// readerSource adapts an io.Reader to shamir.RandomElementSource, so a
// Generator can be driven by either crypto/rand.Reader (real generation)
// or the blake3 derive-key reader fake mode seeds its one real batch from
// (see generateFake in scheduler.go).
type readerSource struct{ r io.Reader }

func (s readerSource) RandomElement(p *field.Prime) field.Element {
	v, err := rand.Int(s.r, p.BigInt())
	if err != nil {
		panic("preprocessing: random source exhausted: " + err.Error())
	}
	return field.FromBigInt(p, v)
}

// DealerGenerator is a trusted-dealer Generator: for each unit it samples
// the unit's secret values in cleartext, Shamir-splits each across the
// whole party set, and concatenates every party's share into one blob.
// This is the devnet/single-process generation story spec.md 4.6 assumes
// when it says generation "runs as an ordinary cluster protocol" without
// mandating a specific MPC generation scheme; a production deployment
// would replace this with an OT- or DKG-based generator behind the same
// Generator interface.
type DealerGenerator struct {
	Prime    *field.Prime
	Degree   int
	Points   map[protocol.PartyID]shamir.PartyPoint
	Parties  []protocol.PartyID // must be sorted; fixes the per-party slice order every Service relies on
	BitWidth uint                // integer bit width CompareMask/Equals sample their sign-bit mask at
}

// SortedParties returns parties sorted by PartyID, the canonical party
// order both DealerGenerator and the elements.Service must agree on.
func SortedParties(points map[protocol.PartyID]shamir.PartyPoint) []protocol.PartyID {
	out := make([]protocol.PartyID, 0, len(points))
	for p := range points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (g *DealerGenerator) pointList() []shamir.PartyPoint {
	out := make([]shamir.PartyPoint, len(g.Parties))
	for i, p := range g.Parties {
		out[i] = g.Points[p]
	}
	return out
}

// split Shamir-shares secret and appends every party's share, in
// g.Parties order, to out.
func (g *DealerGenerator) split(out []byte, secret field.Element, rnd shamir.RandomElementSource) ([]byte, error) {
	shares, err := shamir.GenerateShares(g.Prime, g.Degree, secret, g.pointList(), rnd)
	if err != nil {
		return nil, err
	}
	byPoint := make(map[shamir.PartyPoint]field.Element, len(shares))
	for _, s := range shares {
		byPoint[s.Point] = s.Value
	}
	for _, p := range g.Parties {
		out = append(out, byPoint[g.Points[p]].Bytes()...)
	}
	return out, nil
}

func bitAt(el field.Element, pos uint) uint64 {
	if el.BigInt().Bit(int(pos)) == 1 {
		return 1
	}
	return 0
}

// sampleCompareUnit produces one LESS-THAN-shaped (R, RTopBit) pair.
func (g *DealerGenerator) sampleCompareUnit(out []byte, rnd shamir.RandomElementSource) ([]byte, error) {
	r := rnd.RandomElement(g.Prime)
	topBit := field.FromUint64(g.Prime, bitAt(r, g.BitWidth))
	out, err := g.split(out, r, rnd)
	if err != nil {
		return nil, err
	}
	return g.split(out, topBit, rnd)
}

// Generate implements preprocessing.Generator for every kind this engine
// needs: it dispatches on the kind's shape (fixed kinds, or the
// Modulo:/TruncPr: family) and writes batchSize units back to back.
func (g *DealerGenerator) Generate(ctx context.Context, kind ElementKind, batchSize int, rnd io.Reader) ([]byte, error) {
	src := readerSource{r: rnd}
	var out []byte
	var err error

	for u := 0; u < batchSize; u++ {
		switch {
		case kind == KindMultiplication:
			a := src.RandomElement(g.Prime)
			b := src.RandomElement(g.Prime)
			c, mulErr := a.Mul(b)
			if mulErr != nil {
				return nil, mulErr
			}
			if out, err = g.split(out, a, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, b, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, c, src); err != nil {
				return nil, err
			}
		case kind == KindCompare:
			if out, err = g.sampleCompareUnit(out, src); err != nil {
				return nil, err
			}
		case kind == KindEquals:
			if out, err = g.sampleCompareUnit(out, src); err != nil { // lt
				return nil, err
			}
			if out, err = g.sampleCompareUnit(out, src); err != nil { // gt
				return nil, err
			}
			a := src.RandomElement(g.Prime)
			b := src.RandomElement(g.Prime)
			c, mulErr := a.Mul(b)
			if mulErr != nil {
				return nil, mulErr
			}
			if out, err = g.split(out, a, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, b, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, c, src); err != nil {
				return nil, err
			}
		case kind == KindRandomBit:
			bit := uint64(0)
			if src.RandomElement(g.Prime).BigInt().Bit(0) == 1 {
				bit = 1
			}
			if out, err = g.split(out, field.FromUint64(g.Prime, bit), src); err != nil {
				return nil, err
			}
		case kind == KindRandomInteger:
			if out, err = g.split(out, src.RandomElement(g.Prime), src); err != nil {
				return nil, err
			}
		case kind == KindEcdsaSign:
			k := src.RandomElement(g.Prime)
			kinv, invErr := k.Inv()
			if invErr != nil {
				return nil, invErr
			}
			a := src.RandomElement(g.Prime)
			b := src.RandomElement(g.Prime)
			c, mulErr := a.Mul(b)
			if mulErr != nil {
				return nil, mulErr
			}
			for _, v := range []field.Element{k, kinv, a, b, c} {
				if out, err = g.split(out, v, src); err != nil {
					return nil, err
				}
			}
		case len(kind) > len(kindModuloPrefix) && string(kind)[:len(kindModuloPrefix)] == kindModuloPrefix:
			modulus, ok := new(big.Int).SetString(string(kind)[len(kindModuloPrefix):], 10)
			if !ok {
				return nil, fmt.Errorf("preprocessing: malformed modulo kind %q", kind)
			}
			r := src.RandomElement(g.Prime)
			rLow := new(big.Int).Mod(r.BigInt(), modulus)
			if out, err = g.split(out, r, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, field.FromBigInt(g.Prime, rLow), src); err != nil {
				return nil, err
			}
		case len(kind) > len(kindTruncPrPrefix) && string(kind)[:len(kindTruncPrPrefix)] == kindTruncPrPrefix:
			r := src.RandomElement(g.Prime)
			shift, shiftErr := strconv.ParseUint(string(kind)[len(kindTruncPrPrefix):], 10, 32)
			if shiftErr != nil {
				return nil, shiftErr
			}
			rShifted := new(big.Int).Rsh(r.BigInt(), uint(shift))
			if out, err = g.split(out, r, src); err != nil {
				return nil, err
			}
			if out, err = g.split(out, field.FromBigInt(g.Prime, rShifted), src); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("preprocessing: unknown element kind %q", kind)
		}
	}
	return out, nil
}
