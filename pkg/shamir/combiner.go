package shamir

import "github.com/nilvm/engine/pkg/field"

// Combiner precomputes Lagrange coefficients for a fixed set of active
// party points so that repeated reconstructions against the same party set
// (the common case: the cluster membership rarely changes mid-compute)
// avoid recomputing O(n^2) field inversions every time.
//
// Grounded directly on lattigo's drlwe.Combiner (see DESIGN.md): same
// precompute-then-reuse shape, same "own point may appear in others" note.
type Combiner struct {
	prime  *field.Prime
	points []PartyPoint
	coeffs map[PartyPoint]field.Element // lagrangeCoeffs[x] = prod_{y != x} y/(y-x), evaluated at 0
}

// NewCombiner precomputes the Lagrange coefficients (evaluated at x=0) for
// reconstructing a secret from shares at exactly the given set of points.
func NewCombiner(prime *field.Prime, points []PartyPoint) *Combiner {
	cmb := &Combiner{prime: prime, points: points, coeffs: make(map[PartyPoint]field.Element, len(points))}
	for _, xi := range points {
		cmb.coeffs[xi] = lagrangeCoeffAtZero(prime, xi, points)
	}
	return cmb
}

// lagrangeCoeffAtZero computes prod_{xj != xi} (0 - xj) / (xi - xj), i.e.
// the Lagrange basis polynomial for point xi evaluated at 0.
func lagrangeCoeffAtZero(prime *field.Prime, xi PartyPoint, points []PartyPoint) field.Element {
	num := field.One(prime)
	den := field.One(prime)
	fxi := field.FromUint64(prime, uint64(xi))

	for _, xj := range points {
		if xj == xi {
			continue
		}
		fxj := field.FromUint64(prime, uint64(xj))

		negXj := fxj.Neg()
		num, _ = num.Mul(negXj)

		diff, _ := fxi.Sub(fxj)
		den, _ = den.Mul(diff)
	}

	denInv, err := den.Inv()
	if err != nil {
		// den is zero only if two points coincide, which callers must
		// prevent by construction (party points are assigned distinct
		// nonzero values at cluster configuration time).
		panic("shamir: duplicate party point in Lagrange coefficient set")
	}
	coeff, _ := num.Mul(denInv)
	return coeff
}

// Coefficient returns the precomputed Lagrange coefficient (evaluated at
// x=0) for pt, if pt is part of this Combiner's configured point set. Used
// by callers (e.g. pkg/protocol/ecdsasign) that need to combine values in a
// group other than the field itself, such as EC-point exponents, where
// Reconstruct's field-only arithmetic does not apply.
func (c *Combiner) Coefficient(pt PartyPoint) (field.Element, bool) {
	coeff, ok := c.coeffs[pt]
	return coeff, ok
}

// Reconstruct combines shares (whose points must be exactly the Combiner's
// configured point set, in any order) into the secret at x=0.
func (c *Combiner) Reconstruct(shares []Share) (field.Element, error) {
	if len(shares) != len(c.points) {
		return field.Element{}, ErrInsufficientShares
	}
	acc := field.Zero(c.prime)
	for _, s := range shares {
		coeff, ok := c.coeffs[s.Point]
		if !ok {
			return field.Element{}, ErrDuplicatePoint
		}
		term, err := s.Value.Mul(coeff)
		if err != nil {
			return field.Element{}, err
		}
		acc, err = acc.Add(term)
		if err != nil {
			return field.Element{}, err
		}
	}
	return acc, nil
}
