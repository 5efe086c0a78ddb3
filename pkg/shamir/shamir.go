// Package shamir implements Shamir (t, n) secret sharing over pkg/field
// elements: polynomial-based sharing, per-party evaluation, and
// Lagrange-interpolation reconstruction with a cached coefficient table.
//
// The shape of GenPolynomial/EvalAt below and Combiner (combiner.go) is
// grounded directly on
// lattigo's drlwe/threshold.go Thresholdizer/Combiner (see DESIGN.md): the
// same generate-polynomial / evaluate-at-recipient / aggregate / Lagrange-
// combine structure, rewritten from ringqp.Poly coefficients to field.Element
// scalars.
package shamir

import (
	"errors"

	"github.com/nilvm/engine/pkg/field"
)

// Errors returned by sharing and reconstruction.
var (
	ErrInsufficientShares = errors.New("shamir: fewer than threshold+1 shares available")
	ErrDuplicatePoint     = errors.New("shamir: duplicate party evaluation point")
	ErrMismatchedPrime    = field.ErrMismatchedPrime
)

// PartyPoint is the nonzero x-coordinate at which a cluster member's share
// of any secret is evaluated. Assigned once per cluster member at
// configuration time and never zero.
type PartyPoint uint64

// Share is a single party's evaluation of a degree-t polynomial at their
// PartyPoint, tagged with nothing beyond the field element itself — callers
// (pkg/nada) attach the semantic Kind.
type Share struct {
	Point PartyPoint
	Value field.Element
}

// Polynomial is the degree-t polynomial used to produce a Shamir sharing of
// a secret: constant term is the secret, remaining coefficients are
// uniformly random.
type Polynomial struct {
	coeffs []field.Element // coeffs[0] is the secret
}

// Degree returns the polynomial's degree (len(coeffs)-1).
func (p Polynomial) Degree() int { return len(p.coeffs) - 1 }

// GenPolynomial samples a new secret-sharing polynomial of the given degree
// with constant term equal to secret, using rnd as the source of uniformly
// random higher-order coefficients. degree must be < number of cluster
// members for the sharing to meaningfully fall short of a full reveal.
func GenPolynomial(prime *field.Prime, degree int, secret field.Element, rnd RandomElementSource) (Polynomial, error) {
	if degree < 0 {
		return Polynomial{}, errors.New("shamir: polynomial degree must be >= 0")
	}
	coeffs := make([]field.Element, degree+1)
	coeffs[0] = secret
	for i := 1; i <= degree; i++ {
		coeffs[i] = rnd.RandomElement(prime)
	}
	return Polynomial{coeffs: coeffs}, nil
}

// RandomElementSource abstracts the PRNG used to sample polynomial
// coefficients, so tests can supply a deterministic source.
type RandomElementSource interface {
	RandomElement(p *field.Prime) field.Element
}

// EvalAt evaluates the polynomial at the given nonzero party point using
// Horner's method, producing that party's Share.
func (p Polynomial) EvalAt(point PartyPoint) (Share, error) {
	if point == 0 {
		return Share{}, errors.New("shamir: party point must be nonzero")
	}
	prime := p.coeffs[0].Prime()
	x := field.FromUint64(prime, uint64(point))

	acc := p.coeffs[len(p.coeffs)-1]
	for i := len(p.coeffs) - 2; i >= 0; i-- {
		var err error
		acc, err = acc.Mul(x)
		if err != nil {
			return Share{}, err
		}
		acc, err = acc.Add(p.coeffs[i])
		if err != nil {
			return Share{}, err
		}
	}
	return Share{Point: point, Value: acc}, nil
}

// GenerateShares samples a random degree-`degree` polynomial with constant
// term secret and evaluates it at every given point, returning one Share per
// point in the same order. This is the common-case entry point used by
// pkg/nada when distributing a Secret<T> value to the cluster.
func GenerateShares(prime *field.Prime, degree int, secret field.Element, points []PartyPoint, rnd RandomElementSource) ([]Share, error) {
	poly, err := GenPolynomial(prime, degree, secret, rnd)
	if err != nil {
		return nil, err
	}
	out := make([]Share, len(points))
	for i, pt := range points {
		s, err := poly.EvalAt(pt)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Reconstruct recovers the secret at x=0 from at least degree+1 shares via
// Lagrange interpolation. Fails with ErrInsufficientShares if fewer than
// degree+1 distinct-point shares are supplied.
func Reconstruct(prime *field.Prime, degree int, shares []Share) (field.Element, error) {
	needed := degree + 1
	distinct, err := dedupeByPoint(shares)
	if err != nil {
		return field.Element{}, err
	}
	if len(distinct) < needed {
		return field.Element{}, ErrInsufficientShares
	}
	used := distinct[:needed]

	cmb := NewCombiner(prime, pointsOf(used))
	return cmb.Reconstruct(used)
}

func dedupeByPoint(shares []Share) ([]Share, error) {
	seen := make(map[PartyPoint]struct{}, len(shares))
	out := make([]Share, 0, len(shares))
	for _, s := range shares {
		if _, ok := seen[s.Point]; ok {
			return nil, ErrDuplicatePoint
		}
		seen[s.Point] = struct{}{}
		out = append(out, s)
	}
	return out, nil
}

func pointsOf(shares []Share) []PartyPoint {
	out := make([]PartyPoint, len(shares))
	for i, s := range shares {
		out[i] = s.Point
	}
	return out
}
