package field

import (
	"errors"
	"math/big"
)

// Errors returned by field element operations.
var (
	ErrMismatchedPrime = errors.New("field: operands belong to different primes")
	ErrInvalidEncoding = errors.New("field: value magnitude exceeds the prime")
	ErrNotInvertible   = errors.New("field: element has no multiplicative inverse (zero)")
)

// Element is a residue modulo a configured Prime. The zero value is not a
// valid Element; use Zero(p) or one of the decode constructors.
//
// Arithmetic is implemented with math/big rather than fixed-width limbs.
// lattigo's own ring arithmetic (drlwe/threshold.go's ring.RNSScalar) uses
// fixed-width limb slices with Montgomery reduction because it operates on
// RNS bases with dozens of small moduli per element; a single safe-prime
// field element here has exactly one modulus, so the limb/Montgomery
// machinery buys nothing and big.Int is both simpler and, for these prime
// sizes (<=256 bits), fast enough. See DESIGN.md.
type Element struct {
	p *Prime
	v *big.Int
}

// Prime returns the modulus this element is defined over.
func (e Element) Prime() *Prime { return e.p }

// Zero returns the additive identity of the field defined by p.
func Zero(p *Prime) Element { return Element{p: p, v: big.NewInt(0)} }

// One returns the multiplicative identity of the field defined by p.
func One(p *Prime) Element { return Element{p: p, v: big.NewInt(1)} }

// FromUint64 reduces v modulo p and returns the resulting element.
func FromUint64(p *Prime, v uint64) Element {
	bi := new(big.Int).SetUint64(v)
	bi.Mod(bi, p.value)
	return Element{p: p, v: bi}
}

// FromBigInt reduces v modulo p and returns the resulting element. Negative
// values are reduced into [0, p) the usual big.Int.Mod way; callers that
// need the cluster's signed Integer encoding should use EncodeInteger
// instead, which applies the p+n convention from spec.md 4.1.
func FromBigInt(p *Prime, v *big.Int) Element {
	bi := new(big.Int).Mod(v, p.value)
	return Element{p: p, v: bi}
}

func (e Element) sameField(o Element) error {
	if e.p != o.p {
		return ErrMismatchedPrime
	}
	return nil
}

// Add returns e+o mod p.
func (e Element) Add(o Element) (Element, error) {
	if err := e.sameField(o); err != nil {
		return Element{}, err
	}
	r := new(big.Int).Add(e.v, o.v)
	r.Mod(r, e.p.value)
	return Element{p: e.p, v: r}, nil
}

// Sub returns e-o mod p.
func (e Element) Sub(o Element) (Element, error) {
	if err := e.sameField(o); err != nil {
		return Element{}, err
	}
	r := new(big.Int).Sub(e.v, o.v)
	r.Mod(r, e.p.value)
	return Element{p: e.p, v: r}, nil
}

// Mul returns e*o mod p.
func (e Element) Mul(o Element) (Element, error) {
	if err := e.sameField(o); err != nil {
		return Element{}, err
	}
	r := new(big.Int).Mul(e.v, o.v)
	r.Mod(r, e.p.value)
	return Element{p: e.p, v: r}, nil
}

// Neg returns -e mod p.
func (e Element) Neg() Element {
	r := new(big.Int).Neg(e.v)
	r.Mod(r, e.p.value)
	return Element{p: e.p, v: r}
}

// Inv returns the Fermat inverse of e (e^(p-2) mod p). Returns
// ErrNotInvertible for the zero element.
func (e Element) Inv() (Element, error) {
	if e.IsZero() {
		return Element{}, ErrNotInvertible
	}
	exp := new(big.Int).Sub(e.p.value, big.NewInt(2))
	r := new(big.Int).Exp(e.v, exp, e.p.value)
	return Element{p: e.p, v: r}, nil
}

// IsZero reports whether e is the additive identity.
func (e Element) IsZero() bool { return e.v.Sign() == 0 }

// Equal reports whether e and o are the same residue of the same prime.
func (e Element) Equal(o Element) bool {
	if e.sameField(o) != nil {
		return false
	}
	return e.v.Cmp(o.v) == 0
}

// BigInt returns the canonical non-negative representative in [0, p).
func (e Element) BigInt() *big.Int { return new(big.Int).Set(e.v) }

// Bytes encodes e in canonical little-endian form, zero-padded to the
// prime's byte length.
func (e Element) Bytes() []byte {
	be := e.v.Bytes() // big-endian, no leading zeros
	out := make([]byte, e.p.ByteLen())
	for i := range be {
		out[i] = be[len(be)-1-i]
	}
	return out
}

// FromBytes decodes a canonical little-endian encoding produced by Bytes
// into an Element of the given prime.
func FromBytes(p *Prime, b []byte) (Element, error) {
	be := make([]byte, len(b))
	for i, c := range b {
		be[len(b)-1-i] = c
	}
	v := new(big.Int).SetBytes(be)
	if v.Cmp(p.value) >= 0 {
		return Element{}, ErrInvalidEncoding
	}
	return Element{p: p, v: v}, nil
}

// EncodeInteger maps a signed integer into the field using the cluster
// convention from spec.md 4.1: negative values v are encoded as p+v. Fails
// with ErrInvalidEncoding if |v| would not round-trip, i.e. v is outside
// (-p/2, p/2].
func EncodeInteger(p *Prime, v *big.Int) (Element, error) {
	// valid range is (-p/2, p/2]; p.half == floor((p-1)/2) == floor(p/2) for odd p.
	lowerExclusive := new(big.Int).Neg(p.half)
	if v.Cmp(p.half) > 0 || v.Cmp(lowerExclusive) <= 0 {
		return Element{}, ErrInvalidEncoding
	}
	r := new(big.Int).Mod(v, p.value)
	return Element{p: p, v: r}, nil
}

// DecodeInteger is the inverse of EncodeInteger: it maps e back into the
// signed range (-p/2, p/2].
func (e Element) DecodeInteger() *big.Int {
	if e.v.Cmp(e.p.half) > 0 {
		return new(big.Int).Sub(e.v, e.p.value)
	}
	return new(big.Int).Set(e.v)
}

// EncodeBoolean maps false/true to 0/1.
func EncodeBoolean(p *Prime, b bool) Element {
	if b {
		return One(p)
	}
	return Zero(p)
}

// DecodeBoolean reports whether e encodes true: zero decodes as false and
// every non-zero value, not only One, decodes as true.
func (e Element) DecodeBoolean() bool { return !e.IsZero() }
