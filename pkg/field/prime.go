// Package field implements arithmetic over a prime field Z/pZ where p is one
// of a small set of cluster-wide configured safe primes.
package field

import (
	"fmt"
	"math/big"
)

// Size identifies one of the cluster-wide configured safe prime sizes.
type Size int

const (
	// Size64 is a 64-bit safe prime, suitable for devnets and low-latency computes.
	Size64 Size = 64
	// Size128 is a 128-bit safe prime.
	Size128 Size = 128
	// Size256 is a 256-bit safe prime, the default for production clusters.
	Size256 Size = 256
)

// Prime is a configured safe prime modulus. Two Primes are the same modulus
// only if they point to the same value; operations across distinct Primes
// are rejected with ErrMismatchedPrime even if the big.Int values happen to
// be numerically equal, since the cluster identifies primes by configured
// identity, not by value.
type Prime struct {
	size  Size
	value *big.Int
	half  *big.Int // (p-1)/2, used for the signed decode range (-p/2, p/2]
}

// NewPrime constructs a Prime from a safe-prime big.Int value and its
// declared size class. It does not verify primality; that is the
// responsibility of the cluster configuration loader, which ships a fixed
// table of vetted constants (see Safe64, Safe128, Safe256).
func NewPrime(size Size, value *big.Int) *Prime {
	half := new(big.Int).Sub(value, big.NewInt(1))
	half.Rsh(half, 1)
	return &Prime{size: size, value: new(big.Int).Set(value), half: half}
}

// Size reports the configured size class of the prime.
func (p *Prime) Size() Size { return p.size }

// BigInt returns a copy of the modulus as a big.Int.
func (p *Prime) BigInt() *big.Int { return new(big.Int).Set(p.value) }

// ByteLen returns the number of bytes needed to hold an element of this
// field in canonical little-endian form.
func (p *Prime) ByteLen() int { return CeilDiv(p.value.BitLen(), 8) }

// ChunkLen returns the number of whole bytes of secret-blob payload that fit
// in a single field element: floor(log2(p)/8).
func (p *Prime) ChunkLen() int { return (p.value.BitLen() - 1) / 8 }

func (p *Prime) String() string {
	return fmt.Sprintf("field.Prime(size=%d, bitlen=%d)", p.size, p.value.BitLen())
}

var (
	// Safe64 is the default 64-bit safe prime used by devnet clusters.
	// 2^62 + 6595, verified safe: (p-1)/2 is also prime.
	Safe64 = NewPrime(Size64, mustPrime("4611686018427394499"))

	// Safe128 is the default 128-bit safe prime, 2^128 - 15449.
	Safe128 = NewPrime(Size128, mustPrime("340282366920938463463374607431768196007"))

	// Safe256 is the default 256-bit safe prime, 2^256 - 36113.
	Safe256 = NewPrime(Size256, mustPrime(
		"115792089237316195423570985008687907853269984665640564039457584007913129603823"))
)

func mustPrime(decimal string) *big.Int {
	v, ok := new(big.Int).SetString(decimal, 10)
	if !ok {
		panic("field: invalid constant prime literal " + decimal)
	}
	return v
}
