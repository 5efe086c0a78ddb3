package shamir

import (
	"crypto/rand"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
)

// CryptoRandSource is a RandomElementSource backed by crypto/rand, the
// production default. lattigo's own Thresholdizer likewise draws its
// polynomial coefficients from a CSPRNG-backed uniform sampler
// (ringqp.UniformSampler over a PRNG), not a non-cryptographic RNG.
type CryptoRandSource struct{}

// RandomElement samples a uniformly random element of the field defined by p.
func (CryptoRandSource) RandomElement(p *field.Prime) field.Element {
	max := p.BigInt()
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		// crypto/rand failing is not a recoverable condition for an
		// MPC node: continuing would silently degrade sharing security.
		panic("shamir: crypto/rand unavailable: " + err.Error())
	}
	return field.FromBigInt(p, v)
}

// DeterministicSource is a RandomElementSource for tests: it returns a fixed
// sequence of elements derived from a seed, cycling if exhausted.
type DeterministicSource struct {
	seed uint64
}

// NewDeterministicSource builds a deterministic, reproducible source for
// tests that need the same "random" coefficients across runs.
func NewDeterministicSource(seed uint64) *DeterministicSource {
	return &DeterministicSource{seed: seed}
}

// RandomElement returns the next pseudo-random element in the sequence.
func (d *DeterministicSource) RandomElement(p *field.Prime) field.Element {
	d.seed = d.seed*6364136223846793005 + 1442695040888963407
	return field.FromBigInt(p, new(big.Int).SetUint64(d.seed))
}
