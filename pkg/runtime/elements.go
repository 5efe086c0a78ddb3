package runtime

import (
	"context"
	"math/big"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol/compare"
	"github.com/nilvm/engine/pkg/protocol/modulo"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/protocol/truncpr"
)

// Elements is the runtime's view onto this compute's already-reserved
// preprocessing material (pkg/preprocessing/elements implements it). Every
// call draws the next unit from the range pkg/preprocessing.Reserve handed
// back when the compute was admitted; exhausting that range is a planner
// bug, not a condition the VM retries around, so implementations should
// fail loudly rather than silently re-reserve.
type Elements interface {
	// Triple returns the next Beaver triple for one MULT instance.
	Triple(ctx context.Context) (mult.Triple, error)
	// Triples returns n Beaver triples in a single call, for INNER-PRODUCT
	// (one per coordinate) and the square-and-multiply chain behind POWER.
	Triples(ctx context.Context, n int) ([]mult.Triple, error)
	// CompareMask returns the next LESS-THAN mask.
	CompareMask(ctx context.Context) (compare.Mask, error)
	// EqualsMaterial returns the next EQUALS instance's pair of compare
	// masks plus the Beaver triple for its closing conjunction.
	EqualsMaterial(ctx context.Context) (lt, gt compare.Mask, conj mult.Triple, err error)
	// TruncPrMask returns the next TRUNC-PR mask.
	TruncPrMask(ctx context.Context) (truncpr.Mask, error)
	// ModuloMask returns the next MODULO mask generated against modulus.
	ModuloMask(ctx context.Context, modulus *big.Int) (modulo.Mask, error)
	// RandomBitShare returns the next preprocessed RANDOM-BIT share.
	RandomBitShare(ctx context.Context) (field.Element, error)
	// RandomIntegerShare returns the next preprocessed RANDOM-INTEGER share.
	RandomIntegerShare(ctx context.Context) (field.Element, error)
	// EcdsaSignMaterial returns the next matched (k, k^-1) pair and the
	// Beaver triple ECDSA-SIGN combines them with.
	EcdsaSignMaterial(ctx context.Context) (k, kinv field.Element, triple mult.Triple, err error)
}
