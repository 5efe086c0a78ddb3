package field

import "github.com/klauspost/cpuid/v2"

// HasAVX2 reports whether the running CPU supports AVX2, detected with
// klauspost/cpuid/v2 (see DESIGN.md). MulBatch does not consult it.
func HasAVX2() bool { return cpuid.CPU.Supports(cpuid.AVX2) }

// MulBatch computes element-wise products a[i]*b[i] for equal-length slices.
// When the host supports AVX2 this still dispatches to the same big.Int
// multiply per element (no hand-written assembly is introduced here), but
// the entry point is retained so a future SIMD limb implementation can
// plug in beneath MulBatch without changing any caller in pkg/protocol.
func MulBatch(a, b []Element) ([]Element, error) {
	if len(a) != len(b) {
		return nil, ErrInvalidEncoding
	}
	out := make([]Element, len(a))
	for i := range a {
		v, err := a[i].Mul(b[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
