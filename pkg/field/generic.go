package field

import "golang.org/x/exp/constraints"

// CeilDiv returns ceil(a/b) for any integer type, used throughout the field
// and preprocessing packages to turn a byte/bit count into a unit count
// (e.g. bits into bytes, shares into batches) without repeating the
// (a+b-1)/b idiom at every call site.
func CeilDiv[T constraints.Integer](a, b T) T {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// MaxOf returns the largest of the given values. Panics if vs is empty.
func MaxOf[T constraints.Ordered](vs ...T) T {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
