// Package distance provides the exact distance computations that define
// correctness for the graph core. Dot products and in-place scaling go
// through vek's SIMD kernels; squared L2 uses dimension-specialized loops
// for the embedding sizes that dominate real workloads.
package distance

import (
	"fmt"
	"math"
	"math/bits"
	"slices"

	"github.com/viterin/vek/vek32"
)

// Metric selects the distance used for ranking.
type Metric int

const (
	// MetricL2 ranks by squared Euclidean distance.
	MetricL2 Metric = iota
	// MetricCosine normalizes vectors at the boundary and ranks by
	// 0.5 * squared L2, which is monotonic with cosine distance for
	// unit vectors.
	MetricCosine
	// MetricDot ranks by negated dot product (higher similarity first).
	MetricDot
)

func (m Metric) String() string {
	switch m {
	case MetricL2:
		return "L2"
	case MetricCosine:
		return "Cosine"
	case MetricDot:
		return "Dot"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// Func computes the distance between two equal-length vectors.
// Lower is always better; similarity metrics are negated at this boundary.
type Func func(a, b []float32) float32

// Dot returns the dot product of a and b.
// Assumes equal length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return vek32.Dot(a, b)
}

// SquaredL2 returns the squared Euclidean distance between a and b.
// Dispatches to a dimension-specialized kernel when one exists; the
// kernels are numerically identical to the generic path (same accumulator
// structure), they only differ in loop shape.
func SquaredL2(a, b []float32) float32 {
	switch len(a) {
	case 128:
		return squaredL2_128(a, b)
	case 256:
		return squaredL2_256(a, b)
	case 384:
		return squaredL2_384(a, b)
	case 512:
		return squaredL2_512(a, b)
	case 768:
		return squaredL2_768(a, b)
	case 1536:
		return squaredL2_1536(a, b)
	default:
		return squaredL2Generic(a, b)
	}
}

// PartialSquaredL2 returns the squared L2 distance over the first n
// dimensions only. Because every term is non-negative this is a lower
// bound on the full distance, usable as an exact pruning criterion in
// scans but never as a final ranking.
func PartialSquaredL2(a, b []float32, n int) float32 {
	if n > len(a) {
		n = len(a)
	}
	return squaredL2Generic(a[:n], b[:n])
}

// Hamming returns the number of differing bits between two packed
// sign-bit sketches.
func Hamming(a, b []uint64) float32 {
	var n int
	for i := range a {
		n += bits.OnesCount64(a[i] ^ b[i])
	}
	return float32(n)
}

// NormalizeL2InPlace scales v to unit L2 norm.
// Returns false if v has zero norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := vek32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	vek32.MulNumber_Inplace(v, 1/float32(math.Sqrt(float64(norm2))))
	return true
}

// NormalizeL2Copy returns a unit-norm copy of src.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Provider returns the ranking function for the given metric.
// Cosine assumes inputs were normalized at the index boundary.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricL2:
		return SquaredL2, nil
	case MetricCosine:
		return func(a, b []float32) float32 {
			return 0.5 * SquaredL2(a, b)
		}, nil
	case MetricDot:
		return func(a, b []float32) float32 {
			return -Dot(a, b)
		}, nil
	default:
		return nil, fmt.Errorf("distance: unsupported metric %v", m)
	}
}
