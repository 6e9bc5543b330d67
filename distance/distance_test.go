package distance

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestSquaredL2(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 6, 3}
	assert.InDelta(t, 25.0, float64(SquaredL2(a, b)), 1e-6)
	assert.Zero(t, SquaredL2(a, a))
}

func TestSquaredL2KernelsMatchGeneric(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, dim := range []int{128, 256, 384, 512, 768, 1536} {
		a := randVec(rng, dim)
		b := randVec(rng, dim)
		want := squaredL2Generic(a, b)
		got := SquaredL2(a, b)
		assert.Equal(t, want, got, "dim %d", dim)
	}
}

func TestPartialSquaredL2IsLowerBound(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		a := randVec(rng, 64)
		b := randVec(rng, 64)
		full := SquaredL2(a, b)
		for _, n := range []int{1, 16, 32, 64, 100} {
			lb := PartialSquaredL2(a, b, n)
			assert.LessOrEqual(t, lb, full+1e-4)
		}
	}
}

func TestDot(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 32.0, float64(Dot(a, b)), 1e-6)
}

func TestHamming(t *testing.T) {
	a := []uint64{0b1011, 0}
	b := []uint64{0b0010, 1 << 63}
	assert.Equal(t, float32(3), Hamming(a, b))
	assert.Zero(t, Hamming(a, a))
}

func TestNormalizeL2(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 1.0, float64(Dot(v, v)), 1e-6)
	assert.InDelta(t, 0.6, float64(v[0]), 1e-6)

	zero := []float32{0, 0, 0}
	assert.False(t, NormalizeL2InPlace(zero))

	_, ok := NormalizeL2Copy(zero)
	assert.False(t, ok)

	src := []float32{1, 1}
	cp, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 1}, src, "source must not change")
	assert.InDelta(t, 1/math.Sqrt2, float64(cp[0]), 1e-6)
}

func TestProvider(t *testing.T) {
	l2, err := Provider(MetricL2)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, float64(l2([]float32{0, 0}, []float32{1, 1})), 1e-6)

	dot, err := Provider(MetricDot)
	require.NoError(t, err)
	assert.InDelta(t, -32.0, float64(dot([]float32{1, 2, 3}, []float32{4, 5, 6})), 1e-6)

	cos, err := Provider(MetricCosine)
	require.NoError(t, err)
	// Identical unit vectors are at distance 0, opposite ones at 2.
	u := []float32{1, 0}
	assert.Zero(t, cos(u, u))
	assert.InDelta(t, 2.0, float64(cos(u, []float32{-1, 0})), 1e-6)

	_, err = Provider(Metric(99))
	assert.Error(t, err)
}

func TestMetricString(t *testing.T) {
	assert.Equal(t, "L2", MetricL2.String())
	assert.Equal(t, "Cosine", MetricCosine.String())
	assert.Equal(t, "Dot", MetricDot.String())
}
