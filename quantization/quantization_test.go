package quantization

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omendb/graphann/distance"
)

func randVecs(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		out[i] = v
	}
	return out
}

func TestBinaryEncode(t *testing.T) {
	bq := NewBinaryQuantizer(8)
	assert.Equal(t, 1, bq.Words())

	sk := bq.Encode(nil, []float32{1, -1, 0.5, -0.5, 0, -2, 3, -4})
	require.Len(t, sk, 1)
	// Bits set where the value is >= 0: positions 0, 2, 4, 6.
	assert.Equal(t, uint64(0b01010101), sk[0])
}

func TestBinaryWords(t *testing.T) {
	assert.Equal(t, 1, NewBinaryQuantizer(64).Words())
	assert.Equal(t, 2, NewBinaryQuantizer(65).Words())
	assert.Equal(t, 2, NewBinaryQuantizer(128).Words())
}

func TestBinaryEncodeReusesBuffer(t *testing.T) {
	bq := NewBinaryQuantizer(128)
	buf := make([]uint64, 2)
	sk := bq.Encode(buf, make([]float32, 128))
	assert.Equal(t, &buf[0], &sk[0])
}

func TestBinaryHammingTracksAngle(t *testing.T) {
	bq := NewBinaryQuantizer(256)
	rng := rand.New(rand.NewSource(1))

	base := randVecs(rng, 1, 256)[0]
	near := make([]float32, 256)
	copy(near, base)
	for i := 0; i < 8; i++ {
		near[i] = -near[i]
	}
	far := make([]float32, 256)
	for i := range far {
		far[i] = -base[i]
	}

	sb := bq.Encode(nil, base)
	sn := bq.Encode(nil, near)
	sf := bq.Encode(nil, far)
	assert.Less(t, distance.Hamming(sb, sn), distance.Hamming(sb, sf))
	assert.Greater(t, bq.CosineEstimate(distance.Hamming(sb, sn)),
		bq.CosineEstimate(distance.Hamming(sb, sf)))
}

func TestPQValidation(t *testing.T) {
	_, err := NewProductQuantizer(10, 3, 16, 1)
	assert.Error(t, err, "dimension not divisible by subspaces")

	_, err = NewProductQuantizer(16, 4, 300, 1)
	assert.Error(t, err, "centroids must fit uint8")

	_, err = NewProductQuantizer(0, 4, 16, 1)
	assert.Error(t, err)
}

func TestPQTrainRequiresSamples(t *testing.T) {
	pq, err := NewProductQuantizer(16, 4, 16, 1)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	err = pq.Train(context.Background(), randVecs(rng, 16*MinTrainingFactor-1, 16))
	assert.ErrorIs(t, err, ErrInsufficientTrainingData)
	assert.False(t, pq.Trained())
}

func TestPQTrainEncodeDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	dim := 32
	vecs := randVecs(rng, 512, dim)

	pq, err := NewProductQuantizer(dim, 8, 16, 42)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), vecs))
	require.True(t, pq.Trained())

	codes := pq.Encode(nil, vecs[0])
	require.Len(t, codes, 8)

	// The reconstruction must be closer to the source than to a random
	// other vector, on average over a few probes.
	better := 0
	for i := 0; i < 20; i++ {
		rec := pq.Decode(pq.Encode(nil, vecs[i]))
		dSelf := distance.SquaredL2(rec, vecs[i])
		dOther := distance.SquaredL2(rec, vecs[i+100])
		if dSelf < dOther {
			better++
		}
	}
	assert.Greater(t, better, 15)
}

func TestPQLookupTableMatchesDecode(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	dim := 16
	vecs := randVecs(rng, 256, dim)

	pq, err := NewProductQuantizer(dim, 4, 8, 7)
	require.NoError(t, err)
	require.NoError(t, pq.Train(context.Background(), vecs))

	q := vecs[0]
	lut := pq.LookupTable(q)
	require.Len(t, lut, 4*8)

	for i := 1; i < 10; i++ {
		codes := pq.Encode(nil, vecs[i])
		viaLUT := pq.DistanceLUT(lut, codes)
		direct := distance.SquaredL2(q, pq.Decode(codes))
		assert.InDelta(t, float64(direct), float64(viaLUT), 1e-3)
	}
}

func TestPQTrainDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	vecs := randVecs(rng, 256, 16)

	train := func() []float32 {
		pq, err := NewProductQuantizer(16, 4, 8, 99)
		require.NoError(t, err)
		require.NoError(t, pq.Train(context.Background(), vecs))
		return pq.Codebooks()
	}
	assert.Equal(t, train(), train())
}

func TestPQSetCodebooks(t *testing.T) {
	pq, err := NewProductQuantizer(16, 4, 8, 1)
	require.NoError(t, err)

	assert.Error(t, pq.SetCodebooks(make([]float32, 3)))
	require.NoError(t, pq.SetCodebooks(make([]float32, 4*8*4)))
	assert.True(t, pq.Trained())
}

func TestSketchStore(t *testing.T) {
	s := NewSketchStore(2)

	_, ok := s.Get(5)
	assert.False(t, ok, "absent until Set")

	s.Set(5, []uint64{1, 2})
	got, ok := s.Get(5)
	require.True(t, ok)
	assert.Equal(t, []uint64{1, 2}, got)

	// IDs far apart land in different chunks.
	s.Set(100000, []uint64{7, 8})
	got, ok = s.Get(100000)
	require.True(t, ok)
	assert.Equal(t, []uint64{7, 8}, got)

	_, ok = s.Get(99999)
	assert.False(t, ok)
}

func TestCodeStore(t *testing.T) {
	s := NewCodeStore(4)

	s.Set(0, []uint8{1, 2, 3, 4})
	s.Set(4097, []uint8{9, 9, 9, 9})

	got, ok := s.Get(0)
	require.True(t, ok)
	assert.Equal(t, []uint8{1, 2, 3, 4}, got)

	got, ok = s.Get(4097)
	require.True(t, ok)
	assert.Equal(t, []uint8{9, 9, 9, 9}, got)

	_, ok = s.Get(1)
	assert.False(t, ok)
}
