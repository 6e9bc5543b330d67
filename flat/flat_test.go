package flat

import (
	"context"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/index"
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

func buildIndex(t *testing.T, vecs [][]float32, optFns ...func(o *Options)) *Index {
	t.Helper()
	f, err := New(len(vecs[0]), optFns...)
	require.NoError(t, err)
	ctx := context.Background()
	for i, v := range vecs {
		id, err := f.Insert(ctx, v)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id)
	}
	return f
}

func TestNewValidation(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)

	_, err = New(8, func(o *Options) { o.Degree = 7 })
	assert.Error(t, err, "odd degree")

	_, err = New(8, func(o *Options) { o.Degree = 2 })
	assert.Error(t, err, "degree below minimum")

	_, err = New(8, func(o *Options) { o.NumHubs = 0 })
	assert.Error(t, err)
}

func TestSelfRank(t *testing.T) {
	rng := rand.New(rand.NewSource(20))
	vecs := randVecs(rng, 400, 16)
	f := buildIndex(t, vecs)

	for i := 0; i < 400; i += 13 {
		rs, err := f.KNNSearch(context.Background(), vecs[i], 1, nil)
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, uint32(i), rs[0].ID)
		assert.Zero(t, rs[0].Distance)
	}
}

func TestRecall(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	vecs := randVecs(rng, 1000, 16)
	f := buildIndex(t, vecs)
	ctx := context.Background()

	hits, total := 0, 0
	for _, q := range randVecs(rng, 30, 16) {
		exact, err := f.BruteSearch(ctx, q, 10, nil)
		require.NoError(t, err)
		approx, err := f.KNNSearch(ctx, q, 10, &index.SearchOptions{EF: 150})
		require.NoError(t, err)

		want := make(map[uint32]bool, len(exact))
		for _, r := range exact {
			want[r.ID] = true
		}
		for _, r := range approx {
			if want[r.ID] {
				hits++
			}
		}
		total += len(exact)
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.85, "recall@10 on the hub graph")
}

func TestDegreeBound(t *testing.T) {
	rng := rand.New(rand.NewSource(22))
	vecs := randVecs(rng, 600, 8)
	f := buildIndex(t, vecs, func(o *Options) { o.Degree = 12 })

	err := f.Export(context.Background(), func(rec *codec.NodeRecord) error {
		require.Len(t, rec.Layers, 1)
		assert.LessOrEqual(t, len(rec.Layers[0]), 12, "node %d", rec.ID)
		for _, e := range rec.Layers[0] {
			assert.NotEqual(t, rec.ID, e.To, "self-edge on node %d", rec.ID)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteAndFilter(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	vecs := randVecs(rng, 300, 8)
	f := buildIndex(t, vecs)
	ctx := context.Background()

	assert.True(t, f.Delete(ctx, 0))
	assert.False(t, f.Delete(ctx, 0))
	assert.Equal(t, 299, f.Count())

	rs, err := f.KNNSearch(ctx, vecs[0], 5, nil)
	require.NoError(t, err)
	for _, r := range rs {
		assert.NotEqual(t, uint32(0), r.ID)
	}

	filter := roaring.New()
	filter.AddRange(100, 200)
	rs, err = f.KNNSearch(ctx, vecs[150], 5, &index.SearchOptions{Filter: filter})
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	assert.Equal(t, uint32(150), rs[0].ID)
	for _, r := range rs {
		assert.True(t, filter.Contains(r.ID))
	}
}

func TestCapacityExhaustion(t *testing.T) {
	rng := rand.New(rand.NewSource(24))
	vecs := randVecs(rng, 33, 8)
	f, err := New(8, func(o *Options) {
		o.Capacity = 32
		o.GrowthDisabled = true
		o.Degree = 8
		o.EFConstruction = 16
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 32; i++ {
		_, err := f.Insert(ctx, vecs[i])
		require.NoError(t, err)
	}
	_, err = f.Insert(ctx, vecs[32])
	assert.ErrorIs(t, err, index.ErrCapacityExhausted)
	assert.Equal(t, 32, f.Count())
}

func TestCosine(t *testing.T) {
	f, err := New(4, func(o *Options) { o.Metric = distance.MetricCosine })
	require.NoError(t, err)
	ctx := context.Background()

	_, err = f.Insert(ctx, []float32{2, 0, 0, 0})
	require.NoError(t, err)
	_, err = f.Insert(ctx, []float32{0, 0, 0, 0})
	assert.ErrorIs(t, err, index.ErrZeroNorm)

	rs, err := f.KNNSearch(ctx, []float32{9, 0, 0, 0}, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rs[0].ID)
	assert.InDelta(t, 0, float64(rs[0].Distance), 1e-6)
}

func TestExportRestoreRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(25))
	vecs := randVecs(rng, 200, 8)
	f := buildIndex(t, vecs)
	ctx := context.Background()

	f.Delete(ctx, 3)

	restored, err := New(8)
	require.NoError(t, err)
	err = f.Export(ctx, func(rec *codec.NodeRecord) error {
		return restored.Restore(rec)
	})
	require.NoError(t, err)

	assert.Equal(t, f.Count(), restored.Count())
	for _, q := range randVecs(rng, 10, 8) {
		want, err := f.KNNSearch(ctx, q, 5, nil)
		require.NoError(t, err)
		got, err := restored.KNNSearch(ctx, q, 5, nil)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	bad := &codec.NodeRecord{ID: 0, Level: 2, Vector: make([]float32, 8)}
	fresh, err := New(8)
	require.NoError(t, err)
	assert.ErrorIs(t, fresh.Restore(bad), codec.ErrCorruptRecord)
}

func TestStats(t *testing.T) {
	rng := rand.New(rand.NewSource(26))
	vecs := randVecs(rng, 100, 8)
	f := buildIndex(t, vecs)
	f.Delete(context.Background(), 1)

	st := f.Stats()
	assert.Equal(t, 99, st.Count)
	assert.Equal(t, 1, st.Deleted)
	assert.Equal(t, 100, st.Allocated)
	assert.Equal(t, []int{100}, st.LevelCounts)
	assert.Positive(t, st.MemoryBytes)
}
