package graphann

import (
	"context"
	"math/rand"
	"testing"

	"github.com/RoaringBitmap/roaring/v2"
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

func buildIndex(t *testing.T, vecs [][]float32, optFns ...Option) *Index {
	t.Helper()
	x, err := New(len(vecs[0]), optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { x.Close() })
	ctx := context.Background()
	for i, v := range vecs {
		id, err := x.Insert(ctx, v)
		require.NoError(t, err)
		require.Equal(t, uint32(i), id, "sequential inserts get consecutive IDs")
	}
	return x
}

func recallAgainstBrute(t *testing.T, x *Index, queries [][]float32, k int, optFns ...SearchOption) float64 {
	t.Helper()
	ctx := context.Background()
	hits, total := 0, 0
	for _, q := range queries {
		exact, err := x.BruteSearch(ctx, q, k)
		require.NoError(t, err)
		approx, err := x.KNNSearch(ctx, q, k, optFns...)
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
	return float64(hits) / float64(total)
}

func TestSequentialGlobalIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	vecs := randVecs(rng, 100, 8)
	x := buildIndex(t, vecs, WithSegments(4))

	assert.Equal(t, 100, x.Count())
	assert.Equal(t, 8, x.Dimension())

	// Every global ID routes back to the vector it was assigned for.
	for i, v := range vecs {
		got, ok := x.Get(uint32(i))
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
}

func TestSearchScenario(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	vecs := randVecs(rng, 1000, 128)
	x := buildIndex(t, vecs, WithSegments(4))
	ctx := context.Background()

	// A stored vector used as a query must rank itself first.
	rs, err := x.KNNSearch(ctx, vecs[537], 10)
	require.NoError(t, err)
	require.Len(t, rs, 10)
	assert.Equal(t, uint32(537), rs[0].ID)
	assert.Zero(t, rs[0].Distance)

	queries := randVecs(rng, 30, 128)
	recall := recallAgainstBrute(t, x, queries, 10)
	assert.GreaterOrEqual(t, recall, 0.9)
}

func TestSegmentationDoesNotChangeQuality(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	vecs := randVecs(rng, 1000, 32)
	queries := randVecs(rng, 30, 32)

	single := buildIndex(t, vecs, WithSegments(1))
	sharded := buildIndex(t, vecs, WithSegments(4))

	r1 := recallAgainstBrute(t, single, queries, 10)
	r4 := recallAgainstBrute(t, sharded, queries, 10)
	assert.InDelta(t, r1, r4, 0.05, "sharding must not cost recall")
}

func TestEFSearchOption(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	vecs := randVecs(rng, 1000, 16)
	x := buildIndex(t, vecs, WithSegments(2))
	queries := randVecs(rng, 30, 16)

	low := recallAgainstBrute(t, x, queries, 10, WithEF(10))
	high := recallAgainstBrute(t, x, queries, 10, WithEF(300))
	assert.GreaterOrEqual(t, high, low)
}

func TestFilteredSearchUsesGlobalIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	vecs := randVecs(rng, 500, 16)
	x := buildIndex(t, vecs, WithSegments(4))

	filter := roaring.New()
	filter.AddRange(200, 300)

	rs, err := x.KNNSearch(context.Background(), vecs[250], 10, WithFilter(filter))
	require.NoError(t, err)
	require.NotEmpty(t, rs)
	assert.Equal(t, uint32(250), rs[0].ID)
	for _, r := range rs {
		assert.True(t, filter.Contains(r.ID))
	}
}

func TestDeleteAndUpdate(t *testing.T) {
	rng := rand.New(rand.NewSource(35))
	vecs := randVecs(rng, 200, 16)
	x := buildIndex(t, vecs, WithSegments(2))
	ctx := context.Background()

	assert.True(t, x.Delete(ctx, 7))
	assert.False(t, x.Delete(ctx, 7))
	assert.Equal(t, 199, x.Count())
	_, ok := x.Get(7)
	assert.False(t, ok)

	rs, err := x.KNNSearch(ctx, vecs[7], 5)
	require.NoError(t, err)
	for _, r := range rs {
		assert.NotEqual(t, uint32(7), r.ID)
	}

	// Update tombstones the old node and assigns a fresh ID.
	repl := randVecs(rng, 1, 16)[0]
	newID, err := x.Update(ctx, 12, repl)
	require.NoError(t, err)
	assert.NotEqual(t, uint32(12), newID)
	_, ok = x.Get(12)
	assert.False(t, ok)
	got, ok := x.Get(newID)
	require.True(t, ok)
	assert.Equal(t, repl, got)

	_, err = x.Update(ctx, 7, repl)
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestInsertBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(36))
	seedVecs := randVecs(rng, 10, 16)
	x := buildIndex(t, seedVecs, WithSegments(4))
	ctx := context.Background()

	batch := randVecs(rng, 200, 16)
	ids, err := x.InsertBatch(ctx, batch)
	require.NoError(t, err)
	require.Len(t, ids, 200)

	seen := make(map[uint32]bool)
	for i, id := range ids {
		assert.NotEqual(t, NoID, id)
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true

		got, ok := x.Get(id)
		require.True(t, ok)
		assert.Equal(t, batch[i], got, "id %d must map to its batch position", id)
	}
	assert.Equal(t, 210, x.Count())

	// A bad vector fails the batch without losing the index.
	bad := [][]float32{randVecs(rng, 1, 16)[0], make([]float32, 3)}
	_, err = x.InsertBatch(ctx, bad)
	require.Error(t, err)
	rs, err := x.KNNSearch(ctx, batch[0], 1)
	require.NoError(t, err)
	assert.Equal(t, ids[0], rs[0].ID)
}

func TestConcurrentBatchMatchesSequential(t *testing.T) {
	rng := rand.New(rand.NewSource(44))
	vecs := randVecs(rng, 1000, 16)
	queries := randVecs(rng, 30, 16)
	ctx := context.Background()

	seq := buildIndex(t, vecs, WithSegments(1))

	// One segment routes the batch through the shared-graph concurrent
	// insert path instead of per-segment writers.
	par, err := New(16, WithSegments(1))
	require.NoError(t, err)
	t.Cleanup(func() { par.Close() })

	ids, err := par.InsertBatch(ctx, vecs)
	require.NoError(t, err)
	require.Len(t, ids, 1000)
	require.Equal(t, 1000, par.Count())

	seen := make(map[uint32]bool, len(ids))
	for i, id := range ids {
		require.NotEqual(t, NoID, id)
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		got, ok := par.Get(id)
		require.True(t, ok)
		assert.Equal(t, vecs[i], got, "id %d must map to its batch position", id)
	}

	rSeq := recallAgainstBrute(t, seq, queries, 10)
	rPar := recallAgainstBrute(t, par, queries, 10)
	assert.InDelta(t, rSeq, rPar, 0.05, "concurrent build must not cost recall")
}

func TestCompact(t *testing.T) {
	rng := rand.New(rand.NewSource(37))
	vecs := randVecs(rng, 300, 16)
	x := buildIndex(t, vecs, WithSegments(3))
	ctx := context.Background()

	// Step 5 is coprime with the segment count, so the holes land in
	// every segment and local IDs actually shift.
	for g := uint32(0); g < 300; g += 5 {
		require.True(t, x.Delete(ctx, g))
	}
	require.Equal(t, 240, x.Count())

	remap, err := x.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 240, x.Count())
	assert.Zero(t, x.Stats().Deleted)

	for g := uint32(0); g < 300; g++ {
		if g%5 == 0 {
			assert.Equal(t, NoID, remap[g], "deleted node %d must not remap", g)
			continue
		}
		require.NotEqual(t, NoID, remap[g], "live node %d lost in compaction", g)
		got, ok := x.Get(remap[g])
		require.True(t, ok)
		assert.Equal(t, vecs[g], got)
	}

	// The compacted graph still answers well.
	queries := randVecs(rng, 20, 16)
	recall := recallAgainstBrute(t, x, queries, 10)
	assert.GreaterOrEqual(t, recall, 0.9)
}

func TestCosineSegmented(t *testing.T) {
	rng := rand.New(rand.NewSource(38))
	vecs := randVecs(rng, 300, 16)
	x := buildIndex(t, vecs, WithSegments(2), WithMetric(distance.MetricCosine))
	ctx := context.Background()

	// Scaling the query must not change the ranking under cosine.
	q := append([]float32(nil), vecs[42]...)
	for i := range q {
		q[i] *= 1000
	}
	rs, err := x.KNNSearch(ctx, q, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rs[0].ID)

	_, err = x.Insert(ctx, make([]float32, 16))
	assert.ErrorIs(t, err, ErrZeroNorm)
}

func TestFlatTopology(t *testing.T) {
	rng := rand.New(rand.NewSource(39))
	vecs := randVecs(rng, 500, 16)
	x := buildIndex(t, vecs, WithTopology(TopologyFlat), WithSegments(2))

	rs, err := x.KNNSearch(context.Background(), vecs[99], 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), rs[0].ID)

	queries := randVecs(rng, 20, 16)
	recall := recallAgainstBrute(t, x, queries, 10)
	assert.GreaterOrEqual(t, recall, 0.85)
}

func TestGrowthDisabled(t *testing.T) {
	rng := rand.New(rand.NewSource(40))
	vecs := randVecs(rng, 64, 8)
	x := buildIndex(t, vecs, WithSegments(2), WithCapacity(64), WithGrowthDisabled())

	_, err := x.Insert(context.Background(), randVecs(rng, 1, 8)[0])
	assert.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, 64, x.Count())
}

func TestGrowthDisabledCapacityAcrossSeeds(t *testing.T) {
	// The configured capacity must be reachable whatever levels the seed
	// draws; an unlucky run of high levels must not eat node slots.
	rng := rand.New(rand.NewSource(42))
	vecs := randVecs(rng, 101, 8)
	ctx := context.Background()

	for seed := int64(0); seed < 20; seed++ {
		x, err := New(8, WithSegments(1), WithCapacity(100), WithGrowthDisabled(), WithRandomSeed(seed))
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			_, err := x.Insert(ctx, vecs[i])
			require.NoError(t, err, "seed %d insert %d", seed, i)
		}
		_, err = x.Insert(ctx, vecs[100])
		assert.ErrorIs(t, err, ErrCapacityExhausted, "seed %d", seed)
		assert.Equal(t, 100, x.Count(), "seed %d", seed)
		require.NoError(t, x.Close())
	}
}

func TestStatsAggregation(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	vecs := randVecs(rng, 200, 8)
	x := buildIndex(t, vecs, WithSegments(4))
	x.Delete(context.Background(), 0)

	st := x.Stats()
	assert.Equal(t, 199, st.Count)
	assert.Equal(t, 1, st.Deleted)
	assert.Equal(t, 200, st.Allocated)
	assert.Equal(t, 200, st.LevelCounts[0])
	assert.Positive(t, st.MemoryBytes)
}

func TestClose(t *testing.T) {
	x, err := New(8)
	require.NoError(t, err)
	_, err = x.Insert(context.Background(), make([]float32, 8))
	require.NoError(t, err)

	require.NoError(t, x.Close())
	require.NoError(t, x.Close(), "idempotent")

	_, err = x.Insert(context.Background(), make([]float32, 8))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = x.KNNSearch(context.Background(), make([]float32, 8), 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, x.Count())
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(16, WithSegments(0))
	var cfgErr *ErrInvalidConfig
	assert.ErrorAs(t, err, &cfgErr)

	_, err = New(16, WithM(1))
	assert.ErrorAs(t, err, &cfgErr)
}
