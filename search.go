package graphann

import (
	"context"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/omendb/graphann/index"
)

// SearchOption tunes a single search call.
type SearchOption func(*searchConfig)

type searchConfig struct {
	ef     int
	filter *roaring.Bitmap
	exact  bool
}

// WithEF overrides the configured beam width for this call. Values below
// k are raised to k.
func WithEF(ef int) SearchOption {
	return func(c *searchConfig) { c.ef = ef }
}

// WithFilter restricts results to the given set of global IDs.
// Filtered-out nodes are still traversed for navigation, so recall
// degrades gracefully with filter selectivity.
func WithFilter(bm *roaring.Bitmap) SearchOption {
	return func(c *searchConfig) { c.filter = bm }
}

// WithExactTraversal disables the quantized distance proxy for this
// call, even when quantization is enabled.
func WithExactTraversal() SearchOption {
	return func(c *searchConfig) { c.exact = true }
}

// KNNSearch returns the k nearest live vectors, ranked by exact distance
// with ties broken by smaller global ID. Searches fan out to every
// segment and merge.
func (x *Index) KNNSearch(ctx context.Context, q []float32, k int, optFns ...SearchOption) ([]SearchResult, error) {
	var cfg searchConfig
	for _, fn := range optFns {
		fn(&cfg)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	numSegs := len(x.segments)
	segFilters := x.splitFilter(cfg.filter)

	type segOut struct {
		results []SearchResult
		err     error
	}
	outs := make([]segOut, numSegs)

	var wg sync.WaitGroup
	for i := 0; i < numSegs; i++ {
		i := i
		opts := &index.SearchOptions{EF: cfg.ef}
		if segFilters != nil {
			opts.Filter = segFilters[i]
		}
		if !cfg.exact {
			opts.Approx = x.approxFor(i, q)
		}
		wg.Add(1)
		x.pool.Submit(func() {
			defer wg.Done()
			outs[i].results, outs[i].err = x.segments[i].KNNSearch(ctx, q, k, opts)
		})
	}
	wg.Wait()

	merged := make([]SearchResult, 0, k*numSegs)
	for i, out := range outs {
		if out.err != nil {
			x.logger.LogSearch(ctx, k, 0, out.err)
			return nil, out.err
		}
		for _, r := range out.results {
			merged = append(merged, SearchResult{ID: x.globalID(i, r.ID), Distance: r.Distance})
		}
	}
	sortResults(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	x.logger.LogSearch(ctx, k, len(merged), nil)
	return merged, nil
}

// BruteSearch scans every live vector with the exact metric. It is the
// ground truth KNNSearch recall is measured against.
func (x *Index) BruteSearch(ctx context.Context, q []float32, k int, optFns ...SearchOption) ([]SearchResult, error) {
	var cfg searchConfig
	for _, fn := range optFns {
		fn(&cfg)
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, ErrClosed
	}
	if k <= 0 {
		return nil, ErrInvalidK
	}

	segFilters := x.splitFilter(cfg.filter)

	merged := make([]SearchResult, 0, k*len(x.segments))
	for i, seg := range x.segments {
		var keep func(id uint32) bool
		if segFilters != nil {
			flt := segFilters[i]
			keep = func(id uint32) bool { return flt.Contains(id) }
		}
		results, err := seg.BruteSearch(ctx, q, k, keep)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			merged = append(merged, SearchResult{ID: x.globalID(i, r.ID), Distance: r.Distance})
		}
	}
	sortResults(merged)
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

// splitFilter translates a global-ID filter into per-segment local-ID
// filters. Nil in, nil out.
func (x *Index) splitFilter(bm *roaring.Bitmap) []*roaring.Bitmap {
	if bm == nil {
		return nil
	}
	out := make([]*roaring.Bitmap, len(x.segments))
	for i := range out {
		out[i] = roaring.New()
	}
	it := bm.Iterator()
	for it.HasNext() {
		g := it.Next()
		seg, local := x.route(g)
		out[seg].Add(local)
	}
	return out
}

func sortResults(rs []SearchResult) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Distance != rs[j].Distance {
			return rs[i].Distance < rs[j].Distance
		}
		return rs[i].ID < rs[j].ID
	})
}
