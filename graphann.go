package graphann

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/omendb/graphann/flat"
	"github.com/omendb/graphann/hnsw"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/internal/pool"
	"github.com/omendb/graphann/quantization"
	"github.com/omendb/graphann/resource"
)

// SearchResult is a single ranked hit. IDs are global.
type SearchResult = index.SearchResult

// Stats describes the aggregate shape of the index.
type Stats = index.Stats

// NoID is the sentinel for "no node" in compaction remap tables.
const NoID = ^uint32(0)

// Index is the embedded vector index. Safe for concurrent use.
//
// Vectors are partitioned across independent graph segments; a node's
// global ID encodes its segment, so routing any operation is O(1) and
// IDs assigned by sequential inserts count up from zero in insertion
// order.
type Index struct {
	// mu serializes structural changes (compaction, quantization
	// enablement, snapshots) against regular operations, which hold it
	// shared.
	mu     sync.RWMutex
	closed bool

	opts       options
	dim        int
	logger     *Logger
	controller *resource.Controller
	pool       *pool.Pool

	segments []index.Index
	nextSeg  atomic.Uint64

	bq       *quantization.BinaryQuantizer
	sketches *quantization.SketchStore
	pq       *quantization.ProductQuantizer
	codes    *quantization.CodeStore
}

// New creates an empty index for vectors of the given dimension.
func New(dimension int, optFns ...Option) (*Index, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return newIndex(dimension, opts)
}

func newIndex(dimension int, opts options) (*Index, error) {
	if opts.numSegments < 1 {
		return nil, &ErrInvalidConfig{Field: "segments", Reason: "must be positive"}
	}

	ctl := opts.controller
	if ctl == nil {
		ctl = resource.NewController(opts.resources)
	}
	x := &Index{
		opts:       opts,
		dim:        dimension,
		logger:     opts.logger,
		controller: ctl,
		pool:       pool.New(opts.numSegments),
	}
	for i := 0; i < opts.numSegments; i++ {
		seg, err := x.newSegment(dimension, i)
		if err != nil {
			x.pool.Close()
			return nil, err
		}
		x.segments = append(x.segments, seg)
	}
	return x, nil
}

// newSegment builds one graph segment. Seeds are decorrelated per
// segment but derived from the configured seed, keeping construction
// deterministic.
func (x *Index) newSegment(dimension, i int) (index.Index, error) {
	o := x.opts
	segCap := (o.capacity + o.numSegments - 1) / o.numSegments

	switch o.topology {
	case TopologyHierarchical:
		return hnsw.New(dimension, func(ho *hnsw.Options) {
			ho.M = o.m
			ho.EFConstruction = o.efConstruction
			ho.EFSearch = o.efSearch
			ho.MaxLayers = o.maxLayers
			ho.Alpha = o.alpha
			ho.Metric = o.metric
			ho.Capacity = segCap
			ho.GrowthDisabled = o.growthDisabled
			ho.RandomSeed = o.randomSeed + int64(i)
			ho.Budget = x.controller
		})
	case TopologyFlat:
		return flat.New(dimension, func(fo *flat.Options) {
			fo.Degree = o.degree
			fo.EFConstruction = o.efConstruction
			fo.EFSearch = o.efSearch
			fo.NumHubs = o.numHubs
			fo.Alpha = o.alpha
			fo.Metric = o.metric
			fo.Capacity = segCap
			fo.GrowthDisabled = o.growthDisabled
			fo.Budget = x.controller
		})
	default:
		return nil, &ErrInvalidConfig{Field: "topology", Reason: "unknown variant"}
	}
}

// globalID combines a segment's local ID with the segment number.
func (x *Index) globalID(seg int, local uint32) uint32 {
	return local*uint32(len(x.segments)) + uint32(seg)
}

// route splits a global ID into segment and local ID.
func (x *Index) route(g uint32) (seg int, local uint32) {
	n := uint32(len(x.segments))
	return int(g % n), g / n
}

// Insert adds a vector and returns its global ID. Sequential inserts
// receive consecutive IDs starting at zero.
func (x *Index) Insert(ctx context.Context, v []float32) (uint32, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0, ErrClosed
	}

	seg := int(x.nextSeg.Add(1)-1) % len(x.segments)
	local, err := x.segments[seg].Insert(ctx, v)
	if err != nil {
		x.logger.LogInsert(ctx, 0, err)
		return 0, err
	}
	g := x.globalID(seg, local)
	x.encodeNode(seg, local, g)
	x.logger.LogInsert(ctx, g, nil)
	return g, nil
}

// Delete tombstones a node. Returns false if the ID is unknown or
// already deleted. The slot is reclaimed by Compact.
func (x *Index) Delete(ctx context.Context, g uint32) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return false
	}
	seg, local := x.route(g)
	return x.segments[seg].Delete(ctx, local)
}

// Update replaces a node's vector. The old node is tombstoned and the
// new vector inserted fresh, so the returned ID differs from the old one.
func (x *Index) Update(ctx context.Context, g uint32, v []float32) (uint32, error) {
	x.mu.RLock()
	if x.closed {
		x.mu.RUnlock()
		return 0, ErrClosed
	}
	seg, local := x.route(g)
	ok := x.segments[seg].Delete(ctx, local)
	x.mu.RUnlock()
	if !ok {
		return 0, ErrUnknownID
	}
	return x.Insert(ctx, v)
}

// Get returns a copy of the stored vector for a live node. For the
// cosine metric this is the normalized form.
func (x *Index) Get(g uint32) ([]float32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, false
	}
	seg, local := x.route(g)
	return x.segments[seg].VectorByID(local)
}

// Count returns the number of live vectors.
func (x *Index) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0
	}
	total := 0
	for _, seg := range x.segments {
		total += seg.Count()
	}
	return total
}

// Dimension returns the fixed vector dimension.
func (x *Index) Dimension() int { return x.dim }

// Stats aggregates the per-segment graph shapes.
func (x *Index) Stats() Stats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return Stats{}
	}

	var agg Stats
	for _, seg := range x.segments {
		st := seg.Stats()
		agg.Count += st.Count
		agg.Deleted += st.Deleted
		agg.Allocated += st.Allocated
		agg.Capacity += st.Capacity
		agg.MemoryBytes += st.MemoryBytes
		if st.MaxLevel > agg.MaxLevel {
			agg.MaxLevel = st.MaxLevel
		}
		for l, c := range st.LevelCounts {
			if l >= len(agg.LevelCounts) {
				agg.LevelCounts = append(agg.LevelCounts, 0)
			}
			agg.LevelCounts[l] += c
		}
	}
	return agg
}

// Close releases the worker pool and marks the index unusable. It does
// not persist anything; call Save first if the data matters.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	x.pool.Close()
	return nil
}
