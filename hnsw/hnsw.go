// Package hnsw implements the hierarchical layered graph topology.
//
// Nodes live in a pointer-free arena and are addressed by dense IDs.
// Layer membership is drawn geometrically with p=1/2; the sparse upper
// layers act as an express lane that greedy descent rides before the
// ef-bounded beam search fans out at layer 0. All edges carry their
// cached construction-time distance so pruning never recomputes them.
package hnsw

import (
	"context"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/internal/arena"
	"github.com/omendb/graphann/resource"
)

const (
	// numLockShards is the size of the striped node-lock table. Power of
	// two so the shard pick is a mask.
	numLockShards = 1024

	// ctxCheckInterval bounds how many beam expansions happen between
	// context cancellation checks.
	ctxCheckInterval = 64
)

// Options configures an Index. Zero fields fall back to DefaultOptions.
type Options struct {
	// M is the max degree at layers >= 1. Layer 0 holds up to 2M edges.
	M int

	// EFConstruction is the beam width during insertion.
	EFConstruction int

	// EFSearch is the default beam width during search. Per-call
	// SearchOptions.EF overrides it.
	EFSearch int

	// MaxLayers caps the level draw.
	MaxLayers int

	// Alpha relaxes the diversity heuristic. 1.0 is classic HNSW
	// selection; larger values keep more long edges.
	Alpha float64

	// Metric selects the ranking distance.
	Metric distance.Metric

	// Capacity is the initial arena capacity in nodes.
	Capacity int

	// GrowthDisabled makes the arena fixed-size; inserts beyond Capacity
	// fail with ErrCapacityExhausted instead of growing.
	GrowthDisabled bool

	// RandomSeed seeds the level generator. A fixed seed plus a fixed
	// insertion order yields an identical graph.
	RandomSeed int64

	// Budget, when non-nil, bounds arena memory.
	Budget *resource.Controller
}

// DefaultOptions are the construction defaults.
var DefaultOptions = Options{
	M:              16,
	EFConstruction: 200,
	EFSearch:       100,
	MaxLayers:      8,
	Alpha:          1.2,
	Metric:         distance.MetricL2,
	Capacity:       1024,
	RandomSeed:     0x2545F4914F6CDD1D,
}

// Index is the hierarchical graph. Safe for concurrent use.
type Index struct {
	opts    Options
	dim     int
	arena   *arena.Arena
	dist    distance.Func
	alphaSq float32

	// normalize is set for the cosine metric; inputs are unit-scaled at
	// the boundary so ranking reduces to squared L2.
	normalize bool

	// partialScale maps a prefix squared-L2 bound into metric units for
	// BruteSearch pruning. Zero disables pruning (dot product has no
	// prefix bound).
	partialScale float32

	// ep packs the entry point as (level+1)<<32 | id; zero means empty.
	// Raised by CAS when an insert lands on a new top layer.
	ep atomic.Uint64

	rngState atomic.Uint64

	locks [numLockShards]sync.Mutex
}

var _ index.Index = (*Index)(nil)

// New creates an empty index for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if dimension <= 0 {
		return nil, &index.ErrInvalidConfig{Field: "dimension", Reason: "must be positive"}
	}
	if opts.M < 2 {
		return nil, &index.ErrInvalidConfig{Field: "M", Reason: "must be at least 2"}
	}
	if opts.EFConstruction < opts.M {
		return nil, &index.ErrInvalidConfig{Field: "EFConstruction", Reason: "must be at least M"}
	}
	if opts.EFSearch < 1 {
		return nil, &index.ErrInvalidConfig{Field: "EFSearch", Reason: "must be positive"}
	}
	if opts.MaxLayers < 1 || opts.MaxLayers > 32 {
		return nil, &index.ErrInvalidConfig{Field: "MaxLayers", Reason: "must be in [1, 32]"}
	}
	if opts.Alpha < 1 {
		return nil, &index.ErrInvalidConfig{Field: "Alpha", Reason: "must be at least 1"}
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	a, err := arena.New(arena.Config{
		Dimension:      dimension,
		Capacity:       opts.Capacity,
		M:              opts.M,
		MaxLayers:      opts.MaxLayers,
		GrowthDisabled: opts.GrowthDisabled,
		Budget:         opts.Budget,
	})
	if err != nil {
		return nil, err
	}

	h := &Index{
		opts:    opts,
		dim:     dimension,
		arena:   a,
		dist:    dist,
		alphaSq: float32(opts.Alpha * opts.Alpha),
	}
	switch opts.Metric {
	case distance.MetricL2:
		h.partialScale = 1
	case distance.MetricCosine:
		h.normalize = true
		h.partialScale = 0.5
	}
	h.rngState.Store(uint64(opts.RandomSeed) | 1)
	return h, nil
}

// drawLevel samples a geometric level with p=1/2, capped at MaxLayers-1.
// xorshift64* over an atomically advanced state keeps it lock-free.
func (h *Index) drawLevel() int {
	x := h.rngState.Add(0x9E3779B97F4A7C15)
	x ^= x >> 12
	x ^= x << 25
	x ^= x >> 27
	r := x * 0x2545F4914F6CDD1D
	// Forcing a bit at MaxLayers-1 caps the trailing-zero count.
	return bits.TrailingZeros64(r | 1<<(h.opts.MaxLayers-1))
}

func packEntry(id uint32, level int) uint64 {
	return uint64(level+1)<<32 | uint64(id)
}

func unpackEntry(v uint64) (id uint32, level int) {
	return uint32(v), int(v>>32) - 1
}

// raiseEntry promotes id to entry point if its level exceeds the current
// entry's. Losing the CAS race to a same-or-higher entry is fine.
func (h *Index) raiseEntry(id uint32, level int) {
	for {
		old := h.ep.Load()
		if old != 0 {
			if _, oldLevel := unpackEntry(old); level <= oldLevel {
				return
			}
		}
		if h.ep.CompareAndSwap(old, packEntry(id, level)) {
			return
		}
	}
}

func (h *Index) lockFor(id uint32) *sync.Mutex {
	return &h.locks[id&(numLockShards-1)]
}

// Count returns the number of live nodes.
func (h *Index) Count() int {
	return h.arena.Allocated() - h.arena.Deleted()
}

// Dimension returns the fixed vector dimension.
func (h *Index) Dimension() int { return h.dim }

// Metric returns the configured ranking metric.
func (h *Index) Metric() distance.Metric { return h.opts.Metric }

// VectorByID returns a copy of the stored vector for a live node. For
// the cosine metric this is the normalized form.
func (h *Index) VectorByID(id uint32) ([]float32, bool) {
	h.arena.Pin()
	defer h.arena.Unpin()
	if h.arena.Level(id) < 0 || h.arena.IsDeleted(id) {
		return nil, false
	}
	v := h.arena.Vector(id)
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Delete tombstones a node. The node keeps its edges and stays navigable
// until a rebuild; it is excluded from results and from reverse-prune
// decisions immediately.
func (h *Index) Delete(_ context.Context, id uint32) bool {
	return h.arena.MarkDeleted(id)
}
