// Package flat implements the single-layer hub graph topology.
//
// All nodes live on one layer with a generous degree cap. Instead of the
// express lanes of the hierarchical variant, each search seeds the beam
// from a small set of hub nodes spread evenly over allocation order. The
// topology trades some query latency on large collections for a simpler
// memory layout and cheaper inserts; it satisfies the same index contract
// and the same invariant suite as the layered graph.
package flat

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/internal/arena"
	"github.com/omendb/graphann/internal/searcher"
	"github.com/omendb/graphann/resource"
)

const (
	numLockShards    = 1024
	ctxCheckInterval = 64
)

// Options configures a flat index.
type Options struct {
	// Degree is the max neighbor count per node. Must be even.
	Degree int

	// EFConstruction is the beam width during insertion.
	EFConstruction int

	// EFSearch is the default beam width during search.
	EFSearch int

	// NumHubs is how many evenly spaced seed nodes each traversal starts
	// from.
	NumHubs int

	// Alpha relaxes the diversity heuristic, as in the layered graph.
	Alpha float64

	Metric         distance.Metric
	Capacity       int
	GrowthDisabled bool
	Budget         *resource.Controller
}

// DefaultOptions are the construction defaults.
var DefaultOptions = Options{
	Degree:         32,
	EFConstruction: 200,
	EFSearch:       100,
	NumHubs:        16,
	Alpha:          1.2,
	Metric:         distance.MetricL2,
	Capacity:       1024,
}

// Index is the single-layer graph. Safe for concurrent use.
type Index struct {
	opts    Options
	dim     int
	arena   *arena.Arena
	dist    distance.Func
	alphaSq float32

	normalize    bool
	partialScale float32

	locks [numLockShards]sync.Mutex
}

var _ index.Index = (*Index)(nil)

// New creates an empty flat index for vectors of the given dimension.
func New(dimension int, optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if dimension <= 0 {
		return nil, &index.ErrInvalidConfig{Field: "dimension", Reason: "must be positive"}
	}
	if opts.Degree < 4 || opts.Degree%2 != 0 {
		return nil, &index.ErrInvalidConfig{Field: "Degree", Reason: "must be an even number >= 4"}
	}
	if opts.EFConstruction < opts.Degree {
		return nil, &index.ErrInvalidConfig{Field: "EFConstruction", Reason: "must be at least Degree"}
	}
	if opts.EFSearch < 1 {
		return nil, &index.ErrInvalidConfig{Field: "EFSearch", Reason: "must be positive"}
	}
	if opts.NumHubs < 1 {
		return nil, &index.ErrInvalidConfig{Field: "NumHubs", Reason: "must be positive"}
	}
	if opts.Alpha < 1 {
		return nil, &index.ErrInvalidConfig{Field: "Alpha", Reason: "must be at least 1"}
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	// The arena's layer 0 holds 2M slots; a single-layer graph with
	// degree D is an arena shaped with M = D/2 and no upper layers.
	a, err := arena.New(arena.Config{
		Dimension:      dimension,
		Capacity:       opts.Capacity,
		M:              opts.Degree / 2,
		MaxLayers:      1,
		GrowthDisabled: opts.GrowthDisabled,
		Budget:         opts.Budget,
	})
	if err != nil {
		return nil, err
	}

	f := &Index{
		opts:    opts,
		dim:     dimension,
		arena:   a,
		dist:    dist,
		alphaSq: float32(opts.Alpha * opts.Alpha),
	}
	switch opts.Metric {
	case distance.MetricL2:
		f.partialScale = 1
	case distance.MetricCosine:
		f.normalize = true
		f.partialScale = 0.5
	}
	return f, nil
}

func (f *Index) lockFor(id uint32) *sync.Mutex {
	return &f.locks[id&(numLockShards-1)]
}

// Count returns the number of live nodes.
func (f *Index) Count() int {
	return f.arena.Allocated() - f.arena.Deleted()
}

// Dimension returns the fixed vector dimension.
func (f *Index) Dimension() int { return f.dim }

// VectorByID returns a copy of the stored vector for a live node.
func (f *Index) VectorByID(id uint32) ([]float32, bool) {
	f.arena.Pin()
	defer f.arena.Unpin()
	if f.arena.Level(id) < 0 || f.arena.IsDeleted(id) {
		return nil, false
	}
	v := f.arena.Vector(id)
	out := make([]float32, len(v))
	copy(out, v)
	return out, true
}

// Delete tombstones a node.
func (f *Index) Delete(_ context.Context, id uint32) bool {
	return f.arena.MarkDeleted(id)
}

// seedHub returns the best starting candidate among the hub set: up to
// NumHubs published nodes evenly spaced over allocation order. Even
// spacing keeps the seeds stable across searches and spread over the
// insertion history without any bookkeeping on the write path.
func (f *Index) seedHub(dist index.DistFunc) (searcher.Candidate, bool) {
	n := f.arena.Allocated()
	if n == 0 {
		return searcher.Candidate{}, false
	}
	hubs := f.opts.NumHubs
	if hubs > n {
		hubs = n
	}
	stride := n / hubs

	best := searcher.Candidate{Dist: math.MaxFloat32}
	found := false
	for j := 0; j < hubs; j++ {
		id := uint32(j * stride)
		if f.arena.Level(id) < 0 {
			continue
		}
		cand := searcher.Candidate{ID: id, Dist: dist(id)}
		if !found || searcher.Better(cand, best) {
			best = cand
			found = true
		}
	}
	return best, found
}

// Insert adds a vector and returns its dense node ID.
func (f *Index) Insert(ctx context.Context, v []float32) (uint32, error) {
	if len(v) == 0 {
		return 0, index.ErrEmptyVector
	}
	if len(v) != f.dim {
		return 0, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(v)}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := v
	if f.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], v...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return 0, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	id, ok := f.arena.Allocate(0)
	if !ok {
		return 0, index.ErrCapacityExhausted
	}

	f.arena.Pin()
	defer f.arena.Unpin()

	f.arena.SetVector(id, vec)
	f.arena.Publish(id, 0)
	vec = f.arena.Vector(id)

	dist := func(nid uint32) float32 {
		nv := f.arena.Vector(nid)
		if nv == nil {
			return math.MaxFloat32
		}
		return f.dist(vec, nv)
	}

	seed, found := f.seedHub(dist)
	if !found || seed.ID == id {
		return id, nil
	}

	s.Begin(f.arena.Allocated())
	if err := f.searchLayer(ctx, s, seed, f.opts.EFConstruction, dist, nil); err != nil {
		return 0, err
	}
	cands := s.DrainPoolSorted()
	// The fresh node can surface in its own candidate set via the seed.
	keep := cands[:0]
	for _, c := range cands {
		if c.ID != id {
			keep = append(keep, c)
		}
	}
	sel := s.SelectDiverse(keep, f.opts.Degree, f.alphaSq, f.arena.Vector, f.dist)

	s.Linked = append(s.Linked[:0], sel...)
	f.setEdges(id, s.Linked)
	for _, nb := range s.Linked {
		f.addReverseEdge(s, nb.ID, id, nb.Dist)
	}
	return id, nil
}

func (f *Index) setEdges(id uint32, sel []searcher.Candidate) {
	nbs := make([]arena.Neighbor, len(sel))
	for i, c := range sel {
		nbs[i] = arena.Neighbor{ID: c.ID, Dist: c.Dist}
	}
	mu := f.lockFor(id)
	mu.Lock()
	f.arena.SetNeighbors(id, 0, nbs)
	mu.Unlock()
}

func (f *Index) addReverseEdge(s *searcher.Context, nodeID, newID uint32, d float32) {
	mu := f.lockFor(nodeID)
	mu.Lock()
	defer mu.Unlock()

	conns := s.Conns[:0]
	dup := false
	f.arena.VisitNeighbors(nodeID, 0, func(nb arena.Neighbor) bool {
		if nb.ID == newID {
			dup = true
			return false
		}
		conns = append(conns, searcher.Candidate{ID: nb.ID, Dist: nb.Dist})
		return true
	})
	s.Conns = conns
	if dup {
		return
	}

	if len(conns) < f.opts.Degree {
		f.arena.AppendNeighbor(nodeID, 0, arena.Neighbor{ID: newID, Dist: d})
		return
	}

	conns = append(conns, searcher.Candidate{ID: newID, Dist: d})
	live := conns[:0]
	for _, c := range conns {
		if !f.arena.IsDeleted(c.ID) {
			live = append(live, c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return searcher.Better(live[i], live[j]) })
	s.Conns = live

	sel := s.SelectDiverse(live, f.opts.Degree, f.alphaSq, f.arena.Vector, f.dist)
	nbs := make([]arena.Neighbor, len(sel))
	for i, c := range sel {
		nbs[i] = arena.Neighbor{ID: c.ID, Dist: c.Dist}
	}
	f.arena.SetNeighbors(nodeID, 0, nbs)
}

// KNNSearch returns the k nearest live nodes, seeded from the hub set.
func (f *Index) KNNSearch(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != f.dim {
		return nil, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.arena.Allocated() == 0 {
		return []index.SearchResult{}, nil
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := q
	if f.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], q...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return nil, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	f.arena.Pin()
	defer f.arena.Unpin()

	exact := func(id uint32) float32 {
		nv := f.arena.Vector(id)
		if nv == nil {
			return math.MaxFloat32
		}
		return f.dist(vec, nv)
	}
	traverse := exact
	approx := opts != nil && opts.Approx != nil
	if approx {
		traverse = opts.Approx
	}

	ef := f.opts.EFSearch
	if opts != nil && opts.EF > 0 {
		ef = opts.EF
	}
	if ef < k {
		ef = k
	}

	keepFn := func(id uint32) bool { return !f.arena.IsDeleted(id) }
	if opts != nil && opts.Filter != nil {
		flt := opts.Filter
		keepFn = func(id uint32) bool {
			return !f.arena.IsDeleted(id) && flt.Contains(id)
		}
	}

	seed, found := f.seedHub(traverse)
	if !found {
		return []index.SearchResult{}, nil
	}
	if err := f.searchLayer(ctx, s, seed, ef, traverse, keepFn); err != nil {
		return nil, err
	}

	cands := s.DrainPoolSorted()
	if approx {
		for i := range cands {
			cands[i].Dist = exact(cands[i].ID)
		}
		sort.Slice(cands, func(i, j int) bool { return searcher.Better(cands[i], cands[j]) })
	}
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]index.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = index.SearchResult{ID: c.ID, Distance: c.Dist}
	}
	return out, nil
}

func (f *Index) searchLayer(ctx context.Context, s *searcher.Context, entry searcher.Candidate, ef int, dist index.DistFunc, keep func(id uint32) bool) error {
	s.Frontier.Reset()
	s.Pool.Reset()
	s.Visited.Reset()
	s.Visited.EnsureCapacity(f.arena.Allocated())

	s.Visited.Visit(entry.ID)
	s.Frontier.Push(entry)
	if keep == nil || keep(entry.ID) {
		s.Pool.PushBounded(entry, ef)
	}

	expansions := 0
	for s.Frontier.Len() > 0 {
		if expansions%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		expansions++

		curr, _ := s.Frontier.Pop()
		if s.Pool.Len() >= ef {
			if worst, _ := s.Pool.Top(); curr.Dist > worst.Dist {
				break
			}
		}

		f.arena.VisitNeighbors(curr.ID, 0, func(nb arena.Neighbor) bool {
			if s.Visited.Visited(nb.ID) {
				return true
			}
			s.Visited.Visit(nb.ID)
			cand := searcher.Candidate{ID: nb.ID, Dist: dist(nb.ID)}
			if s.Pool.Len() >= ef {
				if worst, _ := s.Pool.Top(); !searcher.Better(cand, worst) {
					return true
				}
			}
			s.Frontier.Push(cand)
			if keep == nil || keep(cand.ID) {
				s.Pool.PushBounded(cand, ef)
			}
			return true
		})
	}
	return nil
}

// BruteSearch scans every live node with the exact metric.
func (f *Index) BruteSearch(ctx context.Context, q []float32, k int, filter func(id uint32) bool) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != f.dim {
		return nil, &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(q)}
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := q
	if f.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], q...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return nil, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	f.arena.Pin()
	defer f.arena.Unpin()

	s.Pool.Reset()
	prefix := f.dim / 4
	if prefix < 16 {
		prefix = f.dim
	}

	n := f.arena.Allocated()
	for i := 0; i < n; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		id := uint32(i)
		if f.arena.Level(id) < 0 || f.arena.IsDeleted(id) {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		v := f.arena.Vector(id)
		if s.Pool.Len() >= k && f.partialScale > 0 {
			worst, _ := s.Pool.Top()
			if f.partialScale*distance.PartialSquaredL2(vec, v, prefix) > worst.Dist {
				continue
			}
		}
		s.Pool.PushBounded(searcher.Candidate{ID: id, Dist: f.dist(vec, v)}, k)
	}

	cands := s.DrainPoolSorted()
	out := make([]index.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = index.SearchResult{ID: c.ID, Distance: c.Dist}
	}
	return out, nil
}

// Stats returns a snapshot of the graph shape.
func (f *Index) Stats() index.Stats {
	f.arena.Pin()
	defer f.arena.Unpin()

	st := index.Stats{
		Allocated:   f.arena.Allocated(),
		Capacity:    f.arena.Capacity(),
		Deleted:     f.arena.Deleted(),
		MemoryBytes: f.arena.MemoryBytes(),
	}
	st.Count = st.Allocated - st.Deleted
	st.LevelCounts = []int{st.Allocated}
	return st
}

// Export streams every published node through fn in ID order.
func (f *Index) Export(ctx context.Context, fn func(rec *codec.NodeRecord) error) error {
	f.arena.Pin()
	defer f.arena.Unpin()

	var buf []arena.Neighbor
	n := f.arena.Allocated()
	for i := 0; i < n; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		id := uint32(i)
		if f.arena.Level(id) < 0 {
			continue
		}

		buf = f.arena.Neighbors(id, 0, buf)
		edges := make([]codec.Edge, len(buf))
		for j, nb := range buf {
			edges[j] = codec.Edge{To: nb.ID, Dist: nb.Dist}
		}
		rec := codec.NodeRecord{
			ID:      id,
			Deleted: f.arena.IsDeleted(id),
			Vector:  f.arena.Vector(id),
			Layers:  [][]codec.Edge{edges},
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Restore installs an exported node verbatim, in export order, on an
// index that has served no inserts. Not safe for concurrent use.
func (f *Index) Restore(rec *codec.NodeRecord) error {
	if len(rec.Vector) != f.dim {
		return &index.ErrDimensionMismatch{Expected: f.dim, Actual: len(rec.Vector)}
	}
	if rec.Level != 0 {
		return fmt.Errorf("%w: level %d in single-layer graph", codec.ErrCorruptRecord, rec.Level)
	}

	id, ok := f.arena.Allocate(0)
	if !ok {
		return index.ErrCapacityExhausted
	}
	if id != rec.ID {
		return fmt.Errorf("%w: node %d restored into slot %d", codec.ErrCorruptRecord, rec.ID, id)
	}

	f.arena.Pin()
	defer f.arena.Unpin()

	f.arena.SetVector(id, rec.Vector)
	f.arena.Publish(id, 0)
	nbs := make([]arena.Neighbor, 0, len(rec.Layers[0]))
	for _, e := range rec.Layers[0] {
		nbs = append(nbs, arena.Neighbor{ID: e.To, Dist: e.Dist})
	}
	f.arena.SetNeighbors(id, 0, nbs)
	if rec.Deleted {
		f.arena.MarkDeleted(id)
	}
	return nil
}
