package hnsw

import (
	"context"
	"math"
	"sort"

	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/internal/arena"
	"github.com/omendb/graphann/internal/searcher"
)

// KNNSearch returns the k nearest live nodes. Tombstoned and filtered-out
// nodes are traversed for navigation but never ranked. When an approximate
// distance is supplied it orders the beam only; the final ranking is
// recomputed with the exact metric.
func (h *Index) KNNSearch(ctx context.Context, q []float32, k int, opts *index.SearchOptions) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != h.dim {
		return nil, &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(q)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ep := h.ep.Load()
	if ep == 0 {
		return []index.SearchResult{}, nil
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := q
	if h.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], q...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return nil, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	h.arena.Pin()
	defer h.arena.Unpin()

	exact := func(id uint32) float32 {
		nv := h.arena.Vector(id)
		if nv == nil {
			return math.MaxFloat32
		}
		return h.dist(vec, nv)
	}
	traverse := exact
	approx := opts != nil && opts.Approx != nil
	if approx {
		traverse = opts.Approx
	}

	ef := h.opts.EFSearch
	if opts != nil && opts.EF > 0 {
		ef = opts.EF
	}
	if ef < k {
		ef = k
	}

	keep := func(id uint32) bool { return !h.arena.IsDeleted(id) }
	if opts != nil && opts.Filter != nil {
		flt := opts.Filter
		keep = func(id uint32) bool {
			return !h.arena.IsDeleted(id) && flt.Contains(id)
		}
	}

	epID, epLevel := unpackEntry(ep)
	curr := searcher.Candidate{ID: epID, Dist: traverse(epID)}
	for l := epLevel; l > 0; l-- {
		curr = h.greedyStep(curr, l, traverse)
	}

	if err := h.searchLayer(ctx, s, curr, 0, ef, traverse, keep); err != nil {
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

// greedyStep runs the single-candidate local descent at an upper layer
// until no neighbor improves on the current position. Distance ties break
// toward the smaller ID, which also rules out cycles.
func (h *Index) greedyStep(curr searcher.Candidate, layer int, dist index.DistFunc) searcher.Candidate {
	for {
		improved := false
		h.arena.VisitNeighbors(curr.ID, layer, func(nb arena.Neighbor) bool {
			d := dist(nb.ID)
			if searcher.Better(searcher.Candidate{ID: nb.ID, Dist: d}, curr) {
				curr = searcher.Candidate{ID: nb.ID, Dist: d}
				improved = true
			}
			return true
		})
		if !improved {
			return curr
		}
	}
}

// searchLayer is the ef-bounded beam search shared by insertion and
// query. The frontier admits every reachable node; the result pool admits
// only nodes that pass keep (nil keeps everything). Terminates when the
// frontier is exhausted or its best candidate is worse than the worst of
// a full pool.
func (h *Index) searchLayer(ctx context.Context, s *searcher.Context, entry searcher.Candidate, layer, ef int, dist index.DistFunc, keep func(id uint32) bool) error {
	s.Frontier.Reset()
	s.Pool.Reset()
	s.Visited.Reset()
	s.Visited.EnsureCapacity(h.arena.Allocated())

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

		h.arena.VisitNeighbors(curr.ID, layer, func(nb arena.Neighbor) bool {
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

// BruteSearch scans every live node with the exact metric. It is the
// ground truth the graph search is measured against. For L2-family
// metrics a prefix distance bound prunes nodes that cannot enter the
// current top k.
func (h *Index) BruteSearch(ctx context.Context, q []float32, k int, filter func(id uint32) bool) ([]index.SearchResult, error) {
	if k <= 0 {
		return nil, index.ErrInvalidK
	}
	if len(q) != h.dim {
		return nil, &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(q)}
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := q
	if h.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], q...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return nil, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	h.arena.Pin()
	defer h.arena.Unpin()

	s.Pool.Reset()
	prefix := h.dim / 4
	if prefix < 16 {
		prefix = h.dim
	}

	n := h.arena.Allocated()
	for i := 0; i < n; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		id := uint32(i)
		if h.arena.Level(id) < 0 || h.arena.IsDeleted(id) {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		v := h.arena.Vector(id)
		if s.Pool.Len() >= k && h.partialScale > 0 {
			worst, _ := s.Pool.Top()
			if h.partialScale*distance.PartialSquaredL2(vec, v, prefix) > worst.Dist {
				continue
			}
		}
		s.Pool.PushBounded(searcher.Candidate{ID: id, Dist: h.dist(vec, v)}, k)
	}

	cands := s.DrainPoolSorted()
	out := make([]index.SearchResult, len(cands))
	for i, c := range cands {
		out[i] = index.SearchResult{ID: c.ID, Distance: c.Dist}
	}
	return out, nil
}
