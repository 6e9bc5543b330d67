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

// Insert adds a vector and returns its dense node ID. Validation and slot
// allocation are all-or-nothing: a rejected insert leaves the graph
// untouched.
func (h *Index) Insert(ctx context.Context, v []float32) (uint32, error) {
	if len(v) == 0 {
		return 0, index.ErrEmptyVector
	}
	if len(v) != h.dim {
		return 0, &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(v)}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s := searcher.Get()
	defer searcher.Put(s)

	vec := v
	if h.normalize {
		s.ScratchVec = append(s.ScratchVec[:0], v...)
		if !distance.NormalizeL2InPlace(s.ScratchVec) {
			return 0, index.ErrZeroNorm
		}
		vec = s.ScratchVec
	}

	level := h.drawLevel()
	id, ok := h.arena.Allocate(level)
	if !ok {
		return 0, index.ErrCapacityExhausted
	}

	h.arena.Pin()
	defer h.arena.Unpin()

	h.arena.SetVector(id, vec)
	// Publish before linking so concurrent inserts that pick this node as
	// a reverse-edge target can already read its level.
	h.arena.Publish(id, level)
	// The arena copy is the stable reference for the rest of the insert.
	vec = h.arena.Vector(id)

	s.Begin(h.arena.Allocated())
	if err := h.link(ctx, s, id, vec, level); err != nil {
		return 0, err
	}
	return id, nil
}

// link wires the new node into every layer it belongs to and raises the
// entry point if it landed on a new top layer.
func (h *Index) link(ctx context.Context, s *searcher.Context, id uint32, vec []float32, level int) error {
	// First node: become the entry point and stop.
	for {
		ep := h.ep.Load()
		if ep != 0 {
			break
		}
		if h.ep.CompareAndSwap(0, packEntry(id, level)) {
			return nil
		}
	}

	epID, epLevel := unpackEntry(h.ep.Load())
	dist := func(nid uint32) float32 {
		nv := h.arena.Vector(nid)
		if nv == nil {
			return math.MaxFloat32
		}
		return h.dist(vec, nv)
	}

	curr := searcher.Candidate{ID: epID, Dist: dist(epID)}
	for l := epLevel; l > level; l-- {
		curr = h.greedyStep(curr, l, dist)
	}

	top := level
	if epLevel < top {
		top = epLevel
	}
	for l := top; l >= 0; l-- {
		if err := h.searchLayer(ctx, s, curr, l, h.opts.EFConstruction, dist, nil); err != nil {
			return err
		}
		cands := s.DrainPoolSorted()
		// A concurrent insert may already have installed a reverse edge to
		// this node, making it reachable from its own beam at distance 0.
		keep := cands[:0]
		for _, c := range cands {
			if c.ID != id {
				keep = append(keep, c)
			}
		}
		if len(keep) > 0 {
			curr = keep[0]
		}
		sel := s.SelectDiverse(keep, h.arena.MaxDegree(l), h.alphaSq, h.arena.Vector, h.dist)

		s.Linked = append(s.Linked[:0], sel...)
		h.setEdges(id, l, s.Linked)
		for _, nb := range s.Linked {
			h.addReverseEdge(s, nb.ID, id, l, nb.Dist)
		}
	}

	h.raiseEntry(id, level)
	return nil
}

// setEdges installs the node's own neighbor list for one layer.
func (h *Index) setEdges(id uint32, layer int, sel []searcher.Candidate) {
	nbs := make([]arena.Neighbor, len(sel))
	for i, c := range sel {
		nbs[i] = arena.Neighbor{ID: c.ID, Dist: c.Dist}
	}
	mu := h.lockFor(id)
	mu.Lock()
	h.arena.SetNeighbors(id, layer, nbs)
	mu.Unlock()
}

// addReverseEdge makes the edge newID -> nodeID bidirectional. If the
// target's list is full its neighborhood is re-selected over the old list
// plus the newcomer, with tombstoned candidates dropped.
func (h *Index) addReverseEdge(s *searcher.Context, nodeID, newID uint32, layer int, d float32) {
	mu := h.lockFor(nodeID)
	mu.Lock()
	defer mu.Unlock()

	if layer > h.arena.Level(nodeID) {
		return
	}

	conns := s.Conns[:0]
	dup := false
	h.arena.VisitNeighbors(nodeID, layer, func(nb arena.Neighbor) bool {
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

	if len(conns) < h.arena.MaxDegree(layer) {
		h.arena.AppendNeighbor(nodeID, layer, arena.Neighbor{ID: newID, Dist: d})
		return
	}

	conns = append(conns, searcher.Candidate{ID: newID, Dist: d})
	live := conns[:0]
	for _, c := range conns {
		if !h.arena.IsDeleted(c.ID) {
			live = append(live, c)
		}
	}
	sort.Slice(live, func(i, j int) bool { return searcher.Better(live[i], live[j]) })
	s.Conns = live

	sel := s.SelectDiverse(live, h.arena.MaxDegree(layer), h.alphaSq, h.arena.Vector, h.dist)
	nbs := make([]arena.Neighbor, len(sel))
	for i, c := range sel {
		nbs[i] = arena.Neighbor{ID: c.ID, Dist: c.Dist}
	}
	h.arena.SetNeighbors(nodeID, layer, nbs)
}
