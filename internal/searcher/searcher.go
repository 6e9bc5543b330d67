// Package searcher pools the per-operation scratch state shared by
// insertion and search: the candidate frontier, the bounded result pool,
// the visited tracker and the selection buffers. Pooling keeps the beam
// search allocation-free after warmup.
package searcher

import (
	"sort"
	"sync"

	"github.com/omendb/graphann/internal/visited"
)

// Context carries all mutable scratch for one insert or search.
type Context struct {
	// Frontier is min-ordered: the closest unexpanded candidate on top.
	Frontier *Heap
	// Pool is max-ordered: the worst kept result on top, so eviction
	// under the ef bound is O(log ef).
	Pool    *Heap
	Visited *visited.Set

	// ScratchVec holds the normalized query when the metric requires it.
	ScratchVec []float32

	// Selection scratch for the diversity heuristic.
	SelectIn   []Candidate
	SelectOut  []Candidate
	SelectVecs [][]float32

	// Conns buffers a node's published neighbor list.
	Conns []Candidate

	// Linked holds the new node's selected neighbors while reverse edges
	// are installed; SelectOut is clobbered by reverse-prune re-selection.
	Linked []Candidate

	// Sorted buffers final result extraction.
	Sorted []Candidate
}

var ctxPool = sync.Pool{
	New: func() any {
		return &Context{
			Frontier: NewHeap(256, false),
			Pool:     NewHeap(256, true),
			Visited:  visited.New(1024),
		}
	},
}

// Get borrows a context from the pool.
func Get() *Context {
	return ctxPool.Get().(*Context)
}

// Put returns a context to the pool.
func Put(c *Context) {
	ctxPool.Put(c)
}

// Begin resets the context for a new traversal over at most capacity nodes.
func (c *Context) Begin(capacity int) {
	c.Frontier.Reset()
	c.Pool.Reset()
	c.Visited.Reset()
	c.Visited.EnsureCapacity(capacity)
}

// SortedResults drains the pool into ascending (distance, ID) order and
// returns the backing slice, valid until the next Begin.
func (c *Context) SortedResults() []Candidate {
	c.Sorted = c.Sorted[:0]
	for {
		item, ok := c.Pool.Pop()
		if !ok {
			break
		}
		c.Sorted = append(c.Sorted, item)
	}
	// Pool pops worst first; reverse into best-first order. The heap's
	// deterministic tie-breaks make this a total order already.
	for i, j := 0, len(c.Sorted)-1; i < j; i, j = i+1, j-1 {
		c.Sorted[i], c.Sorted[j] = c.Sorted[j], c.Sorted[i]
	}
	return c.Sorted
}

// SelectDiverse applies the neighbor-selection heuristic shared by both
// topologies. Candidates must be sorted best-first. The closest candidate
// is always taken; a later candidate is admitted only if no already
// selected neighbor dominates it, i.e. alphaSq*dist(selected, candidate)
// >= dist(candidate, query) for all selected. Remaining slots are filled
// with the nearest dominated candidates to keep degree up.
//
// distBetween computes the exact distance between two stored nodes.
// The returned slice aliases c.SelectOut.
func (c *Context) SelectDiverse(cands []Candidate, m int, alphaSq float32, vecOf func(id uint32) []float32, dist func(a, b []float32) float32) []Candidate {
	out := c.SelectOut[:0]
	vecs := c.SelectVecs[:0]

	for _, cand := range cands {
		if len(out) >= m {
			break
		}
		cv := vecOf(cand.ID)
		if cv == nil {
			continue
		}
		dominated := false
		for _, sv := range vecs {
			if alphaSq*dist(sv, cv) < cand.Dist {
				dominated = true
				break
			}
		}
		if !dominated {
			out = append(out, cand)
			vecs = append(vecs, cv)
		}
	}

	if len(out) < m {
		for _, cand := range cands {
			if len(out) >= m {
				break
			}
			seen := false
			for _, s := range out {
				if s.ID == cand.ID {
					seen = true
					break
				}
			}
			if !seen {
				out = append(out, cand)
			}
		}
	}

	c.SelectOut = out
	c.SelectVecs = vecs
	return out
}

// DrainFrontierSorted extracts the frontier contents best-first into
// SelectIn, leaving the frontier empty.
func (c *Context) DrainFrontierSorted() []Candidate {
	in := c.SelectIn[:0]
	for {
		item, ok := c.Frontier.Pop()
		if !ok {
			break
		}
		in = append(in, item)
	}
	c.SelectIn = in
	return in
}

// DrainPoolSorted extracts the result pool best-first into SelectIn,
// leaving the pool empty.
func (c *Context) DrainPoolSorted() []Candidate {
	in := c.SelectIn[:0]
	for {
		item, ok := c.Pool.Pop()
		if !ok {
			break
		}
		in = append(in, item)
	}
	sort.Slice(in, func(i, j int) bool { return Better(in[i], in[j]) })
	c.SelectIn = in
	return in
}
