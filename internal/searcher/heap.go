package searcher

// Candidate is a node under consideration during traversal.
type Candidate struct {
	ID   uint32
	Dist float32
}

// Better reports whether a ranks strictly ahead of b.
// Ties on distance break by smaller ID so identical index states produce
// identical ordered results.
func Better(a, b Candidate) bool {
	if a.Dist != b.Dist {
		return a.Dist < b.Dist
	}
	return a.ID < b.ID
}

// Worse reports whether a ranks strictly behind b. The ID tie-break is
// inverted so a max-heap evicts the larger ID first.
func Worse(a, b Candidate) bool {
	if a.Dist != b.Dist {
		return a.Dist > b.Dist
	}
	return a.ID > b.ID
}

const heapArity = 4

// Heap is a 4-ary heap of candidates. With max=false the top is the best
// candidate (frontier ordering); with max=true the top is the worst kept
// result (eviction ordering for a bounded pool).
type Heap struct {
	items []Candidate
	max   bool
}

// NewHeap creates a heap with the given capacity hint.
func NewHeap(capacity int, max bool) *Heap {
	return &Heap{items: make([]Candidate, 0, capacity), max: max}
}

// Len returns the number of candidates in the heap.
func (h *Heap) Len() int { return len(h.items) }

// Reset clears the heap for reuse, keeping its backing storage.
func (h *Heap) Reset() { h.items = h.items[:0] }

// Items exposes the backing slice in heap order (not sorted).
func (h *Heap) Items() []Candidate { return h.items }

func (h *Heap) before(a, b Candidate) bool {
	if h.max {
		return Worse(a, b)
	}
	return Better(a, b)
}

// Push adds a candidate.
func (h *Heap) Push(c Candidate) {
	h.items = append(h.items, c)
	h.up(len(h.items) - 1)
}

// Pop removes and returns the top candidate.
func (h *Heap) Pop() (Candidate, bool) {
	if len(h.items) == 0 {
		return Candidate{}, false
	}
	n := len(h.items) - 1
	top := h.items[0]
	h.items[0] = h.items[n]
	h.items = h.items[:n]
	if n > 0 {
		h.down(0)
	}
	return top, true
}

// Top returns the top candidate without removing it.
func (h *Heap) Top() (Candidate, bool) {
	if len(h.items) == 0 {
		return Candidate{}, false
	}
	return h.items[0], true
}

// PushBounded pushes c into a max-heap capped at limit elements, evicting
// the current worst when full and c ranks ahead of it.
func (h *Heap) PushBounded(c Candidate, limit int) {
	if len(h.items) < limit {
		h.Push(c)
		return
	}
	if Better(c, h.items[0]) {
		h.items[0] = c
		h.down(0)
	}
}

func (h *Heap) up(j int) {
	item := h.items[j]
	for j > 0 {
		i := (j - 1) / heapArity
		if !h.before(item, h.items[i]) {
			break
		}
		h.items[j] = h.items[i]
		j = i
	}
	h.items[j] = item
}

func (h *Heap) down(i0 int) {
	n := len(h.items)
	i := i0
	item := h.items[i]
	for {
		first := heapArity*i + 1
		if first >= n {
			break
		}
		best := first
		last := first + heapArity
		if last > n {
			last = n
		}
		for c := first + 1; c < last; c++ {
			if h.before(h.items[c], h.items[best]) {
				best = c
			}
		}
		if !h.before(h.items[best], item) {
			break
		}
		h.items[i] = h.items[best]
		i = best
	}
	h.items[i] = item
}
