// Package arena implements the vector arena and node pool: contiguous,
// growable storage for embeddings and fixed-capacity neighbor slots,
// addressed by dense node IDs. Nothing in here holds a pointer to a
// node; all cross-references are checked integer indexes, so the
// bidirectional edge cycles of the graph never become ownership cycles.
//
// Concurrency contract: readers and edge writers hold a shared Pin for
// the duration of one operation. Growth is the single exclusive
// operation; it may relocate every backing slab, which is why no caller
// may cache a slab reference across an Unpin.
package arena

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/omendb/graphann/resource"
)

// Neighbor is one occupied connection slot.
type Neighbor struct {
	ID   uint32
	Dist float32
}

// AsUint64 packs a neighbor into one word so a slot write is a single
// atomic store.
func (n Neighbor) AsUint64() uint64 {
	return uint64(n.ID)<<32 | uint64(math.Float32bits(n.Dist))
}

// NeighborFromUint64 unpacks a slot word.
func NeighborFromUint64(v uint64) Neighbor {
	return Neighbor{
		ID:   uint32(v >> 32),
		Dist: math.Float32frombits(uint32(v)),
	}
}

const (
	levelUnpublished = int32(-1)
	noUpperBlock     = ^uint32(0)
)

// Config sizes an arena.
type Config struct {
	Dimension      int
	Capacity       int
	M              int // max degree at layers >= 1; layer 0 holds 2M
	MaxLayers      int
	GrowthDisabled bool
	Budget         *resource.Controller
}

// Arena owns the vector slab and the node pool.
type Arena struct {
	dim       int
	m         int
	m0        int
	maxLayers int

	growthDisabled bool
	budget         *resource.Controller
	reserved       int64

	// mu is the growth exclusion lock: every operation pins it shared,
	// Grow takes it exclusively. allocMu serializes slot reservation and
	// is always taken while pinned.
	mu      sync.RWMutex
	allocMu sync.Mutex

	capacity int
	upperCap int // upper neighbor blocks, m slots each

	allocated atomic.Int64
	upperUsed atomic.Int64
	deleted   atomic.Int64

	vectors []float32       // capacity * dim
	levels  []atomic.Int32  // published level per node, -1 until Publish
	tombs   []atomic.Uint32 // deletion bitset
	baseLen []atomic.Uint32 // published layer-0 neighbor counts
	base    []uint64        // capacity * m0 packed slots

	upperOff []uint32        // first upper slot per node, noUpperBlock if level 0
	upperLen []atomic.Uint32 // per block published counts
	upper    []uint64        // upperCap * m packed slots
}

// New creates an arena with the given fixed shape. Capacity must be
// positive; M and MaxLayers are assumed validated by the caller.
func New(cfg Config) (*Arena, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	a := &Arena{
		dim:            cfg.Dimension,
		m:              cfg.M,
		m0:             2 * cfg.M,
		maxLayers:      cfg.MaxLayers,
		growthDisabled: cfg.GrowthDisabled,
		budget:         cfg.Budget,
	}

	// Level draws are geometric with p=1/2, so upper blocks per node
	// average one; provisioning capacity blocks covers the common case
	// and growth handles the tail.
	if err := a.allocate(cfg.Capacity, cfg.Capacity); err != nil {
		return nil, err
	}
	return a, nil
}

var errBudgetExceeded = errors.New("arena: memory budget exceeded")

// allocate reserves budget for the new footprint and installs the
// larger slabs. Runs single-threaded (construction) or under the
// exclusive growth lock.
func (a *Arena) allocate(capacity, upperCap int) error {
	perNode := int64(a.dim*4 + a.m0*8 + 4 + 4 + 4)
	perBlock := int64(a.m*8 + 4)
	total := perNode*int64(capacity) + perBlock*int64(upperCap)
	delta := total - a.reserved
	if !a.budget.TryAcquireMemory(delta) {
		return errBudgetExceeded
	}

	a.capacity = capacity
	a.upperCap = upperCap
	a.reserved = total

	a.vectors = grownFloats(a.vectors, capacity*a.dim)
	a.levels = grownAtomicInt32(a.levels, capacity, levelUnpublished)
	a.tombs = grownAtomicUint32(a.tombs, (capacity+31)/32)
	a.baseLen = grownAtomicUint32(a.baseLen, capacity)
	a.base = grownUint64(a.base, capacity*a.m0)
	a.upperOff = grownUint32(a.upperOff, capacity, noUpperBlock)
	a.upperLen = grownAtomicUint32(a.upperLen, upperCap)
	a.upper = grownUint64(a.upper, upperCap*a.m)
	return nil
}

// Pin takes the shared growth lock for the duration of one operation.
// Slab references obtained while pinned become invalid at Unpin.
func (a *Arena) Pin() { a.mu.RLock() }

// Unpin releases the shared growth lock.
func (a *Arena) Unpin() { a.mu.RUnlock() }

// Allocate reserves a node slot with room for the given level's neighbor
// lists. It grows the arena transparently unless growth is disabled, in
// which case ok=false signals capacity exhaustion. GrowthDisabled caps
// node slots only: the upper-layer block pool is an internal layout
// detail sized for the average level draw, and it keeps growing on
// demand (subject to the memory budget) so the configured capacity is
// reachable under any draw sequence. Allocate must be called unpinned.
func (a *Arena) Allocate(level int) (uint32, bool) {
	if level >= a.maxLayers {
		level = a.maxLayers - 1
	}
	for {
		a.mu.RLock()
		id, ok, slotsFull := a.tryReserve(level)
		a.mu.RUnlock()
		if ok {
			return id, true
		}
		if slotsFull && a.growthDisabled {
			return 0, false
		}
		if !a.grow(level) {
			return 0, false
		}
	}
}

// tryReserve hands out the next node slot. slotsFull distinguishes an
// exhausted node pool from an exhausted upper block pool; only the
// former honors GrowthDisabled.
func (a *Arena) tryReserve(level int) (id uint32, ok, slotsFull bool) {
	a.allocMu.Lock()
	defer a.allocMu.Unlock()

	next := a.allocated.Load()
	if int(next) >= a.capacity {
		return 0, false, true
	}
	if level > 0 {
		blocks := int64(level)
		if a.upperUsed.Load()+blocks > int64(a.upperCap) {
			return 0, false, false
		}
		a.upperOff[next] = uint32(a.upperUsed.Load()) * uint32(a.m)
		a.upperUsed.Add(blocks)
	}
	a.allocated.Add(1)
	return uint32(next), true, false
}

// grow doubles the exhausted slab(s) under the exclusive lock.
// Returns false if the memory budget rejects the larger footprint.
func (a *Arena) grow(level int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	newCap := a.capacity
	newUpper := a.upperCap
	if !a.growthDisabled && int(a.allocated.Load()) >= a.capacity {
		newCap = a.capacity * 2
	}
	if level > 0 && a.upperUsed.Load()+int64(level) > int64(a.upperCap) {
		newUpper = a.upperCap * 2
	}
	if newCap == a.capacity && newUpper == a.upperCap {
		return true // another grower got here first
	}
	return a.allocate(newCap, newUpper) == nil
}

// SetVector copies v into the node's vector slot. Caller must be pinned.
func (a *Arena) SetVector(id uint32, v []float32) {
	copy(a.vectors[int(id)*a.dim:(int(id)+1)*a.dim], v)
}

// Vector returns the node's stored vector. The slice aliases the arena
// slab and is valid only while pinned.
func (a *Arena) Vector(id uint32) []float32 {
	if int64(id) >= a.allocated.Load() {
		return nil
	}
	return a.vectors[int(id)*a.dim : (int(id)+1)*a.dim]
}

// Publish makes the node visible to traversal. The vector must be in
// place before Publish; level is immutable afterwards.
func (a *Arena) Publish(id uint32, level int) {
	a.levels[id].Store(int32(level))
}

// Level returns the node's published level, or -1 if unpublished.
func (a *Arena) Level(id uint32) int {
	if int64(id) >= a.allocated.Load() {
		return -1
	}
	return int(a.levels[id].Load())
}

// MarkDeleted sets the node's tombstone. Returns false if the node was
// already deleted or never published.
func (a *Arena) MarkDeleted(id uint32) bool {
	if a.Level(id) < 0 {
		return false
	}
	word := &a.tombs[id>>5]
	bit := uint32(1) << (id & 31)
	for {
		old := word.Load()
		if old&bit != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|bit) {
			a.deleted.Add(1)
			return true
		}
	}
}

// IsDeleted reports whether the node is tombstoned.
func (a *Arena) IsDeleted(id uint32) bool {
	if int64(id) >= a.allocated.Load() {
		return false
	}
	return a.tombs[id>>5].Load()&(uint32(1)<<(id&31)) != 0
}

// MaxDegree returns the fixed slot capacity at the given layer.
func (a *Arena) MaxDegree(layer int) int {
	if layer == 0 {
		return a.m0
	}
	return a.m
}

// slots returns the slot window and count cell for a node's layer, or
// nil if the node has no such layer.
func (a *Arena) slots(id uint32, layer int) ([]uint64, *atomic.Uint32) {
	if layer == 0 {
		start := int(id) * a.m0
		return a.base[start : start+a.m0], &a.baseLen[id]
	}
	if layer > a.Level(id) {
		return nil, nil
	}
	off := a.upperOff[id]
	if off == noUpperBlock {
		return nil, nil
	}
	start := int(off) + (layer-1)*a.m
	return a.upper[start : start+a.m], &a.upperLen[int(off)/a.m+(layer-1)]
}

// NeighborCount returns the published neighbor count at the layer.
func (a *Arena) NeighborCount(id uint32, layer int) int {
	_, cnt := a.slots(id, layer)
	if cnt == nil {
		return 0
	}
	return int(cnt.Load())
}

// Neighbors appends the published neighbor list at the layer to buf.
func (a *Arena) Neighbors(id uint32, layer int, buf []Neighbor) []Neighbor {
	window, cnt := a.slots(id, layer)
	if cnt == nil {
		return buf[:0]
	}
	n := int(cnt.Load())
	buf = buf[:0]
	for i := 0; i < n; i++ {
		buf = append(buf, NeighborFromUint64(atomic.LoadUint64(&window[i])))
	}
	return buf
}

// VisitNeighbors iterates the published neighbor list without
// allocating. fn returning false stops the iteration.
func (a *Arena) VisitNeighbors(id uint32, layer int, fn func(n Neighbor) bool) {
	window, cnt := a.slots(id, layer)
	if cnt == nil {
		return
	}
	n := int(cnt.Load())
	for i := 0; i < n; i++ {
		if !fn(NeighborFromUint64(atomic.LoadUint64(&window[i]))) {
			return
		}
	}
}

// AppendNeighbor adds one neighbor using the append-then-publish
// discipline: the slot word is stored first, then the count. Concurrent
// readers observe either the old prefix or the new one, never a torn
// slot. The caller must hold the node's write lock.
func (a *Arena) AppendNeighbor(id uint32, layer int, nb Neighbor) bool {
	window, cnt := a.slots(id, layer)
	if cnt == nil {
		return false
	}
	n := cnt.Load()
	if int(n) >= len(window) {
		return false
	}
	atomic.StoreUint64(&window[n], nb.AsUint64())
	cnt.Store(n + 1)
	return true
}

// SetNeighbors replaces the layer's neighbor list. Slots are written
// before the count publish; every individually loaded slot stays a valid
// packed neighbor throughout. The caller must hold the node's write lock.
func (a *Arena) SetNeighbors(id uint32, layer int, nbs []Neighbor) {
	window, cnt := a.slots(id, layer)
	if cnt == nil {
		return
	}
	if len(nbs) > len(window) {
		nbs = nbs[:len(window)]
	}
	for i, nb := range nbs {
		atomic.StoreUint64(&window[i], nb.AsUint64())
	}
	cnt.Store(uint32(len(nbs)))
}

// Allocated returns the number of node slots handed out.
func (a *Arena) Allocated() int { return int(a.allocated.Load()) }

// Deleted returns the number of tombstoned nodes.
func (a *Arena) Deleted() int { return int(a.deleted.Load()) }

// Capacity returns the current slot capacity.
func (a *Arena) Capacity() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.capacity
}

// Dimension returns the fixed vector dimension.
func (a *Arena) Dimension() int { return a.dim }

// MaxLayers returns the layer cap.
func (a *Arena) MaxLayers() int { return a.maxLayers }

// MemoryBytes returns the bytes reserved against the budget.
func (a *Arena) MemoryBytes() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reserved
}

// Free returns the arena's reservation to the budget. The arena must not
// be used afterwards.
func (a *Arena) Free() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.budget.ReleaseMemory(a.reserved)
	a.reserved = 0
}

func grownFloats(old []float32, n int) []float32 {
	s := make([]float32, n)
	copy(s, old)
	return s
}

func grownUint64(old []uint64, n int) []uint64 {
	s := make([]uint64, n)
	copy(s, old)
	return s
}

func grownUint32(old []uint32, n int, fill uint32) []uint32 {
	s := make([]uint32, n)
	copy(s, old)
	for i := len(old); i < n; i++ {
		s[i] = fill
	}
	return s
}

func grownAtomicInt32(old []atomic.Int32, n int, fill int32) []atomic.Int32 {
	s := make([]atomic.Int32, n)
	for i := range old {
		s[i].Store(old[i].Load())
	}
	for i := len(old); i < n; i++ {
		s[i].Store(fill)
	}
	return s
}

func grownAtomicUint32(old []atomic.Uint32, n int) []atomic.Uint32 {
	s := make([]atomic.Uint32, n)
	for i := range old {
		s[i].Store(old[i].Load())
	}
	return s
}
