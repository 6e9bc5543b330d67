package hnsw

import (
	"context"
	"fmt"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/internal/arena"
)

// Stats returns a snapshot of the graph shape. LevelCounts[l] is the
// number of nodes whose level is at least l.
func (h *Index) Stats() index.Stats {
	h.arena.Pin()
	defer h.arena.Unpin()

	st := index.Stats{
		Allocated:   h.arena.Allocated(),
		Capacity:    h.arena.Capacity(),
		Deleted:     h.arena.Deleted(),
		MemoryBytes: h.arena.MemoryBytes(),
	}
	st.Count = st.Allocated - st.Deleted

	counts := make([]int, h.opts.MaxLayers)
	maxLevel := 0
	for i := 0; i < st.Allocated; i++ {
		lvl := h.arena.Level(uint32(i))
		if lvl < 0 {
			continue
		}
		if lvl > maxLevel {
			maxLevel = lvl
		}
		for l := 0; l <= lvl; l++ {
			counts[l]++
		}
	}
	st.MaxLevel = maxLevel
	st.LevelCounts = counts[:maxLevel+1]
	return st
}

// Export streams every published node through fn in ID order, tombstones
// included. Callers that need a consistent image must quiesce writers
// first; Export itself only guarantees per-node consistency.
func (h *Index) Export(ctx context.Context, fn func(rec *codec.NodeRecord) error) error {
	h.arena.Pin()
	defer h.arena.Unpin()

	var buf []arena.Neighbor
	n := h.arena.Allocated()
	for i := 0; i < n; i++ {
		if i&1023 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		id := uint32(i)
		lvl := h.arena.Level(id)
		if lvl < 0 {
			continue
		}

		rec := codec.NodeRecord{
			ID:      id,
			Level:   int32(lvl),
			Deleted: h.arena.IsDeleted(id),
			Vector:  h.arena.Vector(id),
			Layers:  make([][]codec.Edge, lvl+1),
		}
		for l := 0; l <= lvl; l++ {
			buf = h.arena.Neighbors(id, l, buf)
			edges := make([]codec.Edge, len(buf))
			for j, nb := range buf {
				edges[j] = codec.Edge{To: nb.ID, Dist: nb.Dist}
			}
			rec.Layers[l] = edges
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return nil
}

// Restore installs an exported node verbatim. Records must arrive in the
// same ID order they were exported in, on an index that has served no
// inserts. Not safe for concurrent use.
func (h *Index) Restore(rec *codec.NodeRecord) error {
	if len(rec.Vector) != h.dim {
		return &index.ErrDimensionMismatch{Expected: h.dim, Actual: len(rec.Vector)}
	}
	if int(rec.Level) >= h.opts.MaxLayers {
		return fmt.Errorf("%w: level %d exceeds layer cap %d", codec.ErrCorruptRecord, rec.Level, h.opts.MaxLayers)
	}

	id, ok := h.arena.Allocate(int(rec.Level))
	if !ok {
		return index.ErrCapacityExhausted
	}
	if id != rec.ID {
		return fmt.Errorf("%w: node %d restored into slot %d", codec.ErrCorruptRecord, rec.ID, id)
	}

	h.arena.Pin()
	defer h.arena.Unpin()

	h.arena.SetVector(id, rec.Vector)
	h.arena.Publish(id, int(rec.Level))
	var nbs []arena.Neighbor
	for l, edges := range rec.Layers {
		nbs = nbs[:0]
		for _, e := range edges {
			nbs = append(nbs, arena.Neighbor{ID: e.To, Dist: e.Dist})
		}
		h.arena.SetNeighbors(id, l, nbs)
	}
	if rec.Deleted {
		h.arena.MarkDeleted(id)
	}
	h.raiseEntry(id, int(rec.Level))
	return nil
}
