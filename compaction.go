package graphann

import (
	"context"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/quantization"
)

// Compact rebuilds every segment without its tombstoned nodes, finally
// reclaiming their arena slots and edges. Live nodes are reinserted in
// ID order into fresh graphs, so edge lists referencing deleted nodes
// disappear with the old graphs.
//
// Compaction reassigns IDs. The returned table maps old global IDs to
// new ones; deleted IDs map to NoID. It runs exclusively: concurrent
// operations block until it finishes.
func (x *Index) Compact(ctx context.Context) ([]uint32, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, ErrClosed
	}

	if err := x.controller.AcquireBackground(ctx); err != nil {
		return nil, err
	}
	defer x.controller.ReleaseBackground()

	n := len(x.segments)
	size := 0
	for i, seg := range x.segments {
		if a := seg.Stats().Allocated; a > 0 {
			if g := (a-1)*n + i + 1; g > size {
				size = g
			}
		}
	}
	remap := make([]uint32, size)
	for i := range remap {
		remap[i] = NoID
	}

	newSegs := make([]index.Index, n)
	reclaimed := 0
	for i, seg := range x.segments {
		fresh, err := x.newSegment(x.dim, i)
		if err != nil {
			x.logger.LogCompaction(ctx, 0, 0, err)
			return nil, err
		}
		err = seg.Export(ctx, func(rec *codec.NodeRecord) error {
			if rec.Deleted {
				reclaimed++
				return nil
			}
			local, err := fresh.Insert(ctx, rec.Vector)
			if err != nil {
				return err
			}
			remap[x.globalID(i, rec.ID)] = x.globalID(i, local)
			return nil
		})
		if err != nil {
			x.logger.LogCompaction(ctx, 0, 0, err)
			return nil, err
		}
		newSegs[i] = fresh
	}

	x.segments = newSegs
	if err := x.reencodeAll(ctx); err != nil {
		return nil, err
	}

	live := 0
	for _, seg := range x.segments {
		live += seg.Count()
	}
	x.logger.LogCompaction(ctx, live, reclaimed, nil)
	return remap, nil
}

// reencodeAll rebuilds the quantized stores against the current node
// IDs. Codebooks are kept; only the per-node codes are recomputed.
// Caller holds mu exclusive.
func (x *Index) reencodeAll(ctx context.Context) error {
	if x.bq == nil && (x.pq == nil || !x.pq.Trained()) {
		return nil
	}

	var sketches *quantization.SketchStore
	if x.bq != nil {
		sketches = quantization.NewSketchStore(x.bq.Words())
	}
	var codes *quantization.CodeStore
	if x.pq != nil && x.pq.Trained() {
		codes = quantization.NewCodeStore(x.pq.NumSubspaces())
	}

	for i, seg := range x.segments {
		i := i
		err := seg.Export(ctx, func(rec *codec.NodeRecord) error {
			if rec.Deleted {
				return nil
			}
			g := x.globalID(i, rec.ID)
			if sketches != nil {
				sketches.Set(g, x.bq.Encode(nil, rec.Vector))
			}
			if codes != nil {
				codes.Set(g, x.pq.Encode(nil, rec.Vector))
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if sketches != nil {
		x.sketches = sketches
	}
	if codes != nil {
		x.codes = codes
	}
	return nil
}
