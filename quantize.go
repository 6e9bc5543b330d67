package graphann

import (
	"context"
	"math"
	"slices"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/quantization"
)

// maxTrainingSample caps how many stored vectors product quantization
// trains on. Beyond this, more samples sharpen the codebooks less than
// they slow training down.
const maxTrainingSample = 65536

// encodeNode writes the quantized forms of a freshly inserted node.
// Caller holds mu shared; the quantizers only change under mu exclusive.
func (x *Index) encodeNode(seg int, local, g uint32) {
	if x.bq == nil && x.pq == nil {
		return
	}
	v, ok := x.segments[seg].VectorByID(local)
	if !ok {
		return
	}
	if x.bq != nil {
		x.sketches.Set(g, x.bq.Encode(nil, v))
	}
	if x.pq != nil && x.pq.Trained() {
		x.codes.Set(g, x.pq.Encode(nil, v))
	}
}

// approxFor builds the traversal distance proxy for one segment, or nil
// when no usable proxy exists. Nodes whose code has not been published
// yet fall back to the worst possible distance; they are reachable, just
// deprioritized, and exact re-ranking corrects any that still surface.
func (x *Index) approxFor(seg int, q []float32) index.DistFunc {
	if x.opts.metric == distance.MetricDot {
		// Neither proxy orders consistently with an unbounded inner
		// product.
		return nil
	}
	if x.pq == nil && x.bq == nil {
		return nil
	}

	qn := q
	if x.opts.metric == distance.MetricCosine {
		var ok bool
		if qn, ok = distance.NormalizeL2Copy(q); !ok {
			return nil
		}
	}

	n := uint32(len(x.segments))
	if x.pq != nil && x.pq.Trained() {
		pq, codes := x.pq, x.codes
		lut := pq.LookupTable(qn)
		return func(local uint32) float32 {
			code, ok := codes.Get(local*n + uint32(seg))
			if !ok {
				return math.MaxFloat32
			}
			return pq.DistanceLUT(lut, code)
		}
	}

	bq, sketches := x.bq, x.sketches
	qs := bq.Encode(nil, qn)
	return func(local uint32) float32 {
		sk, ok := sketches.Get(local*n + uint32(seg))
		if !ok {
			return math.MaxFloat32
		}
		return distance.Hamming(qs, sk)
	}
}

// EnableBinaryQuantization turns on sign-bit sketches: one bit per
// dimension, compared by Hamming distance during traversal. Existing
// vectors are encoded before the call returns; enabling twice is a no-op.
func (x *Index) EnableBinaryQuantization(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if x.bq != nil {
		return nil
	}

	bq := quantization.NewBinaryQuantizer(x.dim)
	store := quantization.NewSketchStore(bq.Words())
	for i, seg := range x.segments {
		i := i
		err := seg.Export(ctx, func(rec *codec.NodeRecord) error {
			if rec.Deleted {
				return nil
			}
			store.Set(x.globalID(i, rec.ID), bq.Encode(nil, rec.Vector))
			return nil
		})
		if err != nil {
			return err
		}
	}

	x.bq = bq
	x.sketches = store
	return nil
}

// EnableProductQuantization trains codebooks on the stored vectors and
// turns on PQ distance tables for traversal. Training is explicit and
// synchronous; it fails with ErrInsufficientTrainingData when fewer than
// MinTrainingFactor*numCentroids live vectors exist.
func (x *Index) EnableProductQuantization(ctx context.Context, numSubspaces, numCentroids int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return ErrClosed
	}
	if x.pq != nil {
		return nil
	}

	pq, err := quantization.NewProductQuantizer(x.dim, numSubspaces, numCentroids, x.opts.randomSeed)
	if err != nil {
		return err
	}

	var sample [][]float32
	for _, seg := range x.segments {
		err := seg.Export(ctx, func(rec *codec.NodeRecord) error {
			if rec.Deleted || len(sample) >= maxTrainingSample {
				return nil
			}
			sample = append(sample, slices.Clone(rec.Vector))
			return nil
		})
		if err != nil {
			return err
		}
	}

	if err := x.controller.AcquireBackground(ctx); err != nil {
		return err
	}
	err = pq.Train(ctx, sample)
	x.controller.ReleaseBackground()
	if err != nil {
		return err
	}

	store := quantization.NewCodeStore(pq.NumSubspaces())
	for i, seg := range x.segments {
		i := i
		err := seg.Export(ctx, func(rec *codec.NodeRecord) error {
			if rec.Deleted {
				return nil
			}
			store.Set(x.globalID(i, rec.ID), pq.Encode(nil, rec.Vector))
			return nil
		})
		if err != nil {
			return err
		}
	}

	x.pq = pq
	x.codes = store
	return nil
}
