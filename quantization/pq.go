package quantization

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/internal/kmeans"
)

const (
	// trainIterations bounds Lloyd's algorithm per subspace.
	trainIterations = 20

	// MinTrainingFactor is the required ratio of training samples to
	// centroids. Below it the codebooks overfit the sample and recall
	// collapses, so training fails explicitly instead.
	MinTrainingFactor = 4
)

// ProductQuantizer partitions the dimension into subspaces and encodes
// each subvector as the ID of its nearest trained centroid. Query-time
// distances come from a per-query lookup table, one table entry per
// (subspace, centroid) pair.
type ProductQuantizer struct {
	dimension    int
	numSubspaces int // S
	numCentroids int // C, <= 256 so codes fit uint8
	subspaceDim  int // dimension / S
	codebooks    []float32 // S * C * subspaceDim
	seed         int64
	trained      bool
}

// NewProductQuantizer creates an untrained quantizer. dimension must be
// divisible by numSubspaces, and numCentroids must fit a uint8 code.
func NewProductQuantizer(dimension, numSubspaces, numCentroids int, seed int64) (*ProductQuantizer, error) {
	if dimension <= 0 || numSubspaces <= 0 {
		return nil, errors.New("quantization: dimension and numSubspaces must be positive")
	}
	if dimension%numSubspaces != 0 {
		return nil, fmt.Errorf("quantization: dimension %d not divisible by %d subspaces", dimension, numSubspaces)
	}
	if numCentroids <= 0 || numCentroids > 256 {
		return nil, errors.New("quantization: numCentroids must be in 1..256")
	}
	return &ProductQuantizer{
		dimension:    dimension,
		numSubspaces: numSubspaces,
		numCentroids: numCentroids,
		subspaceDim:  dimension / numSubspaces,
		seed:         seed,
	}, nil
}

// Trained reports whether codebooks exist.
func (pq *ProductQuantizer) Trained() bool { return pq.trained }

// NumSubspaces returns S, the per-vector code length in bytes.
func (pq *ProductQuantizer) NumSubspaces() int { return pq.numSubspaces }

// NumCentroids returns C, the codebook size per subspace.
func (pq *ProductQuantizer) NumCentroids() int { return pq.numCentroids }

// Codebooks returns the trained centroid table, S*C*subspaceDim floats,
// or nil if untrained. The slice is owned by the quantizer.
func (pq *ProductQuantizer) Codebooks() []float32 {
	if !pq.trained {
		return nil
	}
	return pq.codebooks
}

// SetCodebooks installs a previously trained centroid table, marking the
// quantizer trained. Used when loading a snapshot.
func (pq *ProductQuantizer) SetCodebooks(cb []float32) error {
	want := pq.numSubspaces * pq.numCentroids * pq.subspaceDim
	if len(cb) != want {
		return fmt.Errorf("quantization: codebook length %d, want %d", len(cb), want)
	}
	pq.codebooks = cb
	pq.trained = true
	return nil
}

// Train fits one codebook per subspace on the sample. It is a one-time,
// explicit, batch operation; it must not run concurrently with inserts
// that would be encoded against half-built codebooks.
func (pq *ProductQuantizer) Train(ctx context.Context, vectors [][]float32) error {
	if len(vectors) < pq.numCentroids*MinTrainingFactor {
		return fmt.Errorf("%w: got %d samples, need at least %d",
			ErrInsufficientTrainingData, len(vectors), pq.numCentroids*MinTrainingFactor)
	}
	for _, v := range vectors {
		if len(v) != pq.dimension {
			return fmt.Errorf("quantization: training vector has dimension %d, want %d", len(v), pq.dimension)
		}
	}

	codebooks := make([]float32, pq.numSubspaces*pq.numCentroids*pq.subspaceDim)

	// One goroutine per subspace, bounded by GOMAXPROCS.
	sem := semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	var wg sync.WaitGroup
	for s := 0; s < pq.numSubspaces; s++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			defer sem.Release(1)

			rng := rand.New(rand.NewSource(pq.seed + int64(s)))
			start := s * pq.subspaceDim
			cb := kmeans.Train(vectors, start, start+pq.subspaceDim, pq.numCentroids, trainIterations, rng)
			copy(codebooks[s*pq.numCentroids*pq.subspaceDim:], cb)
		}(s)
	}
	wg.Wait()

	pq.codebooks = codebooks
	pq.trained = true
	return nil
}

// Encode quantizes v into S codeword IDs. dst is allocated when nil or
// too short. Panics if called before Train.
func (pq *ProductQuantizer) Encode(dst []uint8, v []float32) []uint8 {
	if !pq.trained {
		panic("quantization: Encode before Train")
	}
	if cap(dst) < pq.numSubspaces {
		dst = make([]uint8, pq.numSubspaces)
	}
	dst = dst[:pq.numSubspaces]
	for s := 0; s < pq.numSubspaces; s++ {
		start := s * pq.subspaceDim
		cb := pq.codebook(s)
		dst[s] = uint8(kmeans.Assign(v[start:start+pq.subspaceDim], cb, pq.subspaceDim))
	}
	return dst
}

// LookupTable precomputes per-query squared distances to every centroid
// of every subspace: S*C float32 entries. One table serves the whole
// beam search for that query.
func (pq *ProductQuantizer) LookupTable(q []float32) []float32 {
	lut := make([]float32, pq.numSubspaces*pq.numCentroids)
	for s := 0; s < pq.numSubspaces; s++ {
		start := s * pq.subspaceDim
		sub := q[start : start+pq.subspaceDim]
		cb := pq.codebook(s)
		for c := 0; c < pq.numCentroids; c++ {
			lut[s*pq.numCentroids+c] = distance.SquaredL2(sub, cb[c*pq.subspaceDim:(c+1)*pq.subspaceDim])
		}
	}
	return lut
}

// DistanceLUT sums the table entries selected by codes: the approximate
// squared L2 between the query behind lut and the vector behind codes.
func (pq *ProductQuantizer) DistanceLUT(lut []float32, codes []uint8) float32 {
	var d float32
	for s, c := range codes {
		d += lut[s*pq.numCentroids+int(c)]
	}
	return d
}

// Decode reconstructs the centroid approximation of an encoded vector,
// mainly for inspecting quantization error in tests.
func (pq *ProductQuantizer) Decode(codes []uint8) []float32 {
	out := make([]float32, pq.dimension)
	for s, c := range codes {
		cb := pq.codebook(s)
		copy(out[s*pq.subspaceDim:(s+1)*pq.subspaceDim], cb[int(c)*pq.subspaceDim:(int(c)+1)*pq.subspaceDim])
	}
	return out
}

func (pq *ProductQuantizer) codebook(s int) []float32 {
	stride := pq.numCentroids * pq.subspaceDim
	return pq.codebooks[s*stride : (s+1)*stride]
}
