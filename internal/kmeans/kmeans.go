// Package kmeans implements Lloyd's algorithm for the product-quantizer
// codebook training. Callers pass an explicit RNG source so training is
// reproducible.
package kmeans

import (
	"math"
	"math/rand"

	"github.com/omendb/graphann/distance"
)

// Train clusters the subvectors vectors[i][start:end] into k centroids
// and returns them flattened (k * (end-start)). Training vectors are
// read through a window to avoid materializing per-subspace copies.
func Train(vectors [][]float32, start, end, k, maxIter int, rng *rand.Rand) []float32 {
	dim := end - start
	n := len(vectors)
	centroids := make([]float32, k*dim)

	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i%n]][start:end])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i][start:end]
			best := nearestCentroid(vec, centroids, dim, k)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		clear(sums)
		clear(counts)
		for i := 0; i < n; i++ {
			c := assignments[i]
			vec := vectors[i][start:end]
			for d := 0; d < dim; d++ {
				sums[c*dim+d] += vec[d]
			}
			counts[c]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Reseed an empty cluster from a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx][start:end])
			}
		}
	}
	return centroids
}

// Assign returns the index of the centroid closest to vec.
func Assign(vec []float32, centroids []float32, dim int) int {
	return nearestCentroid(vec, centroids, dim, len(centroids)/dim)
}

func nearestCentroid(vec, centroids []float32, dim, k int) int {
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distance.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}
