// Package quantization provides the lossy compressed vector
// representations used to approximate distance cheaply before exact
// re-ranking: sign-bit binary sketches and product quantization codes.
// Both are derived deterministically from the stored vector at insertion
// time; neither is ever the final ranking criterion.
package quantization

import (
	"errors"
	"math"
)

// ErrInsufficientTrainingData is returned when quantizer training is
// attempted with fewer samples than the codebook needs.
var ErrInsufficientTrainingData = errors.New("quantization: insufficient training data")

// BinaryQuantizer projects vectors to one sign bit per dimension, packed
// into uint64 words. The Hamming distance between two sketches is a
// cheap proxy for angular distance, good enough to order candidate
// expansion but not to rank results.
type BinaryQuantizer struct {
	dimension int
}

// NewBinaryQuantizer creates a sign-bit quantizer for the dimension.
func NewBinaryQuantizer(dimension int) *BinaryQuantizer {
	return &BinaryQuantizer{dimension: dimension}
}

// Words returns the sketch length in uint64 words.
func (bq *BinaryQuantizer) Words() int {
	return (bq.dimension + 63) / 64
}

// Encode packs the sign bits of v into dst and returns it. dst is
// allocated when nil or too short.
func (bq *BinaryQuantizer) Encode(dst []uint64, v []float32) []uint64 {
	words := bq.Words()
	if cap(dst) < words {
		dst = make([]uint64, words)
	}
	dst = dst[:words]
	clear(dst)
	for i, val := range v {
		if val >= 0 {
			dst[i>>6] |= 1 << (uint(i) & 63)
		}
	}
	return dst
}

// CosineEstimate converts a Hamming bit count into an approximate cosine
// similarity. For random unit vectors the expected angle between a and b
// relates to the disagreeing sign fraction h/d by theta ~= pi*h/d.
func (bq *BinaryQuantizer) CosineEstimate(hamming float32) float32 {
	if bq.dimension == 0 {
		return 0
	}
	return float32(math.Cos(math.Pi * float64(hamming) / float64(bq.dimension)))
}
