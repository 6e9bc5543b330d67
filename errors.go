package graphann

import (
	"errors"

	"github.com/omendb/graphann/index"
	"github.com/omendb/graphann/quantization"
)

// Errors surfaced by the topology packages, re-exported so callers match
// against one package.
var (
	// ErrCapacityExhausted means the arena is full and growth is disabled
	// or denied by the memory budget. The failed insert left the index
	// unchanged.
	ErrCapacityExhausted = index.ErrCapacityExhausted

	// ErrInvalidK is returned for k <= 0.
	ErrInvalidK = index.ErrInvalidK

	// ErrEmptyVector is returned for zero-length input vectors.
	ErrEmptyVector = index.ErrEmptyVector

	// ErrZeroNorm is returned when the cosine metric receives a vector
	// that cannot be normalized.
	ErrZeroNorm = index.ErrZeroNorm

	// ErrInsufficientTrainingData is returned when product quantization
	// training gets fewer samples than MinTrainingFactor times the number
	// of centroids.
	ErrInsufficientTrainingData = quantization.ErrInsufficientTrainingData

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("graphann: index is closed")

	// ErrUnknownID is returned when an operation names an ID that was
	// never assigned.
	ErrUnknownID = errors.New("graphann: unknown ID")

	// ErrSnapshotCorrupt is returned when a snapshot fails structural
	// validation during Load.
	ErrSnapshotCorrupt = errors.New("graphann: corrupt snapshot")
)

// ErrDimensionMismatch reports an input vector whose length differs from
// the index dimension.
type ErrDimensionMismatch = index.ErrDimensionMismatch

// ErrInvalidConfig reports a construction option that failed validation.
type ErrInvalidConfig = index.ErrInvalidConfig
