package index

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExhausted is returned when the arena is full and growth
	// is disabled or rejected by the memory budget. The failed insert is
	// a no-op.
	ErrCapacityExhausted = errors.New("index: capacity exhausted")

	// ErrInvalidK is returned for k <= 0.
	ErrInvalidK = errors.New("index: k must be positive")

	// ErrEmptyVector is returned for zero-length input vectors.
	ErrEmptyVector = errors.New("index: vector cannot be empty")

	// ErrZeroNorm is returned when the cosine metric receives a vector
	// that cannot be normalized.
	ErrZeroNorm = errors.New("index: zero-norm vector cannot be normalized")
)

// ErrDimensionMismatch is returned when an input vector's length differs
// from the index dimension. Vectors are never truncated or padded.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("index: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrInvalidConfig is returned when construction options fail validation.
type ErrInvalidConfig struct {
	Field  string
	Reason string
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("index: invalid config: %s %s", e.Field, e.Reason)
}
