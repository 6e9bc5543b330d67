// Package index defines the contract shared by all graph topologies.
//
// Two interchangeable variants exist: the hierarchical layered graph
// (package hnsw) and the single-layer hub graph (package flat). Both
// satisfy Index and are exercised by the same invariant test suite, so
// either can be selected at construction time.
package index

import (
	"context"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/omendb/graphann/codec"
)

// SearchResult is a single ranked hit.
type SearchResult struct {
	ID       uint32
	Distance float32
}

// DistFunc computes the distance from the current query to a node.
type DistFunc func(id uint32) float32

// SearchOptions tunes a single search call.
type SearchOptions struct {
	// EF overrides the configured beam width. Values below k are raised to k.
	EF int

	// Filter restricts results to the given ID set. Nil means no filter.
	// Filtered-out nodes are still traversed for navigation.
	Filter *roaring.Bitmap

	// Approx, when set, is a cheap distance proxy (binary sketch or PQ
	// lookup table) used to order beam expansion. Final ranking is always
	// re-done with the exact metric.
	Approx DistFunc
}

// Stats describes the current shape of an index.
type Stats struct {
	Count       int   // live (non-deleted) nodes
	Deleted     int   // tombstoned nodes
	Allocated   int   // arena slots handed out
	Capacity    int   // arena slot capacity
	MaxLevel    int   // highest layer in use
	LevelCounts []int // nodes per layer, LevelCounts[0] == Allocated
	MemoryBytes int64
}

// Index is the topology-agnostic graph contract.
type Index interface {
	// Insert adds a vector and returns its dense node ID.
	Insert(ctx context.Context, v []float32) (uint32, error)

	// KNNSearch returns the k nearest non-deleted nodes, ranked by exact
	// distance with ties broken by smaller ID. An empty index yields an
	// empty result, not an error.
	KNNSearch(ctx context.Context, q []float32, k int, opts *SearchOptions) ([]SearchResult, error)

	// BruteSearch is the exact scan used as ground truth.
	BruteSearch(ctx context.Context, q []float32, k int, filter func(id uint32) bool) ([]SearchResult, error)

	// Delete tombstones a node. Returns false if the ID is unknown or
	// already deleted. Edges remain until compaction overwrites them.
	Delete(ctx context.Context, id uint32) bool

	// VectorByID returns the stored vector for a live node.
	VectorByID(id uint32) ([]float32, bool)

	// Count returns the number of live nodes.
	Count() int

	// Dimension returns the fixed vector dimension.
	Dimension() int

	// Stats returns a snapshot of graph shape and memory usage.
	Stats() Stats

	// Export streams every allocated node through fn in ID order,
	// including tombstoned ones (rec.Deleted is set for those).
	Export(ctx context.Context, fn func(rec *codec.NodeRecord) error) error

	// Restore installs a node exactly as exported. It is only valid on an
	// index that has not served inserts, and is not safe for concurrent use.
	Restore(rec *codec.NodeRecord) error
}
