// Package graphann provides an embedded approximate nearest neighbor
// index for Go.
//
// Vectors are stored in a pointer-free arena and linked into a navigable
// proximity graph. Two interchangeable topologies are available:
//
//   - Hierarchical (default): a layered graph with geometric level
//     assignment. Sparse upper layers give logarithmic routing before the
//     beam search fans out at the base layer.
//   - Flat: a single-layer hub graph with a simpler memory layout,
//     suited to smaller collections.
//
// # Quick start
//
//	ctx := context.Background()
//	idx, err := graphann.New(128,
//	    graphann.WithMetric(distance.MetricCosine),
//	    graphann.WithM(32),
//	)
//	if err != nil {
//	    panic(err)
//	}
//	defer idx.Close()
//
//	id, err := idx.Insert(ctx, vector)
//	results, err := idx.KNNSearch(ctx, query, 10)
//
// # Concurrency
//
// All operations are safe for concurrent use. By default writes are
// partitioned across independent graph segments (one per core, up to 8)
// and searches fan out and merge; WithSegments(1) selects a single
// shared graph with lock-light inserts instead.
//
// # Quantization
//
// Memory-bound workloads can enable binary sketches or product
// quantization. Both are distance proxies: they order graph traversal,
// while final ranking is always recomputed with the exact metric.
//
//	if err := idx.EnableBinaryQuantization(ctx); err != nil { ... }
//
// # Durability
//
// The index is in-memory. Save streams a compressed snapshot to an
// io.Writer; Load rebuilds an index from one. Anything beyond that
// (files, object stores, replication) belongs to the caller.
package graphann
