package graphann

import (
	"runtime"

	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/flat"
	"github.com/omendb/graphann/hnsw"
	"github.com/omendb/graphann/resource"
)

// Topology selects the graph variant.
type Topology int

const (
	// TopologyHierarchical is the layered graph (default).
	TopologyHierarchical Topology = iota
	// TopologyFlat is the single-layer hub graph.
	TopologyFlat
)

// maxSegments caps the default write partitioning.
const maxSegments = 8

type options struct {
	topology    Topology
	numSegments int

	metric         distance.Metric
	capacity       int
	growthDisabled bool
	randomSeed     int64

	// hierarchical parameters
	m              int
	efConstruction int
	efSearch       int
	maxLayers      int
	alpha          float64

	// flat parameters
	degree  int
	numHubs int

	logger    *Logger
	resources resource.Config

	// controller, when pre-built (Load), overrides resources.
	controller *resource.Controller
}

func defaultOptions() options {
	segments := runtime.GOMAXPROCS(0)
	if segments > maxSegments {
		segments = maxSegments
	}
	return options{
		topology:       TopologyHierarchical,
		numSegments:    segments,
		metric:         distance.MetricL2,
		capacity:       hnsw.DefaultOptions.Capacity,
		randomSeed:     hnsw.DefaultOptions.RandomSeed,
		m:              hnsw.DefaultOptions.M,
		efConstruction: hnsw.DefaultOptions.EFConstruction,
		efSearch:       hnsw.DefaultOptions.EFSearch,
		maxLayers:      hnsw.DefaultOptions.MaxLayers,
		alpha:          hnsw.DefaultOptions.Alpha,
		degree:         flat.DefaultOptions.Degree,
		numHubs:        flat.DefaultOptions.NumHubs,
		logger:         NoopLogger(),
	}
}

// Option configures construction.
type Option func(*options)

// WithTopology selects the graph variant.
func WithTopology(t Topology) Option {
	return func(o *options) { o.topology = t }
}

// WithSegments sets the number of independent graph segments writes are
// partitioned across. Each segment is its own graph; searches fan out to
// all segments and merge. WithSegments(1) keeps a single shared graph
// with concurrent lock-light inserts instead.
//
// The default is min(GOMAXPROCS, 8).
func WithSegments(n int) Option {
	return func(o *options) { o.numSegments = n }
}

// WithMetric selects the ranking distance. Cosine inputs are normalized
// at the boundary; stored vectors are the normalized form.
func WithMetric(m distance.Metric) Option {
	return func(o *options) { o.metric = m }
}

// WithCapacity sets the initial arena capacity in vectors, spread across
// segments. The arena grows on demand unless growth is disabled.
func WithCapacity(n int) Option {
	return func(o *options) { o.capacity = n }
}

// WithGrowthDisabled makes the capacity a hard limit; inserts beyond it
// fail with ErrCapacityExhausted.
func WithGrowthDisabled() Option {
	return func(o *options) { o.growthDisabled = true }
}

// WithRandomSeed fixes the level generator seed. With a fixed seed and a
// fixed insertion order the built graph is identical run to run.
func WithRandomSeed(seed int64) Option {
	return func(o *options) { o.randomSeed = seed }
}

// WithM sets the hierarchical graph's max degree at layers >= 1. The
// base layer holds up to 2M edges per node.
func WithM(m int) Option {
	return func(o *options) { o.m = m }
}

// WithEFConstruction sets the insertion beam width. Larger values build
// a better graph, slower.
func WithEFConstruction(ef int) Option {
	return func(o *options) { o.efConstruction = ef }
}

// WithEFSearch sets the default search beam width. Per-call
// SearchOptions.EF overrides it.
func WithEFSearch(ef int) Option {
	return func(o *options) { o.efSearch = ef }
}

// WithMaxLayers caps the hierarchical level draw.
func WithMaxLayers(n int) Option {
	return func(o *options) { o.maxLayers = n }
}

// WithAlpha relaxes the neighbor diversity heuristic. 1.0 is strictest;
// larger values keep more long-range edges.
func WithAlpha(alpha float64) Option {
	return func(o *options) { o.alpha = alpha }
}

// WithDegree sets the flat graph's per-node degree cap.
func WithDegree(d int) Option {
	return func(o *options) { o.degree = d }
}

// WithNumHubs sets how many seed nodes flat searches start from.
func WithNumHubs(n int) Option {
	return func(o *options) { o.numHubs = n }
}

// WithLogger installs a logger. The default discards everything.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithResourceLimits bounds arena memory, background workers and
// snapshot IO throughput.
func WithResourceLimits(cfg resource.Config) Option {
	return func(o *options) { o.resources = cfg }
}
