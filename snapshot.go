package graphann

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/s2"
	"github.com/pierrec/lz4/v4"

	"github.com/omendb/graphann/codec"
	"github.com/omendb/graphann/distance"
	"github.com/omendb/graphann/quantization"
	"github.com/omendb/graphann/resource"
)

// Snapshot layout (little endian):
//
//	magic "GANN", u16 version
//	u8 topology, u8 metric, u16 segments, u16 flags
//	u32 dimension, u32 capacity
//	u32 m, u32 efConstruction, u32 efSearch, u32 maxLayers, f32 alpha
//	u32 degree, u32 numHubs, u64 randomSeed
//	[flagPQ] u32 subspaces, u32 centroids, u32 n, n * f32 codebooks
//	per segment:
//	  u32 segment, u32 nodes
//	  u32 len, len bytes: s2 block of nodes*dim f32 vectors
//	  u32 len, len bytes: lz4 frame of node records, vectors elided
//
// Vectors compress poorly through a byte-oriented codec but well enough
// through s2's fast path to be worth it; the edge records are highly
// repetitive and go through lz4.

var snapshotMagic = [4]byte{'G', 'A', 'N', 'N'}

const snapshotVersion = 1

const (
	flagBinaryQuant uint16 = 1 << iota
	flagProductQuant
	flagGrowthDisabled
)

// meteredWriter throttles writes against the IO budget and counts bytes.
type meteredWriter struct {
	ctx context.Context
	w   io.Writer
	ctl *resource.Controller
	n   int64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	if err := m.ctl.AcquireIO(m.ctx, len(p)); err != nil {
		return 0, err
	}
	n, err := m.w.Write(p)
	m.n += int64(n)
	return n, err
}

type meteredReader struct {
	ctx context.Context
	r   io.Reader
	ctl *resource.Controller
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		if ioErr := m.ctl.AcquireIO(m.ctx, n); ioErr != nil {
			return n, ioErr
		}
	}
	return n, err
}

// Save streams a snapshot to w and returns the bytes written. It runs
// exclusively, so the image is consistent; writers block until it
// finishes.
func (x *Index) Save(ctx context.Context, w io.Writer) (int64, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return 0, ErrClosed
	}

	mw := &meteredWriter{ctx: ctx, w: w, ctl: x.controller}
	if err := x.writeHeader(mw); err != nil {
		x.logger.LogSnapshot(ctx, "save", mw.n, err)
		return mw.n, err
	}

	for i, seg := range x.segments {
		var (
			vecBuf []byte
			recBuf []byte
			nodes  uint32
		)
		err := seg.Export(ctx, func(rec *codec.NodeRecord) error {
			for _, f := range rec.Vector {
				vecBuf = binary.LittleEndian.AppendUint32(vecBuf, math.Float32bits(f))
			}
			stripped := *rec
			stripped.Vector = nil
			var err error
			recBuf, err = codec.MarshalNode(recBuf, &stripped)
			if err != nil {
				return err
			}
			nodes++
			return nil
		})
		if err != nil {
			x.logger.LogSnapshot(ctx, "save", mw.n, err)
			return mw.n, err
		}

		var head [8]byte
		binary.LittleEndian.PutUint32(head[0:], uint32(i))
		binary.LittleEndian.PutUint32(head[4:], nodes)
		if _, err := mw.Write(head[:]); err != nil {
			return mw.n, err
		}
		if err := writeBlock(mw, s2.Encode(nil, vecBuf)); err != nil {
			return mw.n, err
		}
		var zb bytes.Buffer
		zw := lz4.NewWriter(&zb)
		if _, err := zw.Write(recBuf); err != nil {
			return mw.n, err
		}
		if err := zw.Close(); err != nil {
			return mw.n, err
		}
		if err := writeBlock(mw, zb.Bytes()); err != nil {
			return mw.n, err
		}
	}

	x.logger.LogSnapshot(ctx, "save", mw.n, nil)
	return mw.n, nil
}

func (x *Index) writeHeader(w io.Writer) error {
	o := x.opts
	buf := make([]byte, 0, 64)
	buf = append(buf, snapshotMagic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, snapshotVersion)
	buf = append(buf, byte(o.topology), byte(o.metric))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(x.segments)))

	var flags uint16
	if x.bq != nil {
		flags |= flagBinaryQuant
	}
	if x.pq != nil && x.pq.Trained() {
		flags |= flagProductQuant
	}
	if o.growthDisabled {
		flags |= flagGrowthDisabled
	}
	buf = binary.LittleEndian.AppendUint16(buf, flags)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(x.dim))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.capacity))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.m))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.efConstruction))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.efSearch))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.maxLayers))
	buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(o.alpha)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.degree))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(o.numHubs))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.randomSeed))
	if _, err := w.Write(buf); err != nil {
		return err
	}

	if flags&flagProductQuant != 0 {
		cb := x.pq.Codebooks()
		pqBuf := make([]byte, 0, 12+4*len(cb))
		pqBuf = binary.LittleEndian.AppendUint32(pqBuf, uint32(x.pq.NumSubspaces()))
		pqBuf = binary.LittleEndian.AppendUint32(pqBuf, uint32(x.pq.NumCentroids()))
		pqBuf = binary.LittleEndian.AppendUint32(pqBuf, uint32(len(cb)))
		for _, f := range cb {
			pqBuf = binary.LittleEndian.AppendUint32(pqBuf, math.Float32bits(f))
		}
		if _, err := w.Write(pqBuf); err != nil {
			return err
		}
	}
	return nil
}

func writeBlock(w io.Writer, block []byte) error {
	var head [4]byte
	binary.LittleEndian.PutUint32(head[:], uint32(len(block)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(block)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	block := make([]byte, binary.LittleEndian.Uint32(head[:]))
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, err
	}
	return block, nil
}

// Load rebuilds an index from a snapshot. Structural configuration
// (topology, metric, graph parameters) comes from the snapshot; options
// passed here apply on top, for the ambient pieces a snapshot cannot
// carry (logger, resource limits).
func Load(ctx context.Context, r io.Reader, optFns ...Option) (*Index, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	head := make([]byte, 56)
	ctl := resource.NewController(opts.resources)
	opts.controller = ctl
	mr := &meteredReader{ctx: ctx, r: r, ctl: ctl}
	if _, err := io.ReadFull(mr, head); err != nil {
		return nil, fmt.Errorf("%w: truncated header: %v", ErrSnapshotCorrupt, err)
	}
	if !bytes.Equal(head[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ErrSnapshotCorrupt)
	}
	if v := binary.LittleEndian.Uint16(head[4:]); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, v)
	}

	opts.topology = Topology(head[6])
	opts.metric = distance.Metric(head[7])
	opts.numSegments = int(binary.LittleEndian.Uint16(head[8:]))
	flags := binary.LittleEndian.Uint16(head[10:])
	dim := int(binary.LittleEndian.Uint32(head[12:]))
	opts.capacity = int(binary.LittleEndian.Uint32(head[16:]))
	opts.m = int(binary.LittleEndian.Uint32(head[20:]))
	opts.efConstruction = int(binary.LittleEndian.Uint32(head[24:]))
	opts.efSearch = int(binary.LittleEndian.Uint32(head[28:]))
	opts.maxLayers = int(binary.LittleEndian.Uint32(head[32:]))
	opts.alpha = float64(math.Float32frombits(binary.LittleEndian.Uint32(head[36:])))
	opts.degree = int(binary.LittleEndian.Uint32(head[40:]))
	opts.numHubs = int(binary.LittleEndian.Uint32(head[44:]))
	opts.randomSeed = int64(binary.LittleEndian.Uint64(head[48:]))
	opts.growthDisabled = flags&flagGrowthDisabled != 0

	x, err := newIndex(dim, opts)
	if err != nil {
		return nil, err
	}

	if flags&flagProductQuant != 0 {
		if err := x.loadPQ(mr); err != nil {
			return nil, err
		}
	}
	if flags&flagBinaryQuant != 0 {
		x.bq = quantization.NewBinaryQuantizer(dim)
	}

	for s := 0; s < opts.numSegments; s++ {
		if err := x.loadSegment(mr, dim); err != nil {
			return nil, err
		}
	}

	if err := x.reencodeAll(ctx); err != nil {
		return nil, err
	}
	if x.bq != nil && x.sketches == nil {
		// No nodes yet; reencodeAll had nothing to build.
		x.sketches = quantization.NewSketchStore(x.bq.Words())
	}
	if x.pq != nil && x.codes == nil {
		x.codes = quantization.NewCodeStore(x.pq.NumSubspaces())
	}
	x.logger.LogSnapshot(ctx, "load", 0, nil)
	return x, nil
}

func (x *Index) loadPQ(r io.Reader) error {
	var head [12]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("%w: truncated quantizer: %v", ErrSnapshotCorrupt, err)
	}
	subspaces := int(binary.LittleEndian.Uint32(head[0:]))
	centroids := int(binary.LittleEndian.Uint32(head[4:]))
	n := int(binary.LittleEndian.Uint32(head[8:]))

	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("%w: truncated codebooks: %v", ErrSnapshotCorrupt, err)
	}
	cb := make([]float32, n)
	for i := range cb {
		cb[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}

	pq, err := quantization.NewProductQuantizer(x.dim, subspaces, centroids, x.opts.randomSeed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if err := pq.SetCodebooks(cb); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	x.pq = pq
	return nil
}

func (x *Index) loadSegment(r io.Reader, dim int) error {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return fmt.Errorf("%w: truncated segment header: %v", ErrSnapshotCorrupt, err)
	}
	seg := int(binary.LittleEndian.Uint32(head[0:]))
	nodes := int(binary.LittleEndian.Uint32(head[4:]))
	if seg < 0 || seg >= len(x.segments) {
		return fmt.Errorf("%w: segment %d out of range", ErrSnapshotCorrupt, seg)
	}

	vecBlock, err := readBlock(r)
	if err != nil {
		return fmt.Errorf("%w: vector block: %v", ErrSnapshotCorrupt, err)
	}
	vecBuf, err := s2.Decode(nil, vecBlock)
	if err != nil {
		return fmt.Errorf("%w: vector block: %v", ErrSnapshotCorrupt, err)
	}
	if len(vecBuf) != nodes*dim*4 {
		return fmt.Errorf("%w: vector block holds %d bytes, want %d", ErrSnapshotCorrupt, len(vecBuf), nodes*dim*4)
	}

	recBlock, err := readBlock(r)
	if err != nil {
		return fmt.Errorf("%w: record block: %v", ErrSnapshotCorrupt, err)
	}
	recBuf, err := io.ReadAll(lz4.NewReader(bytes.NewReader(recBlock)))
	if err != nil {
		return fmt.Errorf("%w: record block: %v", ErrSnapshotCorrupt, err)
	}

	vec := make([]float32, dim)
	off := 0
	for j := 0; j < nodes; j++ {
		rec, n, err := codec.UnmarshalNode(recBuf[off:])
		if err != nil {
			return fmt.Errorf("%w: node %d: %v", ErrSnapshotCorrupt, j, err)
		}
		off += n
		for d := 0; d < dim; d++ {
			vec[d] = math.Float32frombits(binary.LittleEndian.Uint32(vecBuf[(j*dim+d)*4:]))
		}
		rec.Vector = vec
		if err := x.segments[seg].Restore(rec); err != nil {
			return fmt.Errorf("%w: node %d: %v", ErrSnapshotCorrupt, j, err)
		}
	}
	if off != len(recBuf) {
		return fmt.Errorf("%w: %d trailing record bytes", ErrSnapshotCorrupt, len(recBuf)-off)
	}
	return nil
}
