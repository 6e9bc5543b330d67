// Package codec implements the persistence boundary of the graph core.
//
// The core does not implement durability itself. It exposes exactly one
// contract to the storage tier: Marshal turns a node into bytes, Unmarshal
// turns bytes back into (vector, neighbors, level). Everything else
// (snapshot framing, compression, file layout) is layered on top by the
// root package.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Edge is a serialized neighbor slot.
type Edge struct {
	To   uint32
	Dist float32
}

// NodeRecord is the unit of the serialize/deserialize contract.
type NodeRecord struct {
	ID      uint32
	Level   int32
	Deleted bool
	Vector  []float32
	// Layers[l] holds the published neighbor list at layer l, 0 <= l <= Level.
	Layers [][]Edge
}

var (
	// ErrShortBuffer is returned when a record is truncated.
	ErrShortBuffer = errors.New("codec: short buffer")

	// ErrCorruptRecord is returned when a record fails structural validation.
	ErrCorruptRecord = errors.New("codec: corrupt node record")
)

const recordVersion = 1

// Record layout (little endian):
//
//	u8  version
//	u8  flags (bit0 = deleted)
//	u32 id
//	i32 level
//	u32 dim, dim * f32 vector
//	per layer 0..level: u16 count, count * (u32 id, f32 dist)

// MarshalNode appends the serialized form of rec to dst and returns it.
func MarshalNode(dst []byte, rec *NodeRecord) ([]byte, error) {
	if rec.Level < 0 {
		return nil, fmt.Errorf("%w: negative level %d", ErrCorruptRecord, rec.Level)
	}
	if len(rec.Layers) != int(rec.Level)+1 {
		return nil, fmt.Errorf("%w: level %d with %d layers", ErrCorruptRecord, rec.Level, len(rec.Layers))
	}

	var flags byte
	if rec.Deleted {
		flags |= 1
	}

	dst = append(dst, recordVersion, flags)
	dst = binary.LittleEndian.AppendUint32(dst, rec.ID)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(rec.Level))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(rec.Vector)))
	for _, f := range rec.Vector {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}

	for _, layer := range rec.Layers {
		if len(layer) > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d neighbors in one layer", ErrCorruptRecord, len(layer))
		}
		dst = binary.LittleEndian.AppendUint16(dst, uint16(len(layer)))
		for _, e := range layer {
			dst = binary.LittleEndian.AppendUint32(dst, e.To)
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(e.Dist))
		}
	}
	return dst, nil
}

// UnmarshalNode decodes one record from buf. It returns the decoded record
// and the number of bytes consumed.
func UnmarshalNode(buf []byte) (*NodeRecord, int, error) {
	if len(buf) < 14 {
		return nil, 0, ErrShortBuffer
	}
	if buf[0] != recordVersion {
		return nil, 0, fmt.Errorf("%w: unknown record version %d", ErrCorruptRecord, buf[0])
	}

	rec := &NodeRecord{Deleted: buf[1]&1 != 0}
	rec.ID = binary.LittleEndian.Uint32(buf[2:])
	rec.Level = int32(binary.LittleEndian.Uint32(buf[6:]))
	if rec.Level < 0 {
		return nil, 0, fmt.Errorf("%w: negative level", ErrCorruptRecord)
	}
	dim := int(binary.LittleEndian.Uint32(buf[10:]))

	off := 14
	if len(buf) < off+dim*4 {
		return nil, 0, ErrShortBuffer
	}
	rec.Vector = make([]float32, dim)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
	}

	rec.Layers = make([][]Edge, rec.Level+1)
	for l := range rec.Layers {
		if len(buf) < off+2 {
			return nil, 0, ErrShortBuffer
		}
		count := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if len(buf) < off+count*8 {
			return nil, 0, ErrShortBuffer
		}
		edges := make([]Edge, count)
		for i := range edges {
			edges[i].To = binary.LittleEndian.Uint32(buf[off:])
			edges[i].Dist = math.Float32frombits(binary.LittleEndian.Uint32(buf[off+4:]))
			off += 8
		}
		rec.Layers[l] = edges
	}
	return rec, off, nil
}
