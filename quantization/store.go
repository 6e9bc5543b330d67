package quantization

import (
	"sync"
	"sync/atomic"
)

// Stores keep per-node quantized representations keyed by dense node ID.
// Both follow the same publish discipline as graph edges: the payload is
// written first, then a presence bit is released, so a concurrent reader
// either sees the complete code or none at all (and falls back to exact
// distance).

const chunkSize = 4096

type sketchChunk struct {
	data    []uint64 // chunkSize * words
	present []atomic.Uint64
}

// SketchStore holds packed binary sketches.
type SketchStore struct {
	words  int
	mu     sync.RWMutex
	chunks []*sketchChunk
}

// NewSketchStore creates a store for sketches of the given word length.
func NewSketchStore(words int) *SketchStore {
	return &SketchStore{words: words}
}

// Set publishes the sketch for id. One writer per id (the inserting
// goroutine); concurrent writers for distinct ids are fine.
func (s *SketchStore) Set(id uint32, code []uint64) {
	c := s.chunk(id, true)
	off := int(id%chunkSize) * s.words
	copy(c.data[off:off+s.words], code)
	c.present[(id%chunkSize)>>6].Or(1 << (uint(id) & 63))
}

// Get returns the sketch for id. The slice aliases the store and must
// not be mutated.
func (s *SketchStore) Get(id uint32) ([]uint64, bool) {
	c := s.chunk(id, false)
	if c == nil {
		return nil, false
	}
	if c.present[(id%chunkSize)>>6].Load()&(1<<(uint(id)&63)) == 0 {
		return nil, false
	}
	off := int(id%chunkSize) * s.words
	return c.data[off : off+s.words], true
}

func (s *SketchStore) chunk(id uint32, create bool) *sketchChunk {
	idx := int(id / chunkSize)
	s.mu.RLock()
	if idx < len(s.chunks) {
		c := s.chunks[idx]
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()
	if !create {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) <= idx {
		s.chunks = append(s.chunks, &sketchChunk{
			data:    make([]uint64, chunkSize*s.words),
			present: make([]atomic.Uint64, chunkSize/64),
		})
	}
	return s.chunks[idx]
}

type codeChunk struct {
	data    []uint8 // chunkSize * stride
	present []atomic.Uint64
}

// CodeStore holds product-quantization codes.
type CodeStore struct {
	stride int
	mu     sync.RWMutex
	chunks []*codeChunk
}

// NewCodeStore creates a store for codes of the given byte length.
func NewCodeStore(stride int) *CodeStore {
	return &CodeStore{stride: stride}
}

// Set publishes the code for id.
func (s *CodeStore) Set(id uint32, code []uint8) {
	c := s.chunk(id, true)
	off := int(id%chunkSize) * s.stride
	copy(c.data[off:off+s.stride], code)
	c.present[(id%chunkSize)>>6].Or(1 << (uint(id) & 63))
}

// Get returns the code for id. The slice aliases the store and must not
// be mutated.
func (s *CodeStore) Get(id uint32) ([]uint8, bool) {
	c := s.chunk(id, false)
	if c == nil {
		return nil, false
	}
	if c.present[(id%chunkSize)>>6].Load()&(1<<(uint(id)&63)) == 0 {
		return nil, false
	}
	off := int(id%chunkSize) * s.stride
	return c.data[off : off+s.stride], true
}

func (s *CodeStore) chunk(id uint32, create bool) *codeChunk {
	idx := int(id / chunkSize)
	s.mu.RLock()
	if idx < len(s.chunks) {
		c := s.chunks[idx]
		s.mu.RUnlock()
		return c
	}
	s.mu.RUnlock()
	if !create {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.chunks) <= idx {
		s.chunks = append(s.chunks, &codeChunk{
			data:    make([]uint8, chunkSize*s.stride),
			present: make([]atomic.Uint64, chunkSize/64),
		})
	}
	return s.chunks[idx]
}
