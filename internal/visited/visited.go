// Package visited provides a reusable membership buffer for graph
// traversals. Each index instance owns its trackers through the searcher
// pool; there is no process-wide state.
package visited

// Set tracks visited node IDs using version stamps. A node counts as
// visited only if its stored stamp equals the current version, so Reset
// is a counter bump instead of an O(n) clear.
type Set struct {
	stamps  []uint32
	version uint32
}

// New creates a tracker sized for the given node capacity.
func New(capacity int) *Set {
	if capacity < 1 {
		capacity = 1
	}
	return &Set{
		stamps:  make([]uint32, capacity),
		version: 1,
	}
}

// Visit marks id as visited in the current session.
func (s *Set) Visit(id uint32) {
	if int(id) >= len(s.stamps) {
		s.grow(int(id) + 1)
	}
	s.stamps[id] = s.version
}

// Visited reports whether id was visited in the current session.
func (s *Set) Visited(id uint32) bool {
	if int(id) >= len(s.stamps) {
		return false
	}
	return s.stamps[id] == s.version
}

// Reset starts a new session. O(1) except on version wraparound, where
// the buffer is physically cleared once per 2^32 sessions.
func (s *Set) Reset() {
	s.version++
	if s.version == 0 {
		clear(s.stamps)
		s.version = 1
	}
}

// EnsureCapacity pre-grows the buffer so traversal hot paths do not
// reallocate mid-search.
func (s *Set) EnsureCapacity(capacity int) {
	if capacity > len(s.stamps) {
		s.grow(capacity)
	}
}

func (s *Set) grow(n int) {
	newCap := len(s.stamps) * 2
	if newCap < n {
		newCap = n
	}
	stamps := make([]uint32, newCap)
	copy(stamps, s.stamps)
	s.stamps = stamps
}
