package memoryAlloc

import (
	"fmt"
	"strings"
)

// PhysicalMemorySegment is a span of the physical offset space.
type PhysicalMemorySegment struct {
	start, end uintptr
	committed  bool
}

func NewPhysicalMemorySegment(start, size uintptr, committed bool) PhysicalMemorySegment {
	return PhysicalMemorySegment{start: start, end: start + size, committed: committed}
}

func (s PhysicalMemorySegment) Start() uintptr  { return s.start }
func (s PhysicalMemorySegment) End() uintptr    { return s.end }
func (s PhysicalMemorySegment) Size() uintptr   { return s.end - s.start }
func (s PhysicalMemorySegment) Committed() bool { return s.committed }

func (s PhysicalMemorySegment) String() string {
	state := "uncommitted"
	if s.committed {
		state = "committed"
	}
	return fmt.Sprintf("[%#x, %#x) %s", s.start, s.end, state)
}

func mergeable(before, after PhysicalMemorySegment) bool {
	return before.end == after.start && before.committed == after.committed
}

// PhysicalMemory is an address ordered list of segments. Segments added with
// AddSegment are merged with contiguous neighbours of the same commit state.
type PhysicalMemory struct {
	segments []PhysicalMemorySegment
}

func (pm *PhysicalMemory) IsNull() bool {
	return len(pm.segments) == 0
}

func (pm *PhysicalMemory) NSegments() int {
	return len(pm.segments)
}

func (pm *PhysicalMemory) Segment(i int) PhysicalMemorySegment {
	return pm.segments[i]
}

// Segments returns a copy of the segment list.
func (pm *PhysicalMemory) Segments() []PhysicalMemorySegment {
	return append([]PhysicalMemorySegment(nil), pm.segments...)
}

func (pm *PhysicalMemory) Size() uintptr {
	var size uintptr
	for _, s := range pm.segments {
		size += s.Size()
	}
	return size
}

func (pm *PhysicalMemory) insert(i int, s PhysicalMemorySegment) {
	pm.segments = append(pm.segments, PhysicalMemorySegment{})
	copy(pm.segments[i+1:], pm.segments[i:])
	pm.segments[i] = s
}

func (pm *PhysicalMemory) remove(i int) {
	pm.segments = append(pm.segments[:i], pm.segments[i+1:]...)
}

// AddSegment inserts s in address order, merging it with its neighbours
// when they are contiguous and share its commit state.
func (pm *PhysicalMemory) AddSegment(s PhysicalMemorySegment) {
	for i := len(pm.segments); i > 0; i-- {
		cur := i - 1
		if pm.segments[cur].end > s.start {
			continue
		}
		hasNext := cur+1 < len(pm.segments)
		if mergeable(pm.segments[cur], s) {
			if hasNext && mergeable(s, pm.segments[cur+1]) {
				pm.segments[cur].end = pm.segments[cur+1].end
				pm.remove(cur + 1)
				return
			}
			pm.segments[cur].end = s.end
			return
		}
		if hasNext && mergeable(s, pm.segments[cur+1]) {
			pm.segments[cur+1].start = s.start
			return
		}
		pm.insert(cur+1, s)
		return
	}
	if len(pm.segments) > 0 && mergeable(s, pm.segments[0]) {
		pm.segments[0].start = s.start
		return
	}
	pm.insert(0, s)
}

func (pm *PhysicalMemory) AddSegments(other *PhysicalMemory) {
	for _, s := range other.segments {
		pm.AddSegment(s)
	}
}

func (pm *PhysicalMemory) RemoveSegments() {
	pm.segments = nil
}

// commitSegment records that the first committed bytes of segment i are
// committed. It returns false on partial commit, in which case the segment
// is split into a committed head and an uncommitted tail.
func (pm *PhysicalMemory) commitSegment(i int, committed uintptr) bool {
	s := pm.segments[i]
	if committed >= s.Size() {
		pm.segments[i].committed = true
		return true
	}
	if committed > 0 {
		pm.segments[i] = PhysicalMemorySegment{start: s.start, end: s.start + committed, committed: true}
		pm.insert(i+1, PhysicalMemorySegment{start: s.start + committed, end: s.end})
	}
	return false
}

// uncommitSegment is the inverse of commitSegment.
func (pm *PhysicalMemory) uncommitSegment(i int, uncommitted uintptr) bool {
	s := pm.segments[i]
	if uncommitted >= s.Size() {
		pm.segments[i].committed = false
		return true
	}
	if uncommitted > 0 {
		pm.segments[i] = PhysicalMemorySegment{start: s.start, end: s.start + uncommitted}
		pm.insert(i+1, PhysicalMemorySegment{start: s.start + uncommitted, end: s.end, committed: true})
	}
	return false
}

// Split detaches the first size bytes and returns them; pm keeps the rest.
// Commit state is preserved on both sides.
func (pm *PhysicalMemory) Split(size uintptr) PhysicalMemory {
	var out PhysicalMemory
	taken := uintptr(0)
	kept := pm.segments[:0]
	for _, s := range pm.segments {
		switch {
		case taken >= size:
			kept = append(kept, s)
		case taken+s.Size() <= size:
			out.AddSegment(s)
			taken += s.Size()
		default:
			n := size - taken
			out.AddSegment(PhysicalMemorySegment{start: s.start, end: s.start + n, committed: s.committed})
			kept = append(kept, PhysicalMemorySegment{start: s.start + n, end: s.end, committed: s.committed})
			taken += n
		}
	}
	pm.segments = kept
	return out
}

// SplitCommitted detaches every committed segment and returns them; pm keeps
// the uncommitted ones.
func (pm *PhysicalMemory) SplitCommitted() PhysicalMemory {
	var out PhysicalMemory
	kept := pm.segments[:0]
	for _, s := range pm.segments {
		if s.committed {
			out.AddSegment(s)
		} else {
			kept = append(kept, s)
		}
	}
	pm.segments = kept
	return out
}

func (pm *PhysicalMemory) String() string {
	parts := make([]string, len(pm.segments))
	for i, s := range pm.segments {
		parts[i] = s.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
