package memoryAlloc

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// memoryRange is the half open interval [start, end).
type memoryRange struct {
	start, end uintptr
}

func (r memoryRange) size() uintptr {
	return r.end - r.start
}

func rangeLess(a, b memoryRange) bool {
	return a.start < b.start
}

// rangeManager tracks the free parts of one contiguous space, either the
// reserved address space or the physical offset space. Free ranges are
// indexed by start and coalesced eagerly on free.
type rangeManager struct {
	lock      sync.Mutex
	tree      *btree.BTreeG[memoryRange]
	freeBytes uintptr
}

const rangeTreeDegree = 16

func newRangeManager() *rangeManager {
	return &rangeManager{tree: btree.NewG[memoryRange](rangeTreeDegree, rangeLess)}
}

// peekLowAddress returns the lowest free address, or ^uintptr(0) when
// nothing is free.
func (m *rangeManager) peekLowAddress() uintptr {
	m.lock.Lock()
	defer m.lock.Unlock()
	if r, ok := m.tree.Min(); ok {
		return r.start
	}
	return ^uintptr(0)
}

func (m *rangeManager) available() uintptr {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.freeBytes
}

// allocFromFront returns the start of the lowest free range that fits size.
func (m *rangeManager) allocFromFront(size uintptr) (uintptr, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var found memoryRange
	ok := false
	m.tree.Ascend(func(r memoryRange) bool {
		if r.size() >= size {
			found, ok = r, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	m.tree.Delete(found)
	if found.size() > size {
		m.tree.ReplaceOrInsert(memoryRange{start: found.start + size, end: found.end})
	}
	m.freeBytes -= size
	return found.start, true
}

// allocFromFrontAtMost takes up to size bytes from the lowest free range.
func (m *rangeManager) allocFromFrontAtMost(size uintptr) (start, allocated uintptr, ok bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	r, ok := m.tree.Min()
	if !ok {
		return 0, 0, false
	}
	m.tree.Delete(r)
	allocated = size
	if r.size() <= size {
		allocated = r.size()
	} else {
		m.tree.ReplaceOrInsert(memoryRange{start: r.start + size, end: r.end})
	}
	m.freeBytes -= allocated
	return r.start, allocated, true
}

// allocFromBack returns the start of the highest free range that fits size,
// carving the allocation from the top of that range.
func (m *rangeManager) allocFromBack(size uintptr) (uintptr, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	var found memoryRange
	ok := false
	m.tree.Descend(func(r memoryRange) bool {
		if r.size() >= size {
			found, ok = r, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}
	m.tree.Delete(found)
	if found.size() > size {
		m.tree.ReplaceOrInsert(memoryRange{start: found.start, end: found.end - size})
	}
	m.freeBytes -= size
	return found.end - size, true
}

// free returns [start, start+size) and merges it with adjacent free ranges.
// Freeing a range that overlaps a free range is a bug and panics.
func (m *rangeManager) free(start, size uintptr) {
	if size == 0 {
		panic("memoryAlloc: free of empty range")
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	r := memoryRange{start: start, end: start + size}

	var prev, next memoryRange
	hasPrev, hasNext := false, false
	m.tree.DescendLessOrEqual(r, func(p memoryRange) bool {
		prev, hasPrev = p, true
		return false
	})
	m.tree.AscendGreaterOrEqual(r, func(n memoryRange) bool {
		next, hasNext = n, true
		return false
	})
	if (hasPrev && prev.end > r.start) || (hasNext && next.start < r.end) {
		panic(fmt.Sprintf("memoryAlloc: free of [%#x, %#x) overlaps a free range", r.start, r.end))
	}

	if hasPrev && prev.end == r.start {
		m.tree.Delete(prev)
		r.start = prev.start
	}
	if hasNext && next.start == r.end {
		m.tree.Delete(next)
		r.end = next.end
	}
	m.tree.ReplaceOrInsert(r)
	m.freeBytes += size
}

// ranges returns a copy of the free list in address order.
func (m *rangeManager) ranges() []memoryRange {
	m.lock.Lock()
	defer m.lock.Unlock()
	out := make([]memoryRange, 0, m.tree.Len())
	m.tree.Ascend(func(r memoryRange) bool {
		out = append(out, r)
		return true
	})
	return out
}
