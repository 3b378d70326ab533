package memoryAlloc

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// PhysicalMemoryManager allocates physical offsets and drives the backing to
// commit, uncommit, map and unmap them.
type PhysicalMemoryManager struct {
	ranges  *rangeManager
	backing Backing
	granule uintptr
	logger  *slog.Logger
}

func NewPhysicalMemoryManager(maxCapacity, granule uintptr, backing Backing, logger *slog.Logger) *PhysicalMemoryManager {
	m := &PhysicalMemoryManager{
		ranges:  newRangeManager(),
		backing: backing,
		granule: granule,
		logger:  logger,
	}
	m.ranges.free(0, maxCapacity)
	return m
}

// Alloc appends size bytes of uncommitted segments to pm. Capacity has been
// budgeted by the caller, so this never fails.
func (m *PhysicalMemoryManager) Alloc(pm *PhysicalMemory, size uintptr) {
	for size > 0 {
		start, allocated, ok := m.ranges.allocFromFrontAtMost(size)
		if !ok {
			panic("memoryAlloc: physical memory exhausted within budgeted capacity")
		}
		pm.AddSegment(NewPhysicalMemorySegment(start, allocated, false))
		size -= allocated
	}
}

func (m *PhysicalMemoryManager) Free(pm *PhysicalMemory) {
	for _, s := range pm.segments {
		m.ranges.free(s.start, s.Size())
	}
}

// Commit commits every uncommitted segment of pm. It stops at the first
// failure; segments committed so far, including a committed head of the
// failing segment, are recorded in pm.
func (m *PhysicalMemoryManager) Commit(pm *PhysicalMemory) bool {
	for i := 0; i < len(pm.segments); i++ {
		s := pm.segments[i]
		if s.committed {
			continue
		}
		committed := m.backing.Commit(s.start, s.Size())
		if !pm.commitSegment(i, committed) {
			return false
		}
	}
	return true
}

// Uncommit is the inverse of Commit.
func (m *PhysicalMemoryManager) Uncommit(pm *PhysicalMemory) bool {
	for i := 0; i < len(pm.segments); i++ {
		s := pm.segments[i]
		if !s.committed {
			continue
		}
		uncommitted := m.backing.Uncommit(s.start, s.Size())
		if !pm.uncommitSegment(i, uncommitted) {
			return false
		}
	}
	return true
}

func (m *PhysicalMemoryManager) mapView(view View, addr uintptr, pm *PhysicalMemory) error {
	size := uintptr(0)
	for _, s := range pm.segments {
		if err := m.backing.Map(view, addr+size, s.Size(), s.start); err != nil {
			return err
		}
		size += s.Size()
	}
	return nil
}

// Map maps pm contiguously at addr in the heap view.
func (m *PhysicalMemoryManager) Map(addr uintptr, pm *PhysicalMemory) error {
	return m.mapView(ViewHeap, addr, pm)
}

func (m *PhysicalMemoryManager) Unmap(addr, size uintptr) error {
	return m.backing.Unmap(ViewHeap, addr, size)
}

// DebugMap maps pm at addr in the debug view, leaving the heap view as is.
func (m *PhysicalMemoryManager) DebugMap(addr uintptr, pm *PhysicalMemory) error {
	return m.mapView(ViewDebug, addr, pm)
}

func (m *PhysicalMemoryManager) DebugUnmap(addr, size uintptr) error {
	return m.backing.Unmap(ViewDebug, addr, size)
}

func (m *PhysicalMemoryManager) Pretouch(addr, size uintptr) {
	m.backing.Pretouch(addr, size)
}

// WarnCommitLimits logs system limits that could stop the heap from
// reaching maxCapacity.
func (m *PhysicalMemoryManager) WarnCommitLimits(maxCapacity uintptr) {
	if err := m.backing.CheckCommitLimits(maxCapacity); err != nil {
		m.logger.Warn("commit limit may prevent reaching max capacity",
			slog.String("max_capacity", humanize.IBytes(uint64(maxCapacity))),
			slog.Any("error", err))
	}
}

// TryEnableUncommit decides whether uncommit can be used. It is off when
// disabled by configuration, when min equals max, or when the backing fails
// to commit and then uncommit a granule.
func (m *PhysicalMemoryManager) TryEnableUncommit(requested bool, minCapacity, maxCapacity uintptr) bool {
	if !requested {
		m.logger.Info("uncommit disabled")
		return false
	}
	if minCapacity == maxCapacity {
		m.logger.Info("uncommit implicitly disabled, min capacity equals max capacity")
		return false
	}
	// Try with the last granule of the offset space, which is the last
	// one Alloc hands out.
	trial := PhysicalMemory{}
	trial.AddSegment(NewPhysicalMemorySegment(maxCapacity-m.granule, m.granule, false))
	if !m.Commit(&trial) || !m.Uncommit(&trial) {
		m.logger.Info("uncommit implicitly disabled, not supported by the backing")
		return false
	}
	m.logger.Info("uncommit enabled")
	return true
}
