package memoryAlloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// VirtualMemory is a range of the reserved address space, expressed as
// offsets from the reservation base.
type VirtualMemory struct {
	start, end uintptr
}

func (v VirtualMemory) Start() uintptr { return v.start }
func (v VirtualMemory) End() uintptr   { return v.end }
func (v VirtualMemory) Size() uintptr  { return v.end - v.start }

func (v VirtualMemory) String() string {
	return fmt.Sprintf("[%#x, %#x)", v.start, v.end)
}

// split detaches the lower size bytes and returns them; v keeps the rest.
func (v *VirtualMemory) split(size uintptr) VirtualMemory {
	if size >= v.Size() {
		panic(fmt.Sprintf("memoryAlloc: invalid virtual split of %d bytes from %v", size, *v))
	}
	v.start += size
	return VirtualMemory{start: v.start - size, end: v.start}
}

// VirtualMemoryManager hands out ranges of one reservation made at startup.
// Small pages are placed at low addresses and medium and large pages at
// high addresses, unless the caller forces a low address.
type VirtualMemoryManager struct {
	ranges        *rangeManager
	reserved      uintptr
	smallPageSize uintptr
}

func NewVirtualMemoryManager(reserved, smallPageSize uintptr) *VirtualMemoryManager {
	m := &VirtualMemoryManager{
		ranges:        newRangeManager(),
		reserved:      reserved,
		smallPageSize: smallPageSize,
	}
	m.ranges.free(0, reserved)
	return m
}

// Alloc returns a range of size bytes, or ErrAddressSpaceExhausted.
func (m *VirtualMemoryManager) Alloc(size uintptr, forceLowAddress bool) (VirtualMemory, error) {
	var (
		start uintptr
		ok    bool
	)
	if forceLowAddress || size <= m.smallPageSize {
		start, ok = m.ranges.allocFromFront(size)
	} else {
		start, ok = m.ranges.allocFromBack(size)
	}
	if !ok {
		return VirtualMemory{}, errors.Wrapf(ErrAddressSpaceExhausted, "virtual allocation of %d bytes", size)
	}
	return VirtualMemory{start: start, end: start + size}, nil
}

func (m *VirtualMemoryManager) Free(v VirtualMemory) {
	m.ranges.free(v.start, v.Size())
}

func (m *VirtualMemoryManager) Reserved() uintptr {
	return m.reserved
}

// LowestAvailableAddress is the lowest free offset, or ^uintptr(0).
func (m *VirtualMemoryManager) LowestAvailableAddress() uintptr {
	return m.ranges.peekLowAddress()
}

func (m *VirtualMemoryManager) Available() uintptr {
	return m.ranges.available()
}
