package memoryAlloc

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// View selects which address space view a mapping is made in. The heap view
// carries the production mapping; the debug view is an independent window
// used by inspection tools while the heap is paused.
type View uint8

const (
	ViewHeap View = iota
	ViewDebug
)

// Backing is the platform contract for physical memory. Offsets are in the
// physical offset space, addresses are offsets into the reserved virtual
// space.
//
// Commit and Uncommit report how many bytes from the front of the range
// changed state, so callers can salvage partial progress.
type Backing interface {
	// Reserve claims size bytes of address space for each view.
	Reserve(size uintptr) error
	Commit(offset, length uintptr) uintptr
	Uncommit(offset, length uintptr) uintptr
	Map(view View, addr, length, offset uintptr) error
	Unmap(view View, addr, length uintptr) error
	// Pretouch faults in [addr, addr+length) of the heap view.
	Pretouch(addr, length uintptr)
	// CheckCommitLimits reports system limits that could prevent committing
	// maxCapacity bytes.
	CheckCommitLimits(maxCapacity uintptr) error
	Close() error
}

// MemoryBacking is an in-process Backing that tracks commit state and
// mappings at granule granularity without touching the operating system.
// It can be told to refuse commits past a limit.
type MemoryBacking struct {
	mu          sync.Mutex
	granule     uintptr
	size        uintptr
	reserved    uintptr
	committed   map[uintptr]bool
	commitLimit uintptr
	mappings    [2]map[uintptr]uintptr
	touched     map[uintptr]int
	uncommitOff bool
}

// NewMemoryBacking returns a backing for size bytes of physical memory.
func NewMemoryBacking(size, granule uintptr) *MemoryBacking {
	return &MemoryBacking{
		granule:     granule,
		size:        size,
		committed:   make(map[uintptr]bool),
		commitLimit: ^uintptr(0),
		mappings:    [2]map[uintptr]uintptr{make(map[uintptr]uintptr), make(map[uintptr]uintptr)},
		touched:     make(map[uintptr]int),
	}
}

// SetCommitLimit caps the number of bytes that may be committed at once.
func (b *MemoryBacking) SetCommitLimit(limit uintptr) {
	b.mu.Lock()
	b.commitLimit = limit
	b.mu.Unlock()
}

// DisableUncommit makes every Uncommit call fail.
func (b *MemoryBacking) DisableUncommit() {
	b.mu.Lock()
	b.uncommitOff = true
	b.mu.Unlock()
}

func (b *MemoryBacking) Reserve(size uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reserved != 0 {
		return errors.New("address space already reserved")
	}
	b.reserved = size
	return nil
}

func (b *MemoryBacking) Commit(offset, length uintptr) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	done := uintptr(0)
	for g := offset; g < offset+length; g += b.granule {
		if g+b.granule > b.size {
			break
		}
		if !b.committed[g] {
			if b.committedBytesLocked()+b.granule > b.commitLimit {
				break
			}
			b.committed[g] = true
		}
		done += b.granule
	}
	return done
}

func (b *MemoryBacking) Uncommit(offset, length uintptr) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uncommitOff {
		return 0
	}
	for g := offset; g < offset+length; g += b.granule {
		delete(b.committed, g)
	}
	return length
}

func (b *MemoryBacking) Map(view View, addr, length, offset uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr+length > b.reserved {
		return errors.Newf("map [%#x, %#x) outside reservation", addr, addr+length)
	}
	for i := uintptr(0); i < length; i += b.granule {
		if !b.committed[offset+i] {
			return errors.Newf("map of uncommitted offset %#x", offset+i)
		}
		b.mappings[view][addr+i] = offset + i
	}
	return nil
}

func (b *MemoryBacking) Unmap(view View, addr, length uintptr) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uintptr(0); i < length; i += b.granule {
		delete(b.mappings[view], addr+i)
	}
	return nil
}

func (b *MemoryBacking) Pretouch(addr, length uintptr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uintptr(0); i < length; i += b.granule {
		b.touched[addr+i]++
	}
}

func (b *MemoryBacking) CheckCommitLimits(maxCapacity uintptr) error {
	if maxCapacity > b.size {
		return errors.Newf("backing holds %d bytes, less than max capacity %d", b.size, maxCapacity)
	}
	return nil
}

func (b *MemoryBacking) Close() error {
	return nil
}

func (b *MemoryBacking) committedBytesLocked() uintptr {
	return uintptr(len(b.committed)) * b.granule
}

// CommittedBytes is the number of bytes currently committed.
func (b *MemoryBacking) CommittedBytes() uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.committedBytesLocked()
}

// Mapping returns the physical offset the granule at addr is mapped to.
func (b *MemoryBacking) Mapping(view View, addr uintptr) (uintptr, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	off, ok := b.mappings[view][addr]
	return off, ok
}

// MappedBytes is the number of bytes mapped in view.
func (b *MemoryBacking) MappedBytes(view View) uintptr {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uintptr(len(b.mappings[view])) * b.granule
}

// Touched reports how many times the granule at addr was pretouched.
func (b *MemoryBacking) Touched(addr uintptr) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.touched[addr]
}
