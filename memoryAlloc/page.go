package memoryAlloc

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Page is a region of the heap with its virtual range, the physical memory
// backing it, a bump pointer and a live map. A page has one owner at a time:
// an allocating goroutine, the page cache, a pending allocation or the
// unmapper.
type Page struct {
	typ      PageType
	numaID   int
	seqnum   uint32
	virtual  VirtualMemory
	physical PhysicalMemory
	top      atomic.Uintptr
	livemap  liveMap
	lastUsed time.Time

	layout *pageLayout
	// gen is the owning allocator's cycle sequence number.
	gen *atomic.Uint32

	node    link[Page]
	deleted atomic.Bool
}

func (p *Page) listLink() *link[Page] {
	return &p.node
}

func newPage(typ PageType, vmem VirtualMemory, pmem PhysicalMemory, layout *pageLayout, gen *atomic.Uint32) *Page {
	if vmem.Size() != pmem.Size() {
		panic(fmt.Sprintf("memoryAlloc: virtual size %d does not match physical size %d", vmem.Size(), pmem.Size()))
	}
	p := &Page{
		typ:      typ,
		virtual:  vmem,
		physical: pmem,
		layout:   layout,
		gen:      gen,
	}
	p.top.Store(vmem.start)
	p.livemap.resize(layout.objectMaxCount(typ, vmem.Size()))
	return p
}

func (p *Page) Type() PageType                     { return p.typ }
func (p *Page) NUMAID() int                        { return p.numaID }
func (p *Page) SeqNum() uint32                     { return p.seqnum }
func (p *Page) Start() uintptr                     { return p.virtual.start }
func (p *Page) End() uintptr                       { return p.virtual.end }
func (p *Page) Size() uintptr                      { return p.virtual.Size() }
func (p *Page) Top() uintptr                       { return p.top.Load() }
func (p *Page) Remaining() uintptr                 { return p.End() - p.Top() }
func (p *Page) VirtualMemory() VirtualMemory       { return p.virtual }
func (p *Page) PhysicalMemory() *PhysicalMemory    { return &p.physical }
func (p *Page) LastUsed() time.Time                { return p.lastUsed }
func (p *Page) ObjectAlignmentShift() uint         { return p.layout.alignShift(p.typ) }
func (p *Page) ObjectAlignment() uintptr           { return 1 << p.ObjectAlignmentShift() }
func (p *Page) ObjectMaxCount() uintptr            { return p.layout.objectMaxCount(p.typ, p.Size()) }
func (p *Page) IsDeleted() bool                    { return p.deleted.Load() }
func (p *Page) setLastUsed(now time.Time)          { p.lastUsed = now }
func (p *Page) IsIn(addr uintptr) bool             { return addr >= p.Start() && addr < p.Top() }
func (p *Page) isAllocatedRange(a, n uintptr) bool { return a >= p.Start() && a+n <= p.Top() }

// IsAllocating reports whether the page was handed out in the current cycle
// and may still be bump allocated into.
func (p *Page) IsAllocating() bool {
	return p.seqnum == p.gen.Load()
}

// IsRelocatable reports whether the page predates the current cycle and
// may be selected for relocation.
func (p *Page) IsRelocatable() bool {
	return p.seqnum < p.gen.Load()
}

// Reset prepares a page for a new owner: it takes the current sequence
// number, rewinds top and clears the live map.
func (p *Page) Reset() {
	p.seqnum = p.gen.Load()
	p.top.Store(p.Start())
	p.livemap.reset()
	p.lastUsed = time.Time{}
}

// AllocObject bump allocates size bytes, rounded up to the object
// alignment. It must only be called by the page's owner.
func (p *Page) AllocObject(size uintptr) (uintptr, bool) {
	aligned := alignUp(size, p.ObjectAlignment())
	addr := p.top.Load()
	newTop := addr + aligned
	if newTop > p.End() || newTop < addr {
		return 0, false
	}
	p.top.Store(newTop)
	return addr, true
}

// AllocObjectAtomic is AllocObject for pages shared between goroutines.
func (p *Page) AllocObjectAtomic(size uintptr) (uintptr, bool) {
	aligned := alignUp(size, p.ObjectAlignment())
	for {
		addr := p.top.Load()
		newTop := addr + aligned
		if newTop > p.End() || newTop < addr {
			return 0, false
		}
		if p.top.CompareAndSwap(addr, newTop) {
			return addr, true
		}
	}
}

// UndoAllocObject rolls top back when [addr, addr+size) is the most recent
// allocation. Otherwise the space is left as it is and false is returned.
func (p *Page) UndoAllocObject(addr, size uintptr) bool {
	aligned := alignUp(size, p.ObjectAlignment())
	top := p.top.Load()
	if top-aligned != addr {
		return false
	}
	p.top.Store(addr)
	return true
}

func (p *Page) UndoAllocObjectAtomic(addr, size uintptr) bool {
	aligned := alignUp(size, p.ObjectAlignment())
	for {
		top := p.top.Load()
		if top-aligned != addr {
			return false
		}
		if p.top.CompareAndSwap(top, addr) {
			return true
		}
	}
}

// Retype changes the type of a page whose size already fits typ.
func (p *Page) Retype(typ PageType) *Page {
	if p.typ == typ {
		panic(fmt.Sprintf("memoryAlloc: page %v already of type %s", p.virtual, typ))
	}
	p.typ = typ
	p.livemap.resize(p.ObjectMaxCount())
	return p
}

// Split detaches the lower size bytes into a new page. The receiver keeps
// the upper part and is retyped by its new size.
func (p *Page) Split(size uintptr) *Page {
	return p.SplitAs(p.layout.typeFromSize(size), size)
}

func (p *Page) SplitAs(typ PageType, size uintptr) *Page {
	if size == 0 || size >= p.Size() {
		panic(fmt.Sprintf("memoryAlloc: invalid split of %d bytes from page %v", size, p.virtual))
	}
	vmem := p.virtual.split(size)
	pmem := p.physical.Split(size)
	p.typ = p.layout.typeFromSize(p.virtual.Size())
	p.top.Store(p.Start())
	p.livemap.resize(p.ObjectMaxCount())

	split := newPage(typ, vmem, pmem, p.layout, p.gen)
	split.numaID = p.numaID
	split.seqnum = p.seqnum
	split.lastUsed = p.lastUsed
	return split
}

// SplitCommitted moves every committed part of the page into a new page
// and returns it, leaving the receiver with only uncommitted memory. It
// returns nil when nothing is committed.
func (p *Page) SplitCommitted() *Page {
	pmem := p.physical.SplitCommitted()
	if pmem.IsNull() {
		return nil
	}
	if p.physical.IsNull() {
		panic("memoryAlloc: split committed of a fully committed page")
	}
	vmem := p.virtual.split(pmem.Size())
	p.typ = p.layout.typeFromSize(p.virtual.Size())
	p.top.Store(p.Start())
	p.livemap.resize(p.ObjectMaxCount())

	split := newPage(p.layout.typeFromSize(vmem.Size()), vmem, pmem, p.layout, p.gen)
	split.numaID = p.numaID
	return split
}

func (p *Page) objectIndex(addr uintptr) uintptr {
	return (addr - p.Start()) >> p.ObjectAlignmentShift()
}

// MarkObject records the object at addr as live. It returns true for the
// first mark in this cycle.
func (p *Page) MarkObject(addr, size uintptr) bool {
	if !p.isAllocatedRange(addr, size) {
		panic(fmt.Sprintf("memoryAlloc: mark of %#x outside allocated part of page %v", addr, p.virtual))
	}
	return p.livemap.set(p.objectIndex(addr), alignUp(size, p.ObjectAlignment()))
}

func (p *Page) IsObjectLive(addr uintptr) bool {
	if !p.IsIn(addr) {
		return false
	}
	return p.livemap.get(p.objectIndex(addr))
}

func (p *Page) LiveObjects() uint32 { return p.livemap.objects.Load() }
func (p *Page) LiveBytes() uintptr  { return p.livemap.bytes.Load() }

// delete poisons the page. Its memory has already been returned to the
// managers.
func (p *Page) delete() {
	p.deleted.Store(true)
	p.livemap.resize(0)
	p.physical.RemoveSegments()
}

func (p *Page) String() string {
	return fmt.Sprintf("%s page %v top=%#x seqnum=%d", p.typ, p.virtual, p.Top(), p.seqnum)
}
