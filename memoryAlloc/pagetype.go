package memoryAlloc

import (
	"math/bits"

	"github.com/JBossBC/regionheap/config"
)

// PageType is the size class of a page. The set is closed.
type PageType uint8

const (
	PageSmall PageType = iota
	PageMedium
	PageLarge
)

var pageTypeNames = [...]string{
	PageSmall:  "Small",
	PageMedium: "Medium",
	PageLarge:  "Large",
}

func (t PageType) String() string {
	if int(t) < len(pageTypeNames) {
		return pageTypeNames[t]
	}
	return "Unknown"
}

const minObjectAlignmentShift = 3

// pageLayout is the page geometry shared by every page of one allocator.
type pageLayout struct {
	granule    uintptr
	smallSize  uintptr
	mediumSize uintptr // zero when the medium tier is disabled

	smallAlignShift  uint
	mediumAlignShift uint
	largeAlignShift  uint
}

func newPageLayout(cfg *config.Config) *pageLayout {
	l := &pageLayout{
		granule:         cfg.GranuleSize.Bytes(),
		smallSize:       cfg.SmallPageSize.Bytes(),
		mediumSize:      cfg.MediumPageSize.Bytes(),
		smallAlignShift: minObjectAlignmentShift,
		largeAlignShift: uint(bits.TrailingZeros64(uint64(cfg.GranuleSize))),
	}
	if l.mediumSize != 0 {
		// A medium page holds at most 8K objects.
		shift := bits.Len64(uint64(l.mediumSize)) - 1 - 13
		if shift < minObjectAlignmentShift {
			shift = minObjectAlignmentShift
		}
		l.mediumAlignShift = uint(shift)
	}
	return l
}

func (l *pageLayout) typeFromSize(size uintptr) PageType {
	switch {
	case size == l.smallSize:
		return PageSmall
	case l.mediumSize != 0 && size == l.mediumSize:
		return PageMedium
	}
	return PageLarge
}

func (l *pageLayout) alignShift(t PageType) uint {
	switch t {
	case PageSmall:
		return l.smallAlignShift
	case PageMedium:
		return l.mediumAlignShift
	}
	return l.largeAlignShift
}

// objectMaxCount is the number of live map slots a page of type t and the
// given size needs. Large pages hold a single object.
func (l *pageLayout) objectMaxCount(t PageType, size uintptr) uintptr {
	if t == PageLarge {
		return 1
	}
	return size >> l.alignShift(t)
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uintptr) uintptr {
	return v &^ (align - 1)
}

// AllocationFlags select the behaviour of a page allocation.
type AllocationFlags uint8

const (
	// NonBlocking fails the allocation instead of stalling.
	NonBlocking AllocationFlags = 1 << iota
	// LowAddress forces the virtual range to the low end of the space.
	LowAddress
	// Relocation marks a page allocated to relocate objects into; its size
	// counts against reclaimed bytes.
	Relocation
	// WorkerRelocation marks a relocation page allocated by a GC worker;
	// it is excluded from the allocation rate.
	WorkerRelocation
)

func (f AllocationFlags) NonBlocking() bool      { return f&NonBlocking != 0 }
func (f AllocationFlags) LowAddress() bool       { return f&LowAddress != 0 }
func (f AllocationFlags) Relocation() bool       { return f&(Relocation|WorkerRelocation) != 0 }
func (f AllocationFlags) WorkerRelocation() bool { return f&WorkerRelocation != 0 }

// Geometry describes the page sizes an allocator hands out.
type Geometry struct {
	Granule        uintptr `json:"granule"`
	SmallPageSize  uintptr `json:"small_page_size"`
	MediumPageSize uintptr `json:"medium_page_size"`
}

func (l *pageLayout) geometry() Geometry {
	return Geometry{
		Granule:        l.granule,
		SmallPageSize:  l.smallSize,
		MediumPageSize: l.mediumSize,
	}
}
