package memoryAlloc

import (
	xsync "github.com/JBossBC/regionheap/sync"
)

type stallResult uint8

const (
	stallSuccess stallResult = iota
	stallFailed
	// stallStartGC asks the stalled goroutine to request another cycle and
	// keep waiting.
	stallStartGC
)

// pageAllocation is the record of one AllocPage call. It owns the pages
// taken from the cache for it until they are returned or harvested.
type pageAllocation struct {
	typ   PageType
	size  uintptr
	flags AllocationFlags
	// seqnum is the cycle the request was made in.
	seqnum    uint32
	flushed   uintptr
	committed uintptr
	pages     pageList
	stall     xsync.Future[stallResult]

	node link[pageAllocation]
}

func (a *pageAllocation) listLink() *link[pageAllocation] {
	return &a.node
}

func (a *pageAllocation) wait() stallResult {
	return a.stall.Get()
}

func (a *pageAllocation) satisfy(r stallResult) {
	a.stall.Set(r)
}

type allocationList = list[pageAllocation, *pageAllocation]
