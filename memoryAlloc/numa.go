package memoryAlloc

// NUMA describes the node topology pages are placed on.
type NUMA interface {
	// Count is the number of nodes, at least one.
	Count() int
	// ID is the node of the calling goroutine.
	ID() int
	// MemoryID is the node backing the page at addr.
	MemoryID(addr uintptr) int
}

// uniformNUMA spreads nothing: every caller and every page is on node 0 of
// a topology with count nodes. It is the default when no topology is
// supplied.
type uniformNUMA struct {
	count int
}

func (n uniformNUMA) Count() int {
	if n.count < 1 {
		return 1
	}
	return n.count
}

func (uniformNUMA) ID() int              { return 0 }
func (uniformNUMA) MemoryID(uintptr) int { return 0 }
