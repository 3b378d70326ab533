package memoryAlloc

// Stats is a snapshot of the allocator's accounting.
type Stats struct {
	MinCapacity        uintptr       `json:"min_capacity"`
	MaxCapacity        uintptr       `json:"max_capacity"`
	SoftMaxCapacity    uintptr       `json:"soft_max_capacity"`
	CurrentMaxCapacity uintptr       `json:"current_max_capacity"`
	Capacity           uintptr       `json:"capacity"`
	Used               uintptr       `json:"used"`
	UsedHigh           uintptr       `json:"used_high"`
	UsedLow            uintptr       `json:"used_low"`
	Claimed            uintptr       `json:"claimed"`
	Allocated          int64         `json:"allocated"`
	Reclaimed          int64         `json:"reclaimed"`
	AllocationRate     uint64        `json:"allocation_rate"`
	Stalls             uint64        `json:"stalls"`
	Stalled            int           `json:"stalled"`
	CachedPages        int           `json:"cached_pages"`
	CacheHits          PageCacheHits `json:"cache_hits"`
	Unmapping          uintptr       `json:"unmapping"`
	Uncommitted        uint64        `json:"uncommitted"`
	LockContended      uint64        `json:"lock_contended"`
}

func (a *PageAllocator) Stats() Stats {
	a.lock.Lock()
	defer a.lock.Unlock()
	return Stats{
		MinCapacity:        a.minCapacity,
		MaxCapacity:        a.maxCapacity,
		SoftMaxCapacity:    a.SoftMaxCapacity(),
		CurrentMaxCapacity: a.currentMaxCapacity.Load(),
		Capacity:           a.capacity.Load(),
		Used:               a.used.Load(),
		UsedHigh:           a.usedHigh,
		UsedLow:            a.usedLow,
		Claimed:            a.claimed.Load(),
		Allocated:          a.allocated,
		Reclaimed:          a.reclaimed,
		AllocationRate:     a.allocationRate.Load(),
		Stalls:             a.nstalled,
		Stalled:            a.stalled.Len(),
		CachedPages:        a.cache.Len(),
		CacheHits:          a.cache.Hits(),
		Unmapping:          a.unmapper.EnqueuedBytes(),
		Uncommitted:        a.uncommitter.Uncommitted(),
		LockContended:      a.lock.Contended(),
	}
}

// ResetStatistics starts a new statistics period. It is called at the
// start of each collection cycle.
func (a *PageAllocator) ResetStatistics() {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.allocated = 0
	a.reclaimed = 0
	a.nstalled = 0
	a.usedHigh = a.used.Load()
	a.usedLow = a.usedHigh
}
