package memoryAlloc

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/JBossBC/regionheap/config"
	xsync "github.com/JBossBC/regionheap/sync"
	"github.com/JBossBC/regionheap/workers"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// GCCause tells the collector why a cycle was requested.
type GCCause uint8

const (
	CauseAllocationStall GCCause = iota
	CauseExplicit
	CauseTimer
)

func (c GCCause) String() string {
	switch c {
	case CauseAllocationStall:
		return "Allocation Stall"
	case CauseExplicit:
		return "Explicit"
	case CauseTimer:
		return "Timer"
	}
	return "Unknown"
}

// Collector starts collection cycles. Collect must not block on the
// allocator: it is called by stalled allocations without the lock held but
// before they wait.
type Collector interface {
	Collect(cause GCCause)
}

// Workers runs a task on every worker of a pool.
type Workers interface {
	RunAll(task workers.Task)
}

// Service is a background goroutine owned by the allocator.
type Service interface {
	Name() string
	Stop()
}

type Option func(*options)

type options struct {
	logger         *slog.Logger
	now            func() time.Time
	numa           NUMA
	manualUncommit bool
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithClock replaces time.Now for last-used and last-commit bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithManualUncommit leaves uncommitting to explicit Uncommit calls. The
// uncommitter service still exists but never runs a pass.
func WithManualUncommit() Option {
	return func(o *options) {
		o.manualUncommit = true
	}
}

func WithNUMA(numa NUMA) Option {
	return func(o *options) {
		o.numa = numa
	}
}

// PageAllocator hands out pages within a capacity budget. Pages come from
// the page cache when possible; otherwise capacity is increased and new
// physical memory is committed, or cached pages are flushed and their
// physical memory reused. Allocations that do not fit the budget stall
// until memory is freed or a collection cycle has run.
type PageAllocator struct {
	lock xsync.Mutex

	layout    *pageLayout
	logger    *slog.Logger
	now       func() time.Time
	numa      NUMA
	collector Collector
	workers   Workers

	virtual  *VirtualMemoryManager
	physical *PhysicalMemoryManager
	cache    *PageCache

	minCapacity        uintptr
	initialCapacity    uintptr
	maxCapacity        uintptr
	softMaxCapacity    uintptr
	currentMaxCapacity atomic.Uintptr
	capacity           atomic.Uintptr
	claimed            atomic.Uintptr
	used               atomic.Uintptr
	usedHigh           uintptr
	usedLow            uintptr
	allocated          int64
	reclaimed          int64
	nstalled           uint64
	allocationRate     atomic.Uint64

	seqnum    atomic.Uint32
	stalled   allocationList
	satisfied allocationList

	uncommitEnabled    bool
	uncommitChunkShift uint
	uncommitChunkMax   uintptr
	allocRetryLimit    int
	alwaysPretouch     bool

	unmapper    *Unmapper
	uncommitter *Uncommitter
	safeDelete  *SafeDelete[*Page]

	initialized atomic.Bool
	closed      atomic.Bool
}

// NewPageAllocator reserves address space for cfg.MaxCapacity times the
// virtual to physical ratio and starts the unmapper and uncommitter. The
// initial capacity is committed by Initialize.
func NewPageAllocator(cfg *config.Config, backing Backing, collector Collector, pool Workers, opts ...Option) (*PageAllocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.numa == nil {
		o.numa = uniformNUMA{count: cfg.NUMANodes}
	}

	maxCapacity := cfg.MaxCapacity.Bytes()
	granule := cfg.GranuleSize.Bytes()
	reserved := maxCapacity * uintptr(cfg.VirtualToPhysicalRatio)
	if err := backing.Reserve(reserved); err != nil {
		return nil, errors.Wrapf(err, "reserve %s of address space", humanize.IBytes(uint64(reserved)))
	}

	layout := newPageLayout(cfg)
	a := &PageAllocator{
		layout:             layout,
		logger:             o.logger,
		now:                o.now,
		numa:               o.numa,
		collector:          collector,
		workers:            pool,
		virtual:            NewVirtualMemoryManager(reserved, layout.smallSize),
		physical:           NewPhysicalMemoryManager(maxCapacity, granule, backing, o.logger),
		cache:              newPageCache(layout, o.numa, cfg.UncommitDelay.Std()),
		minCapacity:        cfg.MinCapacity.Bytes(),
		initialCapacity:    cfg.InitialCapacity.Bytes(),
		maxCapacity:        maxCapacity,
		softMaxCapacity:    cfg.SoftMaxCapacity.Bytes(),
		uncommitChunkShift: cfg.UncommitChunkShift,
		uncommitChunkMax:   cfg.UncommitChunkMax.Bytes(),
		allocRetryLimit:    cfg.AllocRetryLimit,
		alwaysPretouch:     cfg.AlwaysPretouch,
	}
	a.currentMaxCapacity.Store(maxCapacity)
	a.seqnum.Store(1)
	a.safeDelete = NewSafeDelete((*Page).delete)

	a.logger.Info("page allocator",
		slog.String("min_capacity", humanize.IBytes(uint64(a.minCapacity))),
		slog.String("initial_capacity", humanize.IBytes(uint64(a.initialCapacity))),
		slog.String("max_capacity", humanize.IBytes(uint64(a.maxCapacity))),
		slog.String("soft_max_capacity", humanize.IBytes(uint64(a.softMaxCapacity))),
		slog.String("medium_page_size", humanize.IBytes(uint64(layout.mediumSize))),
		slog.String("address_space", humanize.IBytes(uint64(reserved))))

	a.physical.WarnCommitLimits(maxCapacity)
	a.uncommitEnabled = a.physical.TryEnableUncommit(cfg.Uncommit, a.minCapacity, maxCapacity)

	a.unmapper = newUnmapper(a, alignUp(uintptr(float64(maxCapacity)*cfg.AsyncUnmappingLimit/100), granule), o.logger)
	a.uncommitter = newUncommitter(a, a.uncommitEnabled && !o.manualUncommit, o.logger)
	return a, nil
}

// Initialize commits the initial capacity as one low address page and
// caches it, pretouching it first when configured to.
func (a *PageAllocator) Initialize() error {
	if a.initialized.Load() {
		return nil
	}
	if a.initialCapacity > 0 {
		if err := a.primeCache(a.initialCapacity); err != nil {
			a.logger.Error("failed to allocate initial heap",
				slog.String("size", humanize.IBytes(uint64(a.initialCapacity))),
				slog.Any("error", err))
			return errors.Wrap(err, "prime page cache")
		}
	}
	a.initialized.Store(true)
	return nil
}

func (a *PageAllocator) primeCache(size uintptr) error {
	page, err := a.AllocPage(PageLarge, size, NonBlocking|LowAddress)
	if err != nil {
		return err
	}
	if a.alwaysPretouch {
		task := newPretouchTask(a.physical, page.Start(), page.End(), a.layout.granule)
		if a.workers != nil {
			a.workers.RunAll(task)
		} else {
			task.Work(0)
		}
	}
	a.FreePage(page, false)
	return nil
}

func (a *PageAllocator) Geometry() Geometry {
	return a.layout.geometry()
}

func (a *PageAllocator) MinCapacity() uintptr {
	return a.minCapacity
}

func (a *PageAllocator) MaxCapacity() uintptr {
	return a.maxCapacity
}

func (a *PageAllocator) SoftMaxCapacity() uintptr {
	return min(a.softMaxCapacity, a.currentMaxCapacity.Load())
}

func (a *PageAllocator) CurrentMaxCapacity() uintptr {
	return a.currentMaxCapacity.Load()
}

func (a *PageAllocator) Capacity() uintptr {
	return a.capacity.Load()
}

func (a *PageAllocator) Used() uintptr {
	return a.used.Load()
}

func (a *PageAllocator) Claimed() uintptr {
	return a.claimed.Load()
}

// Unused is capacity that is neither used nor claimed. Values are read
// without the lock, so the difference is clamped at zero.
func (a *PageAllocator) Unused() uintptr {
	unused := int64(a.capacity.Load()) - int64(a.used.Load()) - int64(a.claimed.Load())
	if unused < 0 {
		return 0
	}
	return uintptr(unused)
}

func (a *PageAllocator) UncommitEnabled() bool {
	return a.uncommitEnabled
}

// SeqNum is the number of the current collection cycle.
func (a *PageAllocator) SeqNum() uint32 {
	return a.seqnum.Load()
}

// BeginCycle starts a new collection cycle. Pages allocated before it
// become relocatable and stalled allocations made before it may be failed
// by CheckOutOfMemory.
func (a *PageAllocator) BeginCycle() uint32 {
	return a.seqnum.Add(1)
}

func (a *PageAllocator) increaseCapacity(size uintptr) uintptr {
	capacity := a.capacity.Load()
	headroom := uintptr(0)
	if current := a.currentMaxCapacity.Load(); current > capacity {
		headroom = current - capacity
	}
	increased := min(size, headroom)
	if increased > 0 {
		a.capacity.Add(increased)
		a.cache.SetLastCommit(a.now())
	}
	return increased
}

// decreaseCapacity gives back capacity. With setMaxCapacity the current max
// capacity is lowered to the new capacity for the rest of the process.
func (a *PageAllocator) decreaseCapacity(size uintptr, setMaxCapacity bool) {
	capacity := a.capacity.Add(^(size - 1))
	if setMaxCapacity {
		current := a.currentMaxCapacity.Load()
		a.logger.Error("forced to lower max capacity",
			slog.String("from", humanize.IBytes(uint64(current))),
			slog.String("to", humanize.IBytes(uint64(capacity))))
		a.currentMaxCapacity.Store(capacity)
	}
}

func (a *PageAllocator) increaseUsed(size uintptr, relocation bool) {
	if relocation {
		// Relocation pages are taken out of what the cycle reclaims.
		a.reclaimed -= int64(size)
	}
	a.allocated += int64(size)
	used := a.used.Add(size)
	if used > a.usedHigh {
		a.usedHigh = used
	}
}

func (a *PageAllocator) decreaseUsed(size uintptr, reclaimed bool) {
	if reclaimed {
		a.reclaimed += int64(size)
	} else {
		a.allocated -= int64(size)
	}
	used := a.used.Add(^(size - 1))
	if used < a.usedLow {
		a.usedLow = used
	}
}

func (a *PageAllocator) commitPage(p *Page) bool {
	return a.physical.Commit(&p.physical)
}

func (a *PageAllocator) uncommitPage(p *Page) {
	if !a.uncommitEnabled {
		return
	}
	a.physical.Uncommit(&p.physical)
}

func (a *PageAllocator) mapPage(p *Page) {
	if err := a.physical.Map(p.Start(), &p.physical); err != nil {
		panic(errors.Wrapf(err, "map %v", p))
	}
}

func (a *PageAllocator) unmapPage(p *Page) {
	if err := a.physical.Unmap(p.Start(), p.Size()); err != nil {
		panic(errors.Wrapf(err, "unmap %v", p))
	}
}

// destroyPage returns a page's memory to the managers and deletes the page
// once no unlocked reader can see it.
func (a *PageAllocator) destroyPage(p *Page) {
	a.virtual.Free(p.virtual)
	a.physical.Free(&p.physical)
	a.safeDelete.Delete(p)
}

func (a *PageAllocator) shouldDefragment(p *Page) bool {
	// A small page ends up high in the address space when it was split out
	// of a larger page. Move it down if there is room below.
	return p.Type() == PageSmall &&
		p.Start() >= a.virtual.Reserved()/2 &&
		p.Start() > a.virtual.LowestAvailableAddress()
}

func (a *PageAllocator) isAllocSatisfied(alloc *pageAllocation) bool {
	if alloc.pages.Len() != 1 {
		return false
	}
	p := alloc.pages.First()
	if p.Type() != alloc.typ || p.Size() != alloc.size {
		return false
	}
	return !a.shouldDefragment(p)
}

func (a *PageAllocator) allocPageCommonInner(typ PageType, size uintptr, pages *pageList) bool {
	maxCapacity := int64(a.currentMaxCapacity.Load())
	capacity := int64(a.capacity.Load())
	used := int64(a.used.Load())
	claimed := int64(a.claimed.Load())

	if maxCapacity-used-claimed < int64(size) {
		return false
	}

	if capacity-used-claimed >= int64(size) {
		if p := a.cache.AllocPage(typ, size); p != nil {
			pages.InsertLast(p)
			return true
		}
	}

	// Cover what capacity growth cannot with cached pages. The budget check
	// above guarantees the cache holds enough.
	if increased := a.increaseCapacity(size); increased < size {
		a.cache.FlushForAllocation(size-increased, pages)
	}
	return true
}

func (a *PageAllocator) allocPageCommon(alloc *pageAllocation) bool {
	if !a.allocPageCommonInner(alloc.typ, alloc.size, &alloc.pages) {
		return false
	}
	a.increaseUsed(alloc.size, alloc.flags.Relocation())
	return true
}

func (a *PageAllocator) allocPageOrStall(alloc *pageAllocation) error {
	a.lock.Lock()
	if a.allocPageCommon(alloc) {
		a.lock.Unlock()
		return nil
	}
	if alloc.flags.NonBlocking() {
		a.lock.Unlock()
		return errors.Wrapf(ErrCapacityExceeded, "%s page of %s", alloc.typ, humanize.IBytes(uint64(alloc.size)))
	}
	a.stalled.InsertLast(alloc)
	a.nstalled++
	a.lock.Unlock()

	return a.allocPageStall(alloc)
}

func (a *PageAllocator) allocPageStall(alloc *pageAllocation) error {
	start := a.now()
	a.logger.Debug("allocation stall",
		slog.String("type", alloc.typ.String()),
		slog.String("size", humanize.IBytes(uint64(alloc.size))))

	var result stallResult
	for {
		if a.collector != nil {
			a.collector.Collect(CauseAllocationStall)
		}
		result = alloc.wait()
		if result != stallStartGC {
			break
		}
	}

	a.lock.Lock()
	a.satisfied.Remove(alloc)
	a.lock.Unlock()

	a.logger.Debug("allocation stall resolved",
		slog.Bool("success", result == stallSuccess),
		slog.Duration("stalled", a.now().Sub(start)))

	if result == stallSuccess {
		return nil
	}
	if a.closed.Load() {
		return ErrClosed
	}
	return errors.Wrapf(ErrOutOfMemory, "%s page of %s", alloc.typ, humanize.IBytes(uint64(alloc.size)))
}

// allocPageCreate builds a page from a new virtual range, the physical
// memory of the flushed pages and freshly allocated physical memory for
// the rest. The page is not committed yet.
func (a *PageAllocator) allocPageCreate(alloc *pageAllocation) (*Page, error) {
	// Virtual memory goes first so a failure leaves the flushed pages
	// intact. Their own ranges are unmapped asynchronously and cannot be
	// reused right away anyway.
	vmem, err := a.virtual.Alloc(alloc.size, alloc.flags.LowAddress())
	if err != nil {
		a.logger.Error("out of address space", slog.String("size", humanize.IBytes(uint64(alloc.size))))
		return nil, err
	}

	var pmem PhysicalMemory
	flushed := uintptr(0)
	for p := alloc.pages.RemoveFirst(); p != nil; p = alloc.pages.RemoveFirst() {
		flushed += p.Size()
		pmem.AddSegments(&p.physical)
		p.physical.RemoveSegments()
		a.unmapper.UnmapAndDestroyPage(p)
	}
	if flushed > 0 {
		alloc.flushed = flushed
		a.logger.Debug("page cache flushed", slog.String("size", humanize.IBytes(uint64(flushed))))
	}

	// Capacity and used already cover the rest.
	if flushed < alloc.size {
		remaining := alloc.size - flushed
		alloc.committed = remaining
		a.physical.Alloc(&pmem, remaining)
	}

	p := newPage(alloc.typ, vmem, pmem, a.layout, &a.seqnum)
	p.numaID = a.numa.MemoryID(vmem.Start())
	return p, nil
}

func (a *PageAllocator) allocPageFinalize(alloc *pageAllocation) (*Page, error) {
	if a.isAllocSatisfied(alloc) {
		return alloc.pages.RemoveFirst(), nil
	}

	p, err := a.allocPageCreate(alloc)
	if err != nil {
		return nil, err
	}
	if a.commitPage(p) {
		a.mapPage(p)
		return p, nil
	}

	// Keep what did get committed. It goes back to the cache with the
	// rest of the allocation's pages.
	committed := p.SplitCommitted()
	size := p.Size()
	a.destroyPage(p)
	if committed != nil {
		a.mapPage(committed)
		alloc.pages.InsertLast(committed)
	}
	return nil, errors.Wrapf(ErrCommitFailed, "%s of %s left uncommitted", humanize.IBytes(uint64(size)), humanize.IBytes(uint64(alloc.size)))
}

func (a *PageAllocator) allocPageFailed(alloc *pageAllocation) {
	a.lock.Lock()
	defer a.lock.Unlock()

	freed := uintptr(0)
	for p := alloc.pages.RemoveFirst(); p != nil; p = alloc.pages.RemoveFirst() {
		freed += p.Size()
		a.freePageInner(p, false)
	}

	// Undo the part of the request that grew capacity. That memory could
	// not be had, so stop trying to grow into it.
	if remaining := alloc.size - freed; remaining > 0 {
		a.decreaseUsed(remaining, false)
		a.decreaseCapacity(remaining, true)
	}

	a.satisfyStalled()
}

func (a *PageAllocator) normalizeSize(typ PageType, size uintptr) (uintptr, error) {
	switch typ {
	case PageSmall:
		if size != a.layout.smallSize {
			return 0, errors.Newf("small page must be %s, not %s",
				humanize.IBytes(uint64(a.layout.smallSize)), humanize.IBytes(uint64(size)))
		}
	case PageMedium:
		if a.layout.mediumSize == 0 {
			return 0, errors.New("medium pages are disabled")
		}
		if size != a.layout.mediumSize {
			return 0, errors.Newf("medium page must be %s, not %s",
				humanize.IBytes(uint64(a.layout.mediumSize)), humanize.IBytes(uint64(size)))
		}
	case PageLarge:
		if size == 0 {
			return 0, errors.New("large page of zero bytes")
		}
		size = alignUp(size, a.layout.granule)
	default:
		return 0, errors.Newf("unknown page type %d", typ)
	}
	return size, nil
}

// AllocPage allocates a page of typ. Small and medium pages have a fixed
// size; large pages are size rounded up to the granule.
//
// Unless NonBlocking is set, an allocation that does not fit the budget
// stalls until freed memory satisfies it or a collection cycle that
// started after it passes without relief. The error is nil exactly when
// the page is not.
func (a *PageAllocator) AllocPage(typ PageType, size uintptr, flags AllocationFlags) (*Page, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	size, err := a.normalizeSize(typ, size)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if attempt > a.allocRetryLimit {
			return nil, errors.Mark(errors.Wrapf(lastErr, "%d allocation attempts", attempt), ErrOutOfMemory)
		}
		alloc := &pageAllocation{
			typ:    typ,
			size:   size,
			flags:  flags,
			seqnum: a.seqnum.Load(),
		}
		if err := a.allocPageOrStall(alloc); err != nil {
			return nil, err
		}
		p, err := a.allocPageFinalize(alloc)
		if err != nil {
			// Put back what was taken and try again, flushing the cache
			// harder now that capacity has been lowered.
			a.allocPageFailed(alloc)
			lastErr = err
			continue
		}

		// The cycle may have advanced while stalled, so take the sequence
		// number only now.
		p.Reset()
		if !flags.WorkerRelocation() && a.initialized.Load() {
			a.allocationRate.Add(uint64(p.Size()))
		}
		a.logger.Debug("page allocated",
			slog.String("type", typ.String()),
			slog.String("size", humanize.IBytes(uint64(size))),
			slog.String("flushed", humanize.IBytes(uint64(alloc.flushed))),
			slog.String("committed", humanize.IBytes(uint64(alloc.committed))),
			slog.Int("segments", p.physical.NSegments()))
		return p, nil
	}
}

func (a *PageAllocator) satisfyStalled() {
	for {
		alloc := a.stalled.First()
		if alloc == nil {
			return
		}
		if !a.allocPageCommon(alloc) {
			// Strictly first come first served.
			return
		}
		a.stalled.Remove(alloc)
		a.satisfied.InsertLast(alloc)
		alloc.satisfy(stallSuccess)
	}
}

func (a *PageAllocator) freePageInner(p *Page, reclaimed bool) {
	a.decreaseUsed(p.Size(), reclaimed)
	p.setLastUsed(a.now())
	a.cache.FreePage(p)
}

// FreePage returns p to the cache. reclaimed tells frees of garbage found
// by a cycle from allocations being undone.
func (a *PageAllocator) FreePage(p *Page, reclaimed bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.freePageInner(p, reclaimed)
	a.satisfyStalled()
}

// FreePages is FreePage for many pages under one lock acquisition.
func (a *PageAllocator) FreePages(pages []*Page, reclaimed bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	for _, p := range pages {
		a.freePageInner(p, reclaimed)
	}
	a.satisfyStalled()
}

// Uncommit flushes one chunk of pages that have been unused for the
// uncommit delay, never going below max(used, min capacity), and returns
// their memory to the backing. It returns the bytes uncommitted and how
// long to wait before the next call.
func (a *PageAllocator) Uncommit(timeout time.Duration) (uintptr, time.Duration) {
	if !a.uncommitEnabled {
		return 0, timeout
	}

	var (
		pages   pageList
		flushed uintptr
	)
	a.lock.Lock()
	retain := max(a.used.Load(), a.minCapacity)
	release := uintptr(0)
	if capacity := a.capacity.Load(); capacity > retain {
		release = capacity - retain
	}
	limit := min(alignUp(a.currentMaxCapacity.Load()>>a.uncommitChunkShift, a.layout.granule), a.uncommitChunkMax)
	flushed = a.cache.FlushForUncommit(min(release, limit), &pages, a.now(), &timeout)
	if flushed == 0 {
		a.lock.Unlock()
		return 0, timeout
	}
	// Claimed memory stays out of the budget while it is torn down.
	a.claimed.Add(flushed)
	a.lock.Unlock()

	for p := pages.RemoveFirst(); p != nil; p = pages.RemoveFirst() {
		a.unmapPage(p)
		a.uncommitPage(p)
		a.destroyPage(p)
	}

	a.lock.Lock()
	a.claimed.Add(^(flushed - 1))
	a.decreaseCapacity(flushed, false)
	a.lock.Unlock()
	return flushed, timeout
}

// CheckOutOfMemory is called by the collector at the end of a cycle. The
// oldest stalled allocation is failed if it was made before the cycle
// started; one made during the cycle gets another cycle instead.
func (a *PageAllocator) CheckOutOfMemory() {
	a.lock.Lock()
	defer a.lock.Unlock()

	seqnum := a.seqnum.Load()
	for alloc := a.stalled.First(); alloc != nil; alloc = a.stalled.First() {
		if alloc.seqnum == seqnum {
			alloc.satisfy(stallStartGC)
			return
		}
		a.stalled.Remove(alloc)
		a.satisfied.InsertLast(alloc)
		alloc.satisfy(stallFailed)
	}
}

// IsAllocStalled reports whether any allocation is waiting for memory.
func (a *PageAllocator) IsAllocStalled() bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	return !a.stalled.Empty()
}

func (a *PageAllocator) StalledCount() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.stalled.Len()
}

// PagesDo calls fn for every page the allocator holds: pages of satisfied
// allocations not yet picked up and cached pages. fn runs under the
// allocator lock and must not call back into the allocator.
func (a *PageAllocator) PagesDo(fn func(p *Page)) {
	a.lock.Lock()
	defer a.lock.Unlock()
	a.satisfied.Do(func(alloc *pageAllocation) {
		alloc.pages.Do(fn)
	})
	a.cache.PagesDo(fn)
}

// ThreadsDo calls fn for each background service.
func (a *PageAllocator) ThreadsDo(fn func(s Service)) {
	fn(a.unmapper)
	fn(a.uncommitter)
}

func (a *PageAllocator) EnableDeferredDelete() {
	a.safeDelete.EnableDeferredDelete()
}

func (a *PageAllocator) DisableDeferredDelete() {
	a.safeDelete.DisableDeferredDelete()
}

// DebugMapPage maps p into the debug view. Only valid while allocation is
// stopped.
func (a *PageAllocator) DebugMapPage(p *Page) error {
	return a.physical.DebugMap(p.Start(), &p.physical)
}

func (a *PageAllocator) DebugUnmapPage(p *Page) error {
	return a.physical.DebugUnmap(p.Start(), p.Size())
}

// WakeUncommitter makes the uncommitter run a pass now.
func (a *PageAllocator) WakeUncommitter() {
	a.uncommitter.Wake()
}

// Close stops the background services and fails stalled allocations.
// Pages still handed out stay valid until they are freed; nothing new can
// be allocated.
func (a *PageAllocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.lock.Lock()
	for alloc := a.stalled.RemoveFirst(); alloc != nil; alloc = a.stalled.RemoveFirst() {
		a.satisfied.InsertLast(alloc)
		alloc.satisfy(stallFailed)
	}
	a.lock.Unlock()

	a.uncommitter.Stop()
	a.unmapper.Stop()
	return nil
}
