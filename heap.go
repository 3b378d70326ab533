// Package regionheap is a region based heap. Memory is handed out in
// pages of three size classes by a page allocator that caches freed pages,
// grows and shrinks its committed capacity within configured bounds and
// stalls allocations until a collection cycle frees memory.
package regionheap

import (
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/JBossBC/regionheap/config"
	"github.com/JBossBC/regionheap/memoryAlloc"
	"github.com/JBossBC/regionheap/workers"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

type Option func(*options)

type options struct {
	logger    *slog.Logger
	hook      CycleHook
	backing   memoryAlloc.Backing
	allocator []memoryAlloc.Option
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCycleHook sets the work done by each collection cycle. Without a
// hook cycles reclaim nothing and only resolve stalls.
func WithCycleHook(hook CycleHook) Option {
	return func(o *options) {
		o.hook = hook
	}
}

// WithBacking overrides the backing chosen by the configuration.
func WithBacking(backing memoryAlloc.Backing) Option {
	return func(o *options) {
		o.backing = backing
	}
}

// WithAllocatorOptions passes options through to the page allocator.
func WithAllocatorOptions(opts ...memoryAlloc.Option) Option {
	return func(o *options) {
		o.allocator = append(o.allocator, opts...)
	}
}

// Heap ties a page allocator to a page table, an object cache and a
// collection cycle driver.
type Heap struct {
	logger    *slog.Logger
	backing   memoryAlloc.Backing
	pool      *workers.Pool
	allocator *memoryAlloc.PageAllocator
	driver    *CycleDriver
	objects   *memoryAlloc.ObjectCache
	table     *pageTable
	closed    atomic.Bool
}

// Stats is a snapshot of the heap.
type Stats struct {
	memoryAlloc.Stats
	Geometry memoryAlloc.Geometry         `json:"geometry"`
	Objects  memoryAlloc.ObjectCacheStats `json:"objects"`
	Pages    int                          `json:"pages"`
	Cycles   uint64                       `json:"cycles"`
	SeqNum   uint32                       `json:"seqnum"`
}

func newBacking(cfg *config.Config) (memoryAlloc.Backing, error) {
	switch cfg.Backing {
	case config.BackingMemfd:
		return memoryAlloc.NewMemfdBacking("regionheap", cfg.MaxCapacity.Bytes(), cfg.GranuleSize.Bytes())
	case config.BackingMemory:
		return memoryAlloc.NewMemoryBacking(cfg.MaxCapacity.Bytes(), cfg.GranuleSize.Bytes()), nil
	}
	return nil, errors.Newf("unknown backing %q", cfg.Backing)
}

// New builds a heap for cfg and commits its initial capacity.
func New(cfg *config.Config, opts ...Option) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	backing := o.backing
	if backing == nil {
		var err error
		if backing, err = newBacking(cfg); err != nil {
			return nil, errors.Wrap(err, "create backing")
		}
	}

	concurrency := cfg.Workers
	if concurrency == 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}
	h := &Heap{
		logger:  o.logger,
		backing: backing,
		pool:    workers.New(workers.WithConcurrencyNumber(concurrency), workers.WithLogger(o.logger)),
		driver:  newCycleDriver(o.hook, o.logger),
		table:   newPageTable(),
	}

	allocatorOpts := append([]memoryAlloc.Option{memoryAlloc.WithLogger(o.logger)}, o.allocator...)
	allocator, err := memoryAlloc.NewPageAllocator(cfg, backing, h.driver, h.pool, allocatorOpts...)
	if err != nil {
		h.pool.Stop()
		backing.Close()
		return nil, err
	}
	h.allocator = allocator
	h.objects = memoryAlloc.NewObjectCache(allocator, allocator.Geometry(), 0,
		memoryAlloc.WithPageTracking(h.table.insert, h.table.remove))
	h.driver.start(h)

	if err := allocator.Initialize(); err != nil {
		h.Close()
		return nil, err
	}
	h.logger.Info("heap initialized",
		slog.String("backing", cfg.Backing),
		slog.String("capacity", humanize.IBytes(uint64(allocator.Capacity()))),
		slog.Int("workers", h.pool.Size()))
	return h, nil
}

// Allocator exposes the page allocator.
func (h *Heap) Allocator() *memoryAlloc.PageAllocator {
	return h.allocator
}

// AllocPage allocates a page and registers it in the page table.
func (h *Heap) AllocPage(typ memoryAlloc.PageType, size uintptr, flags memoryAlloc.AllocationFlags) (*memoryAlloc.Page, error) {
	p, err := h.allocator.AllocPage(typ, size, flags)
	if err != nil {
		return nil, err
	}
	h.table.insert(p)
	return p, nil
}

// FreePage unregisters p and gives it back to the allocator.
func (h *Heap) FreePage(p *memoryAlloc.Page, reclaimed bool) {
	h.table.remove(p)
	h.allocator.FreePage(p, reclaimed)
}

// AllocObject allocates size bytes in a page of the matching size class.
func (h *Heap) AllocObject(size uintptr) (uintptr, error) {
	addr, _, err := h.objects.AllocObject(size)
	return addr, err
}

// UndoAllocObject takes back an object that has not been published.
func (h *Heap) UndoAllocObject(addr, size uintptr) bool {
	p := h.table.get(addr)
	if p == nil {
		return false
	}
	return h.objects.UndoAllocObject(p, addr, size)
}

// PageAt returns the allocated page containing addr, or nil.
func (h *Heap) PageAt(addr uintptr) *memoryAlloc.Page {
	return h.table.get(addr)
}

func (h *Heap) MinCapacity() uintptr     { return h.allocator.MinCapacity() }
func (h *Heap) MaxCapacity() uintptr     { return h.allocator.MaxCapacity() }
func (h *Heap) SoftMaxCapacity() uintptr { return h.allocator.SoftMaxCapacity() }
func (h *Heap) Capacity() uintptr        { return h.allocator.Capacity() }
func (h *Heap) Used() uintptr            { return h.allocator.Used() }
func (h *Heap) Unused() uintptr          { return h.allocator.Unused() }

func (h *Heap) Stats() Stats {
	return Stats{
		Stats:    h.allocator.Stats(),
		Geometry: h.allocator.Geometry(),
		Objects:  h.objects.Stats(),
		Pages:    h.table.len(),
		Cycles:   h.driver.Cycles(),
		SeqNum:   h.allocator.SeqNum(),
	}
}

// ResetStatistics starts a new statistics period.
func (h *Heap) ResetStatistics() {
	h.allocator.ResetStatistics()
}

// PagesDo calls fn for every page: allocated pages in address order, then
// the pages held by the allocator. Pages destroyed meanwhile stay valid
// until PagesDo returns.
func (h *Heap) PagesDo(fn func(p *memoryAlloc.Page)) {
	h.allocator.EnableDeferredDelete()
	defer h.allocator.DisableDeferredDelete()
	h.table.do(fn)
	h.allocator.PagesDo(fn)
}

// ThreadsDo calls fn for each background service of the heap.
func (h *Heap) ThreadsDo(fn func(s memoryAlloc.Service)) {
	h.allocator.ThreadsDo(fn)
	fn(h.driver)
}

// ReclaimPages frees every page allocated before the current cycle that
// isGarbage reports dead, and returns the number of bytes freed.
func (h *Heap) ReclaimPages(isGarbage func(p *memoryAlloc.Page) bool) uintptr {
	h.allocator.EnableDeferredDelete()
	defer h.allocator.DisableDeferredDelete()

	var (
		garbage []*memoryAlloc.Page
		freed   uintptr
	)
	for _, p := range h.table.snapshot() {
		if p.IsRelocatable() && isGarbage(p) {
			h.table.remove(p)
			garbage = append(garbage, p)
			freed += p.Size()
		}
	}
	if len(garbage) > 0 {
		h.allocator.FreePages(garbage, true)
		h.logger.Debug("pages reclaimed",
			slog.Int("pages", len(garbage)),
			slog.String("size", humanize.IBytes(uint64(freed))))
	}
	return freed
}

// Collect requests a collection cycle.
func (h *Heap) Collect(cause memoryAlloc.GCCause) {
	h.driver.Collect(cause)
}

// Uncommit wakes the uncommitter.
func (h *Heap) Uncommit() {
	h.allocator.WakeUncommitter()
}

func (h *Heap) DebugMapPage(p *memoryAlloc.Page) error {
	return h.allocator.DebugMapPage(p)
}

func (h *Heap) DebugUnmapPage(p *memoryAlloc.Page) error {
	return h.allocator.DebugUnmapPage(p)
}

// Close stops the cycle driver, the allocator and the worker pool and
// releases the backing.
func (h *Heap) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.driver.Stop()
	if err := h.allocator.Close(); err != nil {
		return err
	}
	h.pool.Stop()
	return h.backing.Close()
}
