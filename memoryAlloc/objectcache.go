package memoryAlloc

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
)

// PageSource hands out and takes back pages for an ObjectCache.
type PageSource interface {
	AllocPage(typ PageType, size uintptr, flags AllocationFlags) (*Page, error)
	FreePage(p *Page, reclaimed bool)
}

// ObjectCacheStats counts the work of an ObjectCache.
type ObjectCacheStats struct {
	Objects     uint64 `json:"objects"`
	Bytes       uint64 `json:"bytes"`
	Undone      uint64 `json:"undone"`
	PagesTaken  uint64 `json:"pages_taken"`
	PagesReturn uint64 `json:"pages_returned"`
}

type ObjectCacheOption func(c *ObjectCache)

// WithPageTracking registers callbacks for pages entering and leaving use.
// publish sees a page once it holds an object handed out to a caller;
// release sees a published page right before it is given back. Pages taken
// and returned without ever holding an object are not reported.
func WithPageTracking(publish, release func(p *Page)) ObjectCacheOption {
	return func(c *ObjectCache) {
		c.publish = publish
		c.release = release
	}
}

// ObjectCache bump allocates objects out of pages. Small and medium objects
// share one current page per type, replaced when it fills up; a large
// object gets a page of its own. It is safe for concurrent use.
type ObjectCache struct {
	source   PageSource
	geometry Geometry
	flags    AllocationFlags

	publish func(p *Page)
	release func(p *Page)

	// cycle is held shared while a shared page is bumped or installed and
	// exclusively by StartCycle. Page allocation happens outside of it,
	// since a stalled allocation waits for a cycle.
	cycle sync.RWMutex

	smallObjectMax  uintptr
	mediumObjectMax uintptr

	// shared holds the current small and medium page.
	shared [PageMedium + 1]atomic.Pointer[Page]

	objects     atomic.Uint64
	bytes       atomic.Uint64
	undone      atomic.Uint64
	pagesTaken  atomic.Uint64
	pagesReturn atomic.Uint64
}

// NewObjectCache returns a cache allocating pages from source with flags.
// Objects up to an eighth of a small page go to small pages, objects up to
// an eighth of a medium page to medium pages.
func NewObjectCache(source PageSource, geometry Geometry, flags AllocationFlags, opts ...ObjectCacheOption) *ObjectCache {
	c := &ObjectCache{
		source:         source,
		geometry:       geometry,
		flags:          flags,
		publish:        func(*Page) {},
		release:        func(*Page) {},
		smallObjectMax: geometry.SmallPageSize / 8,
	}
	if geometry.MediumPageSize != 0 {
		c.mediumObjectMax = geometry.MediumPageSize / 8
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageTypeFor is the type of page an object of size bytes is allocated in.
func (c *ObjectCache) PageTypeFor(size uintptr) PageType {
	switch {
	case size <= c.smallObjectMax:
		return PageSmall
	case size <= c.mediumObjectMax:
		return PageMedium
	}
	return PageLarge
}

// AllocObject allocates size bytes and returns the object's address and
// the page it lives in.
func (c *ObjectCache) AllocObject(size uintptr) (uintptr, *Page, error) {
	if size == 0 {
		return 0, nil, errors.New("object of zero bytes")
	}
	var (
		addr uintptr
		page *Page
		err  error
	)
	switch typ := c.PageTypeFor(size); typ {
	case PageSmall:
		addr, page, err = c.allocShared(typ, c.geometry.SmallPageSize, size)
	case PageMedium:
		addr, page, err = c.allocShared(typ, c.geometry.MediumPageSize, size)
	default:
		addr, page, err = c.allocLarge(size)
	}
	if err != nil {
		return 0, nil, err
	}
	c.objects.Add(1)
	c.bytes.Add(uint64(size))
	return addr, page, nil
}

func (c *ObjectCache) allocPage(typ PageType, size uintptr) (*Page, error) {
	p, err := c.source.AllocPage(typ, size, c.flags)
	if err != nil {
		return nil, errors.Wrapf(err, "%s page for object", typ)
	}
	c.pagesTaken.Add(1)
	return p, nil
}

func (c *ObjectCache) allocLarge(size uintptr) (uintptr, *Page, error) {
	p, err := c.allocPage(PageLarge, alignUp(size, c.geometry.Granule))
	if err != nil {
		return 0, nil, err
	}
	addr, _ := p.AllocObject(size)
	c.cycle.RLock()
	c.publish(p)
	c.cycle.RUnlock()
	return addr, p, nil
}

func (c *ObjectCache) allocShared(typ PageType, pageSize, size uintptr) (uintptr, *Page, error) {
	slot := &c.shared[typ]
	c.cycle.RLock()
	if current := slot.Load(); current != nil {
		if addr, ok := current.AllocObjectAtomic(size); ok {
			c.cycle.RUnlock()
			return addr, current, nil
		}
	}
	c.cycle.RUnlock()

	fresh, err := c.allocPage(typ, pageSize)
	if err != nil {
		return 0, nil, err
	}
	// Not yet published, so a plain bump is enough.
	addr, ok := fresh.AllocObject(size)
	if !ok {
		panic(errors.AssertionFailedf("object of %s does not fit an empty %s page",
			humanize.IBytes(uint64(size)), typ))
	}

	c.cycle.RLock()
	defer c.cycle.RUnlock()
	if !fresh.IsAllocating() {
		// A cycle started while the page was allocated. It keeps this one
		// object but never becomes current, so every current page belongs
		// to the running cycle.
		c.publish(fresh)
		return addr, fresh, nil
	}
	for {
		current := slot.Load()
		if current != nil {
			if prev, ok := current.AllocObjectAtomic(size); ok {
				// Someone else installed a page with room first.
				fresh.UndoAllocObject(addr, size)
				c.source.FreePage(fresh, false)
				c.pagesReturn.Add(1)
				return prev, current, nil
			}
		}
		if slot.CompareAndSwap(current, fresh) {
			c.publish(fresh)
			return addr, fresh, nil
		}
	}
}

// UndoAllocObject takes back the object at addr in p. A large object gives
// its page back; in a shared page only the most recent object can be
// undone, anything else is left as garbage.
func (c *ObjectCache) UndoAllocObject(p *Page, addr, size uintptr) bool {
	if p.Type() == PageLarge {
		c.release(p)
		c.source.FreePage(p, false)
		c.pagesReturn.Add(1)
		c.undone.Add(1)
		return true
	}
	if !p.UndoAllocObjectAtomic(addr, size) {
		return false
	}
	c.undone.Add(1)
	return true
}

// Retire drops the current shared pages so the next objects go into pages
// taken in the new cycle. The retired pages stay with their owner.
func (c *ObjectCache) Retire() {
	c.cycle.Lock()
	defer c.cycle.Unlock()
	c.retire()
}

func (c *ObjectCache) retire() {
	for i := range c.shared {
		c.shared[i].Store(nil)
	}
}

// StartCycle runs begin and retires the shared pages with no object
// allocation in flight. Once it returns, no goroutine can bump or install a
// page taken before the cycle started.
func (c *ObjectCache) StartCycle(begin func() uint32) uint32 {
	c.cycle.Lock()
	defer c.cycle.Unlock()
	seqnum := begin()
	c.retire()
	return seqnum
}

// Current returns the shared page objects of typ go to next, or nil.
func (c *ObjectCache) Current(typ PageType) *Page {
	if typ > PageMedium {
		return nil
	}
	return c.shared[typ].Load()
}

func (c *ObjectCache) Stats() ObjectCacheStats {
	return ObjectCacheStats{
		Objects:     c.objects.Load(),
		Bytes:       c.bytes.Load(),
		Undone:      c.undone.Load(),
		PagesTaken:  c.pagesTaken.Load(),
		PagesReturn: c.pagesReturn.Load(),
	}
}
