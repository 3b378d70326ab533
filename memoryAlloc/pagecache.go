package memoryAlloc

import (
	"sync/atomic"
	"time"
)

// PageCacheHits counts where cache allocations were served from.
type PageCacheHits struct {
	L1   uint64 `json:"l1"`
	L2   uint64 `json:"l2"`
	L3   uint64 `json:"l3"`
	Miss uint64 `json:"miss"`
}

// PageCache holds freed pages for reuse. It is not safe for concurrent use;
// the page allocator serializes every call under its lock.
type PageCache struct {
	layout *pageLayout
	numa   NUMA
	delay  time.Duration

	small  []pageList
	medium pageList
	large  pageList

	// smallFlushNext is the NUMA node the next small-page flush starts at.
	smallFlushNext int
	lastCommit     time.Time

	l1, l2, l3, miss atomic.Uint64
}

func newPageCache(layout *pageLayout, numa NUMA, uncommitDelay time.Duration) *PageCache {
	return &PageCache{
		layout: layout,
		numa:   numa,
		delay:  uncommitDelay,
		small:  make([]pageList, numa.Count()),
	}
}

func (c *PageCache) allocSmallPage() *Page {
	id := c.numa.ID()
	if p := c.small[id].RemoveFirst(); p != nil {
		c.l1.Add(1)
		return p
	}
	count := len(c.small)
	remote := id
	for i := 1; i < count; i++ {
		remote++
		if remote == count {
			remote = 0
		}
		if p := c.small[remote].RemoveFirst(); p != nil {
			c.l2.Add(1)
			return p
		}
	}
	return nil
}

func (c *PageCache) allocMediumPage() *Page {
	if p := c.medium.RemoveFirst(); p != nil {
		c.l1.Add(1)
		return p
	}
	return nil
}

func (c *PageCache) allocLargePage(size uintptr) *Page {
	for p := c.large.First(); p != nil; p = c.large.Next(p) {
		if p.Size() == size {
			c.large.Remove(p)
			c.l1.Add(1)
			return p
		}
	}
	return nil
}

func (c *PageCache) allocOversizedMediumPage(size uintptr) *Page {
	if c.layout.mediumSize != 0 && size <= c.layout.mediumSize {
		return c.medium.RemoveFirst()
	}
	return nil
}

func (c *PageCache) allocOversizedLargePage(size uintptr) *Page {
	for p := c.large.First(); p != nil; p = c.large.Next(p) {
		if p.Size() >= size {
			c.large.Remove(p)
			return p
		}
	}
	return nil
}

func (c *PageCache) allocOversizedPage(size uintptr) *Page {
	if p := c.allocOversizedLargePage(size); p != nil {
		return p
	}
	return c.allocOversizedMediumPage(size)
}

// AllocPage returns a cached page of exactly typ and size, or nil. When the
// matching list is empty a larger cached page is split, or retyped if it
// already has the right size.
func (c *PageCache) AllocPage(typ PageType, size uintptr) *Page {
	var p *Page
	switch typ {
	case PageSmall:
		p = c.allocSmallPage()
	case PageMedium:
		p = c.allocMediumPage()
	default:
		p = c.allocLargePage(size)
	}
	if p != nil {
		return p
	}

	oversized := c.allocOversizedPage(size)
	if oversized == nil {
		c.miss.Add(1)
		return nil
	}
	if oversized.Size() > size {
		p = oversized.SplitAs(typ, size)
		c.FreePage(oversized)
	} else if oversized.Type() != typ {
		p = oversized.Retype(typ)
	} else {
		p = oversized
	}
	c.l3.Add(1)
	return p
}

// FreePage inserts p at the front of its list.
func (c *PageCache) FreePage(p *Page) {
	switch p.Type() {
	case PageSmall:
		c.small[p.NUMAID()].InsertFirst(p)
	case PageMedium:
		c.medium.InsertFirst(p)
	default:
		c.large.InsertFirst(p)
	}
}

// flushFilter decides, page by page from the cold end of a list, whether a
// page is flushed. A rejection ends the flush of that list.
type flushFilter interface {
	doPage(p *Page) bool
	flushed() uintptr
	requested() uintptr
	trim(over uintptr)
}

func (c *PageCache) flushListInner(f flushFilter, from, to *pageList) bool {
	p := from.Last()
	if p == nil || !f.doPage(p) {
		return false
	}
	from.Remove(p)
	to.InsertLast(p)
	return true
}

func (c *PageCache) flushList(f flushFilter, from, to *pageList) {
	for c.flushListInner(f, from, to) {
	}
}

func (c *PageCache) flushPerNUMALists(f flushFilter, from []pageList, to *pageList) {
	count := len(from)
	next := c.smallFlushNext
	done := 0
	for done < count {
		if c.flushListInner(f, &from[next], to) {
			done = 0
		} else {
			done++
		}
		next++
		if next == count {
			next = 0
		}
	}
	c.smallFlushNext = next
}

func (c *PageCache) flush(f flushFilter, to *pageList) {
	c.flushList(f, &c.large, to)
	c.flushList(f, &c.medium, to)
	c.flushPerNUMALists(f, c.small, to)

	if f.flushed() > f.requested() {
		// Give the part of the last page we did not ask for back.
		over := f.flushed() - f.requested()
		reinsert := to.Last().Split(over)
		c.FreePage(reinsert)
		f.trim(over)
	}
}

type flushForAllocation struct {
	want, got uintptr
}

func (f *flushForAllocation) doPage(p *Page) bool {
	if f.got < f.want {
		f.got += p.Size()
		return true
	}
	return false
}

func (f *flushForAllocation) flushed() uintptr   { return f.got }
func (f *flushForAllocation) requested() uintptr { return f.want }
func (f *flushForAllocation) trim(over uintptr)  { f.got -= over }

// FlushForAllocation moves exactly requested bytes of cached pages, coarsest
// first, to the back of to. The caller must know the cache holds at least
// that much.
func (c *PageCache) FlushForAllocation(requested uintptr, to *pageList) uintptr {
	f := &flushForAllocation{want: requested}
	c.flush(f, to)
	return f.got
}

type flushForUncommit struct {
	want, got uintptr
	now       time.Time
	delay     time.Duration
	timeout   *time.Duration
}

func (f *flushForUncommit) doPage(p *Page) bool {
	expires := p.LastUsed().Add(f.delay)
	if expires.After(f.now) {
		if remaining := expires.Sub(f.now); remaining < *f.timeout {
			*f.timeout = remaining
		}
		return false
	}
	if f.got >= f.want {
		return false
	}
	f.got += p.Size()
	return true
}

func (f *flushForUncommit) flushed() uintptr   { return f.got }
func (f *flushForUncommit) requested() uintptr { return f.want }
func (f *flushForUncommit) trim(over uintptr)  { f.got -= over }

// FlushForUncommit moves up to requested bytes of pages that have been
// unused for at least the uncommit delay to to. Nothing is flushed while
// the last commit is younger than the delay. timeout is set to how long
// the caller should wait before the next attempt.
func (c *PageCache) FlushForUncommit(requested uintptr, to *pageList, now time.Time, timeout *time.Duration) uintptr {
	if expires := c.lastCommit.Add(c.delay); expires.After(now) {
		*timeout = expires.Sub(now)
		return 0
	}
	*timeout = c.delay
	if requested == 0 {
		return 0
	}
	f := &flushForUncommit{want: requested, now: now, delay: c.delay, timeout: timeout}
	c.flush(f, to)
	return f.got
}

// SetLastCommit records the time capacity last grew.
func (c *PageCache) SetLastCommit(now time.Time) {
	c.lastCommit = now
}

// PagesDo calls fn for every cached page.
func (c *PageCache) PagesDo(fn func(p *Page)) {
	for i := range c.small {
		c.small[i].Do(fn)
	}
	c.medium.Do(fn)
	c.large.Do(fn)
}

// Len is the number of cached pages.
func (c *PageCache) Len() int {
	n := c.medium.Len() + c.large.Len()
	for i := range c.small {
		n += c.small[i].Len()
	}
	return n
}

func (c *PageCache) Hits() PageCacheHits {
	return PageCacheHits{
		L1:   c.l1.Load(),
		L2:   c.l2.Load(),
		L3:   c.l3.Load(),
		Miss: c.miss.Load(),
	}
}
