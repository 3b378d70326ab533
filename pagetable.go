package regionheap

import (
	"sync"

	"github.com/JBossBC/regionheap/memoryAlloc"
	"github.com/google/btree"
)

type pageEntry struct {
	start uintptr
	page  *memoryAlloc.Page
}

func pageEntryLess(a, b pageEntry) bool {
	return a.start < b.start
}

// pageTable maps addresses to the pages handed out by the heap.
type pageTable struct {
	mu    sync.RWMutex
	pages *btree.BTreeG[pageEntry]
}

func newPageTable() *pageTable {
	return &pageTable{pages: btree.NewG[pageEntry](16, pageEntryLess)}
}

func (t *pageTable) insert(p *memoryAlloc.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.pages.ReplaceOrInsert(pageEntry{start: p.Start(), page: p}); found {
		panic("regionheap: page " + p.String() + " inserted twice")
	}
}

func (t *pageTable) remove(p *memoryAlloc.Page) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.pages.Delete(pageEntry{start: p.Start()})
	if !found || e.page != p {
		panic("regionheap: page " + p.String() + " not in page table")
	}
}

// get returns the page whose range contains addr.
func (t *pageTable) get(addr uintptr) *memoryAlloc.Page {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var page *memoryAlloc.Page
	t.pages.DescendLessOrEqual(pageEntry{start: addr}, func(e pageEntry) bool {
		if addr < e.page.End() {
			page = e.page
		}
		return false
	})
	return page
}

func (t *pageTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pages.Len()
}

// do calls fn for each page in address order.
func (t *pageTable) do(fn func(p *memoryAlloc.Page)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	t.pages.Ascend(func(e pageEntry) bool {
		fn(e.page)
		return true
	})
}

func (t *pageTable) snapshot() []*memoryAlloc.Page {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pages := make([]*memoryAlloc.Page, 0, t.pages.Len())
	t.pages.Ascend(func(e pageEntry) bool {
		pages = append(pages, e.page)
		return true
	})
	return pages
}
