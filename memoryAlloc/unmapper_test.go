package memoryAlloc

import (
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/JBossBC/regionheap/config"
)

// twoCachedPages leaves the cache of a 20M heap holding two 10M pages and
// returns them, in the order a flush takes them.
func twoCachedPages(t *testing.T, a *PageAllocator) (*Page, *Page) {
	t.Helper()
	first := mustAlloc(t, a, PageLarge, 10*mb)
	second := mustAlloc(t, a, PageLarge, 10*mb)
	a.FreePage(first, false)
	a.FreePage(second, false)
	return first, second
}

func fixedHeap(limit float64) func(cfg *config.Config) {
	return func(cfg *config.Config) {
		cfg.MinCapacity = 20 * config.M
		cfg.InitialCapacity = 20 * config.M
		cfg.MaxCapacity = 20 * config.M
		cfg.AsyncUnmappingLimit = limit
	}
}

func TestUnmapperSynchronousWhenSaturated(t *testing.T) {
	var buf syncBuffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	a := newTestAllocator(t, fixedHeap(0), WithLogger(logger))

	first, second := twoCachedPages(t, a.PageAllocator)
	p := mustAlloc(t, a.PageAllocator, PageLarge, 14*mb)

	if !first.IsDeleted() || !second.IsDeleted() {
		t.Fatal("flushed pages were not destroyed before the allocation returned")
	}
	if got := a.Stats().Unmapping; got != 0 {
		t.Fatalf("unmapping = %d, want 0", got)
	}
	if n := strings.Count(buf.String(), "could not keep up"); n != 1 {
		t.Fatalf("saturation warned %d times, want once:\n%s", n, buf.String())
	}
	// The 6M left of the second page stays cached and mapped.
	if got := a.backing.MappedBytes(ViewHeap); got != 20*mb {
		t.Fatalf("mapped = %d, want %d", got, 20*mb)
	}
	// All of the first page and the top 4M of the second.
	if got := p.PhysicalMemory().NSegments(); got != 2 {
		t.Fatalf("segments = %d, want 2", got)
	}
}

func TestUnmapperAsynchronous(t *testing.T) {
	a := newTestAllocator(t, fixedHeap(100))

	first, second := twoCachedPages(t, a.PageAllocator)
	mustAlloc(t, a.PageAllocator, PageLarge, 14*mb)

	eventually(t, "flushed pages to be destroyed", func() bool {
		return first.IsDeleted() && second.IsDeleted() && a.Stats().Unmapping == 0
	})
	if got := a.backing.MappedBytes(ViewHeap); got != 20*mb {
		t.Fatalf("mapped = %d, want %d", got, 20*mb)
	}
}

func TestUnmapperDeferredDelete(t *testing.T) {
	a := newTestAllocator(t, fixedHeap(0))

	first, second := twoCachedPages(t, a.PageAllocator)
	a.EnableDeferredDelete()
	mustAlloc(t, a.PageAllocator, PageLarge, 14*mb)

	if first.IsDeleted() || second.IsDeleted() {
		t.Fatal("pages deleted while deferred delete is enabled")
	}
	if got := a.safeDelete.Deferred(); got != 2 {
		t.Fatalf("deferred = %d, want 2", got)
	}
	a.DisableDeferredDelete()
	if !first.IsDeleted() || !second.IsDeleted() {
		t.Fatal("pages not deleted after deferred delete was disabled")
	}
}

func TestUnmapperStopRunsInline(t *testing.T) {
	a := newTestAllocator(t, fixedHeap(100))
	first, second := twoCachedPages(t, a.PageAllocator)

	a.unmapper.Stop()
	mustAlloc(t, a.PageAllocator, PageLarge, 14*mb)
	if !first.IsDeleted() || !second.IsDeleted() {
		t.Fatal("stopped unmapper did not destroy pages inline")
	}
}

func TestUnmapperStopDuringEnqueue(t *testing.T) {
	a := newTestAllocator(t, fixedHeap(100))
	pages := make([]*Page, 10)
	for i := range pages {
		pages[i] = mustAlloc(t, a.PageAllocator, PageSmall, 2*mb)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, p := range pages {
		wg.Add(1)
		go func(p *Page) {
			defer wg.Done()
			<-start
			a.unmapper.UnmapAndDestroyPage(p)
		}(p)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		a.unmapper.Stop()
	}()
	close(start)
	wg.Wait()
	a.unmapper.Stop()

	for i, p := range pages {
		if !p.IsDeleted() {
			t.Fatalf("page %d (%v) left behind by stop", i, p)
		}
	}
	if got := a.unmapper.EnqueuedBytes(); got != 0 {
		t.Fatalf("enqueued = %d after stop, want 0", got)
	}
}
