package memoryAlloc

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JBossBC/regionheap/config"
	"github.com/JBossBC/regionheap/workers"
	"github.com/cockroachdb/errors"
)

type fakeCollector struct {
	calls atomic.Int64
}

func (c *fakeCollector) Collect(GCCause) {
	c.calls.Add(1)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

type testAllocator struct {
	*PageAllocator
	backing   *MemoryBacking
	collector *fakeCollector
	clock     *fakeClock
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestAllocator builds an initialized allocator with 10M min and initial
// capacity and 100M max, on a memory backing and a fake clock. Uncommit
// only happens on explicit calls.
func newTestAllocator(t *testing.T, configure func(cfg *config.Config), opts ...Option) *testAllocator {
	t.Helper()
	cfg := config.Default()
	cfg.MinCapacity = 10 * config.M
	cfg.InitialCapacity = 10 * config.M
	cfg.MaxCapacity = 100 * config.M
	if configure != nil {
		configure(cfg)
	}
	ta := &testAllocator{
		backing:   NewMemoryBacking(cfg.MaxCapacity.Bytes(), cfg.GranuleSize.Bytes()),
		collector: &fakeCollector{},
		clock:     &fakeClock{now: time.Unix(1_000_000, 0)},
	}
	opts = append([]Option{WithLogger(discardLogger()), WithClock(ta.clock.Now), WithManualUncommit()}, opts...)
	a, err := NewPageAllocator(cfg, ta.backing, ta.collector, nil, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}
	ta.PageAllocator = a
	return ta
}

func checkBudget(t *testing.T, a *PageAllocator) {
	t.Helper()
	used, claimed, capacity := a.Used(), a.Claimed(), a.Capacity()
	current, max := a.CurrentMaxCapacity(), a.MaxCapacity()
	if used+claimed > capacity || capacity > current || current > max {
		t.Fatalf("budget broken: used %d + claimed %d, capacity %d, current max %d, max %d",
			used, claimed, capacity, current, max)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type allocResult struct {
	page *Page
	err  error
}

func allocAsync(a *PageAllocator, typ PageType, size uintptr) <-chan allocResult {
	ch := make(chan allocResult, 1)
	go func() {
		p, err := a.AllocPage(typ, size, 0)
		ch <- allocResult{p, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan allocResult) allocResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("allocation did not complete")
	}
	return allocResult{}
}

func mustAlloc(t *testing.T, a *PageAllocator, typ PageType, size uintptr) *Page {
	t.Helper()
	p, err := a.AllocPage(typ, size, NonBlocking)
	if err != nil {
		t.Fatalf("alloc %s %d: %v", typ, size, err)
	}
	return p
}

func TestInitializePrimesCache(t *testing.T) {
	a := newTestAllocator(t, nil)

	if a.Capacity() != 10*mb || a.Used() != 0 {
		t.Fatalf("capacity %d used %d, want 10M and 0", a.Capacity(), a.Used())
	}
	var cached []*Page
	a.PagesDo(func(p *Page) {
		cached = append(cached, p)
	})
	if len(cached) != 1 || cached[0].Start() != 0 || cached[0].Size() != 10*mb {
		t.Fatalf("cached pages = %v, want one 10M page at address 0", cached)
	}
	if got := a.backing.CommittedBytes(); got != 10*mb {
		t.Fatalf("committed = %d, want %d", got, 10*mb)
	}
	if got := a.backing.MappedBytes(ViewHeap); got != 10*mb {
		t.Fatalf("mapped = %d, want %d", got, 10*mb)
	}
	if s := a.Stats(); s.Allocated != 0 || s.AllocationRate != 0 {
		t.Fatalf("priming counted as allocation: %+v", s)
	}
}

func TestInitializePretouch(t *testing.T) {
	pool := workers.New(workers.WithConcurrencyNumber(3), workers.WithLogger(discardLogger()))
	defer pool.Stop()

	cfg := config.Default()
	cfg.MinCapacity = 10 * config.M
	cfg.InitialCapacity = 10 * config.M
	cfg.MaxCapacity = 100 * config.M
	cfg.AlwaysPretouch = true
	backing := NewMemoryBacking(cfg.MaxCapacity.Bytes(), cfg.GranuleSize.Bytes())
	a, err := NewPageAllocator(cfg, backing, &fakeCollector{}, pool, WithLogger(discardLogger()), WithManualUncommit())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}
	for addr := uintptr(0); addr < 10*mb; addr += 2 * mb {
		if got := backing.Touched(addr); got != 1 {
			t.Fatalf("granule %#x touched %d times, want 1", addr, got)
		}
	}
}

func TestAllocFailsFastWhenNonBlocking(t *testing.T) {
	a := newTestAllocator(t, nil)

	mustAlloc(t, a.PageAllocator, PageLarge, 60*mb)
	p, err := a.AllocPage(PageLarge, 60*mb, NonBlocking)
	if p != nil || !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("second alloc = %v, %v, want ErrCapacityExceeded", p, err)
	}
	if a.Used() != 60*mb {
		t.Fatalf("used = %d, want %d", a.Used(), 60*mb)
	}
	if a.StalledCount() != 0 || a.collector.calls.Load() != 0 {
		t.Fatal("non-blocking allocation stalled")
	}
	checkBudget(t, a.PageAllocator)
}

func TestUncommitDownToRetained(t *testing.T) {
	a := newTestAllocator(t, nil)

	mustAlloc(t, a.PageAllocator, PageLarge, 10*mb)
	big := mustAlloc(t, a.PageAllocator, PageLarge, 40*mb)
	a.FreePage(big, true)
	if a.Used() != 10*mb || a.Capacity() != 50*mb {
		t.Fatalf("used %d capacity %d, want 10M and 50M", a.Used(), a.Capacity())
	}

	a.clock.Advance(301 * time.Second)
	first, _ := a.Uncommit(0)
	if first != 2*mb {
		t.Fatalf("first chunk = %d, want %d", first, 2*mb)
	}
	total := first
	for {
		n, _ := a.Uncommit(0)
		if n == 0 {
			break
		}
		total += n
		checkBudget(t, a.PageAllocator)
	}
	if total != 40*mb {
		t.Fatalf("uncommitted %d, want %d", total, 40*mb)
	}
	if a.Capacity() != 10*mb || a.Claimed() != 0 {
		t.Fatalf("capacity %d claimed %d, want 10M and 0", a.Capacity(), a.Claimed())
	}
	if got := a.backing.CommittedBytes(); got != 10*mb {
		t.Fatalf("backing committed = %d, want %d", got, 10*mb)
	}
}

func TestUncommitWaitsForDelay(t *testing.T) {
	a := newTestAllocator(t, nil)

	p := mustAlloc(t, a.PageAllocator, PageLarge, 20*mb)
	a.FreePage(p, true)

	a.clock.Advance(100 * time.Second)
	n, timeout := a.Uncommit(0)
	if n != 0 || timeout != 200*time.Second {
		t.Fatalf("Uncommit = %d, %v, want 0 and 200s", n, timeout)
	}

	a.clock.Advance(201 * time.Second)
	total := uintptr(0)
	for {
		n, _ := a.Uncommit(timeout)
		if n == 0 {
			break
		}
		total += n
	}
	if total != 20*mb || a.Capacity() != 10*mb {
		t.Fatalf("uncommitted %d to capacity %d, want 20M to 10M", total, a.Capacity())
	}
}

func TestUncommitDisabled(t *testing.T) {
	a := newTestAllocator(t, func(cfg *config.Config) {
		cfg.Uncommit = false
	})
	p := mustAlloc(t, a.PageAllocator, PageLarge, 20*mb)
	a.FreePage(p, true)
	a.clock.Advance(time.Hour)

	if a.UncommitEnabled() {
		t.Fatal("uncommit enabled against configuration")
	}
	if n, _ := a.Uncommit(0); n != 0 {
		t.Fatalf("uncommitted %d with uncommit disabled", n)
	}
}

func TestStalledAllocSatisfiedByFree(t *testing.T) {
	a := newTestAllocator(t, nil)

	small := mustAlloc(t, a.PageAllocator, PageLarge, 20*mb)
	mustAlloc(t, a.PageAllocator, PageLarge, 70*mb)
	if a.Used() != 90*mb {
		t.Fatalf("used = %d, want %d", a.Used(), 90*mb)
	}

	ch := allocAsync(a.PageAllocator, PageLarge, 30*mb)
	eventually(t, "allocation to stall", func() bool { return a.StalledCount() == 1 })

	a.FreePage(small, true)
	r := await(t, ch)
	if r.err != nil {
		t.Fatal(r.err)
	}
	if r.page.Size() != 30*mb {
		t.Fatalf("page size = %d, want %d", r.page.Size(), 30*mb)
	}
	if a.Used() != 100*mb || a.StalledCount() != 0 {
		t.Fatalf("used %d stalled %d, want 100M and 0", a.Used(), a.StalledCount())
	}
	if s := a.Stats(); s.Stalls != 1 {
		t.Fatalf("stalls = %d, want 1", s.Stalls)
	}
	checkBudget(t, a.PageAllocator)
}

func TestStalledAllocFailsAfterCycle(t *testing.T) {
	a := newTestAllocator(t, nil)
	mustAlloc(t, a.PageAllocator, PageLarge, 100*mb)

	ch := allocAsync(a.PageAllocator, PageLarge, 10*mb)
	eventually(t, "allocation to stall", func() bool {
		return a.StalledCount() == 1 && a.collector.calls.Load() == 1
	})

	// The cycle that just ended started before the request: it gets another.
	a.CheckOutOfMemory()
	eventually(t, "second collection request", func() bool { return a.collector.calls.Load() == 2 })
	if a.StalledCount() != 1 {
		t.Fatal("request left the stall queue after its first cycle")
	}

	a.BeginCycle()
	a.CheckOutOfMemory()
	r := await(t, ch)
	if r.page != nil || !errors.Is(r.err, ErrOutOfMemory) {
		t.Fatalf("stalled alloc = %v, %v, want ErrOutOfMemory", r.page, r.err)
	}
	if a.StalledCount() != 0 || a.collector.calls.Load() != 2 {
		t.Fatalf("stalled %d collections %d, want 0 and 2", a.StalledCount(), a.collector.calls.Load())
	}
}

func TestStallQueueIsFIFO(t *testing.T) {
	setup := func(t *testing.T) (*testAllocator, *Page, *Page) {
		a := newTestAllocator(t, nil)
		first := mustAlloc(t, a.PageAllocator, PageLarge, 20*mb)
		mustAlloc(t, a.PageAllocator, PageLarge, 70*mb)
		last := mustAlloc(t, a.PageAllocator, PageLarge, 10*mb)
		if a.Used() != 100*mb {
			t.Fatalf("used = %d, want %d", a.Used(), 100*mb)
		}
		return a, first, last
	}

	t.Run("first request wins", func(t *testing.T) {
		a, twenty, _ := setup(t)
		r1 := allocAsync(a.PageAllocator, PageLarge, 20*mb)
		eventually(t, "first stall", func() bool { return a.StalledCount() == 1 })
		r2 := allocAsync(a.PageAllocator, PageLarge, 20*mb)
		eventually(t, "second stall", func() bool { return a.StalledCount() == 2 })

		a.FreePage(twenty, true)
		got := await(t, r1)
		if got.err != nil || got.page != twenty {
			t.Fatalf("first request = %v, %v, want the freed page", got.page, got.err)
		}
		if a.StalledCount() != 1 {
			t.Fatalf("stalled = %d, want the second request", a.StalledCount())
		}
		select {
		case r := <-r2:
			t.Fatalf("second request completed: %v, %v", r.page, r.err)
		default:
		}
	})

	t.Run("head of queue blocks", func(t *testing.T) {
		a, twenty, ten := setup(t)
		r1 := allocAsync(a.PageAllocator, PageLarge, 30*mb)
		eventually(t, "first stall", func() bool { return a.StalledCount() == 1 })
		r2 := allocAsync(a.PageAllocator, PageLarge, 10*mb)
		eventually(t, "second stall", func() bool { return a.StalledCount() == 2 })

		// Enough for the second request but not the first.
		a.FreePage(twenty, true)
		if a.StalledCount() != 2 {
			t.Fatalf("stalled = %d, want both requests", a.StalledCount())
		}

		a.FreePage(ten, true)
		got := await(t, r1)
		if got.err != nil || got.page.Size() != 30*mb {
			t.Fatalf("first request = %v, %v", got.page, got.err)
		}
		if a.StalledCount() != 1 {
			t.Fatalf("stalled = %d, want the second request", a.StalledCount())
		}
		select {
		case r := <-r2:
			t.Fatalf("second request completed: %v, %v", r.page, r.err)
		default:
		}
	})
}

func TestCloseFailsStalledAllocs(t *testing.T) {
	a := newTestAllocator(t, nil)
	mustAlloc(t, a.PageAllocator, PageLarge, 100*mb)

	ch := allocAsync(a.PageAllocator, PageSmall, 2*mb)
	eventually(t, "allocation to stall", func() bool { return a.StalledCount() == 1 })
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if r := await(t, ch); !errors.Is(r.err, ErrClosed) {
		t.Fatalf("stalled alloc error = %v, want ErrClosed", r.err)
	}
	if _, err := a.AllocPage(PageSmall, 2*mb, NonBlocking); !errors.Is(err, ErrClosed) {
		t.Fatalf("alloc after close error = %v, want ErrClosed", err)
	}
}

func TestFreedPageIsReused(t *testing.T) {
	a := newTestAllocator(t, nil)

	p := mustAlloc(t, a.PageAllocator, PageSmall, 2*mb)
	p.AllocObject(128)
	a.FreePage(p, false)
	again := mustAlloc(t, a.PageAllocator, PageSmall, 2*mb)
	if again != p {
		t.Fatalf("got %v, want the page just freed", again)
	}
	if again.Top() != again.Start() {
		t.Fatal("reused page was not reset")
	}
	if hits := a.Stats().CacheHits; hits.L1 != 1 || hits.L3 != 1 {
		t.Fatalf("cache hits = %+v, want one split and one exact hit", hits)
	}
}

func TestSmallPageIsMovedToLowAddress(t *testing.T) {
	a := newTestAllocator(t, func(cfg *config.Config) {
		cfg.MinCapacity = 0
		cfg.InitialCapacity = 0
	})

	large := mustAlloc(t, a.PageAllocator, PageLarge, 10*mb)
	reserved := a.virtual.Reserved()
	if large.Start() < reserved/2 {
		t.Fatalf("large page at %#x, want the upper half of %#x", large.Start(), reserved)
	}
	a.FreePage(large, false)

	small := mustAlloc(t, a.PageAllocator, PageSmall, 2*mb)
	if small.Start() != 0 {
		t.Fatalf("small page at %#x, want 0", small.Start())
	}
	if a.Capacity() != 10*mb || a.Used() != 2*mb {
		t.Fatalf("capacity %d used %d, want 10M and 2M", a.Capacity(), a.Used())
	}
	if off, ok := a.backing.Mapping(ViewHeap, 0); !ok || off >= 10*mb {
		t.Fatalf("small page maps to %#x, %v", off, ok)
	}
	eventually(t, "old shell to be unmapped", func() bool { return a.Stats().Unmapping == 0 })
}

func TestPartialCommitIsSalvaged(t *testing.T) {
	a := newTestAllocator(t, func(cfg *config.Config) {
		cfg.MinCapacity = 0
		cfg.InitialCapacity = 0
	})
	a.backing.SetCommitLimit(30 * mb)

	p, err := a.AllocPage(PageLarge, 40*mb, NonBlocking)
	if p != nil || !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("alloc = %v, %v, want ErrCapacityExceeded", p, err)
	}
	if a.CurrentMaxCapacity() != 30*mb || a.Capacity() != 30*mb || a.Used() != 0 {
		t.Fatalf("current max %d capacity %d used %d, want 30M, 30M and 0",
			a.CurrentMaxCapacity(), a.Capacity(), a.Used())
	}
	if a.SoftMaxCapacity() != 30*mb {
		t.Fatalf("soft max = %d, want the lowered max", a.SoftMaxCapacity())
	}
	checkBudget(t, a.PageAllocator)

	salvaged := mustAlloc(t, a.PageAllocator, PageLarge, 30*mb)
	if got := a.backing.CommittedBytes(); got != 30*mb {
		t.Fatalf("committed = %d, want the salvaged 30M only", got)
	}
	if salvaged.PhysicalMemory().Size() != 30*mb {
		t.Fatalf("salvaged page holds %d bytes", salvaged.PhysicalMemory().Size())
	}
}

func TestStatisticsAndReset(t *testing.T) {
	a := newTestAllocator(t, nil)
	a.ResetStatistics()

	large := mustAlloc(t, a.PageAllocator, PageLarge, 20*mb)
	mustAlloc(t, a.PageAllocator, PageSmall, 2*mb)
	a.FreePage(large, true)
	reloc, err := a.AllocPage(PageLarge, 4*mb, NonBlocking|WorkerRelocation)
	if err != nil {
		t.Fatal(err)
	}

	s := a.Stats()
	if s.Allocated != 26*int64(mb) || s.Reclaimed != 16*int64(mb) {
		t.Fatalf("allocated %d reclaimed %d, want 26M and 16M", s.Allocated, s.Reclaimed)
	}
	if s.UsedHigh != 22*mb || s.UsedLow != 0 || s.Used != 6*mb {
		t.Fatalf("used %d high %d low %d, want 6M, 22M and 0", s.Used, s.UsedHigh, s.UsedLow)
	}
	if s.AllocationRate != 22*uint64(mb) {
		t.Fatalf("allocation rate = %d, want worker relocation excluded", s.AllocationRate)
	}

	a.FreePage(reloc, false)
	a.ResetStatistics()
	s = a.Stats()
	if s.Allocated != 0 || s.Reclaimed != 0 || s.UsedHigh != 2*mb || s.UsedLow != 2*mb {
		t.Fatalf("after reset: %+v", s)
	}
}

func TestInvalidPageRequests(t *testing.T) {
	a := newTestAllocator(t, func(cfg *config.Config) {
		cfg.MediumPageSize = 0
	})
	tests := []struct {
		name string
		typ  PageType
		size uintptr
	}{
		{"small of wrong size", PageSmall, 4 * mb},
		{"medium disabled", PageMedium, 32 * mb},
		{"empty large", PageLarge, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p, err := a.AllocPage(tt.typ, tt.size, NonBlocking); p != nil || err == nil {
				t.Fatalf("got %v, %v, want an error", p, err)
			}
		})
	}

	p := mustAlloc(t, a.PageAllocator, PageLarge, 3*mb)
	if p.Size() != 4*mb {
		t.Fatalf("large page size = %d, want rounded up to %d", p.Size(), 4*mb)
	}
}

func TestDebugMapPage(t *testing.T) {
	a := newTestAllocator(t, nil)
	p := mustAlloc(t, a.PageAllocator, PageLarge, 4*mb)

	if err := a.DebugMapPage(p); err != nil {
		t.Fatal(err)
	}
	if got := a.backing.MappedBytes(ViewDebug); got != 4*mb {
		t.Fatalf("debug view maps %d bytes, want %d", got, 4*mb)
	}
	if err := a.DebugUnmapPage(p); err != nil {
		t.Fatal(err)
	}
	if got := a.backing.MappedBytes(ViewDebug); got != 0 {
		t.Fatalf("debug view maps %d bytes after unmap", got)
	}
}

func TestThreadsDo(t *testing.T) {
	a := newTestAllocator(t, nil)
	var names []string
	a.ThreadsDo(func(s Service) {
		names = append(names, s.Name())
	})
	if len(names) != 2 || names[0] != "Unmapper" || names[1] != "Uncommitter" {
		t.Fatalf("services = %v", names)
	}
}

func TestUncommitterService(t *testing.T) {
	cfg := config.Default()
	cfg.MinCapacity = 10 * config.M
	cfg.InitialCapacity = 10 * config.M
	cfg.MaxCapacity = 100 * config.M
	cfg.UncommitDelay = 0
	backing := NewMemoryBacking(cfg.MaxCapacity.Bytes(), cfg.GranuleSize.Bytes())
	a, err := NewPageAllocator(cfg, backing, &fakeCollector{}, nil, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := a.Initialize(); err != nil {
		t.Fatal(err)
	}

	p := mustAlloc(t, a, PageLarge, 30*mb)
	a.FreePage(p, true)
	a.WakeUncommitter()
	eventually(t, "capacity to shrink to min", func() bool {
		s := a.Stats()
		return s.Capacity == 10*mb && s.Uncommitted == 30*uint64(mb)
	})
	if got := backing.CommittedBytes(); got != 10*mb {
		t.Fatalf("backing committed = %d, want %d", got, 10*mb)
	}
}

func TestBudgetHoldsUnderConcurrentUse(t *testing.T) {
	a := newTestAllocator(t, func(cfg *config.Config) {
		cfg.UncommitDelay = 0
	})

	requests := []struct {
		typ  PageType
		size uintptr
	}{
		{PageSmall, 2 * mb},
		{PageMedium, 32 * mb},
		{PageLarge, 4 * mb},
		{PageLarge, 6 * mb},
	}
	const (
		goroutines = 8
		perWorker  = 1000
	)

	var (
		wg       sync.WaitGroup
		stop     = make(chan struct{})
		violated atomic.Value
	)
	report := func(format string, args ...any) {
		violated.CompareAndSwap(nil, errors.Newf(format, args...).Error())
	}
	check := func() {
		a.lock.Lock()
		defer a.lock.Unlock()
		used, claimed, capacity := a.used.Load(), a.claimed.Load(), a.capacity.Load()
		current := a.currentMaxCapacity.Load()
		if used+claimed > capacity || capacity > current || current > a.maxCapacity {
			report("used %d + claimed %d, capacity %d, current max %d", used, claimed, capacity, current)
		}
	}

	checker := make(chan struct{})
	go func() {
		defer close(checker)
		for {
			select {
			case <-stop:
				return
			default:
				check()
			}
		}
	}()
	uncommitter := make(chan struct{})
	go func() {
		defer close(uncommitter)
		for i := 0; i < 200; i++ {
			a.Uncommit(time.Second)
		}
	}()

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var held []*Page
			for i := 0; i < perWorker; i++ {
				r := requests[(g+i)%len(requests)]
				p, err := a.AllocPage(r.typ, r.size, NonBlocking)
				switch {
				case errors.Is(err, ErrCapacityExceeded):
				case err != nil:
					report("alloc %s %d: %v", r.typ, r.size, err)
					return
				case p.Type() != r.typ || p.Size() != r.size || p.Top() != p.Start():
					report("got %v for a %s page of %d", p, r.typ, r.size)
					return
				default:
					held = append(held, p)
				}
				if len(held) > 1 || (len(held) == 1 && i%3 == 0) {
					a.FreePage(held[0], false)
					held = held[1:]
				}
			}
			for _, p := range held {
				a.FreePage(p, false)
			}
		}(g)
	}
	wg.Wait()
	<-uncommitter
	close(stop)
	<-checker

	if v := violated.Load(); v != nil {
		t.Fatal(v)
	}
	check()
	if a.Used() != 0 || a.Claimed() != 0 {
		t.Fatalf("used %d, claimed %d after everything was freed", a.Used(), a.Claimed())
	}
	checkBudget(t, a.PageAllocator)
}
