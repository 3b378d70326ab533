package memoryAlloc

import (
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

// Unmapper unmaps and destroys the shells of flushed pages in the
// background. The queue is bounded in bytes; when it is full the caller
// does the work itself, so a slow unmapper cannot let address space and
// page shells pile up.
type Unmapper struct {
	allocator *PageAllocator
	logger    *slog.Logger
	limit     uintptr

	queue chan *Page

	mu            sync.Mutex
	enqueuedBytes uintptr
	warned        bool
	// stopped is set before the final drain; nothing is queued after it.
	stopped bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newUnmapper(allocator *PageAllocator, limit uintptr, logger *slog.Logger) *Unmapper {
	slots := limit/allocator.layout.granule + 1
	u := &Unmapper{
		allocator: allocator,
		logger:    logger,
		limit:     limit,
		queue:     make(chan *Page, slots),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go u.run()
	return u
}

func (u *Unmapper) Name() string {
	return "Unmapper"
}

// EnqueuedBytes is the size of the pages waiting to be unmapped.
func (u *Unmapper) EnqueuedBytes() uintptr {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.enqueuedBytes
}

func (u *Unmapper) isSaturated() bool {
	return u.enqueuedBytes >= u.limit
}

func (u *Unmapper) tryEnqueue(p *Page) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.stopped {
		return false
	}
	if u.isSaturated() {
		if !u.warned {
			u.warned = true
			u.logger.Warn("synchronous unmapping, asynchronous unmapping could not keep up")
		}
		u.logger.Debug("synchronous unmapping", slog.String("size", humanize.IBytes(uint64(p.Size()))))
		return false
	}
	select {
	case u.queue <- p:
	default:
		return false
	}
	u.enqueuedBytes += p.Size()
	u.logger.Debug("asynchronous unmapping",
		slog.String("size", humanize.IBytes(uint64(p.Size()))),
		slog.String("enqueued", humanize.IBytes(uint64(u.enqueuedBytes))),
		slog.String("limit", humanize.IBytes(uint64(u.limit))))
	return true
}

func (u *Unmapper) doUnmapAndDestroyPage(p *Page) {
	u.allocator.unmapPage(p)
	u.allocator.destroyPage(p)
}

// UnmapAndDestroyPage queues p, or unmaps and destroys it right away when
// the queue is full or the unmapper has stopped.
func (u *Unmapper) UnmapAndDestroyPage(p *Page) {
	if !u.tryEnqueue(p) {
		u.doUnmapAndDestroyPage(p)
	}
}

func (u *Unmapper) dequeued(p *Page) {
	u.mu.Lock()
	u.enqueuedBytes -= p.Size()
	u.mu.Unlock()
	u.doUnmapAndDestroyPage(p)
}

func (u *Unmapper) run() {
	defer close(u.done)
	for {
		select {
		case p := <-u.queue:
			u.dequeued(p)
		case <-u.stop:
			for {
				select {
				case p := <-u.queue:
					u.dequeued(p)
				default:
					return
				}
			}
		}
	}
}

// Stop drains the queue and waits for the unmapper to exit. Pages handed
// over afterwards are unmapped by the caller.
func (u *Unmapper) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		u.stopped = true
		u.mu.Unlock()
		close(u.stop)
	})
	<-u.done
}
