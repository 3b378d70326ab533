package memoryAlloc

import (
	"log/slog"
	"sync/atomic"
	"time"

	xsync "github.com/JBossBC/regionheap/sync"
	"github.com/dustin/go-humanize"
)

// minUncommitTimeout keeps the uncommitter from spinning when the uncommit
// delay is zero.
const minUncommitTimeout = time.Second

// Uncommitter periodically hands cold cached memory back to the backing.
// It sleeps for the timeout the last pass reported, or until woken.
type Uncommitter struct {
	allocator *PageAllocator
	logger    *slog.Logger
	enabled   bool

	lock    xsync.ConditionLock
	stopped bool

	uncommitted atomic.Uint64
	done        chan struct{}
}

func newUncommitter(allocator *PageAllocator, enabled bool, logger *slog.Logger) *Uncommitter {
	u := &Uncommitter{
		allocator: allocator,
		logger:    logger,
		enabled:   enabled,
		done:      make(chan struct{}),
	}
	go u.run()
	return u
}

func (u *Uncommitter) Name() string {
	return "Uncommitter"
}

// Uncommitted is the total number of bytes uncommitted so far.
func (u *Uncommitter) Uncommitted() uint64 {
	return u.uncommitted.Load()
}

func (u *Uncommitter) wait(timeout time.Duration) bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	for !u.enabled && !u.stopped {
		u.lock.Wait()
	}
	if !u.stopped && timeout > 0 {
		u.logger.Debug("uncommit timeout", slog.Duration("timeout", timeout))
		u.lock.WaitTimeout(timeout)
	}
	return !u.stopped
}

func (u *Uncommitter) shouldContinue() bool {
	u.lock.Lock()
	defer u.lock.Unlock()
	return !u.stopped
}

func (u *Uncommitter) run() {
	defer close(u.done)
	var timeout time.Duration
	for u.wait(timeout) {
		uncommitted := uintptr(0)
		for u.shouldContinue() {
			var flushed uintptr
			flushed, timeout = u.allocator.Uncommit(timeout)
			if flushed == 0 {
				break
			}
			uncommitted += flushed
		}
		if timeout < minUncommitTimeout {
			timeout = minUncommitTimeout
		}
		if uncommitted > 0 {
			u.uncommitted.Add(uint64(uncommitted))
			u.logger.Info("uncommitted",
				slog.String("size", humanize.IBytes(uint64(uncommitted))),
				slog.Float64("percent_of_max", 100*float64(uncommitted)/float64(u.allocator.MaxCapacity())))
		}
	}
}

// Wake cuts the current wait short.
func (u *Uncommitter) Wake() {
	u.lock.Lock()
	u.lock.NotifyAll()
	u.lock.Unlock()
}

func (u *Uncommitter) Stop() {
	u.lock.Lock()
	u.stopped = true
	u.lock.NotifyAll()
	u.lock.Unlock()
	<-u.done
}
