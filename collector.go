package regionheap

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JBossBC/regionheap/memoryAlloc"
)

// CycleHook does the collection work of one cycle, typically marking and
// then reclaiming dead pages with Heap.ReclaimPages. seqnum is the number
// of the cycle.
type CycleHook func(ctx context.Context, h *Heap, seqnum uint32)

// CycleDriver runs collection cycles on request. Requests made while a
// cycle is pending are merged into it. Each cycle starts a new sequence
// number, retires the shared allocation pages, resets statistics, runs the
// hook and finally lets the allocator fail stalls the cycle did not help.
type CycleDriver struct {
	heap   *Heap
	hook   CycleHook
	logger *slog.Logger

	requests chan memoryAlloc.GCCause
	cycles   atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}
}

func newCycleDriver(hook CycleHook, logger *slog.Logger) *CycleDriver {
	ctx, cancel := context.WithCancel(context.Background())
	return &CycleDriver{
		hook:     hook,
		logger:   logger,
		requests: make(chan memoryAlloc.GCCause, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

func (d *CycleDriver) start(h *Heap) {
	d.heap = h
	go d.run()
}

func (d *CycleDriver) Name() string {
	return "CycleDriver"
}

// Collect requests a cycle. It never blocks.
func (d *CycleDriver) Collect(cause memoryAlloc.GCCause) {
	select {
	case d.requests <- cause:
	default:
	}
}

// Cycles is the number of completed cycles.
func (d *CycleDriver) Cycles() uint64 {
	return d.cycles.Load()
}

func (d *CycleDriver) run() {
	defer close(d.done)
	for {
		select {
		case cause := <-d.requests:
			d.cycle(cause)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *CycleDriver) cycle(cause memoryAlloc.GCCause) {
	start := time.Now()
	allocator := d.heap.allocator
	seqnum := d.heap.objects.StartCycle(allocator.BeginCycle)
	allocator.ResetStatistics()
	d.logger.Debug("cycle started", slog.Uint64("seqnum", uint64(seqnum)), slog.String("cause", cause.String()))

	if d.hook != nil {
		d.hook(d.ctx, d.heap, seqnum)
	}

	allocator.CheckOutOfMemory()
	d.cycles.Add(1)
	d.logger.Debug("cycle finished",
		slog.Uint64("seqnum", uint64(seqnum)),
		slog.Duration("duration", time.Since(start)))
}

// Stop cancels a running hook and waits for the driver to exit.
func (d *CycleDriver) Stop() {
	d.stopOnce.Do(d.cancel)
	if d.heap == nil {
		return
	}
	<-d.done
}
