// Package workers runs tasks on a bounded number of goroutines.
package workers

import (
	"context"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is a unit of parallel work. Work is called once per worker the task
// runs on, with that worker's index.
type Task interface {
	Name() string
	Work(workerID int)
}

type Option func(p *Pool)

func WithConcurrencyNumber(number int) Option {
	return func(p *Pool) {
		if number > 0 {
			p.workerNumber = number
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// Pool bounds how many goroutines its tasks run on. Every running task
// holds one slot per worker it uses, so concurrent Run and RunAll calls
// never exceed the pool size together.
type Pool struct {
	workerNumber int
	slots        *semaphore.Weighted
	logger       *slog.Logger
	stopped      atomic.Bool
}

// New returns a pool of one worker per CPU unless configured otherwise.
func New(options ...Option) *Pool {
	p := &Pool{
		workerNumber: runtime.GOMAXPROCS(0),
		logger:       slog.Default(),
	}
	for i := 0; i < len(options); i++ {
		options[i](p)
	}
	p.slots = semaphore.NewWeighted(int64(p.workerNumber))
	return p
}

func (p *Pool) Size() int {
	return p.workerNumber
}

func (p *Pool) run(task Task, n int) {
	if p.stopped.Load() {
		for i := 0; i < n; i++ {
			task.Work(i)
		}
		return
	}
	start := time.Now()
	// Acquire only fails on a done context.
	_ = p.slots.Acquire(context.Background(), int64(n))
	defer p.slots.Release(int64(n))

	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		id := i
		g.Go(func() error {
			task.Work(id)
			return nil
		})
	}
	_ = g.Wait()
	p.logger.Debug("task done", slog.String("task", task.Name()),
		slog.Int("workers", n), slog.Duration("elapsed", time.Since(start)))
}

// Run runs task on a single worker and waits for it.
func (p *Pool) Run(task Task) {
	p.run(task, 1)
}

// RunAll runs task on every worker and waits for all of them.
func (p *Pool) RunAll(task Task) {
	p.run(task, p.workerNumber)
}

// Stop retires the pool. Tasks submitted afterwards run on the calling
// goroutine.
func (p *Pool) Stop() {
	p.stopped.Store(true)
}
