package sync

import (
	stdsync "sync"
)

// Future is a re-armable one slot result. Set publishes a value and wakes a
// waiter; Get blocks until a value is published and consumes it. A value set
// twice before it is consumed is overwritten, the latest one wins.
//
// The zero value is ready to use.
type Future[T any] struct {
	mu     stdsync.Mutex
	value  T
	ready  bool
	signal chan struct{}
}

func (f *Future[T]) lazyInit() {
	if f.signal == nil {
		f.signal = make(chan struct{}, 1)
	}
}

// Set publishes v. It never blocks.
func (f *Future[T]) Set(v T) {
	f.mu.Lock()
	f.lazyInit()
	f.value = v
	f.ready = true
	signal := f.signal
	f.mu.Unlock()
	select {
	case signal <- struct{}{}:
	default:
	}
}

// Get blocks until a value is available and consumes it.
func (f *Future[T]) Get() T {
	for {
		f.mu.Lock()
		f.lazyInit()
		if f.ready {
			v := f.value
			f.ready = false
			var zero T
			f.value = zero
			f.mu.Unlock()
			return v
		}
		signal := f.signal
		f.mu.Unlock()
		<-signal
	}
}

// Peek reports the pending value without consuming it.
func (f *Future[T]) Peek() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.ready
}
