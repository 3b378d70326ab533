package memoryAlloc

import "sync"

// SafeDelete defers deletion of items while any reader walks them without
// holding the lock that guards their lifetime. Enable and disable nest;
// deferred items are deleted when the last disable returns.
type SafeDelete[T any] struct {
	mu       sync.Mutex
	enabled  int
	deferred []T
	deleter  func(T)
}

func NewSafeDelete[T any](deleter func(T)) *SafeDelete[T] {
	return &SafeDelete[T]{deleter: deleter}
}

func (s *SafeDelete[T]) EnableDeferredDelete() {
	s.mu.Lock()
	s.enabled++
	s.mu.Unlock()
}

func (s *SafeDelete[T]) DisableDeferredDelete() {
	s.mu.Lock()
	if s.enabled == 0 {
		s.mu.Unlock()
		panic("memoryAlloc: deferred delete disabled more times than enabled")
	}
	s.enabled--
	var items []T
	if s.enabled == 0 {
		items, s.deferred = s.deferred, nil
	}
	s.mu.Unlock()

	for _, item := range items {
		s.deleter(item)
	}
}

// Delete deletes item now, or when deferred delete is next fully disabled.
func (s *SafeDelete[T]) Delete(item T) {
	s.mu.Lock()
	if s.enabled > 0 {
		s.deferred = append(s.deferred, item)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.deleter(item)
}

// Deferred is the number of items waiting for deletion.
func (s *SafeDelete[T]) Deferred() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}
