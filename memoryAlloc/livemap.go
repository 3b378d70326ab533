package memoryAlloc

import (
	"sync"
	"sync/atomic"
)

// liveMap records which object slots of a page were found live. The bitmap
// is allocated on first mark and cleared lazily, so pages that are never
// marked pay nothing.
type liveMap struct {
	mu       sync.Mutex
	bits     atomic.Pointer[[]atomic.Uint64]
	nobjects uintptr
	objects  atomic.Uint32
	bytes    atomic.Uintptr
	dirty    atomic.Bool
}

func (m *liveMap) words() []atomic.Uint64 {
	if w := m.bits.Load(); w != nil {
		return *w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w := m.bits.Load(); w != nil {
		return *w
	}
	w := make([]atomic.Uint64, (m.nobjects+63)/64)
	m.bits.Store(&w)
	return w
}

// set marks slot index live, accounting size bytes on the first mark.
func (m *liveMap) set(index, size uintptr) bool {
	w := m.words()
	word, mask := &w[index/64], uint64(1)<<(index%64)
	for {
		old := word.Load()
		if old&mask != 0 {
			return false
		}
		if word.CompareAndSwap(old, old|mask) {
			break
		}
	}
	m.dirty.Store(true)
	m.objects.Add(1)
	m.bytes.Add(size)
	return true
}

func (m *liveMap) get(index uintptr) bool {
	w := m.bits.Load()
	if w == nil {
		return false
	}
	return (*w)[index/64].Load()&(uint64(1)<<(index%64)) != 0
}

func (m *liveMap) reset() {
	if m.dirty.Swap(false) {
		if w := m.bits.Load(); w != nil {
			for i := range *w {
				(*w)[i].Store(0)
			}
		}
	}
	m.objects.Store(0)
	m.bytes.Store(0)
}

// resize drops the bitmap and sizes the map for nobjects slots.
func (m *liveMap) resize(nobjects uintptr) {
	m.mu.Lock()
	m.nobjects = nobjects
	m.bits.Store(nil)
	m.mu.Unlock()
	m.dirty.Store(false)
	m.objects.Store(0)
	m.bytes.Store(0)
}
