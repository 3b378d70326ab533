package sync

import (
	"runtime"
	stdsync "sync"
	"sync/atomic"
)

type Locker interface {
	Lock()
	Unlock()
}

// activeSpin is how many times a contended Lock yields and retries before
// it parks.
const activeSpin = 4

// Mutex is a mutual exclusion lock that spins briefly before it parks.
// Critical sections guarded by it are short, so a contended Lock usually
// acquires it within a few yields. Contended counts the calls that had to
// park.
//
// The zero value is an unlocked Mutex.
type Mutex struct {
	mu        stdsync.Mutex
	contended atomic.Uint64
}

func (m *Mutex) Lock() {
	if m.mu.TryLock() {
		return
	}
	for i := 0; i < activeSpin; i++ {
		runtime.Gosched()
		if m.mu.TryLock() {
			return
		}
	}
	m.contended.Add(1)
	m.mu.Lock()
}

func (m *Mutex) TryLock() bool {
	return m.mu.TryLock()
}

func (m *Mutex) Unlock() {
	m.mu.Unlock()
}

// Contended reports how many Lock calls parked.
func (m *Mutex) Contended() uint64 {
	return m.contended.Load()
}
