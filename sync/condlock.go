package sync

import (
	stdsync "sync"
	"time"
)

// ConditionLock is a mutex with an associated condition that supports
// timed waits, which sync.Cond does not. Wait and WaitTimeout must be called
// with the lock held; they release it while blocked and hold it again on
// return.
//
// The zero value is an unlocked ConditionLock.
type ConditionLock struct {
	mu     stdsync.Mutex
	notify chan struct{}
}

func (l *ConditionLock) Lock() {
	l.mu.Lock()
}

func (l *ConditionLock) Unlock() {
	l.mu.Unlock()
}

func (l *ConditionLock) channel() chan struct{} {
	if l.notify == nil {
		l.notify = make(chan struct{})
	}
	return l.notify
}

// Wait blocks until NotifyAll is called.
func (l *ConditionLock) Wait() {
	ch := l.channel()
	l.mu.Unlock()
	<-ch
	l.mu.Lock()
}

// WaitTimeout blocks until NotifyAll is called or d elapses. It returns true
// when woken by a notification.
func (l *ConditionLock) WaitTimeout(d time.Duration) bool {
	if d <= 0 {
		return false
	}
	ch := l.channel()
	l.mu.Unlock()
	timer := time.NewTimer(d)
	defer timer.Stop()
	notified := false
	select {
	case <-ch:
		notified = true
	case <-timer.C:
	}
	l.mu.Lock()
	return notified
}

// NotifyAll wakes every goroutine blocked in Wait or WaitTimeout.
func (l *ConditionLock) NotifyAll() {
	if l.notify != nil {
		close(l.notify)
		l.notify = nil
	}
}
