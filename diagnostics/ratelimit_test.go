package diagnostics

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSlideWindows(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter(
		WithWindowsSize(time.Second),
		WithSubWindowsNumber(10),
		WithMaxPassingPerWindows(3),
		withLimiterClock(clock.Now),
	)

	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire() {
			t.Fatalf("permit %d refused", i)
		}
	}
	if limiter.TryAcquire() {
		t.Fatal("fourth permit granted within the window")
	}

	// Half a window later the first permits are still counted.
	clock.Advance(500 * time.Millisecond)
	if limiter.TryAcquire() {
		t.Fatal("permit granted before the window slid")
	}

	clock.Advance(600 * time.Millisecond)
	if !limiter.TryAcquire() {
		t.Fatal("permit refused after the window slid")
	}

	// Long idle periods reset everything.
	clock.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		if !limiter.TryAcquire() {
			t.Fatalf("permit %d refused after idling", i)
		}
	}
}

func TestTryAcquireConcurrent(t *testing.T) {
	limiter := NewRateLimiter(WithWindowsSize(time.Hour), WithMaxPassingPerWindows(100))
	var (
		granted atomic.Int64
		wg      sync.WaitGroup
	)
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.TryAcquire() {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := granted.Load(); got != 100 {
		t.Fatalf("granted %d permits, want 100", got)
	}
}
