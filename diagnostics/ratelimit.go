package diagnostics

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultSubWindows        = 1 << 5
	defaultWindowsSize       = 3 * time.Second
	defaultPermitsPerWindows = 30
)

// RateLimiter is a sliding window counter. The window is divided into sub
// windows; a sub window's count is dropped once it slides out.
type RateLimiter struct {
	lock              sync.Mutex
	permitsPerWindows int64
	windowsSize       time.Duration
	subWindowsSize    int64
	windows           []int64
	totalCount        int64
	current           int64
	now               func() time.Time
}

type RateLimiterOption func(*RateLimiter)

func WithMaxPassingPerWindows(numbers int64) RateLimiterOption {
	return func(limiter *RateLimiter) {
		limiter.permitsPerWindows = numbers
	}
}

// WithSubWindowsNumber sets how finely the window slides. More sub windows
// smooth bursts at the window edge.
func WithSubWindowsNumber(numbers int64) RateLimiterOption {
	return func(limiter *RateLimiter) {
		limiter.subWindowsSize = numbers
	}
}

func WithWindowsSize(size time.Duration) RateLimiterOption {
	return func(limiter *RateLimiter) {
		limiter.windowsSize = size
	}
}

func withLimiterClock(now func() time.Time) RateLimiterOption {
	return func(limiter *RateLimiter) {
		limiter.now = now
	}
}

func NewRateLimiter(options ...RateLimiterOption) *RateLimiter {
	limiter := &RateLimiter{
		permitsPerWindows: defaultPermitsPerWindows,
		windowsSize:       defaultWindowsSize,
		subWindowsSize:    defaultSubWindows,
		now:               time.Now,
	}
	for _, option := range options {
		option(limiter)
	}
	if limiter.subWindowsSize <= 0 {
		limiter.subWindowsSize = 1
	}
	limiter.windows = make([]int64, limiter.subWindowsSize)
	limiter.current = limiter.slot(limiter.now())
	return limiter
}

func (s *RateLimiter) slot(t time.Time) int64 {
	width := int64(s.windowsSize) / s.subWindowsSize
	if width <= 0 {
		width = 1
	}
	return t.UnixNano() / width
}

// slide drops the sub windows that fell out of the window ending at slot.
func (s *RateLimiter) slide(slot int64) {
	if slot <= s.current {
		return
	}
	for i := s.current + 1; i <= slot && i <= s.current+s.subWindowsSize; i++ {
		index := i % s.subWindowsSize
		s.totalCount -= s.windows[index]
		s.windows[index] = 0
	}
	s.current = slot
}

// TryAcquire takes a permit if the window has one left.
func (s *RateLimiter) TryAcquire() bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.slide(s.slot(s.now()))
	if s.totalCount >= s.permitsPerWindows {
		return false
	}
	s.windows[s.current%s.subWindowsSize]++
	s.totalCount++
	return true
}

// Middleware rejects requests with 429 once the window is used up.
func (s *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.TryAcquire() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
