package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-master/internal/audit"
)

// RateLimiter is a fixed-window counter per key. Expired windows are swept
// every window length until Close.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	length  time.Duration
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type window struct {
	used    int
	resetAt time.Time
}

func NewRateLimiter(limit int, length time.Duration) *RateLimiter {
	return NewRateLimiterWithNow(limit, length, time.Now)
}

func NewRateLimiterWithNow(limit int, length time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		length:  length,
		now:     now,
		stop:    make(chan struct{}),
	}
	if length > 0 {
		go rl.sweepLoop()
	}
	return rl
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) sweepLoop() {
	ticker := time.NewTicker(rl.length)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops expired windows and returns how many remain.
func (rl *RateLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
		}
	}
	return len(rl.windows)
}

// Reserve counts one request for key. When the window is exhausted it
// reports how long until the window resets.
func (rl *RateLimiter) Reserve(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || now.After(w.resetAt) {
		rl.windows[key] = &window{used: 1, resetAt: now.Add(rl.length)}
		return true, 0
	}
	if w.used >= rl.limit {
		return false, w.resetAt.Sub(now)
	}
	w.used++
	return true, 0
}

func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.Reserve(key)
	return ok
}

// RateLimitMiddleware limits by client IP. Denials carry Retry-After and are
// audited as security events under source.
func RateLimitMiddleware(rl *RateLimiter, log *audit.Logger, source string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		ok, wait := rl.Reserve(key)
		if ok {
			c.Next()
			return
		}
		log.Warn(c.Request.Context(), audit.Entry{
			Category: audit.CategorySecurity,
			Message:  "rate limit exceeded",
			Source:   source,
			Details:  map[string]any{"client_ip": key, "path": c.FullPath(), "retry_after_ms": wait.Milliseconds()},
		})
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
	}
}
