package handlers

import (
	"strings"
	"sync"
	"time"
)

// rateLimiter throttles write endpoints per caller. Allow reports the wait before the next
// permitted call when the caller is over its budget.
type rateLimiter interface {
	Allow(key string) (bool, time.Duration)
}

type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]windowCount
}

type windowCount struct {
	used  int
	reset time.Time
}

// newWindowLimiter returns nil when limit or window is not positive, which disables throttling.
func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]windowCount),
	}
}

func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.reset) {
		l.windows[key] = windowCount{used: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, 0
	}
	if current.used >= l.limit {
		return false, current.reset.Sub(now)
	}
	current.used++
	l.windows[key] = current
	return true, 0
}

func (l *windowLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.windows {
		if !now.Before(entry.reset) {
			delete(l.windows, key)
		}
	}
}
