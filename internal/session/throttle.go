package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// errThrottle rate limits repeated log lines per key.
type errThrottle struct {
	mu       sync.Mutex
	every    time.Duration
	limiters map[string]*rate.Limiter
}

func newErrThrottle(every time.Duration) *errThrottle {
	return &errThrottle{every: every, limiters: make(map[string]*rate.Limiter)}
}

func (t *errThrottle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.every), 1)
		t.limiters[key] = l
	}
	return l.Allow()
}
