package web

import (
	"sync"

	"golang.org/x/time/rate"
)

// Throttle is a per-user token bucket. Callers only consult it for users
// with a stored credential, so it holds at most one limiter per such user.
type Throttle struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle allows perSecond events per user with the given burst.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether userID may trigger now.
func (t *Throttle) Allow(userID string) bool {
	t.mu.Lock()
	l, ok := t.limiters[userID]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[userID] = l
	}
	t.mu.Unlock()

	return l.Allow()
}

// Forget drops the limiter for userID.
func (t *Throttle) Forget(userID string) {
	t.mu.Lock()
	delete(t.limiters, userID)
	t.mu.Unlock()
}

// Len returns the number of tracked users.
func (t *Throttle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}
