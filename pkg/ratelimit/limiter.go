package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter paces calls per key (one key per platform account). Limiters
// are created on first use with the default rate.
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	rps   float64
	burst int
}

// NewMultiLimiter creates a multi-limiter whose lazily created limiters allow
// requestsPerSecond with the given burst. A non-positive rate disables pacing.
func NewMultiLimiter(requestsPerSecond float64, burst int) *MultiLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      requestsPerSecond,
		burst:    burst,
	}
}

// AddLimiter sets an explicit rate for one key
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	return m.get(name).Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	return m.get(name).Allow()
}

// Reserve returns a reservation for a future event
func (m *MultiLimiter) Reserve(name string) *rate.Reservation {
	return m.get(name).Reserve()
}

func (m *MultiLimiter) get(name string) *rate.Limiter {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()
	if ok {
		return limiter
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok = m.limiters[name]; ok {
		return limiter
	}
	limit := rate.Inf
	if m.rps > 0 {
		limit = rate.Limit(m.rps)
	}
	limiter = rate.NewLimiter(limit, m.burst)
	m.limiters[name] = limiter
	return limiter
}
