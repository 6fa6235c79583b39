package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter tracks one key's current window.
type counter struct {
	start time.Time
	count int
}

// MemoryLimiter is a fixed-window counter per key: at most limit requests
// in each window, with the window starting at the key's first request.
// A background goroutine evicts expired keys every minute.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*counter

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter allowing limit requests per window.
// Call Close to stop its cleanup goroutine.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: make(map[string]*counter),
		done:     make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one request for key.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c, ok := m.counters[key]
	if !ok || now.Sub(c.start) >= m.window {
		c = &counter{start: now}
		m.counters[key] = c
	}
	res := Result{Limit: m.limit, ResetAt: c.start.Add(m.window)}
	if c.count >= m.limit {
		return res, nil
	}
	c.count++
	res.Allowed = true
	res.Remaining = m.limit - c.count
	return res, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryLimiter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, c := range m.counters {
		if now.Sub(c.start) >= m.window {
			delete(m.counters, key)
		}
	}
}
