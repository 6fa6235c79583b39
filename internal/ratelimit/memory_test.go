package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*MemoryLimiter, *clock) {
	t.Helper()
	m := NewMemoryLimiter(limit, window)
	t.Cleanup(func() { closeLimiter(t, m) })
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.now = c.now
	return m, c
}

func TestMemoryLimiterWindow(t *testing.T) {
	m, c := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	for i := range 3 {
		res, err := m.Allow(ctx, "k1")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
		if res.Remaining != 2-i {
			t.Fatalf("request %d: remaining = %d, want %d", i, res.Remaining, 2-i)
		}
	}

	res, _ := m.Allow(ctx, "k1")
	if res.Allowed {
		t.Fatal("fourth request in window should be denied")
	}
	if want := c.t.Add(time.Minute); !res.ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", res.ResetAt, want)
	}

	c.t = c.t.Add(time.Minute)
	res, _ = m.Allow(ctx, "k1")
	if !res.Allowed {
		t.Fatal("new window should allow")
	}
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	if res, _ := m.Allow(ctx, "a"); !res.Allowed {
		t.Fatal("a should be allowed")
	}
	if res, _ := m.Allow(ctx, "b"); !res.Allowed {
		t.Fatal("b should be allowed")
	}
	if res, _ := m.Allow(ctx, "a"); res.Allowed {
		t.Fatal("second a should be denied")
	}
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m := NewMemoryLimiter(50, time.Hour)
	defer closeLimiter(t, m)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, _ := m.Allow(context.Background(), "shared"); res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed %d requests, want 50", got)
	}
}

func TestMemoryLimiterEvictExpired(t *testing.T) {
	m, c := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "old")
	c.t = c.t.Add(30 * time.Second)
	_, _ = m.Allow(ctx, "recent")
	c.t = c.t.Add(45 * time.Second)

	m.evictExpired()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters["old"]; ok {
		t.Fatal("expired key should be evicted")
	}
	if _, ok := m.counters["recent"]; !ok {
		t.Fatal("live key should be kept")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, time.Second)
	closeLimiter(t, m)
	closeLimiter(t, m)
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		res, err := l.Allow(context.Background(), "k")
		if err != nil || !res.Allowed {
			t.Fatal("noop limiter must allow")
		}
	}
}
