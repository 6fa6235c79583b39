package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ashita-ai/sekimon/internal/model"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (Result, error) {
	return Result{}, errors.New("backend down")
}
func (failingLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	m := NewMemoryLimiter(1, time.Minute)
	defer closeLimiter(t, m)
	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-1" }, testLogger)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	req.RemoteAddr = "198.51.100.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request: status %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	var body model.APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != model.ErrCodeRateLimited || body.Meta.RequestID != "req-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(failingLimiter{}, IPKeyFunc, nil, testLogger)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d, want pass-through", rec.Code)
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0, time.Minute)
	defer closeLimiter(t, m)
	h := Middleware(m, func(*http.Request) string { return "" }, nil, testLogger)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestIPKeyFunc(t *testing.T) {
	cases := map[string]string{
		"192.0.2.1:1234":    "192.0.2.1",
		"[2001:db8::1]:443": "2001:db8::1",
		"no-port":           "no-port",
	}
	for addr, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = addr
		if got := IPKeyFunc(r); got != want {
			t.Errorf("IPKeyFunc(%q) = %q, want %q", addr, got, want)
		}
	}
}
