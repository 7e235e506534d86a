package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parcelpost/relay/internal/kv"
)

func setupLimited(t *testing.T, limit int) *httptest.Server {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	client := kv.NewFromRedis(rdb, zap.NewNop())
	limiter := kv.NewRateLimiter(client, zap.NewNop(), kv.RateLimitConfig{
		Limit:  limit,
		Window: time.Minute,
	})

	mw := RateLimitMiddleware(limiter, zap.NewNop(), IPKeyFunc)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestRateLimitMiddleware_AllowsUnderLimit(t *testing.T) {
	srv := setupLimited(t, 5)

	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.StatusCode)
		}
	}
}

func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	srv := setupLimited(t, 2)

	var last *http.Response
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		last = resp
	}

	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", last.StatusCode)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	mw := RateLimitMiddleware(nil, zap.NewNop(), IPKeyFunc)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
