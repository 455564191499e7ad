package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"purchase": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	handler := limiter.Middleware("purchase")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/listings/1/purchase", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutesAndCallers(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"listings": {RequestsPerMinute: 1, Burst: 1},
		"purchase": {RequestsPerMinute: 1, Burst: 1},
	}, nil)
	listings := limiter.Middleware("listings")(okHandler())
	purchase := limiter.Middleware("purchase")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	res := httptest.NewRecorder()
	listings.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected listings request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	purchase.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/listings/1/purchase", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per route, got %d", res.Code)
	}

	authed := httptest.NewRequest(http.MethodPost, "/v1/listings", nil)
	authed = authed.WithContext(WithCaller(authed.Context(), [20]byte{1}))
	res = httptest.NewRecorder()
	listings.ServeHTTP(res, authed)
	if res.Code != http.StatusOK {
		t.Fatalf("expected separate bucket per caller, got %d", res.Code)
	}
}

func TestRateLimiterForgetsIdleClients(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{"listings": {RequestsPerMinute: 1, Burst: 1}}, nil)
	now := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return now }
	handler := limiter.Middleware("listings")(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/v1/listings", nil)

	handler.ServeHTTP(httptest.NewRecorder(), req)
	if len(limiter.visitors) != 1 {
		t.Fatalf("expected one tracked client")
	}
	now = now.Add(10 * time.Minute)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected idle client bucket to reset, got %d", res.Code)
	}
}

func TestUnlimitedRoutePassesThrough(t *testing.T) {
	limiter := NewRateLimiter(nil, nil)
	handler := limiter.Middleware("stats")(okHandler())
	for i := 0; i < 5; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
		if res.Code != http.StatusOK {
			t.Fatalf("expected unlimited route, got %d", res.Code)
		}
	}
}
