package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sendguard/internal/testutil"
)

func newClock() *testutil.Clock {
	return testutil.NewClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestLimiterAllow(t *testing.T) {
	clock := newClock()
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Minute}).WithClock(clock.Now)
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	// Next request should be denied
	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
	if limiter.Allow(key) {
		t.Error("Only one token should have been replenished")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	clock := newClock()
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute}).WithClock(clock.Now)
	defer limiter.Stop()

	// Client A uses up their tokens
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	// Client A is now rate limited
	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}

	// Client B should still have tokens
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Greater(t, cfg.RequestsPerMinute, 0)
	assert.Greater(t, cfg.BurstSize, 0)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestNewFillsZeroLimits(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()
	assert.Equal(t, DefaultConfig(), limiter.cfg)
}

func TestTakeReportsRetryAfter(t *testing.T) {
	clock := newClock()
	limiter := New(Config{RequestsPerMinute: 30, BurstSize: 2}).WithClock(clock.Now)
	defer limiter.Stop()

	d := limiter.Take("k")
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	limiter.Take("k")

	d = limiter.Take("k")
	assert.False(t, d.Allowed)
	// 30/min is one token per 2s
	assert.Equal(t, 2*time.Second, d.RetryAfter)

	clock.Advance(time.Second)
	d = limiter.Take("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clock := newClock()
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Minute}).WithClock(clock.Now)
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/quota/tenants/:tenantId/usage", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		last = httptest.NewRecorder()
		r.ServeHTTP(last, httptest.NewRequest(http.MethodGet, "/ping", nil))
		codes = append(codes, last.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	assert.Equal(t, "60", last.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1", last.Header().Get("Retry-After"))

	// a tenant gets its own bucket, whether named by header or path
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(TenantHeader, "t1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/quota/tenants/t1/usage", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}
