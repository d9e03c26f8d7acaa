// Package ratelimit provides token-bucket limiters: an API middleware
// keyed by tenant, and per-tenant send throughput driven by rate-limit tiers.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sendguard/internal/metrics"
)

// TenantHeader lets callers that act on behalf of a tenant share its bucket.
const TenantHeader = "X-Tenant-ID"

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per key
	RequestsPerMinute int
	// BurstSize allows brief bursts above the rate
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600,
		BurstSize:         50,
		CleanupInterval:   time.Minute,
	}
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// bucket is a token bucket refilled continuously at rate tokens/second.
type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// take refills the bucket up to burst and removes n tokens if available.
func (b *bucket) take(now time.Time, rate, burst, n float64) bool {
	b.refill(now, rate, burst)
	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

func (b *bucket) refill(now time.Time, rate, burst float64) {
	if elapsed := now.Sub(b.lastCheck).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rate
	}
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastCheck = now
}

// wait is how long until n tokens are available at rate.
func (b *bucket) wait(rate, n float64) time.Duration {
	missing := n - b.tokens
	if missing <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(missing / rate * float64(time.Second))
}

// New creates a new rate limiter. Zero limits fall back to DefaultConfig.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = def.RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = def.BurstSize
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// cleanup drops buckets that have been idle long enough to be full again.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-l.refillTime())
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) refillTime() time.Duration {
	secs := float64(l.cfg.BurstSize) / l.rate()
	return time.Duration(secs*float64(time.Second)) + time.Minute
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.Take(key).Allowed
}

// Take consumes one token for key and reports what is left.
func (l *Limiter) Take(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	state, exists := l.clients[key]
	if !exists {
		state = &bucket{tokens: float64(l.cfg.BurstSize), lastCheck: now}
		l.clients[key] = state
	}
	rate, burst := l.rate(), float64(l.cfg.BurstSize)
	if state.take(now, rate, burst, 1) {
		return Decision{Allowed: true, Remaining: int(state.tokens)}
	}
	return Decision{RetryAfter: state.wait(rate, 1)}
}

// KeyFor picks the bucket for a request: the tenant named by the header
// or the :tenantId path parameter, otherwise the client IP.
func KeyFor(c *gin.Context) string {
	if id := c.GetHeader(TenantHeader); id != "" {
		return "tenant:" + id
	}
	if id := c.Param("tenantId"); id != "" {
		return "tenant:" + id
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that rate limits by KeyFor.
func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(l.cfg.RequestsPerMinute)
	return func(c *gin.Context) {
		d := l.Take(KeyFor(c))
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			metrics.RateLimitedTotal.WithLabelValues("api").Inc()
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": retryAfter,
			})
			return
		}

		c.Next()
	}
}
