package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/yieldguard/internal/auth"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg).WithClock(clk.now)
	t.Cleanup(l.Stop)
	return l, clk
}

func TestLimiterAllow(t *testing.T) {
	l, clk := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 5})

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("k"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("k"), "request after burst should be denied")

	// 60/min is one token per second.
	clk.advance(time.Second)
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	l, clk := newTestLimiter(t, Config{RequestsPerMinute: 600, BurstSize: 2})

	l.Allow("k")
	clk.advance(time.Hour)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterSweep(t *testing.T) {
	l, clk := newTestLimiter(t, DefaultConfig())

	l.Allow("old")
	clk.advance(3 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Sweep())
}

func TestLimiterStopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestFromRPM(t *testing.T) {
	cfg := FromRPM(600)
	assert.Equal(t, 600, cfg.RequestsPerMinute)
	assert.Equal(t, 60, cfg.BurstSize)
	assert.Equal(t, 1, FromRPM(5).BurstSize)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 600, cfg.RequestsPerMinute)
	assert.Equal(t, 50, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}

func TestMiddleware_KeysByCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1})

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if caller := c.GetHeader("X-Caller"); caller != "" {
			c.Set(auth.ContextKeyCaller, caller)
		}
		c.Next()
	})
	r.Use(l.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	call := func(caller string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if caller != "" {
			req.Header.Set("X-Caller", caller)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, call("0xaaa").Code)
	w := call("0xaaa")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	// A different caller from the same IP has its own bucket.
	assert.Equal(t, http.StatusOK, call("0xbbb").Code)
	// Anonymous requests are keyed by IP.
	assert.Equal(t, http.StatusOK, call("").Code)
	assert.Equal(t, http.StatusTooManyRequests, call("").Code)
}
