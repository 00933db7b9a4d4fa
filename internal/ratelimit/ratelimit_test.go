package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(rpm, burst int) (*Limiter, *clock) {
	clk := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour})
	l.now = clk.now
	return l, clk
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, clk := newTestLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("ip:1"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("ip:1"))

	clk.advance(time.Second) // 60/min = one token per second
	assert.True(t, l.Allow("ip:1"))
	assert.False(t, l.Allow("ip:1"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(60, 2)
	defer l.Stop()

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_SweepDropsIdleKeys(t *testing.T) {
	l, clk := newTestLimiter(60, 2)
	defer l.Stop()

	l.Allow("idle")
	clk.advance(time.Hour)
	l.sweep(clk.now().Add(-time.Minute))

	l.mu.Lock()
	_, ok := l.clients["idle"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestMiddleware_Rejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(60, 1)
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// A different bearer token gets its own bucket
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer other")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_ExemptRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Hour, Exempt: []string{"/v1/fraud/evaluate"}})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.POST("/v1/fraud/evaluate", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/v1/fraud/scores", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 10; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/fraud/evaluate", nil))
		assert.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	// exempt traffic leaves the bucket untouched
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/fraud/scores", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/fraud/scores", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLimiter_StopIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}
