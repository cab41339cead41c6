package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestLimiter_BurstThenRefill(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 3, IdleTimeout: time.Minute})
	defer l.Stop()

	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, l.AllowAt("k", now), "request %d within burst", i)
	}
	assert.False(t, l.AllowAt("k", now))
	assert.True(t, l.AllowAt("k", now.Add(time.Second)))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, BurstSize: 1})
	defer l.Stop()

	now := time.Now()
	assert.True(t, l.AllowAt("a", now))
	assert.False(t, l.AllowAt("a", now))
	assert.True(t, l.AllowAt("b", now))
}

func TestLimiter_SetLimit(t *testing.T) {
	l := New(Config{})
	defer l.Stop()

	now := time.Now()
	assert.True(t, l.AllowAt("free", now))

	l.SetLimit("gw", 1.0/3600, 2)
	assert.True(t, l.AllowAt("gw", now))
	assert.True(t, l.AllowAt("gw", now))
	assert.False(t, l.AllowAt("gw", now.Add(time.Minute)))

	l.SetLimit("gw", 0, 0)
	assert.True(t, l.AllowAt("gw", now))
}

func TestLimiter_Sweep(t *testing.T) {
	l := New(Config{RequestsPerSecond: 5, BurstSize: 5, IdleTimeout: time.Minute})
	defer l.Stop()

	now := time.Now()
	l.AllowAt("old", now.Add(-2*time.Minute))
	l.AllowAt("fresh", now)
	assert.Equal(t, 1, l.Sweep(now))
	assert.Equal(t, 1, l.Size())
}

func TestMiddleware_Returns429(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := New(Config{RequestsPerSecond: 0.001, BurstSize: 1})
	defer l.Stop()

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")
}
