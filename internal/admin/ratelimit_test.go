package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMutateRateLimitIsStricterThanRead(t *testing.T) {
	read := readRateLimitConfig()
	mutate := mutateRateLimitConfig()
	if mutate.RequestsPerSecond >= read.RequestsPerSecond || mutate.Burst >= read.Burst {
		t.Fatalf("want mutate limiter stricter than read limiter, got mutate=%+v read=%+v", mutate, read)
	}
}

func TestRateLimiterRejectsPastBurst(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(newRateLimiter(rateLimitConfig{RequestsPerSecond: 1, Burst: 1}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/x", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("want first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/x", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("want second request rate-limited, got %d", second.Code)
	}
}
