package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimitConfig bounds a token-bucket limiter's request rate.
type rateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// readRateLimitConfig covers /healthz, /metrics, and /stats — an
// operator's monitoring scrape or dashboard polling this admin API.
func readRateLimitConfig() rateLimitConfig {
	return rateLimitConfig{RequestsPerSecond: 20, Burst: 40}
}

// mutateRateLimitConfig covers /quarantine/clear and /stages/swap — an
// operator clearing a quarantine or hot-swapping a stage's plugin is a
// deliberate, occasional action, not a polling loop, so these routes
// get a tighter bucket than the read-only ones.
func mutateRateLimitConfig() rateLimitConfig {
	return rateLimitConfig{RequestsPerSecond: 2, Burst: 4}
}

// newRateLimiter rejects requests past cfg's token-bucket rate with 429.
func newRateLimiter(cfg rateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
