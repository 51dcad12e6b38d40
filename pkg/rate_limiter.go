package pkg

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RateLimiter rejects submissions arriving from the same client faster
// than the configured interval.
type RateLimiter struct {
	lastRequest map[string]time.Time
	interval    time.Duration
	mu          sync.Mutex
}

const RateLimit = 500 * time.Millisecond

func NewRateLimiter(interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = RateLimit
	}
	return &RateLimiter{
		lastRequest: make(map[string]time.Time),
		interval:    interval,
	}
}

// Allow records a request from client and reports whether it is admitted
func (rl *RateLimiter) Allow(client string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if last, exists := rl.lastRequest[client]; exists && now.Sub(last) < rl.interval {
		return false
	}
	rl.lastRequest[client] = now

	// drop stale entries so the map tracks only recent clients
	if len(rl.lastRequest) > 1024 {
		for c, t := range rl.lastRequest {
			if now.Sub(t) >= rl.interval {
				delete(rl.lastRequest, c)
			}
		}
	}
	return true
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		client := c.ClientIP()
		if client == "::1" || client == "127.0.0.1" {
			client = "localhost"
		}

		if !rl.Allow(client) {
			logrus.WithField("client", client).Warn("Rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":          "rate limit exceeded, try again later",
				"status_message": "Rate Limited",
				"success":        false,
			})
			return
		}
		c.Next()
	}
}
