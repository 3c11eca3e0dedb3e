package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"quant-core/pkg/logger"
)

const requestIDKey = "RequestID"

// limiterSet hands out one limiter per client IP. The whole set is dropped
// every resetEvery so idle clients do not accumulate.
type limiterSet struct {
	mu         sync.Mutex
	limiters   map[string]*rate.Limiter
	limit      rate.Limit
	burst      int
	resetEvery time.Duration
	resetAt    time.Time
}

func newLimiterSet(perSecond float64, burst int, resetEvery time.Duration) *limiterSet {
	return &limiterSet{
		limiters:   make(map[string]*rate.Limiter),
		limit:      rate.Limit(perSecond),
		burst:      burst,
		resetEvery: resetEvery,
		resetAt:    time.Now().Add(resetEvery),
	}
}

func (s *limiterSet) get(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now := time.Now(); now.After(s.resetAt) {
		s.limiters = make(map[string]*rate.Limiter)
		s.resetAt = now.Add(s.resetEvery)
	}
	l, ok := s.limiters[ip]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[ip] = l
	}
	return l
}

// RequestIDMiddleware propagates X-Request-ID, generating one when absent.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware rejects clients exceeding their per-IP budget.
func RateLimitMiddleware(set *limiterSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !set.get(ip).Allow() {
			logger.Warnf("rate limit exceeded by %s", ip)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":  "RATE_LIMITED",
				"error": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request with its latency and status.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		requestID := c.GetString(requestIDKey)
		if len(requestID) > 8 {
			requestID = requestID[:8]
		}
		logger.Debugf("[API] %s | %s %s | %d | %v | %s",
			requestID,
			c.Request.Method,
			c.Request.URL.Path,
			c.Writer.Status(),
			time.Since(start),
			c.ClientIP(),
		)
	}
}
