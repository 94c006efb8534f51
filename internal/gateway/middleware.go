package gateway

import (
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avaigw/internal/api"
	"github.com/vyrodovalexey/avaigw/internal/observability"
)

const (
	// RequestIDHeader is the header name for request ID.
	RequestIDHeader = "X-Request-ID"

	principalKey = "principal"
	requestIDKey = "requestID"
)

// RequestID returns a middleware that assigns each request an ID,
// reusing the client-supplied one when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(requestIDKey, requestID)
		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), requestID))
		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Next()
	}
}

// Recovery returns a middleware that converts panics into 500 responses.
func Recovery(logger observability.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered",
					observability.String("path", c.Request.URL.Path),
					observability.String("method", c.Request.Method),
					observability.Any("error", err),
					observability.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, api.ErrorResponse{
					Error: api.ErrorDetail{
						Code:    api.CodeInternal,
						Message: "internal server error",
						Type:    "internal",
					},
				})
			}
		}()
		c.Next()
	}
}

// AccessLog returns a middleware that logs one line per request,
// leveled by response status.
func AccessLog(logger observability.Logger, skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []observability.Field{
			observability.String("requestId", c.GetString(requestIDKey)),
			observability.String("method", c.Request.Method),
			observability.String("path", path),
			observability.Int("status", status),
			observability.Duration("latency", time.Since(start)),
			observability.String("clientIP", c.ClientIP()),
			observability.Int("bodySize", c.Writer.Size()),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", fields...)
		case status >= 400:
			logger.Warn("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	}
}

// clientLimiter tracks one token bucket per client IP. Idle entries are
// swept so the map does not grow without bound.
type clientLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(rps, burst int) *clientLimiter {
	return &clientLimiter{
		clients: make(map[string]*clientEntry),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

func (cl *clientLimiter) allow(ip string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	e, ok := cl.clients[ip]
	if !ok {
		e = &clientEntry{limiter: rate.NewLimiter(cl.rps, cl.burst)}
		cl.clients[ip] = e
	}
	e.lastSeen = cl.now()
	return e.limiter.Allow()
}

func (cl *clientLimiter) sweep(idle time.Duration) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	cutoff := cl.now().Add(-idle)
	for ip, e := range cl.clients {
		if e.lastSeen.Before(cutoff) {
			delete(cl.clients, ip)
		}
	}
}

// run sweeps idle entries every interval until stop is closed.
func (cl *clientLimiter) run(interval, idle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.sweep(idle)
		case <-stop:
			return
		}
	}
}

// ClientLimit returns a middleware that bounds per-client-IP request
// rate ahead of authentication. This is an abuse guard, distinct from
// the per-principal tier limiter. Disabled when rps is zero. The sweep
// goroutine exits when stop is closed.
func ClientLimit(rps, burst int, stop <-chan struct{}) gin.HandlerFunc {
	if rps <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	cl := newClientLimiter(rps, burst)
	go cl.run(time.Minute, 10*time.Minute, stop)
	return func(c *gin.Context) {
		if !cl.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, api.ErrorResponse{
				Error: api.ErrorDetail{
					Code:    api.CodeRateLimited,
					Message: "too many requests from this client",
					Type:    "rate_limit",
				},
			})
			return
		}
		c.Next()
	}
}
