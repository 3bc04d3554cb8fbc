package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"modelrouter/internal/core"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// MaxBodySize is the maximum allowed request body size (50MB).
const MaxBodySize = 50 << 20

const requestIDKey = "request_id"

func (s *Server) maxBodySizeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)
		c.Next()
	}
}

// requestIDMiddleware propagates X-Request-ID, generating one when absent.
func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(core.HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(core.HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) httpMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.prom.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

// rateLimiter keeps one token bucket per client IP.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	cleanup  time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(ratePerMinute int) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(float64(ratePerMinute) / 60.0),
		burst:    ratePerMinute,
		cleanup:  5 * time.Minute,
		done:     make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *rateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			for ip, v := range rl.visitors {
				if time.Since(v.lastSeen) > rl.cleanup {
					delete(rl.visitors, ip)
				}
			}
			rl.mu.Unlock()
		case <-rl.done:
			return
		}
	}
}

func (rl *rateLimiter) stop() {
	rl.stopOnce.Do(func() { close(rl.done) })
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	v, exists := rl.visitors[ip]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()

	return v.limiter.Allow()
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !s.rateLimiter.allow(ip) {
			abortWithMessage(c, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// isValidClientKey compares against every configured key in constant time.
func (s *Server) isValidClientKey(candidate string) bool {
	got := []byte(candidate)
	valid := false
	for key := range s.validClientKeys {
		if subtle.ConstantTimeCompare(got, []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

// corsMiddleware answers preflight requests and decorates every response.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	origin := s.config.CORSAllowOrigin
	if origin == "" {
		origin = "*"
	}
	allowHeaders := strings.Join([]string{
		"Content-Type",
		core.HeaderAuthorization,
		core.HeaderXAPIKey,
		core.HeaderRequestID,
		core.HeaderGroqAPIKey,
		core.HeaderMistralAPIKey,
	}, ", ")

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", allowHeaders)
		h.Set("Access-Control-Expose-Headers", core.HeaderRequestID)
		h.Set("Access-Control-Max-Age", core.CORSMaxAge)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authenticateClient guards /v1. x-api-key wins over a bearer token when both are sent.
func (s *Server) authenticateClient(c *gin.Context) {
	if len(s.validClientKeys) == 0 {
		abortWithMessage(c, http.StatusServiceUnavailable, "Service unavailable: no client API keys configured")
		return
	}

	key, source := c.GetHeader(core.HeaderXAPIKey), "x-api-key"
	if key == "" {
		if bearer := c.GetHeader(core.HeaderAuthorization); bearer != "" {
			key, source = strings.TrimPrefix(bearer, core.AuthBearerPrefix), "Bearer token"
		}
	}

	switch {
	case key == "":
		abortWithMessage(c, http.StatusUnauthorized, "API key required in Authorization header (Bearer) or x-api-key header")
	case !s.isValidClientKey(key):
		abortWithMessage(c, http.StatusForbidden, "Invalid client API key ("+source+")")
	}
}

func abortWithMessage(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
