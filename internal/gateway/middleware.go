package gateway

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/scalyclaw/scalyclaw/internal/keyspace"
)

// authMiddleware gates a route behind a bearer token, comparing it to
// want in constant time regardless of where the mismatch occurs (spec §8,
// "Constant-time auth": "token comparison latency is independent of where
// the token mismatches"). Equal-length padding avoids a naive
// ConstantTimeCompare leaking length via a length-mismatch short-circuit.
func authMiddleware(want string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := bearerToken(c.GetHeader("Authorization"))
		if !constantTimeEqual(got, want) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimPrefix(header, prefix)
}

// constantTimeEqual reports whether a == b without the comparison's
// duration depending on the mismatch position, including when lengths
// differ (subtle.ConstantTimeCompare alone returns early-equal-length
// false for unequal lengths, but does so in constant time for any two
// buffers of the compared length — padding both to a common length keeps
// that property even across a length mismatch).
func constantTimeEqual(a, b string) bool {
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	pa := make([]byte, max)
	pb := make([]byte, max)
	copy(pa, a)
	copy(pb, b)
	eq := subtle.ConstantTimeCompare(pa, pb) == 1
	return eq && len(a) == len(b)
}

// corsMiddleware reflects the caller's Origin when it is allowed (or always,
// when allowed is empty meaning "*"). The check runs on every request
// against the origin list passed in at construction; a config reload does
// not change that list until the gateway is rebuilt.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(origin, allowed):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization,Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// rateLimiter applies a fixed-window counter per client IP, keyed under
// scalyclaw:ratelimit:{ip}:{window}, scoped to /api/* by route registration
// (spec §4.9). Window reset is implicit: a new window key starts its own
// counter and expires on its own TTL, so the allowed rate returns to max
// once the prior window's key ages out (spec §8, "Rate-limiter window
// reset").
func rateLimiter(deps Deps, max int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if max <= 0 || deps.Redis == nil {
			c.Next()
			return
		}
		ip := c.ClientIP()
		bucket := time.Now().Unix() / int64(window.Seconds())
		key := keyspace.RateLimitKey(ip + ":" + strconv.FormatInt(bucket, 10))

		ctx := c.Request.Context()
		n, err := deps.Redis.Incr(ctx, key).Result()
		if err != nil {
			// Fail open: a Redis hiccup should not take down the API surface.
			c.Next()
			return
		}
		if n == 1 {
			deps.Redis.Expire(ctx, key, window)
		}
		if int(n) > max {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
