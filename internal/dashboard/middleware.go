package dashboard

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// authMiddleware mirrors internal/gateway's constant-time bearer check
// (internal/gateway/middleware.go); duplicated rather than exported since
// the two packages' auth tokens are configured and rotated independently.
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
