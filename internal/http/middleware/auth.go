// README: Firebase ID-token authentication and role checks for gin routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"convoy/internal/infra"
)

const identityKey = "caller_identity"

// Auth verifies the bearer token, or the access_token query parameter used by
// socket clients that cannot set headers, and stores the caller identity.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			token = c.Query("access_token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		id, err := verifier.VerifyIDToken(c.Request.Context(), token)
		if err != nil || id == nil || id.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// RequireRole rejects callers whose verified role differs from role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: " + role + " role required"})
			return
		}
		c.Next()
	}
}

// Caller returns the identity set by Auth, or nil on unauthenticated routes.
func Caller(c *gin.Context) *infra.Identity {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil
	}
	id, _ := v.(*infra.Identity)
	return id
}

func CallerUID(c *gin.Context) string {
	if id := Caller(c); id != nil {
		return id.UID
	}
	return ""
}

func CallerRole(c *gin.Context) string {
	if id := Caller(c); id != nil {
		return id.Role
	}
	return ""
}
