// Package auth guards the internal action and command APIs.
//
// The settlement core is fronted by the marketplace's own application layer,
// so a single shared admin secret (constant-time compared) is the trust
// boundary here; per-user identity arrives as plain request fields already
// authenticated upstream.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// headerKey is where callers present the shared secret.
const headerKey = "X-Admin-Secret"

// RequireAdmin rejects requests that do not carry the shared admin secret.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(headerKey)
		if got == "" {
			// Also accept "Authorization: Bearer <secret>".
			authz := c.GetHeader("Authorization")
			if strings.HasPrefix(authz, "Bearer ") {
				got = strings.TrimPrefix(authz, "Bearer ")
			}
		}

		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required.",
			})
			return
		}
		c.Next()
	}
}
