// Package admin exposes the operator API: pausing peers, unblocking rate
// limits, forcing settlements, rotating keys, and read-only inspection of
// balances, reputation, routes, and settlement states. Every mutating and
// read endpoint sits behind a shared bearer secret.
package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Auth validates the shared admin secret. A missing credential is
// unauthorized; a wrong one is forbidden.
func Auth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authorization header required",
			})
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin credentials",
			})
			return
		}

		c.Next()
	}
}
