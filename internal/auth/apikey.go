package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// clientCtxKey is the Gin context key holding the authenticated client name.
const clientCtxKey = "client_name"

// APIKeyMiddleware guards the ingestion and query surface by mapping
// X-API-Key to a configured client name. In production this mapping would
// typically come from IAM or a secret manager.
func APIKeyMiddleware(keys map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := strings.TrimSpace(c.GetHeader("X-API-Key"))
		client, ok := keys[apiKey]
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Set(clientCtxKey, client)
		c.Next()
	}
}

// Client returns the authenticated client name from the request context.
func Client(c *gin.Context) string {
	v, _ := c.Get(clientCtxKey)
	s, _ := v.(string)
	return s
}
