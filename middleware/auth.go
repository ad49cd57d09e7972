package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuth requires a valid service token on the request when enabled.
// With auth disabled every caller is treated as the anonymous consumer.
func ServiceAuth(secret []byte, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 1. Feature flag check
		if !enabled {
			c.Set("consumer", "anonymous")
			c.Next()
			return
		}

		// 2. Token extraction
		tokenString := ""
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		// 3. Validation
		claims, err := ParseServiceToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("consumer", claims.Consumer)
		c.Next()
	}
}
