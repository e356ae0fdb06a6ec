package handler

import (
	"crypto/subtle"

	"github.com/gin-gonic/gin"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match the
// configured key. An empty configured key disables the check (local dev).
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			Unauthorized(c)
			c.Abort()
			return
		}

		c.Next()
	}
}
