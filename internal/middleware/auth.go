package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Authorizer decides whether a presented management key grants access.
type Authorizer func(key string) bool

// ManagementAuth guards the admin surface. The key is accepted as a
// bearer token or the X-Management-Key header.
func ManagementAuth(authorize Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := extractManagementKey(c)
		if key == "" || authorize == nil || !authorize(key) {
			log.WithFields(log.Fields{
				"ip":   c.ClientIP(),
				"path": c.Request.URL.Path,
			}).Warn("Management auth rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid or missing management key",
					"type":    "unauthorized",
				},
			})
			return
		}
		c.Next()
	}
}

func extractManagementKey(c *gin.Context) string {
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	if v := strings.TrimSpace(c.GetHeader("X-Management-Key")); v != "" {
		return v
	}
	return ""
}
