package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ClientGate rejects requests from addresses outside the allowed set.
// Entries may be single IPs or CIDR blocks; an empty list allows everyone.
func ClientGate(allowed []string) gin.HandlerFunc {
	var ips []net.IP
	var nets []*net.IPNet
	for _, entry := range allowed {
		if entry == "*" {
			return func(c *gin.Context) { c.Next() }
		}
		if _, block, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, block)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
			continue
		}
		log.WithField("entry", entry).Warn("Ignoring unparseable allowed client entry")
	}

	open := len(ips) == 0 && len(nets) == 0

	return func(c *gin.Context) {
		if open {
			c.Next()
			return
		}
		client := net.ParseIP(c.ClientIP())
		if client != nil {
			for _, ip := range ips {
				if ip.Equal(client) {
					c.Next()
					return
				}
			}
			for _, block := range nets {
				if block.Contains(client) {
					c.Next()
					return
				}
			}
		}
		log.WithField("ip", c.ClientIP()).Warn("Client address not allowed")
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": gin.H{
				"message": "Client address not allowed",
				"type":    "forbidden",
			},
		})
	}
}
