package management

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var tailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Auth already happened on the group; the admin surface is same-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleLogTail upgrades to a websocket and streams log lines until the
// client goes away.
func (h *Handler) handleLogTail(c *gin.Context) {
	if h.tail == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "Log tailing is disabled", "type": "unavailable"},
		})
		return
	}

	conn, err := tailUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithError(err).Warn("Log tail upgrade failed")
		return
	}

	if err := h.tail.Attach(conn); err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	// Reads are discarded; the loop exists to notice the close frame.
	go func() {
		defer h.tail.Detach(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
