// Package management implements the authenticated admin surface:
// credential inspection, reload, probing, usage stats and log tailing.
package management

import (
	"context"
	"net/http"
	"time"

	"orchestrator-go/internal/config"
	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/logging"
	"orchestrator-go/internal/token"
	"orchestrator-go/internal/usage"
	"orchestrator-go/internal/version"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// ReloadFunc re-reads credential sources and swaps the pools.
type ReloadFunc func(ctx context.Context) error

// Handler serves the management API.
type Handler struct {
	cfg     *config.Config
	gemini  *credential.Pool
	vertex  *credential.Pool
	tracker *usage.Tracker
	issuer  *token.Issuer
	reload  ReloadFunc
	tail    *logging.Broadcaster

	probeClient *http.Client
	started     time.Time
}

// NewHandler wires the management surface. tracker, tail and reload may be
// nil; the matching endpoints then answer 503.
func NewHandler(cfg *config.Config, gemini, vertex *credential.Pool, tracker *usage.Tracker, issuer *token.Issuer, reload ReloadFunc, tail *logging.Broadcaster) *Handler {
	return &Handler{
		cfg:         cfg,
		gemini:      gemini,
		vertex:      vertex,
		tracker:     tracker,
		issuer:      issuer,
		reload:      reload,
		tail:        tail,
		probeClient: &http.Client{Timeout: 15 * time.Second},
		started:     time.Now(),
	}
}

// Register mounts the endpoints on an already-authenticated group.
func (h *Handler) Register(group *gin.RouterGroup) {
	group.GET("/status", h.handleStatus)
	group.POST("/reload", h.handleReload)
	group.GET("/stats", h.handleStats)
	group.GET("/stats/credentials/:id", h.handleCredentialStats)
	group.POST("/credentials/:provider/:id/disable", h.handleSetDisabled(true))
	group.POST("/credentials/:provider/:id/enable", h.handleSetDisabled(false))
	group.POST("/probe", h.handleProbe)
	group.GET("/logs/ws", h.handleLogTail)
}

func (h *Handler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":        version.Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"gemini": gin.H{
			"count":       h.gemini.Size(),
			"credentials": h.gemini.Snapshot(),
		},
		"vertex": gin.H{
			"count":       h.vertex.Size(),
			"credentials": h.vertex.Snapshot(),
		},
	})
}

func (h *Handler) handleReload(c *gin.Context) {
	if h.reload == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "Reload is not configured", "type": "unavailable"},
		})
		return
	}
	if err := h.reload(c.Request.Context()); err != nil {
		log.WithError(err).Error("Credential reload failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": err.Error(), "type": "reload_failed"},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reloaded": true,
		"gemini":   h.gemini.Size(),
		"vertex":   h.vertex.Size(),
	})
}

func (h *Handler) handleStats(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "Usage tracking is disabled", "type": "unavailable"},
		})
		return
	}
	c.JSON(http.StatusOK, h.tracker.GetStats())
}

func (h *Handler) handleCredentialStats(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": gin.H{"message": "Usage tracking is disabled", "type": "unavailable"},
		})
		return
	}
	stats := h.tracker.GetCredentialStats(c.Param("id"))
	if stats == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "No usage recorded for credential", "type": "not_found"},
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) handleSetDisabled(disable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		pool, ok := h.poolByName(c.Param("provider"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": gin.H{"message": "Unknown provider", "type": "bad_request"},
			})
			return
		}
		cred, err := pool.ByID(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": gin.H{"message": "Credential not found", "type": "not_found"},
			})
			return
		}
		if disable {
			cred.Disable()
		} else {
			cred.Enable()
		}
		log.WithFields(log.Fields{
			"provider": c.Param("provider"),
			"id":       cred.ID,
			"disabled": disable,
		}).Info("Credential administrative state changed")
		c.JSON(http.StatusOK, gin.H{"id": cred.ID, "disabled": disable})
	}
}

func (h *Handler) poolByName(name string) (*credential.Pool, bool) {
	switch name {
	case "gemini":
		return h.gemini, true
	case "vertex":
		return h.vertex, true
	}
	return nil, false
}
