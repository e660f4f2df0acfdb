package management

import (
	"fmt"
	"net/http"
	"time"

	"orchestrator-go/internal/credential"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type probeRequest struct {
	Provider string `json:"provider" binding:"required"`
	ID       string `json:"id" binding:"required"`
}

type probeResult struct {
	Provider   string `json:"provider"`
	ID         string `json:"id"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// handleProbe actively verifies that one credential can still serve: a
// model list call for Gemini keys, a token exchange for Vertex accounts.
// The probe does not touch pool health either way.
func (h *Handler) handleProbe(c *gin.Context) {
	var req probeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": err.Error(), "type": "bad_request"},
		})
		return
	}

	pool, ok := h.poolByName(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"message": "Unknown provider", "type": "bad_request"},
		})
		return
	}
	cred, err := pool.ByID(req.ID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": gin.H{"message": "Credential not found", "type": "not_found"},
		})
		return
	}

	start := time.Now()
	result := probeResult{Provider: req.Provider, ID: cred.ID}
	switch cred.Kind {
	case credential.KindAPIKey:
		result.StatusCode, err = h.probeGeminiKey(c, cred)
		result.OK = err == nil && result.StatusCode == http.StatusOK
		if err == nil && result.StatusCode != http.StatusOK {
			err = fmt.Errorf("upstream answered %d", result.StatusCode)
		}
	case credential.KindServiceAccount:
		_, err = h.issuer.EnsureValid(c.Request.Context(), cred)
		result.OK = err == nil
	}
	result.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
	}

	log.WithFields(log.Fields{
		"provider": req.Provider,
		"id":       cred.ID,
		"ok":       result.OK,
	}).Info("Credential probe finished")
	c.JSON(http.StatusOK, result)
}

func (h *Handler) probeGeminiKey(c *gin.Context, cred *credential.Credential) (int, error) {
	url := h.cfg.Upstream.GeminiBaseURL + "/v1beta/models?pageSize=1&key=" + cred.APIKey
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := h.probeClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
