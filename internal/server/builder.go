// Package server assembles the gin engine from its runtime services and
// owns the HTTP lifecycle.
package server

import (
	"net/http"

	"orchestrator-go/internal/config"
	"orchestrator-go/internal/credential"
	mgmt "orchestrator-go/internal/handlers/management"
	"orchestrator-go/internal/logging"
	mw "orchestrator-go/internal/middleware"
	"orchestrator-go/internal/proxy"
	"orchestrator-go/internal/token"
	"orchestrator-go/internal/usage"
	"orchestrator-go/internal/version"

	"github.com/gin-gonic/gin"
)

// Dependencies carries the runtime services the engine routes to.
type Dependencies struct {
	GeminiPool   *credential.Pool
	VertexPool   *credential.Pool
	Issuer       *token.Issuer
	Orchestrator *proxy.Orchestrator
	Tracker      *usage.Tracker
	Reload       mgmt.ReloadFunc
	LogTail      *logging.Broadcaster
}

// BuildEngine constructs the single engine serving both the proxy surface
// and the management API.
func BuildEngine(cfg *config.Config, deps Dependencies) *gin.Engine {
	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		mw.Recovery(),
		mw.RequestID(),
		mw.RequestLogger(),
		mw.ClientGate(cfg.Security.AllowedClientIPs),
		mw.CORS(cfg.Security.CORSOrigins),
	)
	if cfg.RateLimit.Enabled {
		engine.Use(mw.RateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
	}

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"version": version.Version,
			"gemini":  deps.GeminiPool.Size(),
			"vertex":  deps.VertexPool.Size(),
		})
	})

	admin := engine.Group("/admin", mw.ManagementAuth(config.ManagementKeyValidator(cfg)))
	handler := mgmt.NewHandler(cfg, deps.GeminiPool, deps.VertexPool, deps.Tracker, deps.Issuer, deps.Reload, deps.LogTail)
	handler.Register(admin)

	// Everything else is a candidate proxy path; the orchestrator decides.
	engine.NoRoute(deps.Orchestrator.Handle)

	return engine
}
