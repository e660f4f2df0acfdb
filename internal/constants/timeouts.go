package constants

import "time"

const (
	// UpstreamAttemptTimeout bounds a single proxied attempt, including streaming setup.
	UpstreamAttemptTimeout = 120 * time.Second
	// TokenExchangeTimeout bounds one service-account token exchange call.
	TokenExchangeTimeout = 30 * time.Second
	// ServerShutdownTimeout bounds graceful HTTP server shutdown.
	ServerShutdownTimeout = 30 * time.Second
	// ServerGracefulWait defines post-shutdown wait window for cleanup.
	ServerGracefulWait = 2 * time.Second
)
