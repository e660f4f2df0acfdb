package constants

import "time"

// Retry and rotation policy.
const (
	// DefaultMaxRetries caps upstream attempts per inbound request.
	DefaultMaxRetries = 10
	// NetworkErrorPause is inserted between attempts after a transport-level
	// failure so an unreachable network path is not hot-looped.
	NetworkErrorPause = 500 * time.Millisecond
	// CredentialCooldown is how long a credential sits out after a retryable
	// failure. Intentionally short and fixed: the point is to skip the slot for
	// the rest of the current retry loop, not to back off across the pool's life.
	CredentialCooldown = 30 * time.Second
	// TokenRefreshMargin is the minimum remaining validity before a cached
	// bearer token is considered stale.
	TokenRefreshMargin = 60 * time.Second
	// OperationAffinityTTL bounds how long a long-running operation stays pinned
	// to the project that started it.
	OperationAffinityTTL = 24 * time.Hour
)
