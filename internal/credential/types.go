package credential

import (
	"sync"
	"time"
)

// Provider names one of the two upstream backend families.
type Provider string

const (
	// ProviderGemini authenticates with a plain API key as a query parameter.
	ProviderGemini Provider = "gemini"
	// ProviderVertex authenticates with short-lived bearer tokens minted from
	// service-account key material.
	ProviderVertex Provider = "vertex"
)

// Kind distinguishes the two closed credential variants.
type Kind string

const (
	KindAPIKey         Kind = "api_key"
	KindServiceAccount Kind = "service_account"
)

// Health is the selection eligibility of a pool slot.
type Health string

const (
	HealthActive   Health = "active"
	HealthCooling  Health = "cooling"
	HealthDisabled Health = "disabled"
)

// Credential is one pool slot: identity, secret material and health bookkeeping.
// Identity and secret material are immutable after load; the health fields are
// guarded by the credential's own mutex so the pool lock never covers them.
type Credential struct {
	// ID is the stable handle: the ordinal index as a string for API keys,
	// the service account's project id for token-exchange credentials.
	ID   string
	Kind Kind

	// APIKey is set for KindAPIKey.
	APIKey string
	// ServiceAccountJSON and ProjectID are set for KindServiceAccount.
	ServiceAccountJSON []byte
	ProjectID          string
	SourcePath         string

	mu                  sync.Mutex
	disabled            bool
	coolingUntil        time.Time
	consecutiveFailures int
	totalRequests       int64
	successCount        int64
	lastFailure         time.Time
	lastSuccess         time.Time
	lastStatus          int
}

// Eligible reports whether the credential may be selected at the given time.
// A credential whose cooldown has lapsed is implicitly active again.
func (c *Credential) Eligible(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disabled {
		return false
	}
	return !now.Before(c.coolingUntil) || c.coolingUntil.IsZero()
}

// HealthAt derives the health state at the given time.
func (c *Credential) HealthAt(now time.Time) Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.disabled:
		return HealthDisabled
	case now.Before(c.coolingUntil):
		return HealthCooling
	default:
		return HealthActive
	}
}

// MarkSuccess clears failure bookkeeping and returns the slot to active.
func (c *Credential) MarkSuccess(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.successCount++
	c.consecutiveFailures = 0
	c.coolingUntil = time.Time{}
	c.lastSuccess = now
	c.lastStatus = 0
}

// MarkFailure records a retryable failure and starts the cooldown window.
// Failures never disable a credential; only Disable does.
func (c *Credential) MarkFailure(now time.Time, statusCode int, cooldown time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
	c.consecutiveFailures++
	c.coolingUntil = now.Add(cooldown)
	c.lastFailure = now
	c.lastStatus = statusCode
}

// Disable takes the slot out of rotation until Enable. Administrative only.
func (c *Credential) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = true
}

// Enable returns an administratively disabled slot to rotation.
func (c *Credential) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = false
	c.coolingUntil = time.Time{}
	c.consecutiveFailures = 0
}

// ConsecutiveFailures reports the current failure streak.
func (c *Credential) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveFailures
}

// MaskedSecret renders the secret material safe for logs and status output.
func (c *Credential) MaskedSecret() string {
	switch c.Kind {
	case KindAPIKey:
		return maskTail(c.APIKey)
	case KindServiceAccount:
		return "sa:" + c.ProjectID
	default:
		return ""
	}
}

func maskTail(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "..." + s[len(s)-4:]
}

// Snapshot is a read-only, masked view of one slot for status endpoints.
type Snapshot struct {
	ID                  string    `json:"id"`
	Kind                Kind      `json:"kind"`
	Secret              string    `json:"secret"`
	Health              Health    `json:"health"`
	CoolingUntil        time.Time `json:"cooling_until,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastStatus          int       `json:"last_status,omitempty"`
}

// SnapshotAt captures the slot state without exposing secret material.
func (c *Credential) SnapshotAt(now time.Time) Snapshot {
	health := c.HealthAt(now)
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		ID:                  c.ID,
		Kind:                c.Kind,
		Secret:              c.MaskedSecret(),
		Health:              health,
		ConsecutiveFailures: c.consecutiveFailures,
		TotalRequests:       c.totalRequests,
		SuccessCount:        c.successCount,
		LastFailure:         c.lastFailure,
		LastSuccess:         c.lastSuccess,
		LastStatus:          c.lastStatus,
	}
	if health == HealthCooling {
		snap.CoolingUntil = c.coolingUntil
	}
	return snap
}
