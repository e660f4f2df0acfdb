package proxy

import "net/http"

// OutcomeKind says what a single upstream attempt produced.
type OutcomeKind int

const (
	// OutcomeSuccess ends the request with the upstream response.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRetryable cools the credential and moves to the next one.
	OutcomeRetryable
	// OutcomeFatal ends the request by passing the upstream response
	// through unchanged. The credential's health is not touched.
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// retryableStatuses are the upstream codes worth trying another credential
// for: quota exhaustion, billing problems, permission revocation and
// transient unavailability.
var retryableStatuses = map[int]bool{
	http.StatusTooManyRequests:    true, // 429
	http.StatusPaymentRequired:    true, // 402
	http.StatusForbidden:          true, // 403
	http.StatusServiceUnavailable: true, // 503
}

// classifyStatus maps an upstream HTTP status to an outcome kind.
func classifyStatus(code int) OutcomeKind {
	switch {
	case code < 400:
		return OutcomeSuccess
	case retryableStatuses[code]:
		return OutcomeRetryable
	default:
		return OutcomeFatal
	}
}
