package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// IsClientCancel reports whether an outbound call failed because the inbound
// client went away. Such failures must not consume further retry attempts.
func IsClientCancel(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "context canceled")
}

// IsRetryableNetwork reports whether a transport-level failure is worth trying
// again with a different credential. Timeouts, refused connections, resets and
// DNS failures all qualify; a cancelled inbound request does not.
func IsRetryableNetwork(err error) bool {
	if err == nil {
		return false
	}
	if IsClientCancel(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return true
	case strings.Contains(msg, "connection refused"):
		return true
	case strings.Contains(msg, "EOF") || strings.Contains(msg, "connection reset"):
		return true
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "name resolution"):
		return true
	case strings.Contains(msg, "certificate") || strings.Contains(msg, "tls"):
		return true
	}
	return false
}
