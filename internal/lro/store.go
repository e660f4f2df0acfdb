// Package lro pins long-running operations to the project that started
// them, so polling requests land on the same upstream credential.
package lro

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an operation has no recorded owner, either
// because it was never registered here or its record expired.
var ErrNotFound = errors.New("lro: operation not tracked")

// Store maps operation names to the project that owns them. Records expire
// after the configured TTL; a missing record is not an error condition for
// the caller, just a signal to fall back to normal credential selection.
type Store interface {
	// Register records that project owns operation.
	Register(ctx context.Context, operation, project string) error
	// Owner returns the owning project, or ErrNotFound.
	Owner(ctx context.Context, operation string) (string, error)
	// Close releases any underlying resources.
	Close() error
}

// entry is a memory store record.
type entry struct {
	project   string
	expiresAt time.Time
}
