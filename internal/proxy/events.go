package proxy

import (
	"context"
	"time"

	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/router"
)

// Attempt describes one upstream try, successful or not. Exactly one is
// emitted per try, so downstream accounting sees failovers, not just the
// final answer.
type Attempt struct {
	Time         time.Time
	RequestID    string
	Provider     credential.Provider
	Action       router.Action
	Model        string
	CredentialID string
	Number       int
	StatusCode   int
	Outcome      string
	Streaming    bool
	Duration     time.Duration
	BytesIn      int64
	BytesOut     int64
	Err          string
}

// Recorder receives attempt events. Implementations must not block the
// request path.
type Recorder interface {
	RecordAttempt(ctx context.Context, at Attempt)
}

// nopRecorder drops events; used when usage tracking is disabled.
type nopRecorder struct{}

func (nopRecorder) RecordAttempt(context.Context, Attempt) {}
