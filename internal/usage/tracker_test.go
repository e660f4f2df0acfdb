package usage

import (
	"context"
	"testing"
	"time"

	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/proxy"
	"orchestrator-go/internal/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attempt(outcome string, provider credential.Provider, model, credID string, status int, at time.Time) proxy.Attempt {
	return proxy.Attempt{
		Time:         at,
		Provider:     provider,
		Action:       router.ActionGenerateContent,
		Model:        model,
		CredentialID: credID,
		Number:       1,
		StatusCode:   status,
		Outcome:      outcome,
	}
}

func TestRecordAttemptAggregates(t *testing.T) {
	tr := NewTracker(nil, time.Minute)
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	tr.RecordAttempt(context.Background(), attempt("retryable", credential.ProviderGemini, "gemini-2.0-flash", "0", 429, now))
	tr.RecordAttempt(context.Background(), attempt("success", credential.ProviderGemini, "gemini-2.0-flash", "1", 200, now))
	tr.RecordAttempt(context.Background(), attempt("success", credential.ProviderVertex, "gemini-2.5-pro", "proj-a", 200, now.Add(time.Hour)))
	tr.RecordAttempt(context.Background(), attempt("token_error", credential.ProviderVertex, "gemini-2.5-pro", "proj-b", 0, now.Add(time.Hour)))

	stats := tr.GetStats()
	assert.Equal(t, int64(4), stats.TotalAttempts)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.RetryableCount)
	assert.Equal(t, int64(1), stats.TokenErrors)

	gem := stats.Providers["gemini"]
	require.NotNil(t, gem)
	assert.Equal(t, int64(2), gem.Attempts)
	assert.Equal(t, int64(1), gem.Success)
	assert.Equal(t, int64(1), gem.Retryable)
	require.NotNil(t, gem.Models["gemini-2.0-flash"])
	assert.Equal(t, int64(2), gem.Models["gemini-2.0-flash"].Calls)
	assert.Equal(t, int64(1), gem.Models["gemini-2.0-flash"].Success)

	vtx := stats.Providers["vertex"]
	require.NotNil(t, vtx)
	assert.Equal(t, int64(2), vtx.Attempts)

	credStat := tr.GetCredentialStats("0")
	require.NotNil(t, credStat)
	assert.Equal(t, int64(1), credStat.Attempts)
	assert.Equal(t, 429, credStat.LastStatus)
	assert.Nil(t, tr.GetCredentialStats("missing"))

	day := stats.Daily["2026-03-14"]
	require.NotNil(t, day)
	assert.Equal(t, int64(4), day.Attempts)
	assert.Equal(t, int64(2), day.Success)
	assert.Equal(t, int64(2), day.Failure)

	require.NotNil(t, stats.Hourly[15])
	assert.Equal(t, int64(2), stats.Hourly[15].Attempts)
	require.NotNil(t, stats.Hourly[16])
	assert.Equal(t, int64(2), stats.Hourly[16].Attempts)
}

func TestGetStatsReturnsDeepCopy(t *testing.T) {
	tr := NewTracker(nil, time.Minute)
	now := time.Now()
	tr.RecordAttempt(context.Background(), attempt("success", credential.ProviderGemini, "m", "0", 200, now))

	snap := tr.GetStats()
	snap.TotalAttempts = 999
	snap.Providers["gemini"].Attempts = 999
	snap.Providers["gemini"].Models["m"].Calls = 999

	fresh := tr.GetStats()
	assert.Equal(t, int64(1), fresh.TotalAttempts)
	assert.Equal(t, int64(1), fresh.Providers["gemini"].Attempts)
	assert.Equal(t, int64(1), fresh.Providers["gemini"].Models["m"].Calls)
}

func TestTrackerStartLoadsAndStopPersists(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	seed := NewStats()
	seed.TotalAttempts = 7
	seed.SuccessCount = 5
	require.NoError(t, store.SaveStats(context.Background(), seed))

	tr := NewTracker(store, time.Hour)
	require.NoError(t, tr.Start(context.Background()))

	tr.RecordAttempt(context.Background(), attempt("success", credential.ProviderGemini, "m", "0", 200, time.Now()))
	require.NoError(t, tr.Stop(context.Background()))

	persisted, err := store.LoadStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(8), persisted.TotalAttempts)
	assert.Equal(t, int64(6), persisted.SuccessCount)
}

func TestTrackerNilStorage(t *testing.T) {
	tr := NewTracker(nil, time.Minute)
	require.NoError(t, tr.Start(context.Background()))
	tr.RecordAttempt(context.Background(), attempt("success", credential.ProviderGemini, "m", "0", 200, time.Now()))
	require.NoError(t, tr.Stop(context.Background()))
}

func TestRecordAttemptAccumulatesBytes(t *testing.T) {
	tr := NewTracker(nil, time.Minute)
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	first := attempt("retryable", credential.ProviderGemini, "gemini-2.0-flash", "0", 429, now)
	first.BytesIn = 120
	second := attempt("success", credential.ProviderGemini, "gemini-2.0-flash", "1", 200, now)
	second.BytesIn = 120
	second.BytesOut = 4096
	third := attempt("success", credential.ProviderVertex, "gemini-2.5-pro", "proj-a", 200, now)
	third.BytesIn = 30
	third.BytesOut = 900

	tr.RecordAttempt(context.Background(), first)
	tr.RecordAttempt(context.Background(), second)
	tr.RecordAttempt(context.Background(), third)

	stats := tr.GetStats()
	assert.Equal(t, int64(270), stats.BytesIn)
	assert.Equal(t, int64(4996), stats.BytesOut)

	gem := stats.Providers["gemini"]
	require.NotNil(t, gem)
	assert.Equal(t, int64(240), gem.BytesIn)
	assert.Equal(t, int64(4096), gem.BytesOut)

	vtx := stats.Providers["vertex"]
	require.NotNil(t, vtx)
	assert.Equal(t, int64(30), vtx.BytesIn)
	assert.Equal(t, int64(900), vtx.BytesOut)

	// Snapshots carry the byte totals and stay isolated from later traffic.
	tr.RecordAttempt(context.Background(), third)
	assert.Equal(t, int64(270), stats.BytesIn)
	assert.Equal(t, int64(4996), stats.BytesOut)
}
