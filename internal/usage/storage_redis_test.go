package usage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStorageRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	store, err := NewRedisStorage(ctx, mr.Addr(), "", 0, "orch")
	require.NoError(t, err)
	defer store.Close()

	stats, err := store.LoadStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAttempts)

	stats.TotalAttempts = 11
	stats.Credentials["0"] = &CredentialStats{ID: "0", Provider: "gemini", Attempts: 11}
	require.NoError(t, store.SaveStats(ctx, stats))

	loaded, err := store.LoadStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), loaded.TotalAttempts)
	require.NotNil(t, loaded.Credentials["0"])
	assert.Equal(t, int64(11), loaded.Credentials["0"].Attempts)
}

func TestRedisStorageConnectFailure(t *testing.T) {
	_, err := NewRedisStorage(context.Background(), "127.0.0.1:1", "", 0, "orch")
	assert.Error(t, err)
}
