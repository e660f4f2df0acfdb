package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestManagementRequiresKey(t *testing.T) {
	_, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {})
	f := buildFixture(t, upstream, []string{"key-a"}, nil)

	rec := f.do(t, http.MethodGet, "/admin/status", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.doAdmin(t, http.MethodGet, "/admin/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	_, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {})
	f := buildFixture(t, upstream, []string{"key-a"}, []string{"proj-a"})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(1), gjson.Get(body, "gemini").Int())
	assert.Equal(t, int64(1), gjson.Get(body, "vertex").Int())
}

func TestReloadPicksUpNewKeys(t *testing.T) {
	_, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {})
	f := buildFixture(t, upstream, []string{"key-a"}, nil)
	require.Equal(t, 1, f.geminiPool.Size())

	writeGeminiKeys(t, f.keysFile, []string{"key-a", "key-b", "key-c"})
	writeServiceAccount(t, f.vertexDir, "proj-new")

	rec := f.doAdmin(t, http.MethodPost, "/admin/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, f.geminiPool.Size())
	assert.Equal(t, 1, f.vertexPool.Size())
}

func TestStatsReflectProxyTraffic(t *testing.T) {
	_, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	f := buildFixture(t, upstream, []string{"key-a"}, nil)

	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", []byte(`{}`))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.doAdmin(t, http.MethodGet, "/admin/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Equal(t, int64(3), gjson.Get(body, "total_attempts").Int())
	assert.Equal(t, int64(3), gjson.Get(body, "success_count").Int())
}

func TestDisabledCredentialIsSkipped(t *testing.T) {
	spy, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	})
	f := buildFixture(t, upstream, []string{"key-a", "key-b"}, nil)

	// Disable the first credential; traffic must only ever use the other.
	rec := f.doAdmin(t, http.MethodPost, "/admin/credentials/gemini/0/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < 4; i++ {
		resp := f.do(t, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", []byte(`{}`))
		require.Equal(t, http.StatusOK, resp.Code)
	}
	for _, key := range spy.seenKeys() {
		assert.Equal(t, "key-b", key)
	}

	rec = f.doAdmin(t, http.MethodPost, "/admin/credentials/gemini/0/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEmptyPoolAnswersTerminally(t *testing.T) {
	_, upstream := newUpstreamSpy(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be reached with an empty pool")
	})
	f := buildFixture(t, upstream, nil, nil)

	rec := f.do(t, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", []byte(`{}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "No Gemini keys available", rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/projects/_/locations/us-central1/publishers/google/models/imagen-3.0:predict", []byte(`{}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "No Vertex credentials available", rec.Body.String())
}
