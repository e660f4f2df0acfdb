package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/lro"
	"orchestrator-go/internal/token"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type spyRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (s *spyRecorder) RecordAttempt(_ context.Context, at Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, at)
}

func (s *spyRecorder) all() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

func geminiPool(t *testing.T, keys ...string) *credential.Pool {
	t.Helper()
	pool := credential.NewPool(credential.ProviderGemini, time.Minute)
	creds := make([]*credential.Credential, 0, len(keys))
	for i, key := range keys {
		creds = append(creds, &credential.Credential{
			ID:     fmt.Sprintf("%d", i),
			Kind:   credential.KindAPIKey,
			APIKey: key,
		})
	}
	pool.Reload(creds)
	return pool
}

func vertexPool(t *testing.T, projects ...string) *credential.Pool {
	t.Helper()
	pool := credential.NewPool(credential.ProviderVertex, time.Minute)
	creds := make([]*credential.Credential, 0, len(projects))
	for _, p := range projects {
		creds = append(creds, &credential.Credential{
			ID:        p,
			Kind:      credential.KindServiceAccount,
			ProjectID: p,
		})
	}
	pool.Reload(creds)
	return pool
}

func stubIssuer() *token.Issuer {
	return token.NewIssuer(token.WithExchangeFunc(func(_ context.Context, cred *credential.Credential) (token.Token, error) {
		return token.Token{Value: "tok-" + cred.ProjectID, ExpiresAt: time.Now().Add(time.Hour)}, nil
	}))
}

func newTestOrchestrator(t *testing.T, gemini, vertex *credential.Pool, upstream string) (*Orchestrator, *spyRecorder, lro.Store) {
	t.Helper()
	rec := &spyRecorder{}
	ops := lro.NewMemoryStore(time.Hour)
	o := New(gemini, vertex, stubIssuer(), ops, rec, Options{
		MaxRetries:   3,
		NetworkPause: time.Millisecond,
		GeminiBase:   upstream,
		VertexBase:   upstream,
	})
	return o, rec, ops
}

func do(o *Orchestrator, method, path, body string) *httptest.ResponseRecorder {
	engine := gin.New()
	engine.NoRoute(o.Handle)
	w := httptest.NewRecorder()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req)
	return w
}

func TestFailoverToSecondCredential(t *testing.T) {
	var keys []string
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		if key == "AIza-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer ts.Close()

	pool := geminiPool(t, "AIza-a", "AIza-b")
	o, rec, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{"contents":[]}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"candidates":[]}`, w.Body.String())

	mu.Lock()
	assert.Equal(t, []string{"AIza-a", "AIza-b"}, keys)
	mu.Unlock()

	attempts := rec.all()
	require.Len(t, attempts, 2)
	assert.Equal(t, "retryable", attempts[0].Outcome)
	assert.Equal(t, 429, attempts[0].StatusCode)
	assert.Equal(t, "success", attempts[1].Outcome)
	assert.Equal(t, 1, attempts[0].Number)
	assert.Equal(t, 2, attempts[1].Number)
}

func TestExhaustionAfterMaxRetries(t *testing.T) {
	var hits int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	// Plenty of keys so the attempt cap, not the pool, ends the loop.
	pool := geminiPool(t, "k1", "k2", "k3", "k4", "k5")
	o, rec, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textAllExhausted, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")

	mu.Lock()
	assert.Equal(t, 3, hits)
	mu.Unlock()
	assert.Len(t, rec.all(), 3)
}

func TestAllCredentialsCoolingIsTerminal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	pool := geminiPool(t, "k1", "k2")
	o, _, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	// Both keys fail and cool, the loop ends before the attempt cap.
	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textAllExhausted, w.Body.String())
}

func TestEmptyPoolShortCircuits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream must not be reached")
	}))
	defer ts.Close()

	o, rec, _ := newTestOrchestrator(t, geminiPool(t), vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textNoGeminiKeys, w.Body.String())
	assert.Empty(t, rec.all())

	w = do(o, "POST", "/v1/projects/p/locations/us-central1/publishers/google/models/m:generateContent", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textNoVertexCreds, w.Body.String())
}

func TestClientErrorPassesThroughWithoutCooling(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"invalid argument"}}`)
	}))
	defer ts.Close()

	pool := geminiPool(t, "k1", "k2")
	o, rec, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{"bad":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":{"message":"invalid argument"}}`, w.Body.String())

	attempts := rec.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, "fatal", attempts[0].Outcome)

	// The failing request must not have cooled the credential.
	for _, snap := range pool.Snapshot() {
		assert.Equal(t, credential.HealthActive, snap.Health)
	}
}

func TestUnknownPathIsNotFound(t *testing.T) {
	o, rec, _ := newTestOrchestrator(t, geminiPool(t, "k"), vertexPool(t), "http://unused.test")
	w := do(o, "POST", "/v2/unknown/thing", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown_route")
	assert.Empty(t, rec.all())
}

func TestStreamingPassthrough(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"chunk\":%d}\n\n", i)
			flusher.Flush()
		}
	}))
	defer ts.Close()

	pool := geminiPool(t, "k1")
	o, rec, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:streamGenerateContent", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `data: {"chunk":0}`)
	assert.Contains(t, w.Body.String(), `data: {"chunk":2}`)

	attempts := rec.all()
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Streaming)
}

func TestStreamingErrorStatusStillRotates(t *testing.T) {
	var hits int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"ok\":true}\n\n")
	}))
	defer ts.Close()

	pool := geminiPool(t, "k1", "k2")
	o, _, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:streamGenerateContent", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok":true`)
}

func TestVertexAttemptInjectsAuth(t *testing.T) {
	var gotAuth, gotProject, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotProject = r.Header.Get("X-Goog-User-Project")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer ts.Close()

	o, _, _ := newTestOrchestrator(t, geminiPool(t), vertexPool(t, "proj-a"), ts.URL)

	w := do(o, "POST", "/v1/projects/placeholder/locations/us-central1/publishers/google/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Bearer tok-proj-a", gotAuth)
	assert.Equal(t, "proj-a", gotProject)
	assert.Equal(t, "/v1/projects/proj-a/locations/us-central1/publishers/google/models/gemini-2.0-flash:generateContent", gotPath)
}

func TestTokenFailureRotatesToNextCredential(t *testing.T) {
	var served string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = r.Header.Get("X-Goog-User-Project")
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	pool := vertexPool(t, "proj-bad", "proj-good")
	rec := &spyRecorder{}
	iss := token.NewIssuer(token.WithExchangeFunc(func(_ context.Context, cred *credential.Credential) (token.Token, error) {
		if cred.ProjectID == "proj-bad" {
			return token.Token{}, fmt.Errorf("invalid_grant")
		}
		return token.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}))
	o := New(geminiPool(t), pool, iss, lro.NewMemoryStore(time.Hour), rec, Options{
		MaxRetries: 3, NetworkPause: time.Millisecond, VertexBase: ts.URL,
	})

	w := do(o, "POST", "/v1/projects/p/locations/us-central1/publishers/google/models/m:generateContent", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "proj-good", served)

	attempts := rec.all()
	require.Len(t, attempts, 2)
	assert.Equal(t, "token_error", attempts[0].Outcome)
	assert.Equal(t, "success", attempts[1].Outcome)
}

func TestOperationRegistrationAndPinnedPoll(t *testing.T) {
	const opName = "projects/proj-b/locations/us-central1/operations/op-123"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, ":predictLongRunning") {
			fmt.Fprintf(w, `{"name":%q}`, opName)
			return
		}
		// The poll must carry the owner's project in the path.
		if !strings.Contains(r.URL.Path, "/projects/proj-a/") {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"wrong project"}`)
			return
		}
		fmt.Fprint(w, `{"done":true}`)
	}))
	defer ts.Close()

	// Round robin starts at proj-a, which becomes the operation owner.
	pool := vertexPool(t, "proj-a", "proj-b")
	o, _, ops := newTestOrchestrator(t, geminiPool(t), pool, ts.URL)

	w := do(o, "POST", "/v1/projects/x/locations/us-central1/publishers/google/models/veo:predictLongRunning", `{}`)
	require.Equal(t, http.StatusOK, w.Code)

	owner, err := ops.Owner(context.Background(), opName)
	require.NoError(t, err)
	assert.Equal(t, "proj-a", owner)

	// The poll would round-robin to proj-b, but affinity pins it to proj-a.
	body := fmt.Sprintf(`{"operationName":%q}`, opName)
	w = do(o, "POST", "/v1/projects/x/locations/us-central1/publishers/google/models/veo:fetchPredictOperation", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"done":true}`, w.Body.String())
}

func TestPinnedQuotaExhaustionIsTerminal(t *testing.T) {
	var hits int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	pool := vertexPool(t, "proj-a", "proj-b")
	o, _, ops := newTestOrchestrator(t, geminiPool(t), pool, ts.URL)
	require.NoError(t, ops.Register(context.Background(), "projects/proj-a/locations/l/operations/1", "proj-a"))

	w := do(o, "POST", "/v1/projects/x/locations/l/publishers/google/models/veo:fetchPredictOperation",
		`{"operationName":"projects/proj-a/locations/l/operations/1"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, textOpQuota, w.Body.String())
	assert.Equal(t, 1, hits, "pinned polls never rotate")
}

func TestPinnedOwnerGoneIsTerminal(t *testing.T) {
	pool := vertexPool(t, "proj-b")
	o, _, ops := newTestOrchestrator(t, geminiPool(t), pool, "http://unused.test")
	require.NoError(t, ops.Register(context.Background(), "projects/gone/locations/l/operations/1", "proj-gone"))

	w := do(o, "POST", "/v1/projects/x/locations/l/publishers/google/models/veo:fetchPredictOperation",
		`{"operationName":"projects/gone/locations/l/operations/1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textTargetCredDown, w.Body.String())
}

func TestPinnedTokenFailureIsTerminal(t *testing.T) {
	pool := vertexPool(t, "proj-a")
	rec := &spyRecorder{}
	ops := lro.NewMemoryStore(time.Hour)
	iss := token.NewIssuer(token.WithExchangeFunc(func(_ context.Context, _ *credential.Credential) (token.Token, error) {
		return token.Token{}, fmt.Errorf("invalid_grant")
	}))
	o := New(geminiPool(t), pool, iss, ops, rec, Options{MaxRetries: 3, VertexBase: "http://unused.test"})
	require.NoError(t, ops.Register(context.Background(), "projects/proj-a/locations/l/operations/1", "proj-a"))

	w := do(o, "POST", "/v1/projects/x/locations/l/publishers/google/models/veo:fetchPredictOperation",
		`{"operationName":"projects/proj-a/locations/l/operations/1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textTargetCredDown, w.Body.String())
}

func TestUnknownOperationFallsBackToRotation(t *testing.T) {
	var served []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served = append(served, r.Header.Get("X-Goog-User-Project"))
		fmt.Fprint(w, `{"done":false}`)
	}))
	defer ts.Close()

	pool := vertexPool(t, "proj-a", "proj-b")
	o, _, _ := newTestOrchestrator(t, geminiPool(t), pool, ts.URL)

	w := do(o, "POST", "/v1/projects/x/locations/l/publishers/google/models/veo:fetchPredictOperation",
		`{"operationName":"projects/x/locations/l/operations/never-registered"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"proj-a"}, served)
}

func TestNetworkErrorRetries(t *testing.T) {
	var hits int
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			// Close the connection without a response.
			hj, _ := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"candidates":[]}`)
	}))
	defer ts.Close()

	pool := geminiPool(t, "k1", "k2")
	o, rec, _ := newTestOrchestrator(t, pool, vertexPool(t), ts.URL)

	w := do(o, "POST", "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusOK, w.Code)

	attempts := rec.all()
	require.Len(t, attempts, 2)
	assert.Equal(t, "network_error", attempts[0].Outcome)
	assert.NotEmpty(t, attempts[0].Err)
	assert.Equal(t, "success", attempts[1].Outcome)
}

func TestExtractOperationName(t *testing.T) {
	assert.Equal(t, "projects/p/locations/l/operations/1",
		extractOperationName("/anything", []byte(`{"operationName":"projects/p/locations/l/operations/1"}`)))
	assert.Equal(t, "projects/p/locations/l/operations/1",
		extractOperationName("/v1/projects/p/locations/l/operations/1", nil))
	assert.Empty(t, extractOperationName("/v1/projects/p/locations/l/models/m:predict", nil))
}

func TestAttemptEventsCarryByteCounts(t *testing.T) {
	respBody := `{"candidates":[{"ok":true}]}`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "AIza-a" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(respBody))
	}))
	defer ts.Close()

	o, rec, _ := newTestOrchestrator(t, geminiPool(t, "AIza-a", "AIza-b"), vertexPool(t), ts.URL)
	reqBody := `{"contents":[{"parts":[{"text":"count me"}]}]}`
	w := do(o, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", reqBody)
	require.Equal(t, http.StatusOK, w.Code)

	attempts := rec.all()
	require.Len(t, attempts, 2)

	retried := attempts[0]
	assert.Equal(t, "retryable", retried.Outcome)
	assert.Equal(t, int64(len(reqBody)), retried.BytesIn)
	assert.Zero(t, retried.BytesOut)

	served := attempts[1]
	assert.Equal(t, "success", served.Outcome)
	assert.Equal(t, int64(len(reqBody)), served.BytesIn)
	assert.Equal(t, int64(len(respBody)), served.BytesOut)
}

func TestClientCancelStopsRetries(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			close(started)
		}
		<-release
	}))
	defer ts.Close()
	defer close(release)

	o, rec, _ := newTestOrchestrator(t, geminiPool(t, "AIza-a", "AIza-b"), vertexPool(t), ts.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	engine := gin.New()
	engine.NoRoute(o.Handle)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	engine.ServeHTTP(w, req.WithContext(ctx))

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Zero(t, w.Body.Len())

	attempts := rec.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, "client_cancel", attempts[0].Outcome)
}

func TestNonRetryableTransportErrorIsTerminal(t *testing.T) {
	// An unsupported scheme fails every credential identically; retrying
	// across the pool cannot change the outcome.
	o, rec, _ := newTestOrchestrator(t, geminiPool(t, "AIza-a", "AIza-b", "AIza-c"), vertexPool(t), "unix://nowhere")

	w := do(o, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, textAllExhausted, w.Body.String())

	attempts := rec.all()
	require.Len(t, attempts, 1)
	assert.Equal(t, "network_error", attempts[0].Outcome)
}
