package tests

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"orchestrator-go/internal/config"
	"orchestrator-go/internal/constants"
	"orchestrator-go/internal/credential"
	"orchestrator-go/internal/logging"
	"orchestrator-go/internal/lro"
	"orchestrator-go/internal/proxy"
	srv "orchestrator-go/internal/server"
	"orchestrator-go/internal/token"
	"orchestrator-go/internal/usage"
)

func newBody(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func startTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Skipf("httptest server unavailable: %v", r)
			}
		}()
		server = httptest.NewServer(handler)
	}()
	return server
}

// fixture wires a full engine against fake upstream and token endpoints, with
// credentials loaded from real files in a temp directory.
type fixture struct {
	engine     *gin.Engine
	cfg        *config.Config
	geminiPool *credential.Pool
	vertexPool *credential.Pool
	tracker    *usage.Tracker
	tail       *logging.Broadcaster
	reload     func(ctx context.Context) error

	keysFile  string
	vertexDir string
}

func writeGeminiKeys(t *testing.T, path string, keys []string) {
	t.Helper()
	data, err := json.Marshal(keys)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func writeServiceAccount(t *testing.T, dir, project string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	keyJSON, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   project,
		"private_key":  string(pemKey),
		"client_email": fmt.Sprintf("svc@%s.iam.gserviceaccount.com", project),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, project+".json"), keyJSON, 0o600))
}

func fakeTokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	ts := startTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"ya29.e2e","token_type":"Bearer","expires_in":3600}`)
	}))
	t.Cleanup(ts.Close)
	return ts
}

// buildFixture assembles the engine. upstream serves both provider bases.
func buildFixture(t *testing.T, upstream *httptest.Server, geminiKeys []string, vertexProjects []string) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	root := t.TempDir()
	geminiDir := filepath.Join(root, "gemini")
	vertexDir := filepath.Join(root, "vertex")
	require.NoError(t, os.MkdirAll(geminiDir, 0o755))
	require.NoError(t, os.MkdirAll(vertexDir, 0o755))

	keysFile := filepath.Join(geminiDir, "api_keys.json")
	writeGeminiKeys(t, keysFile, geminiKeys)
	for _, project := range vertexProjects {
		writeServiceAccount(t, vertexDir, project)
	}

	cfg := config.Default()
	cfg.Security.ManagementKey = "e2e-secret"
	cfg.Paths.CredsRoot = root

	geminiPool := credential.NewPool(credential.ProviderGemini, constants.CredentialCooldown)
	vertexPool := credential.NewPool(credential.ProviderVertex, constants.CredentialCooldown)
	geminiSource := credential.NewGeminiKeyFileSource(keysFile, nil)
	vertexSource := credential.NewVertexDirSource(vertexDir)

	reload := func(ctx context.Context) error {
		gc, err := geminiSource.Load(ctx)
		if err != nil {
			return err
		}
		vc, err := vertexSource.Load(ctx)
		if err != nil {
			return err
		}
		geminiPool.Reload(gc)
		vertexPool.Reload(vc)
		return nil
	}
	require.NoError(t, reload(context.Background()))

	issuer := token.NewIssuer(token.WithTokenURL(fakeTokenEndpoint(t).URL))
	ops := lro.NewMemoryStore(constants.OperationAffinityTTL)
	t.Cleanup(func() { _ = ops.Close() })

	tracker := usage.NewTracker(usage.NoOpStorage{}, time.Hour)
	require.NoError(t, tracker.Start(context.Background()))
	t.Cleanup(func() { _ = tracker.Stop(context.Background()) })

	tail := logging.InstallTail()
	t.Cleanup(tail.Stop)

	orch := proxy.New(geminiPool, vertexPool, issuer, ops, tracker, proxy.Options{
		MaxRetries:   3,
		NetworkPause: time.Millisecond,
		GeminiBase:   upstream.URL,
		VertexBase:   upstream.URL,
	})

	engine := srv.BuildEngine(cfg, srv.Dependencies{
		GeminiPool:   geminiPool,
		VertexPool:   vertexPool,
		Issuer:       issuer,
		Orchestrator: orch,
		Tracker:      tracker,
		Reload:       reload,
		LogTail:      tail,
	})

	return &fixture{
		engine:     engine,
		cfg:        cfg,
		geminiPool: geminiPool,
		vertexPool: vertexPool,
		tracker:    tracker,
		tail:       tail,
		reload:     reload,
		keysFile:   keysFile,
		vertexDir:  vertexDir,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, newBody(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doAdmin(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, newBody(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.Security.ManagementKey)
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}
