package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"orchestrator-go/internal/secrets"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// VertexDirSource loads service-account credentials from a directory of JSON
// key files. The file's project_id becomes the credential identity.
type VertexDirSource struct {
	dir string
}

// NewVertexDirSource constructs a source over dir.
func NewVertexDirSource(dir string) *VertexDirSource {
	return &VertexDirSource{dir: filepath.Clean(dir)}
}

// Provider implements Source.
func (s *VertexDirSource) Provider() Provider { return ProviderVertex }

// Load reads every *.json service-account file in the directory. Files without
// private_key or project_id are skipped with a warning, not fatal: one bad key
// file must not empty the pool.
func (s *VertexDirSource) Load(_ context.Context) ([]*Credential, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("dir", s.dir).Warn("Vertex credential directory not found")
			return nil, nil
		}
		return nil, fmt.Errorf("read credential directory %s: %w", s.dir, err)
	}

	var creds []*Credential
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		// api_keys.json may share the directory in flat layouts.
		if strings.Contains(entry.Name(), "api_keys") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warnf("Failed to read credential file %s", entry.Name())
			continue
		}
		if !gjson.ValidBytes(data) {
			log.Warnf("Credential file %s is not valid JSON, skipping", entry.Name())
			continue
		}
		projectID := gjson.GetBytes(data, "project_id").String()
		if projectID == "" || !gjson.GetBytes(data, "private_key").Exists() {
			log.Warnf("Credential file %s is not a service account key, skipping", entry.Name())
			continue
		}
		creds = append(creds, &Credential{
			ID:                 projectID,
			Kind:               KindServiceAccount,
			ServiceAccountJSON: data,
			ProjectID:          projectID,
			SourcePath:         path,
		})
		log.WithField("project", projectID).Info("Loaded Vertex credential")
	}
	return creds, nil
}

// GeminiKeyFileSource loads API keys from a single JSON file. Two formats are
// accepted: a plain list of key strings, or {"encrypted_keys": [...]} whose
// entries are unsealed with the configured box.
type GeminiKeyFileSource struct {
	path string
	box  *secrets.Box
}

// NewGeminiKeyFileSource constructs a source over path. box may be nil when
// only plaintext key files are used.
func NewGeminiKeyFileSource(path string, box *secrets.Box) *GeminiKeyFileSource {
	return &GeminiKeyFileSource{path: path, box: box}
}

// Provider implements Source.
func (s *GeminiKeyFileSource) Provider() Provider { return ProviderGemini }

// Load reads and, if needed, decrypts the key list. Keys keep their file order
// so the rotation cursor is stable across reloads of an unchanged file.
func (s *GeminiKeyFileSource) Load(_ context.Context) ([]*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			log.WithField("path", s.path).Warn("Gemini key file not found")
			return nil, nil
		}
		return nil, fmt.Errorf("read key file %s: %w", s.path, err)
	}

	keys, err := s.parseKeys(data)
	if err != nil {
		return nil, err
	}

	creds := make([]*Credential, 0, len(keys))
	for i, key := range keys {
		creds = append(creds, &Credential{
			ID:         strconv.Itoa(i),
			Kind:       KindAPIKey,
			APIKey:     key,
			SourcePath: s.path,
		})
	}
	log.WithField("count", len(creds)).Info("Loaded Gemini API keys")
	return creds, nil
}

func (s *GeminiKeyFileSource) parseKeys(data []byte) ([]string, error) {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		out := make([]string, 0, len(plain))
		for _, k := range plain {
			if strings.TrimSpace(k) != "" {
				out = append(out, k)
			}
		}
		if len(out) > 0 {
			log.Warn("Gemini key file is unencrypted; consider sealing it with the encrypt-keys tool")
		}
		return out, nil
	}

	var sealed struct {
		EncryptedKeys []string `json:"encrypted_keys"`
	}
	if err := json.Unmarshal(data, &sealed); err != nil || sealed.EncryptedKeys == nil {
		return nil, fmt.Errorf("key file %s: expected a key list or encrypted_keys object", s.path)
	}
	if s.box == nil {
		return nil, fmt.Errorf("key file %s is encrypted but no master key is configured", s.path)
	}

	out := make([]string, 0, len(sealed.EncryptedKeys))
	for i, enc := range sealed.EncryptedKeys {
		key, err := s.box.Unseal(enc)
		if err != nil {
			log.WithError(err).Warnf("Failed to decrypt key %d, skipping", i)
			continue
		}
		out = append(out, key)
	}
	return out, nil
}
