package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStorage keeps the aggregates in a single JSON file, written
// atomically via a temp file rename.
type FileStorage struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileStorage creates the data directory if needed.
func NewFileStorage(dataDir string) (*FileStorage, error) {
	if dataDir == "" {
		dataDir = "./data/usage"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}
	return &FileStorage{dataDir: dataDir}, nil
}

func (f *FileStorage) LoadStats(ctx context.Context) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.statsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return NewStats(), nil
		}
		return nil, err
	}

	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		log.WithError(err).Warn("Usage stats file is corrupt, starting fresh")
		return NewStats(), nil
	}
	stats.normalize()
	return &stats, nil
}

func (f *FileStorage) SaveStats(ctx context.Context, stats *Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}

	tmp := f.statsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.statsPath()); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (f *FileStorage) Close() error { return nil }

func (f *FileStorage) statsPath() string {
	return filepath.Join(f.dataDir, "stats.json")
}
