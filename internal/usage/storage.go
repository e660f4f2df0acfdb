package usage

import (
	"context"
	"fmt"

	"orchestrator-go/internal/config"
)

// Storage persists aggregate statistics across restarts.
type Storage interface {
	// LoadStats returns the last persisted aggregates. A backend with no
	// prior data returns empty stats, not an error.
	LoadStats(ctx context.Context) (*Stats, error)
	// SaveStats overwrites the persisted aggregates.
	SaveStats(ctx context.Context, stats *Stats) error
	// Close releases backend resources.
	Close() error
}

// NoOpStorage discards everything. Used when persistence is disabled and
// in tests.
type NoOpStorage struct{}

func (NoOpStorage) LoadStats(context.Context) (*Stats, error) { return NewStats(), nil }
func (NoOpStorage) SaveStats(context.Context, *Stats) error   { return nil }
func (NoOpStorage) Close() error                              { return nil }

// Open builds the storage backend named in the configuration.
func Open(ctx context.Context, cfg *config.Config) (Storage, error) {
	switch cfg.Usage.Backend {
	case "", "none":
		return NoOpStorage{}, nil
	case "file":
		return NewFileStorage(cfg.Usage.BaseDir)
	case "redis":
		return NewRedisStorage(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	case "postgres":
		return NewPostgresStorage(ctx, cfg.Usage.PostgresDSN)
	case "mongodb":
		return NewMongoStorage(ctx, cfg.Usage.MongoURI, cfg.Usage.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown usage backend %q", cfg.Usage.Backend)
	}
}
