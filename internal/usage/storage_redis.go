package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the aggregates as one JSON blob in Redis.
type RedisStorage struct {
	client *redis.Client
	key    string
}

// NewRedisStorage connects and verifies the connection.
func NewRedisStorage(ctx context.Context, addr, password string, db int, prefix string) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	if prefix == "" {
		prefix = "orch"
	}
	return &RedisStorage{client: client, key: prefix + ":usage:stats"}, nil
}

func (r *RedisStorage) LoadStats(ctx context.Context) (*Stats, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return NewStats(), nil
	}
	if err != nil {
		return nil, err
	}

	var stats Stats
	if err := json.Unmarshal(data, &stats); err != nil {
		return nil, fmt.Errorf("decode usage stats: %w", err)
	}
	stats.normalize()
	return &stats, nil
}

func (r *RedisStorage) SaveStats(ctx context.Context, stats *Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
