package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"orchestrator-go/internal/migrations"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresStorage keeps the aggregates in a single-row jsonb table. The
// schema is applied on open via embedded migrations.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage connects, pings and migrates.
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	if dsn == "" {
		return nil, errors.New("postgres usage backend requires a DSN")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if version, applied, err := migrations.Version(db); err == nil && applied {
		log.WithField("schema_version", version).Debug("Usage schema ready")
	}
	return &PostgresStorage{db: db}, nil
}

func (p *PostgresStorage) LoadStats(ctx context.Context) (*Stats, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM usage_stats WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
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

func (p *PostgresStorage) SaveStats(ctx context.Context, stats *Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO usage_stats (id, data, updated_at) VALUES (1, $1, now())
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
		data)
	return err
}

func (p *PostgresStorage) Close() error {
	return p.db.Close()
}
