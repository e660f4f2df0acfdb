package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStorage keeps the aggregates in a single document. The stats tree
// is stored as a JSON string rather than nested bson so map keys with
// dots (model names, dates) survive round trips.
type MongoStorage struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoStatsDoc struct {
	ID        string    `bson:"_id"`
	Data      string    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// NewMongoStorage connects and pings.
func NewMongoStorage(ctx context.Context, uri, database string) (*MongoStorage, error) {
	if uri == "" {
		return nil, errors.New("mongodb usage backend requires a URI")
	}
	if database == "" {
		database = "orchestrator"
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	return &MongoStorage{
		client: client,
		coll:   client.Database(database).Collection("usage_stats"),
	}, nil
}

func (m *MongoStorage) LoadStats(ctx context.Context) (*Stats, error) {
	var doc mongoStatsDoc
	err := m.coll.FindOne(ctx, bson.M{"_id": "aggregate"}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NewStats(), nil
	}
	if err != nil {
		return nil, err
	}

	var stats Stats
	if err := json.Unmarshal([]byte(doc.Data), &stats); err != nil {
		return nil, fmt.Errorf("decode usage stats: %w", err)
	}
	stats.normalize()
	return &stats, nil
}

func (m *MongoStorage) SaveStats(ctx context.Context, stats *Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	doc := mongoStatsDoc{ID: "aggregate", Data: string(data), UpdatedAt: time.Now()}
	_, err = m.coll.ReplaceOne(ctx, bson.M{"_id": "aggregate"}, doc, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
