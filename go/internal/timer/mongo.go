package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoConfig holds MongoDB connection settings
type MongoConfig struct {
	URI         string        `yaml:"uri"`
	Database    string        `yaml:"database"`
	Collection  string        `yaml:"collection"`
	MaxPoolSize uint64        `yaml:"max_pool_size"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultMongoConfig returns default MongoDB configuration
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:         "mongodb://localhost:27017",
		Database:    "timergate",
		Collection:  "timers",
		MaxPoolSize: 20,
		Timeout:     10 * time.Second,
	}
}

// ConnectMongo connects to MongoDB and verifies the primary is reachable
func ConnectMongo(ctx context.Context, config MongoConfig) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(config.URI).
		SetMaxPoolSize(config.MaxPoolSize).
		SetConnectTimeout(config.Timeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

// MongoRepository stores one document per user, keyed by user id
type MongoRepository struct {
	coll *mongo.Collection
}

// NewMongoRepository creates a repository over coll
func NewMongoRepository(coll *mongo.Collection) *MongoRepository {
	return &MongoRepository{coll: coll}
}

func (r *MongoRepository) Save(ctx context.Context, s Snapshot) error {
	_, err := r.coll.ReplaceOne(ctx,
		bson.M{"_id": s.UserID},
		s,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save timer: %w", err)
	}
	return nil
}

func (r *MongoRepository) Load(ctx context.Context, userID string) (Snapshot, error) {
	var s Snapshot
	err := r.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Snapshot{}, ErrTimerNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load timer: %w", err)
	}
	s.StartedAt = s.StartedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func (r *MongoRepository) Delete(ctx context.Context, userID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"_id": userID}); err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}
	return nil
}
