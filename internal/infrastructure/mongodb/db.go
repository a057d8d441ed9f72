// Package mongodb realizes the store port on MongoDB. Jobs and schedules
// live in one collection each; the claim is a findAndModify so a document
// moves to started and gains its lease in a single server-side step. A
// counters collection hands out the arrival sequence used as FIFO tiebreak.
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/flowerpower-dev/flowerpower/internal/backend"
	"github.com/flowerpower-dev/flowerpower/internal/repository"
)

var _ repository.Store = (*Store)(nil)

const connectTimeout = 5 * time.Second

// Store implements repository.Store on a MongoDB database.
type Store struct {
	client    *mongo.Client
	jobs      *mongo.Collection
	schedules *mongo.Collection
	counters  *mongo.Collection
	logger    *slog.Logger
}

// New connects to the database named by the descriptor, creates the indexes
// if they do not exist yet and returns the ready store.
func New(ctx context.Context, desc *backend.Descriptor, logger *slog.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(desc.URI).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(desc.Database)
	s := &Store{
		client:    client,
		jobs:      db.Collection("jobs"),
		schedules: db.Collection("schedules"),
		counters:  db.Collection("counters"),
		logger:    logger.With("component", "mongodb-store"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	jobIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "status", Value: 1}, {Key: "fire_at", Value: 1}}},
		{
			Keys:    bson.D{{Key: "lease_expires_at", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{"status": codeStarted}),
		},
		{
			Keys:    bson.D{{Key: "schedule_id", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.M{"schedule_id": bson.M{"$gt": ""}}),
		},
		{
			Keys: bson.D{{Key: "dedup_key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"dedup_key": bson.M{"$gt": ""}}),
		},
	}
	if _, err := s.jobs.Indexes().CreateMany(ctx, jobIndexes); err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}

	scheduleIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "paused", Value: 1}, {Key: "next_fire_at", Value: 1}}},
	}
	if _, err := s.schedules.Indexes().CreateMany(ctx, scheduleIndexes); err != nil {
		return fmt.Errorf("create schedule indexes: %w", err)
	}
	return nil
}

// nextSeq advances the named counter and returns its new value.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	var counter struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"value": 1}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("advance %s counter: %w", name, err)
	}
	return counter.Value, nil
}

func (s *Store) SweepExpired(ctx context.Context, now time.Time) (repository.SweepResult, error) {
	var result repository.SweepResult
	now = now.UTC()

	// Range operators never match a missing or null field, so absent
	// deadlines fall out of the filters on their own.
	evictFilter := bson.M{"$or": []bson.M{
		{"purge_at": bson.M{"$lt": now}},
		{"ttl_expires_at": bson.M{"$lt": now}},
		{"status": codeFinished, "result_expires_at": bson.M{"$lt": now}},
	}}
	deleted, err := s.jobs.DeleteMany(ctx, evictFilter)
	if err != nil {
		return result, fmt.Errorf("evict expired jobs: %w", err)
	}
	result.Evicted = int(deleted.DeletedCount)

	requeued, err := s.jobs.UpdateMany(ctx,
		bson.M{"status": codeStarted, "lease_expires_at": bson.M{"$lt": now}},
		bson.M{
			"$set": bson.M{
				"status": codeQueued, "scheduled_at": now, "fire_at": now,
				"worker_id": "", "updated_at": now,
			},
			"$unset": bson.M{"started_at": "", "lease_expires_at": ""},
		})
	if err != nil {
		return result, fmt.Errorf("requeue stale jobs: %w", err)
	}
	result.Requeued = int(requeued.ModifiedCount)

	exhausted, err := s.schedules.DeleteMany(ctx, bson.M{"next_fire_at": nil})
	if err != nil {
		return result, fmt.Errorf("remove exhausted schedules: %w", err)
	}
	result.Exhausted = int(exhausted.DeletedCount)

	if result.Evicted > 0 || result.Requeued > 0 || result.Exhausted > 0 {
		s.logger.Debug("sweep finished",
			"evicted", result.Evicted,
			"requeued", result.Requeued,
			"exhausted", result.Exhausted)
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect from mongodb: %w", err)
	}
	return nil
}
