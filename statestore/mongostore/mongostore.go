// Package mongostore is the MongoDB-backed statestore implementation. Each
// actor's state is one document keyed by actor identity; version bumps use
// findOneAndUpdate and conditional writes filter on the stored version.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/statestore"
)

type (
	// Store is a MongoDB implementation of statestore.Store.
	Store struct {
		collection *mongo.Collection
		clock      func() time.Time
	}

	// Option customizes a Store.
	Option func(*Store)

	stateDocument struct {
		ActorID   string    `bson:"_id"`
		Data      []byte    `bson:"data"`
		Version   int64     `bson:"version"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

var _ statestore.Store = (*Store)(nil)

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a store on top of a collection from a connected client.
func New(collection *mongo.Collection, opts ...Option) *Store {
	s := &Store{
		collection: collection,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements statestore.Store.
func (s *Store) Load(ctx context.Context, actorID string) (*statestore.State, error) {
	var doc stateDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": actorID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, statestore.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load state of %q: %w", actorID, err)
	}
	return &statestore.State{
		Data:      doc.Data,
		Version:   uint64(doc.Version),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, nil
}

// Save implements statestore.Store.
func (s *Store) Save(ctx context.Context, actorID string, data []byte) (uint64, error) {
	update := bson.M{
		"$inc": bson.M{"version": 1},
		"$set": bson.M{"data": data, "updated_at": s.clock().UTC()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc stateDocument
	if err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": actorID}, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("mongodb save state of %q: %w", actorID, err)
	}
	return uint64(doc.Version), nil
}

// SaveIfVersion implements statestore.Store.
func (s *Store) SaveIfVersion(ctx context.Context, actorID string, data []byte, expected uint64) (uint64, error) {
	now := s.clock().UTC()

	if expected == 0 {
		doc := stateDocument{ActorID: actorID, Data: data, Version: 1, UpdatedAt: now}
		_, err := s.collection.InsertOne(ctx, doc)
		if err == nil {
			return 1, nil
		}
		if mongo.IsDuplicateKeyError(err) {
			return 0, s.conflict(ctx, actorID, expected)
		}
		return 0, fmt.Errorf("mongodb conditional save state of %q: %w", actorID, err)
	}

	filter := bson.M{"_id": actorID, "version": int64(expected)}
	update := bson.M{"$set": bson.M{"data": data, "version": int64(expected + 1), "updated_at": now}}
	res, err := s.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("mongodb conditional save state of %q: %w", actorID, err)
	}
	if res.MatchedCount == 0 {
		return 0, s.conflict(ctx, actorID, expected)
	}
	return expected + 1, nil
}

// conflict reads the actual stored version to shape the conflict error. A
// missing document reports actual version 0.
func (s *Store) conflict(ctx context.Context, actorID string, expected uint64) error {
	actual, err := s.SequenceNumber(ctx, actorID)
	if err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return err
	}
	return &rpcerrors.VersionConflictError{Expected: expected, Actual: actual}
}

// Delete implements statestore.Store.
func (s *Store) Delete(ctx context.Context, actorID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": actorID}); err != nil {
		return fmt.Errorf("mongodb delete state of %q: %w", actorID, err)
	}
	return nil
}

// SequenceNumber implements statestore.Store.
func (s *Store) SequenceNumber(ctx context.Context, actorID string) (uint64, error) {
	opts := options.FindOne().SetProjection(bson.M{"version": 1})
	var doc stateDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": actorID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, statestore.ErrNotFound
		}
		return 0, fmt.Errorf("mongodb sequence number of %q: %w", actorID, err)
	}
	return uint64(doc.Version), nil
}
