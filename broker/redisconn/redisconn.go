// Package redisconn implements the broker's connection storage on Redis.
// Each connection lives under a primary key carrying the subscription JSON
// plus a secondary set index per actor; both expire so crashed clients are
// reaped by Redis itself.
package redisconn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/objectwire/objectwire/broker"
)

// DefaultTTL is the connection key time-to-live. Every write refreshes it.
const DefaultTTL = 2 * time.Hour

type (
	// Storage is a Redis-backed broker.ConnectionStorage.
	Storage struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}

	// StorageOption customizes a Storage.
	StorageOption func(*Storage)
)

// WithKeyPrefix namespaces all keys, letting several deployments share one
// Redis instance.
func WithKeyPrefix(prefix string) StorageOption {
	return func(s *Storage) { s.prefix = prefix }
}

// WithTTL overrides the connection key time-to-live.
func WithTTL(ttl time.Duration) StorageOption {
	return func(s *Storage) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStorage creates a Redis-backed connection storage.
func NewStorage(rdb *redis.Client, opts ...StorageOption) *Storage {
	s := &Storage{
		rdb:    rdb,
		prefix: "objectwire",
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Storage) connKey(connID string) string {
	return fmt.Sprintf("%s:conn:%s", s.prefix, connID)
}

func (s *Storage) actorKey(actorID string) string {
	return fmt.Sprintf("%s:actor:%s", s.prefix, actorID)
}

// Register implements broker.ConnectionStorage.
func (s *Storage) Register(ctx context.Context, connID, actorID string) error {
	sub := broker.Subscription{
		ConnectionID: connID,
		ActorID:      actorID,
		ConnectedAt:  time.Now().UTC(),
	}
	if err := s.write(ctx, sub); err != nil {
		return fmt.Errorf("register connection %q: %w", connID, err)
	}
	if actorID != "" {
		if err := s.indexActor(ctx, actorID, connID); err != nil {
			return fmt.Errorf("register connection %q: %w", connID, err)
		}
	}
	return nil
}

// Subscribe implements broker.ConnectionStorage.
func (s *Storage) Subscribe(ctx context.Context, connID string, streamID uuid.UUID, actorID string) error {
	sub, err := s.load(ctx, connID)
	if err != nil {
		return fmt.Errorf("subscribe connection %q: %w", connID, err)
	}
	if prev := sub.ActorID; prev != "" && prev != actorID {
		if err := s.rdb.SRem(ctx, s.actorKey(prev), connID).Err(); err != nil {
			return fmt.Errorf("subscribe connection %q: unindex %q: %w", connID, prev, err)
		}
	}
	sub.ActorID = actorID
	sub.StreamID = streamID
	if err := s.write(ctx, sub); err != nil {
		return fmt.Errorf("subscribe connection %q: %w", connID, err)
	}
	if err := s.indexActor(ctx, actorID, connID); err != nil {
		return fmt.Errorf("subscribe connection %q: %w", connID, err)
	}
	return nil
}

// Unregister implements broker.ConnectionStorage.
func (s *Storage) Unregister(ctx context.Context, connID string) error {
	sub, err := s.load(ctx, connID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("unregister connection %q: %w", connID, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.connKey(connID))
	if sub.ActorID != "" {
		pipe.SRem(ctx, s.actorKey(sub.ActorID), connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unregister connection %q: %w", connID, err)
	}
	return nil
}

// UpdateSequence implements broker.ConnectionStorage.
func (s *Storage) UpdateSequence(ctx context.Context, connID string, lastSeq uint64) error {
	sub, err := s.load(ctx, connID)
	if err != nil {
		return fmt.Errorf("update sequence for %q: %w", connID, err)
	}
	sub.LastSequence = lastSeq
	if err := s.write(ctx, sub); err != nil {
		return fmt.Errorf("update sequence for %q: %w", connID, err)
	}
	return nil
}

// Connections implements broker.ConnectionStorage. Index entries whose
// primary key expired are pruned as they are discovered.
func (s *Storage) Connections(ctx context.Context, actorID string) ([]broker.Subscription, error) {
	connIDs, err := s.rdb.SMembers(ctx, s.actorKey(actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %q: %w", actorID, err)
	}
	var out []broker.Subscription
	for _, connID := range connIDs {
		sub, err := s.load(ctx, connID)
		if errors.Is(err, redis.Nil) {
			// The connection key expired; drop the stale index entry.
			_ = s.rdb.SRem(ctx, s.actorKey(actorID), connID).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load subscriber %q: %w", connID, err)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Storage) write(ctx context.Context, sub broker.Subscription) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscription: %w", err)
	}
	return s.rdb.Set(ctx, s.connKey(sub.ConnectionID), data, s.ttl).Err()
}

func (s *Storage) load(ctx context.Context, connID string) (broker.Subscription, error) {
	data, err := s.rdb.Get(ctx, s.connKey(connID)).Bytes()
	if err != nil {
		return broker.Subscription{}, err
	}
	var sub broker.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		return broker.Subscription{}, fmt.Errorf("decode subscription: %w", err)
	}
	return sub, nil
}

func (s *Storage) indexActor(ctx context.Context, actorID, connID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.actorKey(actorID), connID)
	pipe.Expire(ctx, s.actorKey(actorID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
