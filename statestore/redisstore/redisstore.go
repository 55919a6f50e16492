// Package redisstore is the Redis-backed statestore implementation. Each
// actor's state lives in one hash; version bumps and conditional writes run
// as Lua scripts so concurrent writers always observe a consistent version.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/statestore"
	"github.com/objectwire/objectwire/telemetry"
)

// DefaultKeyPrefix namespaces all keys written by the store.
const DefaultKeyPrefix = "objectwire"

// saveScript bumps the version and writes the state in one atomic step.
var saveScript = redis.NewScript(`
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'updated_at', ARGV[2])
return v
`)

// saveIfVersionScript writes only when the stored version matches ARGV[2].
// It returns {1, newVersion} on success and {0, actualVersion} on conflict.
var saveIfVersionScript = redis.NewScript(`
local v = tonumber(redis.call('HGET', KEYS[1], 'version') or '0')
if v ~= tonumber(ARGV[2]) then
	return {0, v}
end
v = v + 1
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'version', v, 'updated_at', ARGV[3])
return {1, v}
`)

type (
	// ChangePublisher receives a change event after every successful save.
	// The Pulse-backed publisher in the tailer package implements it.
	ChangePublisher interface {
		PublishChange(ctx context.Context, actorID string, state []byte, seq uint64) error
	}

	// Store is a Redis implementation of statestore.Store.
	Store struct {
		rdb       redis.UniversalClient
		prefix    string
		publisher ChangePublisher
		logger    telemetry.Logger
		clock     func() time.Time
	}

	// Option customizes a Store.
	Option func(*Store)
)

var _ statestore.Store = (*Store)(nil)

// WithKeyPrefix overrides the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithPublisher emits a change event after every successful save. Publish
// failures are logged, never surfaced: the save has already happened.
func WithPublisher(p ChangePublisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the store's logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates a store on top of an established Redis client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		rdb:    rdb,
		prefix: DefaultKeyPrefix,
		logger: telemetry.NewNoopLogger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(actorID string) string {
	return s.prefix + ":state:" + actorID
}

// Load implements statestore.Store.
func (s *Store) Load(ctx context.Context, actorID string) (*statestore.State, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load state of %q: %w", actorID, err)
	}
	if len(fields) == 0 {
		return nil, statestore.ErrNotFound
	}
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis load state of %q: bad version %q: %w", actorID, fields["version"], err)
	}
	state := &statestore.State{
		Data:    []byte(fields["data"]),
		Version: version,
	}
	if ts := fields["updated_at"]; ts != "" {
		updatedAt, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("redis load state of %q: bad timestamp %q: %w", actorID, ts, err)
		}
		state.UpdatedAt = updatedAt
	}
	return state, nil
}

// Save implements statestore.Store.
func (s *Store) Save(ctx context.Context, actorID string, data []byte) (uint64, error) {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	version, err := saveScript.Run(ctx, s.rdb, []string{s.key(actorID)}, data, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis save state of %q: %w", actorID, err)
	}
	s.publish(ctx, actorID, data, uint64(version))
	return uint64(version), nil
}

// SaveIfVersion implements statestore.Store.
func (s *Store) SaveIfVersion(ctx context.Context, actorID string, data []byte, expected uint64) (uint64, error) {
	now := s.clock().UTC().Format(time.RFC3339Nano)
	res, err := saveIfVersionScript.Run(ctx, s.rdb, []string{s.key(actorID)}, data, expected, now).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis conditional save state of %q: %w", actorID, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("redis conditional save state of %q: unexpected reply %v", actorID, res)
	}
	if res[0] == 0 {
		return 0, &rpcerrors.VersionConflictError{Expected: expected, Actual: uint64(res[1])}
	}
	s.publish(ctx, actorID, data, uint64(res[1]))
	return uint64(res[1]), nil
}

// Delete implements statestore.Store.
func (s *Store) Delete(ctx context.Context, actorID string) error {
	if err := s.rdb.Del(ctx, s.key(actorID)).Err(); err != nil {
		return fmt.Errorf("redis delete state of %q: %w", actorID, err)
	}
	return nil
}

// SequenceNumber implements statestore.Store.
func (s *Store) SequenceNumber(ctx context.Context, actorID string) (uint64, error) {
	raw, err := s.rdb.HGet(ctx, s.key(actorID), "version").Result()
	if err == redis.Nil {
		return 0, statestore.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("redis sequence number of %q: %w", actorID, err)
	}
	version, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis sequence number of %q: bad version %q: %w", actorID, raw, err)
	}
	return version, nil
}

func (s *Store) publish(ctx context.Context, actorID string, data []byte, seq uint64) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishChange(ctx, actorID, data, seq); err != nil {
		s.logger.Warn(ctx, "publish state change failed", "actorID", actorID, "seq", seq, "err", err.Error())
	}
}
