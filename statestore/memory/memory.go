// Package memory is the in-process statestore implementation. It backs
// tests and single-node deployments; durability comes from the Redis and
// Mongo stores.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/statestore"
)

type (
	// Store is a mutex-guarded map of actorID to versioned state.
	Store struct {
		clock func() time.Time

		mu     sync.Mutex
		states map[string]record
	}

	// Option customizes a Store.
	Option func(*Store)

	record struct {
		data      []byte
		version   uint64
		updatedAt time.Time
	}
)

var _ statestore.Store = (*Store)(nil)

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		clock:  time.Now,
		states: make(map[string]record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load implements statestore.Store.
func (s *Store) Load(_ context.Context, actorID string) (*statestore.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[actorID]
	if !ok {
		return nil, statestore.ErrNotFound
	}
	data := make([]byte, len(rec.data))
	copy(data, rec.data)
	return &statestore.State{Data: data, Version: rec.version, UpdatedAt: rec.updatedAt}, nil
}

// Save implements statestore.Store.
func (s *Store) Save(_ context.Context, actorID string, data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.states[actorID]
	rec.version++
	rec.data = append([]byte(nil), data...)
	rec.updatedAt = s.clock().UTC()
	s.states[actorID] = rec
	return rec.version, nil
}

// SaveIfVersion implements statestore.Store.
func (s *Store) SaveIfVersion(_ context.Context, actorID string, data []byte, expected uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.states[actorID]
	if rec.version != expected {
		return 0, &rpcerrors.VersionConflictError{Expected: expected, Actual: rec.version}
	}
	rec.version++
	rec.data = append([]byte(nil), data...)
	rec.updatedAt = s.clock().UTC()
	s.states[actorID] = rec
	return rec.version, nil
}

// Delete implements statestore.Store.
func (s *Store) Delete(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, actorID)
	return nil
}

// SequenceNumber implements statestore.Store.
func (s *Store) SequenceNumber(_ context.Context, actorID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[actorID]
	if !ok {
		return 0, statestore.ErrNotFound
	}
	return rec.version, nil
}

// Len reports the number of actors with stored state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
