// Package memory provides in-process broker backends: connection storage
// with TTL reaping and a channel-backed sender. Production deployments use
// the redisconn and apigwsender packages; this one serves tests and
// single-process servers.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/broker"
	"github.com/objectwire/objectwire/rpcerrors"
)

// DefaultConnectionTTL is how long a silent connection stays registered.
const DefaultConnectionTTL = 2 * time.Hour

type (
	// Storage is an in-memory ConnectionStorage with a primary index on
	// connection identifier and a secondary index on actor identifier.
	Storage struct {
		ttl time.Duration
		now func() time.Time

		mu      sync.Mutex
		conns   map[string]*connEntry
		byActor map[string]map[string]struct{}
	}

	connEntry struct {
		sub      broker.Subscription
		deadline time.Time
	}

	// StorageOption customizes a Storage.
	StorageOption func(*Storage)

	// Sender is an in-memory ConnectionSender delivering frames to
	// per-connection channels.
	Sender struct {
		mu      sync.Mutex
		inboxes map[string]chan []byte
		info    map[string]broker.ConnectionInfo
	}
)

// WithTTL overrides the connection time-to-live.
func WithTTL(ttl time.Duration) StorageOption {
	return func(s *Storage) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) StorageOption {
	return func(s *Storage) { s.now = now }
}

// NewStorage creates an empty in-memory connection storage.
func NewStorage(opts ...StorageOption) *Storage {
	s := &Storage{
		ttl:     DefaultConnectionTTL,
		now:     time.Now,
		conns:   make(map[string]*connEntry),
		byActor: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register implements broker.ConnectionStorage.
func (s *Storage) Register(ctx context.Context, connID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.conns[connID] = &connEntry{
		sub:      broker.Subscription{ConnectionID: connID, ActorID: actorID, ConnectedAt: now},
		deadline: now.Add(s.ttl),
	}
	if actorID != "" {
		s.index(actorID, connID)
	}
	return nil
}

// Subscribe implements broker.ConnectionStorage.
func (s *Storage) Subscribe(ctx context.Context, connID string, streamID uuid.UUID, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("connection %q not registered", connID)
	}
	if prev := entry.sub.ActorID; prev != "" && prev != actorID {
		delete(s.byActor[prev], connID)
	}
	entry.sub.ActorID = actorID
	entry.sub.StreamID = streamID
	entry.deadline = s.now().Add(s.ttl)
	s.index(actorID, connID)
	return nil
}

// Unregister implements broker.ConnectionStorage.
func (s *Storage) Unregister(ctx context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop(connID)
	return nil
}

// UpdateSequence implements broker.ConnectionStorage.
func (s *Storage) UpdateSequence(ctx context.Context, connID string, lastSeq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.conns[connID]
	if !ok {
		return fmt.Errorf("connection %q not registered", connID)
	}
	entry.sub.LastSequence = lastSeq
	entry.deadline = s.now().Add(s.ttl)
	return nil
}

// Connections implements broker.ConnectionStorage.
func (s *Storage) Connections(ctx context.Context, actorID string) ([]broker.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []broker.Subscription
	for connID := range s.byActor[actorID] {
		if entry, ok := s.conns[connID]; ok {
			out = append(out, entry.sub)
		}
	}
	return out, nil
}

// Reap drops connections whose TTL deadline has passed and returns how many
// were removed.
func (s *Storage) Reap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for connID, entry := range s.conns {
		if entry.deadline.Before(now) {
			s.drop(connID)
			n++
		}
	}
	return n
}

// StartReaper evicts expired connections every interval until ctx is done.
func (s *Storage) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Reap()
			}
		}
	}()
}

// Len reports the number of registered connections.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Storage) index(actorID, connID string) {
	set, ok := s.byActor[actorID]
	if !ok {
		set = make(map[string]struct{})
		s.byActor[actorID] = set
	}
	set[connID] = struct{}{}
}

// drop removes connID from both indexes. Caller holds the lock.
func (s *Storage) drop(connID string) {
	entry, ok := s.conns[connID]
	if !ok {
		return
	}
	delete(s.conns, connID)
	if set, ok := s.byActor[entry.sub.ActorID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(s.byActor, entry.sub.ActorID)
		}
	}
}

// NewSender creates an empty in-memory sender.
func NewSender() *Sender {
	return &Sender{
		inboxes: make(map[string]chan []byte),
		info:    make(map[string]broker.ConnectionInfo),
	}
}

// Connect opens an inbox for connID and returns its receive side.
func (s *Sender) Connect(connID string) <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 64)
	s.inboxes[connID] = ch
	now := time.Now()
	s.info[connID] = broker.ConnectionInfo{ConnectionID: connID, ConnectedAt: now, LastActiveAt: now}
	return ch
}

// Send implements broker.ConnectionSender.
func (s *Sender) Send(ctx context.Context, connID string, data []byte) error {
	s.mu.Lock()
	ch, ok := s.inboxes[connID]
	if ok {
		info := s.info[connID]
		info.LastActiveAt = time.Now()
		s.info[connID] = info
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
	}
	select {
	case ch <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAlive implements broker.ConnectionSender.
func (s *Sender) IsAlive(ctx context.Context, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inboxes[connID]
	return ok
}

// Disconnect implements broker.ConnectionSender.
func (s *Sender) Disconnect(ctx context.Context, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.inboxes[connID]
	if !ok {
		return fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
	}
	close(ch)
	delete(s.inboxes, connID)
	delete(s.info, connID)
	return nil
}

// Info implements broker.ConnectionSender.
func (s *Sender) Info(ctx context.Context, connID string) (broker.ConnectionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.info[connID]
	if !ok {
		return broker.ConnectionInfo{}, fmt.Errorf("connection %q: %w", connID, rpcerrors.ErrGoneConnection)
	}
	return info, nil
}
