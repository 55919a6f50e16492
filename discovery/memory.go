package discovery

import (
	"context"
	"strings"
	"sync"
	"time"
)

type (
	// Memory is the in-process registry implementation. It backs tests and
	// single-node deployments; the replicated registry is the clustered one.
	Memory struct {
		clock func() time.Time

		mu       sync.Mutex
		entries  map[string]memoryEntry
		watchers map[int]*memoryWatcher
		nextID   int
	}

	// MemoryOption customizes a Memory registry.
	MemoryOption func(*Memory)

	memoryEntry struct {
		ep  Endpoint
		ttl time.Duration
	}

	memoryWatcher struct {
		actorID string
		ch      chan Event
	}
)

var _ Registry = (*Memory)(nil)

// WithMemoryClock injects the time source, used by tests.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) { m.clock = clock }
}

// NewMemory creates an empty in-memory registry.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:    time.Now,
		entries:  make(map[string]memoryEntry),
		watchers: make(map[int]*memoryWatcher),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register implements Registry.
func (m *Memory) Register(_ context.Context, ep Endpoint, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock().UTC()
	if ep.RegisteredAt.IsZero() {
		ep.RegisteredAt = now
	}
	if ttl > 0 {
		ep.ExpiresAt = now.Add(ttl)
	} else {
		ep.ExpiresAt = time.Time{}
	}
	m.entries[ep.ActorID] = memoryEntry{ep: ep, ttl: ttl}
	m.notify(Event{Kind: EventUpdated, Endpoint: &ep})
	return nil
}

// Resolve implements Registry.
func (m *Memory) Resolve(_ context.Context, actorID string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[actorID]
	if !ok || m.expired(entry.ep) {
		return nil, ErrNoEndpoint
	}
	ep := entry.ep
	return &ep, nil
}

// ResolveAll implements Registry.
func (m *Memory) ResolveAll(ctx context.Context) ([]Endpoint, error) {
	return m.List(ctx, "")
}

// List implements Registry.
func (m *Memory) List(_ context.Context, prefix string) ([]Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var eps []Endpoint
	for actorID, entry := range m.entries {
		if !strings.HasPrefix(actorID, prefix) || m.expired(entry.ep) {
			continue
		}
		eps = append(eps, entry.ep)
	}
	return eps, nil
}

// Watch implements Registry.
func (m *Memory) Watch(_ context.Context, actorID string) (<-chan Event, context.CancelFunc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot []Endpoint
	for id, entry := range m.entries {
		if (actorID == "" || id == actorID) && !m.expired(entry.ep) {
			snapshot = append(snapshot, entry.ep)
		}
	}

	w := &memoryWatcher{actorID: actorID, ch: make(chan Event, 16)}
	w.ch <- Event{Kind: EventEndpoints, Endpoints: snapshot}
	id := m.nextID
	m.nextID++
	m.watchers[id] = w

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(w.ch)
		}
	}
	return w.ch, cancel, nil
}

// Deregister implements Registry.
func (m *Memory) Deregister(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[actorID]
	if !ok {
		return nil
	}
	delete(m.entries, actorID)
	m.notify(Event{Kind: EventRemoved, Endpoint: &entry.ep})
	return nil
}

// Heartbeat implements Registry.
func (m *Memory) Heartbeat(_ context.Context, actorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[actorID]
	if !ok || m.expired(entry.ep) {
		return ErrNoEndpoint
	}
	if entry.ttl > 0 {
		entry.ep.ExpiresAt = m.clock().UTC().Add(entry.ttl)
		m.entries[actorID] = entry
	}
	return nil
}

// Reap drops expired endpoints and notifies watchers. It returns the
// number of entries removed.
func (m *Memory) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped int
	for actorID, entry := range m.entries {
		if m.expired(entry.ep) {
			delete(m.entries, actorID)
			m.notify(Event{Kind: EventRemoved, Endpoint: &entry.ep})
			reaped++
		}
	}
	return reaped
}

// StartReaper sweeps expired endpoints every interval until ctx ends.
func (m *Memory) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Reap()
			}
		}
	}()
}

// expired is called with m.mu held.
func (m *Memory) expired(ep Endpoint) bool {
	return !ep.ExpiresAt.IsZero() && !m.clock().UTC().Before(ep.ExpiresAt)
}

// notify is called with m.mu held. Watchers that fall behind lose events
// rather than block the registry.
func (m *Memory) notify(ev Event) {
	for _, w := range m.watchers {
		if w.actorID != "" && ev.Endpoint != nil && w.actorID != ev.Endpoint.ActorID {
			continue
		}
		select {
		case w.ch <- ev:
		default:
		}
	}
}
