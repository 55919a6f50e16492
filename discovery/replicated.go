package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"goa.design/pulse/rmap"
)

const endpointKeyPrefix = "objectwire:endpoint:"

type (
	// Map is the minimal replicated-map contract required by the
	// replicated registry. It is satisfied by *rmap.Map from
	// goa.design/pulse/rmap and defined here so the registry stays
	// unit-testable without Redis.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
		Delete(ctx context.Context, key string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(<-chan rmap.EventKind)
	}

	// Replicated persists endpoints in a Pulse replicated map, making
	// registrations visible to every node in the cluster.
	Replicated struct {
		m     Map
		clock func() time.Time
	}

	// ReplicatedOption customizes a Replicated registry.
	ReplicatedOption func(*Replicated)

	endpointRecord struct {
		Endpoint Endpoint      `json:"endpoint"`
		TTL      time.Duration `json:"ttl,omitempty"`
	}
)

var _ Registry = (*Replicated)(nil)

// WithReplicatedClock injects the time source, used by tests.
func WithReplicatedClock(clock func() time.Time) ReplicatedOption {
	return func(r *Replicated) { r.clock = clock }
}

// NewReplicated creates a registry backed by the given replicated map.
func NewReplicated(m Map, opts ...ReplicatedOption) *Replicated {
	r := &Replicated{m: m, clock: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func endpointKey(actorID string) string { return endpointKeyPrefix + actorID }

func actorFromKey(key string) string {
	return strings.TrimPrefix(key, endpointKeyPrefix)
}

// Register implements Registry.
func (r *Replicated) Register(ctx context.Context, ep Endpoint, ttl time.Duration) error {
	now := r.clock().UTC()
	if ep.RegisteredAt.IsZero() {
		ep.RegisteredAt = now
	}
	if ttl > 0 {
		ep.ExpiresAt = now.Add(ttl)
	} else {
		ep.ExpiresAt = time.Time{}
	}
	b, err := json.Marshal(endpointRecord{Endpoint: ep, TTL: ttl})
	if err != nil {
		return fmt.Errorf("marshal endpoint %q: %w", ep.ActorID, err)
	}
	if _, err := r.m.Set(ctx, endpointKey(ep.ActorID), string(b)); err != nil {
		return fmt.Errorf("register endpoint %q: %w", ep.ActorID, err)
	}
	return nil
}

// Resolve implements Registry.
func (r *Replicated) Resolve(_ context.Context, actorID string) (*Endpoint, error) {
	rec, ok := r.get(actorID)
	if !ok {
		return nil, ErrNoEndpoint
	}
	ep := rec.Endpoint
	return &ep, nil
}

// ResolveAll implements Registry.
func (r *Replicated) ResolveAll(ctx context.Context) ([]Endpoint, error) {
	return r.List(ctx, "")
}

// List implements Registry.
func (r *Replicated) List(_ context.Context, prefix string) ([]Endpoint, error) {
	var eps []Endpoint
	for _, key := range r.m.Keys() {
		if !strings.HasPrefix(key, endpointKeyPrefix) {
			continue
		}
		actorID := actorFromKey(key)
		if !strings.HasPrefix(actorID, prefix) {
			continue
		}
		if rec, ok := r.get(actorID); ok {
			eps = append(eps, rec.Endpoint)
		}
	}
	return eps, nil
}

// Deregister implements Registry.
func (r *Replicated) Deregister(ctx context.Context, actorID string) error {
	if _, err := r.m.Delete(ctx, endpointKey(actorID)); err != nil {
		return fmt.Errorf("deregister endpoint %q: %w", actorID, err)
	}
	return nil
}

// Heartbeat implements Registry.
func (r *Replicated) Heartbeat(ctx context.Context, actorID string) error {
	rec, ok := r.get(actorID)
	if !ok {
		return ErrNoEndpoint
	}
	if rec.TTL <= 0 {
		return nil
	}
	rec.Endpoint.ExpiresAt = r.clock().UTC().Add(rec.TTL)
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal endpoint %q: %w", actorID, err)
	}
	if _, err := r.m.Set(ctx, endpointKey(actorID), string(b)); err != nil {
		return fmt.Errorf("heartbeat endpoint %q: %w", actorID, err)
	}
	return nil
}

// Watch implements Registry. It subscribes to replicated-map change
// notifications and diffs the endpoint view on every notification.
func (r *Replicated) Watch(ctx context.Context, actorID string) (<-chan Event, context.CancelFunc, error) {
	out := make(chan Event, 16)
	stop := make(chan struct{})

	view := r.view(actorID)
	snapshot := make([]Endpoint, 0, len(view))
	for _, ep := range view {
		snapshot = append(snapshot, ep)
	}
	out <- Event{Kind: EventEndpoints, Endpoints: snapshot}

	events := r.m.Subscribe()
	go func() {
		defer close(out)
		defer r.m.Unsubscribe(events)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
				next := r.view(actorID)
				for id, ep := range next {
					prev, existed := view[id]
					if !existed || !prev.ExpiresAt.Equal(ep.ExpiresAt) || prev.Address != ep.Address {
						e := ep
						out <- Event{Kind: EventUpdated, Endpoint: &e}
					}
				}
				for id, ep := range view {
					if _, still := next[id]; !still {
						e := ep
						out <- Event{Kind: EventRemoved, Endpoint: &e}
					}
				}
				view = next
			}
		}
	}()

	var cancelled bool
	cancel := func() {
		if !cancelled {
			cancelled = true
			close(stop)
		}
	}
	return out, cancel, nil
}

// view returns the live endpoints matching actorID, keyed by actor
// identity. The empty actorID matches everything.
func (r *Replicated) view(actorID string) map[string]Endpoint {
	view := make(map[string]Endpoint)
	for _, key := range r.m.Keys() {
		if !strings.HasPrefix(key, endpointKeyPrefix) {
			continue
		}
		id := actorFromKey(key)
		if actorID != "" && id != actorID {
			continue
		}
		if rec, ok := r.get(id); ok {
			view[id] = rec.Endpoint
		}
	}
	return view
}

// get loads and decodes one record, reporting false for absent, corrupt or
// expired entries.
func (r *Replicated) get(actorID string) (endpointRecord, bool) {
	raw, ok := r.m.Get(endpointKey(actorID))
	if !ok {
		return endpointRecord{}, false
	}
	var rec endpointRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return endpointRecord{}, false
	}
	if !rec.Endpoint.ExpiresAt.IsZero() && !r.clock().UTC().Before(rec.Endpoint.ExpiresAt) {
		return endpointRecord{}, false
	}
	return rec, true
}
