// Package discovery is the service registry: actor hosts register the
// endpoint they listen on, callers resolve actor identities to endpoints
// and can watch for changes. Entries carry a TTL refreshed by heartbeats
// so crashed hosts age out.
package discovery

import (
	"context"
	"errors"
	"time"
)

// ErrNoEndpoint reports that no live endpoint is registered for the actor.
var ErrNoEndpoint = errors.New("no endpoint registered")

// DefaultTTL is the endpoint lifetime between heartbeats. Zero TTL on
// Register means "no expiry".
const DefaultTTL = 30 * time.Second

// EventKind discriminates watch events.
type EventKind string

const (
	// EventUpdated reports a registered or refreshed endpoint.
	EventUpdated EventKind = "updated"
	// EventRemoved reports a deregistered or expired endpoint.
	EventRemoved EventKind = "removed"
	// EventEndpoints carries the full snapshot sent when a watch opens.
	EventEndpoints EventKind = "endpoints"
	// EventError reports a watch failure. The watch stays open.
	EventError EventKind = "error"
)

type (
	// Endpoint describes where an actor host can be reached.
	Endpoint struct {
		// ActorID is the registered actor identity.
		ActorID string `json:"actorID"`
		// Address is the dialable host:port or URL.
		Address string `json:"address"`
		// Metadata carries free-form registration attributes.
		Metadata map[string]string `json:"metadata,omitempty"`
		// RegisteredAt records the initial registration time (UTC).
		RegisteredAt time.Time `json:"registeredAt"`
		// ExpiresAt is the current TTL deadline, zero for no expiry.
		ExpiresAt time.Time `json:"expiresAt,omitzero"`
	}

	// Event is one watch notification.
	Event struct {
		// Kind discriminates the payload fields.
		Kind EventKind
		// Endpoint is set for updated and removed events.
		Endpoint *Endpoint
		// Endpoints is set for the initial snapshot.
		Endpoints []Endpoint
		// Err is set for error events.
		Err error
	}

	// Registry is the service registry contract.
	Registry interface {
		// Register records the endpoint under its actor identity. A zero
		// ttl keeps the entry forever, a positive ttl expires it unless
		// Heartbeat refreshes it in time.
		Register(ctx context.Context, ep Endpoint, ttl time.Duration) error
		// Resolve returns the live endpoint of the actor, ErrNoEndpoint
		// when absent or expired.
		Resolve(ctx context.Context, actorID string) (*Endpoint, error)
		// ResolveAll returns every live endpoint.
		ResolveAll(ctx context.Context) ([]Endpoint, error)
		// Watch streams registry changes affecting actorID. The returned
		// channel first carries an endpoints snapshot, then updated and
		// removed events. cancel closes the channel.
		Watch(ctx context.Context, actorID string) (<-chan Event, context.CancelFunc, error)
		// Deregister removes the actor's endpoint. Removing an absent
		// endpoint is not an error.
		Deregister(ctx context.Context, actorID string) error
		// Heartbeat pushes the TTL deadline forward, ErrNoEndpoint when
		// the entry is gone.
		Heartbeat(ctx context.Context, actorID string) error
		// List returns live endpoints whose actor identity starts with
		// prefix; the empty prefix lists everything.
		List(ctx context.Context, prefix string) ([]Endpoint, error)
	}
)
