// Package statestore defines the persistent actor-state contract: a
// versioned KV keyed by actor identity with optimistic concurrency. Every
// save bumps the per-actor sequence number by one, and SaveIfVersion only
// writes when the caller's expected version still matches the store.
package statestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that no state is stored for the actor.
var ErrNotFound = errors.New("actor state not found")

type (
	// State is one versioned snapshot of an actor's persisted state.
	State struct {
		// Data is the opaque encoded state.
		Data []byte
		// Version is the per-actor sequence number, starting at 1 on the
		// first save and strictly increasing.
		Version uint64
		// UpdatedAt records when this version was written (UTC).
		UpdatedAt time.Time
	}

	// Store is the persistent actor-state KV. Implementations must keep
	// Version strictly increasing per actor and make SaveIfVersion atomic
	// with respect to concurrent writers.
	Store interface {
		// Load returns the current state of the actor, ErrNotFound when
		// nothing has been saved yet.
		Load(ctx context.Context, actorID string) (*State, error)
		// Save writes data unconditionally and returns the new version.
		Save(ctx context.Context, actorID string, data []byte) (uint64, error)
		// SaveIfVersion writes data only if the stored version equals
		// expected and returns the new version (expected+1). A mismatch
		// fails with rpcerrors.VersionConflictError. Expected version 0
		// means "create": it succeeds only when no state exists yet.
		SaveIfVersion(ctx context.Context, actorID string, data []byte, expected uint64) (uint64, error)
		// Delete removes the actor's state. Deleting absent state is not
		// an error.
		Delete(ctx context.Context, actorID string) error
		// SequenceNumber returns the current version without loading the
		// state bytes, ErrNotFound when absent.
		SequenceNumber(ctx context.Context, actorID string) (uint64, error)
	}
)
