package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/objectwire/objectwire/rpcerrors"
)

const (
	// DefaultMaxAttempts bounds the optimistic-concurrency retry loop.
	DefaultMaxAttempts = 3
	// DefaultBaseDelay is the first retry delay; attempt n waits
	// BaseDelay * 2^n.
	DefaultBaseDelay = 100 * time.Millisecond
)

type (
	// Transform computes the next state from the current one. current is
	// nil when the actor has no stored state yet.
	Transform func(current []byte) ([]byte, error)

	// UpdateOption customizes the Update retry loop.
	UpdateOption func(*updater)

	updater struct {
		maxAttempts int
		baseDelay   time.Duration
		sleep       func(ctx context.Context, d time.Duration) error
	}
)

// WithMaxAttempts overrides the number of optimistic write attempts.
func WithMaxAttempts(n int) UpdateOption {
	return func(u *updater) { u.maxAttempts = n }
}

// WithBaseDelay overrides the first retry delay.
func WithBaseDelay(d time.Duration) UpdateOption {
	return func(u *updater) { u.baseDelay = d }
}

// WithSleep replaces the retry sleep, used by tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) UpdateOption {
	return func(u *updater) { u.sleep = sleep }
}

// Update runs a read-modify-write cycle against the store: load the current
// state, apply transform, write with SaveIfVersion. On a version conflict it
// backs off exponentially and retries; once the attempts are exhausted it
// fails with rpcerrors.ErrMaxRetriesExceeded. Any other error aborts
// immediately.
func Update(ctx context.Context, store Store, actorID string, transform Transform, opts ...UpdateOption) (uint64, error) {
	u := &updater{
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(u)
	}

	var lastConflict error
	for attempt := 0; attempt < u.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := u.sleep(ctx, u.baseDelay<<(attempt-1)); err != nil {
				return 0, err
			}
		}

		var current []byte
		var version uint64
		state, err := store.Load(ctx, actorID)
		switch {
		case err == nil:
			current = state.Data
			version = state.Version
		case errors.Is(err, ErrNotFound):
			// First write, SaveIfVersion with expected 0 creates.
		default:
			return 0, fmt.Errorf("load state of %q: %w", actorID, err)
		}

		next, err := transform(current)
		if err != nil {
			return 0, fmt.Errorf("transform state of %q: %w", actorID, err)
		}

		seq, err := store.SaveIfVersion(ctx, actorID, next, version)
		if err == nil {
			return seq, nil
		}
		if !rpcerrors.IsVersionConflict(err) {
			return 0, err
		}
		lastConflict = err
	}
	return 0, fmt.Errorf("update state of %q: %w: %w", actorID, rpcerrors.ErrMaxRetriesExceeded, lastConflict)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
