// Package rpcerrors defines the error taxonomy shared by the dispatch kernel,
// middlewares, transports and stores. Errors fall into a small set of kinds;
// each kind determines how the failure is surfaced to remote callers (failure
// response envelope, stream error frame, or silent transport-level handling).
package rpcerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no additional data.
var (
	// ErrShuttingDown is returned by the admission point once the server has
	// left the running state. Its text is sent verbatim to remote callers.
	ErrShuttingDown = errors.New("Server is shutting down")

	// ErrGoneConnection reports a fan-out send to a connection that no longer
	// exists. Brokers unregister the connection and never propagate it upward.
	ErrGoneConnection = errors.New("connection is gone")

	// ErrMaxRetriesExceeded reports that an optimistic-concurrency save was
	// retried the configured number of times and never observed the expected
	// version.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

type (
	// ProtocolError reports a malformed envelope: unknown discriminator,
	// missing required field or undecodable body. Framed transports log and
	// drop these; HTTP returns 400.
	ProtocolError struct {
		// Reason describes what made the envelope unusable.
		Reason string
	}

	// NotFoundError reports an invocation addressed to an exposed name with no
	// registered actor. Its message is part of the wire contract.
	NotFoundError struct {
		// ActorID is the identifier the caller asked for.
		ActorID string
	}

	// DecodeError reports arguments that could not be decoded against the
	// target method signature. The diagnostic is surfaced verbatim in the
	// failure response.
	DecodeError struct {
		// Target is the method or stream label whose arguments failed to decode.
		Target string
		// Err is the underlying decode failure.
		Err error
	}

	// AuthenticationError reports missing or invalid credentials.
	AuthenticationError struct {
		// Reason describes the credential failure without echoing secrets.
		Reason string
	}

	// AuthorizationError reports a policy denial for an authenticated principal.
	AuthorizationError struct {
		// Principal is the identity that was denied.
		Principal string
		// Target is the actor method the principal attempted to invoke.
		Target string
	}

	// RateLimitError reports token-bucket exhaustion.
	RateLimitError struct {
		// Key identifies the exhausted bucket (global or per-principal).
		Key string
	}

	// ValidationError reports an envelope that failed pre-dispatch validation
	// (payload size, argument count, target identifier syntax or schema).
	ValidationError struct {
		// Reason describes the failed check.
		Reason string
	}

	// VersionConflictError reports an optimistic-concurrency failure on a
	// save-if-version state write.
	VersionConflictError struct {
		// Expected is the version the writer believed the store held.
		Expected uint64
		// Actual is the version the store actually held.
		Actual uint64
	}
)

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// Error implements error. The exact text is asserted by remote clients.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Actor '%s' not found", e.ActorID)
}

// Error implements error.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode arguments for %q: %s", e.Target, e.Err)
}

// Unwrap exposes the underlying decode failure.
func (e *DecodeError) Unwrap() error { return e.Err }

// Error implements error.
func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// Error implements error.
func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("authorization denied for %q on %q", e.Principal, e.Target)
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q", e.Key)
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// Error implements error.
func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected %d, store has %d", e.Expected, e.Actual)
}

// IsVersionConflict reports whether err is (or wraps) a VersionConflictError.
func IsVersionConflict(err error) bool {
	var vc *VersionConflictError
	return errors.As(err, &vc)
}

// IsGone reports whether err is (or wraps) the gone-connection sentinel.
func IsGone(err error) bool {
	return errors.Is(err, ErrGoneConnection)
}
