// Package middleware composes the invocation pipeline: ordered wrappers
// around the dispatch kernel's terminal handler. The package ships the
// observability wrappers (tracing, metrics, logging) and the security
// wrappers (authentication, authorization, rate limiting, validation); the
// recommended outermost-first order is validation, rate limit,
// authentication, authorization, tracing.
package middleware

import (
	"context"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/wire"
)

type (
	// Handler processes one decoded invocation against its resolved actor
	// and produces the response. Handlers never return nil.
	Handler func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response

	// Middleware wraps a Handler. Wrappers run strictly nested: the first
	// middleware in a chain sees the invocation first and the response last.
	Middleware func(Handler) Handler

	// Principal is the authenticated caller identity established by the
	// authentication middleware and consumed downstream.
	Principal struct {
		// ID uniquely identifies the caller.
		ID string
		// Type classifies the caller, e.g. "service" or "user".
		Type string
		// Roles lists the caller's granted roles.
		Roles []string
	}

	// Metadata carries transport-level key-value pairs (headers and the
	// like) alongside an invocation.
	Metadata map[string]string

	principalKey struct{}
	metadataKey  struct{}
)

// Chain wraps handler with mws so that mws[0] is outermost. An empty chain
// returns the handler unchanged.
func Chain(handler Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom retrieves the authenticated principal from ctx.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// WithMetadata stores transport metadata in ctx.
func WithMetadata(ctx context.Context, md Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFrom retrieves transport metadata from ctx. It returns an empty
// map when none was attached.
func MetadataFrom(ctx context.Context) Metadata {
	md, ok := ctx.Value(metadataKey{}).(Metadata)
	if !ok {
		return Metadata{}
	}
	return md
}

// HasRole reports whether the principal carries role.
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Key is the rate-limit bucket key for the principal.
func (p Principal) Key() string { return p.Type + ":" + p.ID }
