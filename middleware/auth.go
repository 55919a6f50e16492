package middleware

import (
	"context"
	"errors"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

type (
	// CredentialExtractor pulls raw credentials from the invocation context,
	// typically out of transport metadata (API-key header, bearer token).
	CredentialExtractor func(ctx context.Context, md Metadata) (string, error)

	// Authenticator resolves raw credentials to a principal.
	Authenticator interface {
		Authenticate(ctx context.Context, credentials string) (Principal, error)
	}

	// AuthenticatorFunc adapts a function to Authenticator.
	AuthenticatorFunc func(ctx context.Context, credentials string) (Principal, error)

	// Rule grants roles access to a method on an actor. Actor matches the
	// target actor's identifier; Method matches the target identifier. "*"
	// matches anything.
	Rule struct {
		Actor  string
		Method string
		Roles  []string
	}

	// Policy is an ordered role-based access rule set. The first matching
	// rule decides; no matching rule denies.
	Policy struct {
		rules []Rule
	}
)

// NewPolicy builds an authorization policy from rules.
func NewPolicy(rules ...Rule) *Policy {
	return &Policy{rules: rules}
}

// Allow reports whether p may invoke method on the given actor.
func (pol *Policy) Allow(p Principal, actorID, method string) bool {
	for _, r := range pol.rules {
		if r.Actor != "*" && r.Actor != actorID {
			continue
		}
		if r.Method != "*" && r.Method != method {
			continue
		}
		for _, role := range r.Roles {
			if role == "*" || p.HasRole(role) {
				return true
			}
		}
		return false
	}
	return false
}

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, credentials string) (Principal, error) {
	return f(ctx, credentials)
}

// BearerTokenExtractor reads a "Bearer " token from the authorization
// metadata key.
func BearerTokenExtractor(ctx context.Context, md Metadata) (string, error) {
	const prefix = "Bearer "
	v := md["authorization"]
	if len(v) <= len(prefix) || v[:len(prefix)] != prefix {
		return "", &rpcerrors.AuthenticationError{Reason: "missing bearer token"}
	}
	return v[len(prefix):], nil
}

// APIKeyExtractor reads credentials from the given metadata key.
func APIKeyExtractor(key string) CredentialExtractor {
	return func(ctx context.Context, md Metadata) (string, error) {
		v := md[key]
		if v == "" {
			return "", &rpcerrors.AuthenticationError{Reason: "missing API key"}
		}
		return v, nil
	}
}

// Authentication returns a middleware that extracts credentials, resolves
// them to a principal and stores the principal in context. Extraction or
// resolution failure short-circuits with a failure response.
func Authentication(extract CredentialExtractor, auth Authenticator) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			creds, err := extract(ctx, MetadataFrom(ctx))
			if err != nil {
				return wire.FailureResponse(inv.CallID, authFailureMessage(err))
			}
			p, err := auth.Authenticate(ctx, creds)
			if err != nil {
				return wire.FailureResponse(inv.CallID, authFailureMessage(err))
			}
			return next(WithPrincipal(ctx, p), inv, def)
		}
	}
}

// Authorization returns a middleware that applies the policy to the
// authenticated principal. A missing principal or a policy denial
// short-circuits with a failure response.
func Authorization(pol *Policy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			p, ok := PrincipalFrom(ctx)
			if !ok {
				e := &rpcerrors.AuthorizationError{Principal: "anonymous", Target: inv.Target}
				return wire.FailureResponse(inv.CallID, e.Error())
			}
			if !pol.Allow(p, inv.ActorID.ID, inv.Target) {
				e := &rpcerrors.AuthorizationError{Principal: p.ID, Target: inv.Target}
				return wire.FailureResponse(inv.CallID, e.Error())
			}
			return next(ctx, inv, def)
		}
	}
}

// authFailureMessage preserves typed authentication errors and wraps plain
// errors so the client always sees an authentication failure.
func authFailureMessage(err error) string {
	var ae *rpcerrors.AuthenticationError
	if errors.As(err, &ae) {
		return ae.Error()
	}
	e := &rpcerrors.AuthenticationError{Reason: err.Error()}
	return e.Error()
}
