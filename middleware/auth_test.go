package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

var tokenAuth = AuthenticatorFunc(func(_ context.Context, creds string) (Principal, error) {
	if creds == "valid-token" {
		return Principal{ID: "svc-1", Type: "service", Roles: []string{"reader"}}, nil
	}
	return Principal{}, &rpcerrors.AuthenticationError{Reason: "unknown token"}
})

func TestAuthenticationStoresPrincipal(t *testing.T) {
	var seen Principal
	handler := func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
		seen, _ = PrincipalFrom(ctx)
		return wire.SuccessResponse(inv.CallID, nil)
	}
	h := Chain(handler, Authentication(BearerTokenExtractor, tokenAuth))

	ctx := WithMetadata(context.Background(), Metadata{"authorization": "Bearer valid-token"})
	resp := h(ctx, testInvocation("add"), nil)
	require.True(t, resp.OK())
	require.Equal(t, "svc-1", seen.ID)
	require.Equal(t, []string{"reader"}, seen.Roles)
}

func TestAuthenticationRejectsMissingCredentials(t *testing.T) {
	h := Chain(okHandler, Authentication(BearerTokenExtractor, tokenAuth))
	resp := h(context.Background(), testInvocation("add"), nil)
	require.False(t, resp.OK())
	require.Contains(t, *resp.ErrorMessage, "authentication failed")
}

func TestAuthenticationRejectsBadToken(t *testing.T) {
	h := Chain(okHandler, Authentication(BearerTokenExtractor, tokenAuth))
	ctx := WithMetadata(context.Background(), Metadata{"authorization": "Bearer forged"})
	resp := h(ctx, testInvocation("add"), nil)
	require.False(t, resp.OK())
	require.Contains(t, *resp.ErrorMessage, "unknown token")
}

func TestAPIKeyExtractor(t *testing.T) {
	extract := APIKeyExtractor("x-api-key")
	creds, err := extract(context.Background(), Metadata{"x-api-key": "k1"})
	require.NoError(t, err)
	require.Equal(t, "k1", creds)

	_, err = extract(context.Background(), Metadata{})
	require.Error(t, err)
}

func TestAuthorizationPolicy(t *testing.T) {
	pol := NewPolicy(
		Rule{Actor: "calc", Method: "add", Roles: []string{"reader"}},
		Rule{Actor: "calc", Method: "*", Roles: []string{"admin"}},
	)
	h := Chain(okHandler, Authorization(pol))

	reader := WithPrincipal(context.Background(), Principal{ID: "svc-1", Type: "service", Roles: []string{"reader"}})
	require.True(t, h(reader, testInvocation("add"), nil).OK())

	resp := h(reader, testInvocation("reset"), nil)
	require.False(t, resp.OK())
	require.Contains(t, *resp.ErrorMessage, "authorization denied")

	admin := WithPrincipal(context.Background(), Principal{ID: "root", Type: "user", Roles: []string{"admin"}})
	require.True(t, h(admin, testInvocation("reset"), nil).OK())
}

func TestAuthorizationRequiresPrincipal(t *testing.T) {
	pol := NewPolicy(Rule{Actor: "*", Method: "*", Roles: []string{"*"}})
	h := Chain(okHandler, Authorization(pol))
	resp := h(context.Background(), testInvocation("add"), nil)
	require.False(t, resp.OK())
	require.Contains(t, *resp.ErrorMessage, "anonymous")
}

func TestPolicyFirstMatchWins(t *testing.T) {
	pol := NewPolicy(
		Rule{Actor: "calc", Method: "add", Roles: []string{"admin"}},
		Rule{Actor: "*", Method: "*", Roles: []string{"*"}},
	)
	reader := Principal{ID: "svc-1", Type: "service", Roles: []string{"reader"}}
	require.False(t, pol.Allow(reader, "calc", "add"), "first matching rule decides")
	require.True(t, pol.Allow(reader, "calc", "sub"))
}

func TestEmptyPolicyDeniesAll(t *testing.T) {
	pol := NewPolicy()
	require.False(t, pol.Allow(Principal{Roles: []string{"admin"}}, "calc", "add"))
}
