package middleware

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/wire"
)

func testInvocation(target string) *wire.Invocation {
	return &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          target,
		ProtocolVersion: wire.ProtocolVersion,
	}
}

func okHandler(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
	return wire.SuccessResponse(inv.CallID, []byte(`"ok"`))
}

func TestEmptyChainDelegatesToHandler(t *testing.T) {
	h := Chain(okHandler)
	resp := h(context.Background(), testInvocation("add"), nil)
	require.True(t, resp.OK())
}

func TestChainOrderIsOutermostFirst(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
				order = append(order, name+" before")
				resp := next(ctx, inv, def)
				order = append(order, name+" after")
				return resp
			}
		}
	}

	h := Chain(okHandler, tag("outer"), tag("inner"))
	resp := h(context.Background(), testInvocation("add"), nil)
	require.True(t, resp.OK())
	require.Equal(t, []string{"outer before", "inner before", "inner after", "outer after"}, order)
}

func TestShortCircuitSkipsDownstream(t *testing.T) {
	ran := false
	handler := func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
		ran = true
		return wire.SuccessResponse(inv.CallID, nil)
	}
	deny := func(next Handler) Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			return wire.FailureResponse(inv.CallID, "denied")
		}
	}

	resp := Chain(handler, Middleware(deny))(context.Background(), testInvocation("add"), nil)
	require.False(t, resp.OK())
	require.False(t, ran)
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := PrincipalFrom(ctx)
	require.False(t, ok)

	p := Principal{ID: "svc-1", Type: "service", Roles: []string{"reader"}}
	ctx = WithPrincipal(ctx, p)
	got, ok := PrincipalFrom(ctx)
	require.True(t, ok)
	require.Equal(t, p, got)
	require.Equal(t, "service:svc-1", got.Key())
	require.True(t, got.HasRole("reader"))
	require.False(t, got.HasRole("admin"))
}

func TestMetadataFromWithoutAttachment(t *testing.T) {
	require.Empty(t, MetadataFrom(context.Background()))

	ctx := WithMetadata(context.Background(), Metadata{"authorization": "Bearer tok"})
	require.Equal(t, "Bearer tok", MetadataFrom(ctx)["authorization"])
}
