package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/inflight"
	"github.com/objectwire/objectwire/middleware"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

type captureSender struct {
	mu   sync.Mutex
	envs []wire.Envelope
}

func (c *captureSender) Send(_ context.Context, env wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *captureSender) snapshot() []wire.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition never held")
}

// newCalcKernel builds a kernel with a "calc" actor exposing add(Int,Int)
// and observeCount streaming a fixed count-up.
func newCalcKernel(t *testing.T, mws ...middleware.Middleware) *Kernel {
	t.Helper()
	calc := actor.New(wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000})
	require.NoError(t, calc.Handle("add", func(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (any, error) {
		var a, b int
		if err := actor.DecodeArgs("add", dec, &a, &b); err != nil {
			return nil, err
		}
		return a + b, nil
	}))
	require.NoError(t, calc.HandleStream("observeCount", func(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (actor.Sequence, error) {
		return actor.SliceSequence([]byte(`1`), []byte(`2`), []byte(`3`)), nil
	}))

	reg := actor.NewRegistry()
	reg.Expose(calc, "calc")
	return NewKernel(Config{Actors: reg, Middlewares: mws})
}

func encodeArgs(t *testing.T, vals ...any) [][]byte {
	t.Helper()
	out := make([][]byte, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestRPCHappyPath(t *testing.T) {
	k := newCalcKernel(t)
	callID := uuid.New()

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          callID,
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "add",
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       encodeArgs(t, 2, 3),
	}, &captureSender{})
	require.NoError(t, err)

	resp, ok := reply.(*wire.Response)
	require.True(t, ok)
	require.Equal(t, callID, resp.CallID)
	require.True(t, resp.OK())
	require.JSONEq(t, `5`, string(resp.Result))
}

func TestActorNotFound(t *testing.T) {
	k := newCalcKernel(t)
	callID := uuid.New()

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          callID,
		ActorID:         wire.ActorID{ID: "missing", Host: "127.0.0.1", Port: 9000},
		Target:          "anything",
		ProtocolVersion: wire.ProtocolVersion,
	}, &captureSender{})
	require.NoError(t, err)

	resp := reply.(*wire.Response)
	require.Equal(t, callID, resp.CallID)
	require.False(t, resp.OK())
	require.Equal(t, "Actor 'missing' not found", *resp.ErrorMessage)
	require.Nil(t, resp.Result)
}

func TestRPCDecodeFailureProducesFailureResponse(t *testing.T) {
	k := newCalcKernel(t)

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "add",
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       [][]byte{[]byte(`"two"`), []byte(`3`)},
	}, &captureSender{})
	require.NoError(t, err)

	resp := reply.(*wire.Response)
	require.False(t, resp.OK())
	require.NotEmpty(t, *resp.ErrorMessage)
}

func TestRPCUnknownTargetProducesFailureResponse(t *testing.T) {
	k := newCalcKernel(t)

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "subtract",
		ProtocolVersion: wire.ProtocolVersion,
	}, &captureSender{})
	require.NoError(t, err)

	resp := reply.(*wire.Response)
	require.False(t, resp.OK())
	require.Contains(t, *resp.ErrorMessage, "subtract")
}

func TestObserveOpensStream(t *testing.T) {
	k := newCalcKernel(t)
	sender := &captureSender{}
	callID := uuid.New()

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          callID,
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "observeCount",
		ProtocolVersion: wire.ProtocolVersion,
	}, sender)
	require.NoError(t, err)
	require.Nil(t, reply, "stream targets never get a response envelope")

	waitFor(t, func() bool {
		envs := sender.snapshot()
		return len(envs) == 5 && envs[4].Kind() == wire.KindStreamEnd
	})
	envs := sender.snapshot()
	start := envs[0].(*wire.StreamStart)
	require.Equal(t, callID, start.CallID)
	for i := 0; i < 3; i++ {
		data := envs[1+i].(*wire.StreamData)
		require.Equal(t, uint64(i+1), data.Sequence)
	}
	require.Equal(t, wire.EndCompleted, envs[4].(*wire.StreamEnd).Reason)
}

func TestObserveActorNotFound(t *testing.T) {
	k := newCalcKernel(t)
	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "missing", Host: "127.0.0.1", Port: 9000},
		Target:          "observeCount",
		ProtocolVersion: wire.ProtocolVersion,
	}, &captureSender{})
	require.NoError(t, err)
	resp := reply.(*wire.Response)
	require.Equal(t, "Actor 'missing' not found", *resp.ErrorMessage)
}

func TestResumeRestartsObserveWhenStreamUnknown(t *testing.T) {
	k := newCalcKernel(t)
	sender := &captureSender{}

	err := k.handleResume(context.Background(), &wire.StreamResume{
		StreamID:     uuid.New(),
		LastSequence: 42,
		ActorID:      wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:       "observeCount",
	}, sender)
	require.NoError(t, err)

	waitFor(t, func() bool {
		envs := sender.snapshot()
		return len(envs) == 5 && envs[4].Kind() == wire.KindStreamEnd
	})
	envs := sender.snapshot()
	require.Equal(t, wire.KindStreamStart, envs[0].Kind())
	// The restart begins a fresh sequence from 1.
	require.Equal(t, uint64(1), envs[1].(*wire.StreamData).Sequence)
}

func TestResumeUnknownActorEmitsStreamError(t *testing.T) {
	k := newCalcKernel(t)
	sender := &captureSender{}
	streamID := uuid.New()

	err := k.handleResume(context.Background(), &wire.StreamResume{
		StreamID: streamID,
		ActorID:  wire.ActorID{ID: "missing", Host: "127.0.0.1", Port: 9000},
		Target:   "observeCount",
	}, sender)
	require.NoError(t, err)

	envs := sender.snapshot()
	require.Len(t, envs, 1)
	se := envs[0].(*wire.StreamError)
	require.Equal(t, streamID, se.StreamID)
	require.Equal(t, "Actor 'missing' not found", se.ErrorMessage)
}

func TestAdmissionRejectedWhileDraining(t *testing.T) {
	tracker := inflight.NewTracker()
	calc := actor.New(wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000})
	require.NoError(t, calc.Handle("add", func(ctx context.Context, dec actor.ArgumentDecoder, _ []string) (any, error) {
		return 0, nil
	}))
	reg := actor.NewRegistry()
	reg.Expose(calc, "calc")
	k := NewKernel(Config{Actors: reg, Tracker: tracker})

	require.NoError(t, tracker.GracefulShutdown(context.Background(), 0))

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "add",
		ProtocolVersion: wire.ProtocolVersion,
	}, &captureSender{})
	require.NoError(t, err)
	resp := reply.(*wire.Response)
	require.Equal(t, "Server is shutting down", *resp.ErrorMessage)
}

func TestMiddlewareWrapsTerminalHandler(t *testing.T) {
	var order []string
	mw := func(next middleware.Handler) middleware.Handler {
		return func(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
			order = append(order, "before")
			resp := next(ctx, inv, def)
			order = append(order, "after")
			return resp
		}
	}
	k := newCalcKernel(t, mw)

	reply, err := k.Handle(context.Background(), &wire.Invocation{
		CallID:          uuid.New(),
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "add",
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       encodeArgs(t, 2, 3),
	}, &captureSender{})
	require.NoError(t, err)
	require.True(t, reply.(*wire.Response).OK())
	require.Equal(t, []string{"before", "after"}, order)
}

func TestHandleRawDecodesAndDispatches(t *testing.T) {
	k := newCalcKernel(t)
	callID := uuid.New()
	data, err := wire.Encode(&wire.Invocation{
		CallID:          callID,
		ActorID:         wire.ActorID{ID: "calc", Host: "127.0.0.1", Port: 9000},
		Target:          "add",
		ProtocolVersion: wire.ProtocolVersion,
		Arguments:       encodeArgs(t, 40, 2),
	})
	require.NoError(t, err)

	reply, err := k.HandleRaw(context.Background(), data, &captureSender{})
	require.NoError(t, err)
	require.JSONEq(t, `42`, string(reply.(*wire.Response).Result))
}

func TestHandleRawRejectsGarbage(t *testing.T) {
	k := newCalcKernel(t)
	_, err := k.HandleRaw(context.Background(), []byte(`{"type":"bogus"}`), &captureSender{})
	var pe *rpcerrors.ProtocolError
	require.True(t, errors.As(err, &pe))
}

func TestHandleRejectsUnexpectedKinds(t *testing.T) {
	k := newCalcKernel(t)
	_, err := k.Handle(context.Background(), &wire.Response{CallID: uuid.New()}, &captureSender{})
	require.Error(t, err)
}
