// Package dispatch routes decoded envelopes to actors: it resolves the
// target, applies the middleware chain, executes RPC targets through the
// invocation codec and hands observe targets to the stream registry.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/inflight"
	"github.com/objectwire/objectwire/middleware"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/stream"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

type (
	// Kernel is the dispatch core shared by all transports.
	Kernel struct {
		actors  *actor.Registry
		streams *stream.Registry
		tracker *inflight.Tracker
		handler middleware.Handler
		logger  telemetry.Logger
	}

	// Config assembles a Kernel. Actors is required; the rest default.
	Config struct {
		// Actors is the name registry resolving exposed names.
		Actors *actor.Registry
		// Streams is the server stream registry. Defaults to a fresh one.
		Streams *stream.Registry
		// Tracker tracks in-flight invocations. Defaults to a fresh one.
		Tracker *inflight.Tracker
		// Middlewares wrap the terminal handler, outermost first.
		Middlewares []middleware.Middleware
		// Logger receives dispatch logs.
		Logger telemetry.Logger
	}
)

// NewKernel builds a dispatch kernel from cfg.
func NewKernel(cfg Config) *Kernel {
	if cfg.Streams == nil {
		cfg.Streams = stream.NewRegistry(stream.RegistryConfig{})
	}
	if cfg.Tracker == nil {
		cfg.Tracker = inflight.NewTracker()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	k := &Kernel{
		actors:  cfg.Actors,
		streams: cfg.Streams,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
	}
	k.handler = middleware.Chain(k.terminal, cfg.Middlewares...)
	return k
}

// Streams exposes the server stream registry.
func (k *Kernel) Streams() *stream.Registry { return k.streams }

// Tracker exposes the in-flight tracker.
func (k *Kernel) Tracker() *inflight.Tracker { return k.tracker }

// HandleRaw decodes one inbound frame and dispatches it. The returned
// envelope, when non-nil, is the direct reply the transport must deliver;
// stream traffic flows through sender instead. Undecodable frames return a
// protocol error so the transport can surface it its own way.
func (k *Kernel) HandleRaw(ctx context.Context, data []byte, sender stream.Sender) (wire.Envelope, error) {
	env, err := wire.Decode(data)
	if err != nil {
		return nil, err
	}
	return k.Handle(ctx, env, sender)
}

// Handle dispatches one decoded envelope.
func (k *Kernel) Handle(ctx context.Context, env wire.Envelope, sender stream.Sender) (wire.Envelope, error) {
	switch e := env.(type) {
	case *wire.Invocation:
		if actor.IsStreamTarget(e.Target) {
			return k.handleObserve(ctx, e, sender)
		}
		return k.handleRPC(ctx, e), nil
	case *wire.StreamResume:
		return nil, k.handleResume(ctx, e, sender)
	default:
		return nil, &rpcerrors.ProtocolError{Reason: "unexpected envelope kind " + string(env.Kind())}
	}
}

// handleRPC runs one RPC invocation through admission, tracking and the
// middleware chain, always producing exactly one response.
func (k *Kernel) handleRPC(ctx context.Context, inv *wire.Invocation) *wire.Response {
	def, ok := k.actors.Lookup(inv.ActorID.ID)
	if !ok {
		e := &rpcerrors.NotFoundError{ActorID: inv.ActorID.ID}
		return wire.FailureResponse(inv.CallID, e.Error())
	}

	ctx, err := k.tracker.Begin(ctx, inv.CallID, inv.ActorID.ID, inv.Target)
	if err != nil {
		return wire.FailureResponse(inv.CallID, err.Error())
	}
	defer k.tracker.End(inv.CallID)

	return k.handler(ctx, inv, def)
}

// terminal is the innermost handler: it decodes the arguments, executes the
// target and folds the outcome into a response.
func (k *Kernel) terminal(ctx context.Context, inv *wire.Invocation, def *actor.Definition) *wire.Response {
	dec := actor.NewJSONDecoder(inv.Target, inv.Arguments)
	handler := &actor.JSONResultHandler{}

	result, err := def.Invoke(ctx, inv.Target, dec, inv.GenericSubstitutions)
	if err != nil {
		handler.Failure(err)
	} else if serr := handler.Success(result); serr != nil {
		handler.Failure(serr)
	}

	encoded, err := handler.Outcome()
	if err != nil {
		return wire.FailureResponse(inv.CallID, err.Error())
	}
	return wire.SuccessResponse(inv.CallID, encoded)
}

// handleObserve executes an observe target and opens the server stream. The
// invocation itself gets no response envelope; failures surface as one.
func (k *Kernel) handleObserve(ctx context.Context, inv *wire.Invocation, sender stream.Sender) (wire.Envelope, error) {
	def, ok := k.actors.Lookup(inv.ActorID.ID)
	if !ok {
		e := &rpcerrors.NotFoundError{ActorID: inv.ActorID.ID}
		return wire.FailureResponse(inv.CallID, e.Error()), nil
	}

	ctx, err := k.tracker.Begin(ctx, inv.CallID, inv.ActorID.ID, inv.Target)
	if err != nil {
		return wire.FailureResponse(inv.CallID, err.Error()), nil
	}
	// The observe call itself is short: it returns the lazy sequence. The
	// drain belongs to the stream registry, not the in-flight set.
	defer k.tracker.End(inv.CallID)

	source, err := def.Observe(ctx, inv.Target, actor.NewJSONDecoder(inv.Target, inv.Arguments), inv.GenericSubstitutions)
	if err != nil {
		return wire.FailureResponse(inv.CallID, err.Error()), nil
	}

	_, err = k.streams.Open(ctx, stream.Open{
		CallID:     inv.CallID,
		ActorID:    inv.ActorID,
		Target:     inv.Target,
		Filter:     inv.StreamFilter,
		CustomHook: def.CustomFilter(),
		Source:     source,
		Sender:     sender,
	})
	if err != nil {
		if errors.Is(err, stream.ErrRegistryClosed) {
			return wire.FailureResponse(inv.CallID, rpcerrors.ErrShuttingDown.Error()), nil
		}
		return wire.FailureResponse(inv.CallID, err.Error()), nil
	}
	return nil, nil
}

// handleResume reattaches a reconnecting subscriber. When the stream is
// live and its buffer replayable the registry replays the tail; otherwise
// the observe call restarts under a fresh stream identity and the client
// adopts the new StreamStart.
func (k *Kernel) handleResume(ctx context.Context, res *wire.StreamResume, sender stream.Sender) error {
	if k.streams.Resume(ctx, res, sender) {
		return nil
	}

	k.logger.Debug(ctx, "resume failed, restarting observe",
		"streamID", res.StreamID.String(), "actor", res.ActorID.ID, "target", res.Target)

	def, ok := k.actors.Lookup(res.ActorID.ID)
	if !ok {
		e := &rpcerrors.NotFoundError{ActorID: res.ActorID.ID}
		return k.streamError(ctx, sender, res.StreamID, e.Error())
	}
	source, err := def.Observe(ctx, res.Target, actor.NewJSONDecoder(res.Target, nil), nil)
	if err != nil {
		return k.streamError(ctx, sender, res.StreamID, err.Error())
	}

	_, err = k.streams.Open(ctx, stream.Open{
		CallID:     uuid.New(),
		ActorID:    res.ActorID,
		Target:     res.Target,
		CustomHook: def.CustomFilter(),
		Source:     source,
		Sender:     sender,
	})
	return err
}

func (k *Kernel) streamError(ctx context.Context, sender stream.Sender, streamID uuid.UUID, msg string) error {
	return sender.Send(ctx, &wire.StreamError{
		StreamID:     streamID,
		ErrorMessage: msg,
		Timestamp:    time.Now().UTC(),
	})
}
