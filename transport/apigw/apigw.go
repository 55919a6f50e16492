// Package apigw adapts API Gateway websocket events to the dispatch
// kernel. The adapter is invoked once per event: $connect registers the
// connection, $disconnect unregisters it, $default decodes the body and
// dispatches. Outbound traffic never goes through a socket; it flows
// through the connection broker's sender, and stream subscriptions are
// recorded in the broker's storage so the state-change tailer can fan out.
package apigw

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/broker"
	"github.com/objectwire/objectwire/dispatch"
	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

// Route keys of the websocket API.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

type (
	// Event is one websocket API invocation.
	Event struct {
		// RouteKey is $connect, $disconnect or $default.
		RouteKey string
		// ConnectionID identifies the websocket connection.
		ConnectionID string
		// Body is the raw envelope payload of a $default event.
		Body []byte
	}

	// Response is the integration response returned to the gateway.
	Response struct {
		// StatusCode is the HTTP status reported to the gateway.
		StatusCode int
	}

	// Handler processes websocket API events.
	Handler struct {
		kernel *dispatch.Kernel
		broker *broker.Broker
		logger telemetry.Logger
	}

	// HandlerConfig assembles a Handler. Kernel and Broker are required.
	HandlerConfig struct {
		Kernel *dispatch.Kernel
		Broker *broker.Broker
		Logger telemetry.Logger
	}

	// connSender delivers envelopes to one gateway connection through the
	// broker's sender.
	connSender struct {
		broker *broker.Broker
		connID string
	}
)

// NewHandler creates an event handler from cfg.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	return &Handler{
		kernel: cfg.Kernel,
		broker: cfg.Broker,
		logger: cfg.Logger,
	}
}

// HandleEvent processes one gateway event and reports the integration
// status.
func (h *Handler) HandleEvent(ctx context.Context, ev Event) (Response, error) {
	switch ev.RouteKey {
	case RouteConnect:
		if err := h.broker.Storage().Register(ctx, ev.ConnectionID, ""); err != nil {
			return Response{StatusCode: http.StatusInternalServerError}, err
		}
		return Response{StatusCode: http.StatusOK}, nil

	case RouteDisconnect:
		if err := h.broker.Storage().Unregister(ctx, ev.ConnectionID); err != nil {
			return Response{StatusCode: http.StatusInternalServerError}, err
		}
		return Response{StatusCode: http.StatusOK}, nil

	case RouteDefault:
		return h.handleDefault(ctx, ev)

	default:
		return Response{StatusCode: http.StatusBadRequest}, &rpcerrors.ProtocolError{Reason: "unknown route key " + ev.RouteKey}
	}
}

func (h *Handler) handleDefault(ctx context.Context, ev Event) (Response, error) {
	env, err := wire.Decode(ev.Body)
	if err != nil {
		h.logger.Debug(ctx, "undecodable event body", "connID", ev.ConnectionID, "err", err.Error())
		return Response{StatusCode: http.StatusBadRequest}, err
	}

	sender := &connSender{broker: h.broker, connID: ev.ConnectionID}

	if inv, ok := env.(*wire.Invocation); ok && actor.IsStreamTarget(inv.Target) {
		return h.subscribe(ctx, ev.ConnectionID, inv, sender)
	}

	reply, err := h.kernel.Handle(ctx, env, sender)
	if err != nil {
		var pe *rpcerrors.ProtocolError
		if errors.As(err, &pe) {
			return Response{StatusCode: http.StatusBadRequest}, err
		}
		return Response{StatusCode: http.StatusInternalServerError}, err
	}
	if reply != nil {
		if err := sender.Send(ctx, reply); err != nil {
			return Response{StatusCode: http.StatusInternalServerError}, err
		}
	}
	return Response{StatusCode: http.StatusOK}, nil
}

// subscribe records a serverless stream subscription and announces it. The
// frames themselves arrive later, fanned out by the state-change tailer
// through the broker.
func (h *Handler) subscribe(ctx context.Context, connID string, inv *wire.Invocation, sender *connSender) (Response, error) {
	streamID := uuid.New()
	if err := h.broker.Storage().Subscribe(ctx, connID, streamID, inv.ActorID.ID); err != nil {
		return Response{StatusCode: http.StatusInternalServerError}, err
	}
	start := &wire.StreamStart{
		CallID:    inv.CallID,
		StreamID:  streamID,
		Timestamp: time.Now().UTC(),
	}
	if err := sender.Send(ctx, start); err != nil {
		if rpcerrors.IsGone(err) {
			_ = h.broker.Storage().Unregister(ctx, connID)
		}
		return Response{StatusCode: http.StatusInternalServerError}, err
	}
	return Response{StatusCode: http.StatusOK}, nil
}

// Send implements the stream registry's sender over the broker.
func (s *connSender) Send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return s.broker.Sender().Send(ctx, s.connID, data)
}
