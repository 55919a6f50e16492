// Package tailer converts external state-change events into stream frames
// fanned out through the connection broker. The serverless path relies on
// it: gateway handlers only record subscriptions, the tailer delivers every
// frame after the initial StreamStart.
package tailer

import (
	"context"
	"time"

	"github.com/objectwire/objectwire/broker"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

// ChangeKind tags a change event.
type ChangeKind string

const (
	// ChangePut carries new state bytes for an actor.
	ChangePut ChangeKind = "put"
	// ChangeRemove reports a deletion. The tailer ignores these: streams
	// carry current state, deletions surface through actor methods.
	ChangeRemove ChangeKind = "remove"
)

type (
	// ChangeEvent is one ordered state change read from the change log.
	ChangeEvent struct {
		// Kind discriminates puts from removals.
		Kind ChangeKind `json:"kind"`
		// ActorID names the actor whose state changed.
		ActorID string `json:"actorID"`
		// State is the new encoded state, empty on removals.
		State []byte `json:"state,omitempty"`
		// Sequence is the source sequence number of the change.
		Sequence uint64 `json:"sequenceNumber"`
		// Timestamp records when the change was produced (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// Source yields ordered change events. The Pulse-backed source in this
	// package is the production implementation.
	Source interface {
		// Events returns the event channel. The source closes it when it
		// stops producing.
		Events() <-chan ChangeEvent
		// Close stops the source and releases its resources.
		Close(ctx context.Context) error
	}

	// Tailer reads change events and broadcasts one StreamData frame per
	// subscriber through the broker.
	Tailer struct {
		broker  *broker.Broker
		source  Source
		logger  telemetry.Logger
		metrics telemetry.Metrics
		clock   func() time.Time
	}

	// Config assembles a Tailer. Broker and Source are required.
	Config struct {
		Broker  *broker.Broker
		Source  Source
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Clock overrides the time source, used by tests.
		Clock func() time.Time
	}
)

// New creates a tailer from cfg.
func New(cfg Config) *Tailer {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tailer{
		broker:  cfg.Broker,
		source:  cfg.Source,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
	}
}

// Run consumes the source until ctx is cancelled or the source's event
// channel closes. Per-event failures are logged and never stop the loop.
func (t *Tailer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-t.source.Events():
			if !ok {
				return nil
			}
			t.handle(ctx, ev)
		}
	}
}

func (t *Tailer) handle(ctx context.Context, ev ChangeEvent) {
	if ev.Kind == ChangeRemove {
		t.logger.Debug(ctx, "ignoring removal event", "actorID", ev.ActorID, "seq", ev.Sequence)
		t.metrics.IncCounter("tailer_events_ignored", 1, "actor", ev.ActorID)
		return
	}

	frame := func(sub broker.Subscription) ([]byte, error) {
		return wire.Encode(&wire.StreamData{
			StreamID:  sub.StreamID,
			Sequence:  ev.Sequence,
			Data:      ev.State,
			Timestamp: t.clock().UTC(),
		})
	}
	delivered, err := t.broker.Broadcast(ctx, ev.ActorID, "", frame)
	if err != nil {
		t.logger.Warn(ctx, "broadcast state change failed", "actorID", ev.ActorID, "seq", ev.Sequence, "err", err.Error())
		t.metrics.IncCounter("tailer_broadcast_errors", 1, "actor", ev.ActorID)
	}
	if len(delivered) > 0 {
		t.metrics.IncCounter("tailer_events_delivered", 1, "actor", ev.ActorID)
	}

	// Record the delivered sequence so resumed connections replay from the
	// right spot. Only subscribers whose send succeeded advance; a failed
	// subscriber keeps its old mark and replays this frame on resume.
	for _, sub := range delivered {
		if err := t.broker.Storage().UpdateSequence(ctx, sub.ConnectionID, ev.Sequence); err != nil {
			t.logger.Warn(ctx, "update sequence failed", "connID", sub.ConnectionID, "err", err.Error())
		}
	}
}
