package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/objectwire/objectwire/telemetry"
)

const (
	// DefaultStreamName is the Pulse stream carrying state-change events.
	DefaultStreamName = "objectwire:changes"
	// DefaultSinkName is the consumer-group name used by the tailer.
	DefaultSinkName = "objectwire_tailer"

	changeEventName = "state-change"
)

type (
	// Publisher appends change events to the Pulse change stream. The Redis
	// state store uses it to make every save visible to tailers.
	Publisher struct {
		stream *streaming.Stream
		clock  func() time.Time
	}

	// PublisherOption customizes a Publisher.
	PublisherOption func(*publisherConfig)

	publisherConfig struct {
		streamName string
		clock      func() time.Time
	}
)

// WithPublisherStream overrides the change-stream name.
func WithPublisherStream(name string) PublisherOption {
	return func(c *publisherConfig) { c.streamName = name }
}

// WithPublisherClock injects the time source, used by tests.
func WithPublisherClock(clock func() time.Time) PublisherOption {
	return func(c *publisherConfig) { c.clock = clock }
}

// NewPublisher creates a publisher on top of an established Redis client.
func NewPublisher(rdb *redis.Client, opts ...PublisherOption) (*Publisher, error) {
	cfg := publisherConfig{
		streamName: DefaultStreamName,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	stream, err := streaming.NewStream(cfg.streamName, rdb)
	if err != nil {
		return nil, fmt.Errorf("create change stream %q: %w", cfg.streamName, err)
	}
	return &Publisher{stream: stream, clock: cfg.clock}, nil
}

// PublishChange implements the state store's ChangePublisher.
func (p *Publisher) PublishChange(ctx context.Context, actorID string, state []byte, seq uint64) error {
	return p.publish(ctx, ChangeEvent{
		Kind:      ChangePut,
		ActorID:   actorID,
		State:     state,
		Sequence:  seq,
		Timestamp: p.clock().UTC(),
	})
}

// PublishRemoval appends a removal event. Tailers ignore removals but the
// change log stays a complete record of the store's history.
func (p *Publisher) PublishRemoval(ctx context.Context, actorID string, seq uint64) error {
	return p.publish(ctx, ChangeEvent{
		Kind:      ChangeRemove,
		ActorID:   actorID,
		Sequence:  seq,
		Timestamp: p.clock().UTC(),
	})
}

func (p *Publisher) publish(ctx context.Context, ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	if _, err := p.stream.Add(ctx, changeEventName, payload); err != nil {
		return fmt.Errorf("append change event for %q: %w", ev.ActorID, err)
	}
	return nil
}

type (
	// PulseSource reads change events from the Pulse change stream through
	// a consumer group, so multiple tailer processes share the work.
	PulseSource struct {
		sink   *streaming.Sink
		events chan ChangeEvent
		logger telemetry.Logger
	}

	// SourceOption customizes a PulseSource.
	SourceOption func(*sourceConfig)

	sourceConfig struct {
		streamName string
		sinkName   string
		buffer     int
		logger     telemetry.Logger
	}
)

// WithSourceStream overrides the change-stream name.
func WithSourceStream(name string) SourceOption {
	return func(c *sourceConfig) { c.streamName = name }
}

// WithSourceSink overrides the consumer-group name.
func WithSourceSink(name string) SourceOption {
	return func(c *sourceConfig) { c.sinkName = name }
}

// WithSourceBuffer overrides the event channel capacity.
func WithSourceBuffer(n int) SourceOption {
	return func(c *sourceConfig) { c.buffer = n }
}

// WithSourceLogger sets the source's logger.
func WithSourceLogger(logger telemetry.Logger) SourceOption {
	return func(c *sourceConfig) { c.logger = logger }
}

// NewPulseSource opens a sink on the change stream and starts consuming.
func NewPulseSource(ctx context.Context, rdb *redis.Client, opts ...SourceOption) (*PulseSource, error) {
	cfg := sourceConfig{
		streamName: DefaultStreamName,
		sinkName:   DefaultSinkName,
		buffer:     64,
		logger:     telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	stream, err := streaming.NewStream(cfg.streamName, rdb)
	if err != nil {
		return nil, fmt.Errorf("create change stream %q: %w", cfg.streamName, err)
	}
	sink, err := stream.NewSink(ctx, cfg.sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("create change sink %q: %w", cfg.sinkName, err)
	}
	s := &PulseSource{
		sink:   sink,
		events: make(chan ChangeEvent, cfg.buffer),
		logger: cfg.logger,
	}
	go s.consume(ctx)
	return s, nil
}

// Events implements Source.
func (s *PulseSource) Events() <-chan ChangeEvent { return s.events }

// Close implements Source. The consume loop closes the event channel once
// the sink's subscription drains.
func (s *PulseSource) Close(ctx context.Context) error {
	s.sink.Close(ctx)
	return nil
}

func (s *PulseSource) consume(ctx context.Context) {
	defer close(s.events)
	for evt := range s.sink.Subscribe() {
		var ev ChangeEvent
		if err := json.Unmarshal(evt.Payload, &ev); err != nil {
			// A malformed entry is acked and skipped, it would otherwise
			// be redelivered forever.
			s.logger.Warn(ctx, "undecodable change event", "eventID", evt.ID, "err", err.Error())
			_ = s.sink.Ack(ctx, evt)
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
		if err := s.sink.Ack(ctx, evt); err != nil {
			s.logger.Warn(ctx, "ack change event failed", "eventID", evt.ID, "err", err.Error())
		}
	}
}
