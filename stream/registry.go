package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/telemetry"
	"github.com/objectwire/objectwire/wire"
)

type (
	// Sender delivers outbound envelopes to one subscriber. Duplex transports
	// implement it over their write side; the serverless path implements it
	// over the connection broker. Send failures do not terminate the stream:
	// frames keep flowing into the replay buffer so a reconnecting client can
	// resume.
	Sender interface {
		Send(ctx context.Context, env wire.Envelope) error
	}

	// Registry owns every live server stream: it drains actor sequences,
	// assigns sequence numbers to emitted frames, applies the subscriber's
	// filter, feeds the replay buffer and writes the wire frames.
	Registry struct {
		buffer  *Buffer
		filters *Evaluator
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu      sync.Mutex
		streams map[uuid.UUID]*serverStream
		closed  bool
		wg      sync.WaitGroup
	}

	// RegistryConfig configures a stream registry. Zero values select
	// defaults: a fresh buffer, a fresh evaluator and no-op telemetry.
	RegistryConfig struct {
		// Buffer is the replay buffer. Defaults to NewBuffer().
		Buffer *Buffer
		// Filters is the filter evaluator. Defaults to NewEvaluator().
		Filters *Evaluator
		// Logger receives stream lifecycle logs.
		Logger telemetry.Logger
		// Metrics receives frame counters.
		Metrics telemetry.Metrics
	}

	// Open describes a new server stream: the originating call, the actor
	// sequence to drain and the subscriber to write frames to.
	Open struct {
		// CallID correlates the stream with its originating invocation.
		CallID uuid.UUID
		// ActorID is the actor backing the stream.
		ActorID wire.ActorID
		// Target is the observe label that produced Source.
		Target string
		// Filter optionally suppresses payloads server-side.
		Filter *wire.Filter
		// CustomHook is the actor's custom-filter hook, if any.
		CustomHook actor.CustomFilterFunc
		// Source is the lazy sequence produced by the observe target.
		Source actor.Sequence
		// Sender receives the stream frames.
		Sender Sender
	}

	serverStream struct {
		reg     *Registry
		id      uuid.UUID
		callID  uuid.UUID
		actorID wire.ActorID
		target  string
		filter  *wire.Filter
		hook    actor.CustomFilterFunc
		cancel  context.CancelFunc

		// mu guards sender and seq so resumption can swap the subscriber and
		// replay buffered frames without racing live emission. done marks
		// the stream terminal for resumes that raced teardown.
		mu     sync.Mutex
		sender Sender
		seq    uint64
		done   bool
	}
)

// ErrRegistryClosed reports an Open against a registry that has shut down.
var ErrRegistryClosed = errors.New("stream registry is closed")

// NewRegistry creates a stream registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Buffer == nil {
		cfg.Buffer = NewBuffer()
	}
	if cfg.Filters == nil {
		cfg.Filters = NewEvaluator()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NewNoopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		buffer:  cfg.Buffer,
		filters: cfg.Filters,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		streams: make(map[uuid.UUID]*serverStream),
	}
}

// Buffer exposes the replay buffer, shared with resumption handling.
func (r *Registry) Buffer() *Buffer { return r.buffer }

// Open starts a new server stream: it emits StreamStart, then drains the
// source in the background, emitting filtered, sequenced StreamData frames
// until the source ends. It returns the server-chosen stream identity.
func (r *Registry) Open(ctx context.Context, open Open) (uuid.UUID, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return uuid.Nil, ErrRegistryClosed
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &serverStream{
		reg:     r,
		id:      uuid.New(),
		callID:  open.CallID,
		actorID: open.ActorID,
		target:  open.Target,
		filter:  open.Filter,
		hook:    open.CustomHook,
		cancel:  cancel,
		sender:  open.Sender,
	}
	r.streams[s.id] = s
	r.wg.Add(1)
	r.mu.Unlock()

	if err := s.sender.Send(ctx, &wire.StreamStart{CallID: s.callID, StreamID: s.id, Timestamp: time.Now().UTC()}); err != nil {
		r.logger.Debug(ctx, "stream start delivery failed", "streamID", s.id.String(), "err", err.Error())
	}

	go s.drain(streamCtx, open.Source)
	return s.id, nil
}

// Resume attaches a reconnecting subscriber to a live stream. When the
// stream is known and its buffer is replayable, it swaps the subscriber in,
// replays every buffered frame past lastSequence in order and returns true;
// subsequent live frames continue the sequence contiguously. It returns
// false when the stream is unknown or its buffer expired, in which case the
// caller restarts the observe invocation under a fresh stream identity.
func (r *Registry) Resume(ctx context.Context, resume *wire.StreamResume, sender Sender) bool {
	r.mu.Lock()
	s, live := r.streams[resume.StreamID]
	r.mu.Unlock()
	if !live {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		// Teardown won the race; the caller restarts the observe.
		return false
	}
	frames, ok := r.buffer.Lookup(resume.StreamID, resume.LastSequence)
	if !ok {
		return false
	}
	s.sender = sender
	for _, f := range frames {
		env := &wire.StreamData{StreamID: s.id, Sequence: f.Sequence, Data: f.Data, Timestamp: f.EnqueuedAt}
		if err := sender.Send(ctx, env); err != nil {
			r.logger.Debug(ctx, "stream replay delivery failed", "streamID", s.id.String(), "seq", f.Sequence, "err", err.Error())
		}
	}
	return true
}

// Cancel terminates one live stream with StreamEnd(cancelled). Unknown
// streams are ignored.
func (r *Registry) Cancel(streamID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.streams[streamID]
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// ActiveStreams reports the number of live streams.
func (r *Registry) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Close cancels every live stream, emitting StreamEnd(cancelled) to each
// subscriber, drops all buffers and filter state and waits for the drain
// goroutines to unwind, bounded by ctx.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, s := range r.streams {
		s.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.buffer.Close()
	r.filters.Clear()
	return nil
}

// drain pulls values from the source until it ends, emitting each passing
// payload as a sequenced frame.
func (s *serverStream) drain(ctx context.Context, source actor.Sequence) {
	defer s.reg.wg.Done()
	for {
		v, err := source.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.finish(wire.EndCompleted)
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			s.finish(wire.EndCancelled)
			return
		case err != nil:
			s.fail(err)
			return
		}
		s.emit(ctx, v)
	}
}

// emit runs the filter and, when the payload passes, assigns the next
// sequence number, buffers the frame and writes it out. Suppressed payloads
// advance nothing.
func (s *serverStream) emit(ctx context.Context, payload []byte) {
	if !s.reg.filters.Pass(s.id, s.filter, s.hook, payload) {
		s.reg.metrics.IncCounter("stream_frames_filtered", 1, "actor", s.actorID.ID, "target", s.target)
		return
	}
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.reg.buffer.Append(s.id, seq, payload)
	sender := s.sender
	s.mu.Unlock()

	s.reg.metrics.IncCounter("stream_frames_emitted", 1, "actor", s.actorID.ID, "target", s.target)
	env := &wire.StreamData{StreamID: s.id, Sequence: seq, Data: payload, Timestamp: time.Now().UTC()}
	if err := sender.Send(ctx, env); err != nil {
		// The subscriber may be gone; the frame stays buffered for resume.
		s.reg.logger.Debug(ctx, "stream frame delivery failed", "streamID", s.id.String(), "seq", seq, "err", err.Error())
	}
}

// finish ends the stream normally or by cancellation.
func (s *serverStream) finish(reason wire.EndReason) {
	s.teardown(func(ctx context.Context, sender Sender) {
		env := &wire.StreamEnd{StreamID: s.id, Reason: reason, Timestamp: time.Now().UTC()}
		if err := sender.Send(ctx, env); err != nil {
			s.reg.logger.Debug(ctx, "stream end delivery failed", "streamID", s.id.String(), "err", err.Error())
		}
	})
}

// fail ends the stream with a StreamError.
func (s *serverStream) fail(cause error) {
	s.teardown(func(ctx context.Context, sender Sender) {
		env := &wire.StreamError{StreamID: s.id, ErrorMessage: cause.Error(), Timestamp: time.Now().UTC()}
		if err := sender.Send(ctx, env); err != nil {
			s.reg.logger.Debug(ctx, "stream error delivery failed", "streamID", s.id.String(), "err", err.Error())
		}
	})
}

// teardown unregisters the stream, releases its buffer and filter state and
// delivers the terminal frame.
func (s *serverStream) teardown(terminal func(context.Context, Sender)) {
	s.reg.mu.Lock()
	delete(s.reg.streams, s.id)
	s.reg.mu.Unlock()

	s.mu.Lock()
	s.done = true
	sender := s.sender
	s.mu.Unlock()

	terminal(context.Background(), sender)
	s.reg.buffer.Remove(s.id)
	s.reg.filters.ClearStream(s.id)
}
