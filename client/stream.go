package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/wire"
)

type (
	// Frame is one delivered stream payload.
	Frame struct {
		// Sequence is the server-assigned frame counter.
		Sequence uint64
		// Data is the encoded stream payload.
		Data []byte
		// Timestamp records when the server emitted the frame.
		Timestamp time.Time
	}

	// Stream is the client-side handle of one observe subscription.
	Stream struct {
		registry *streamRegistry
		callID   uuid.UUID
		actorID  wire.ActorID
		target   string

		mu       sync.Mutex
		streamID uuid.UUID
		started  bool
		lastSeen uint64
		frames   chan Frame
		err      error
		reason   wire.EndReason
		closed   bool
	}

	// streamRegistry tracks live client streams. A stream is pre-registered
	// under its call identifier before the invocation is sent so frames can
	// never race past it, then remapped to the server's stream identifier
	// when StreamStart arrives.
	streamRegistry struct {
		mu       sync.Mutex
		byCall   map[uuid.UUID]*Stream
		byStream map[uuid.UUID]*Stream
		resuming []*Stream
	}
)

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{
		byCall:   make(map[uuid.UUID]*Stream),
		byStream: make(map[uuid.UUID]*Stream),
	}
}

// Frames yields delivered frames in sequence order. The channel closes when
// the stream ends.
func (s *Stream) Frames() <-chan Frame { return s.frames }

// StreamID reports the server-assigned stream identifier, zero before
// StreamStart arrives.
func (s *Stream) StreamID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

// LastSeen reports the highest delivered sequence number.
func (s *Stream) LastSeen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Err reports why the stream ended: nil for a completed stream, the remote
// diagnostic for an errored one.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// EndReason reports the termination reason, empty while the stream lives.
func (s *Stream) EndReason() wire.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// open pre-registers a stream for callID before the invocation goes out.
func (r *streamRegistry) open(callID uuid.UUID, actorID wire.ActorID, target string) *Stream {
	s := &Stream{
		registry: r,
		callID:   callID,
		actorID:  actorID,
		target:   target,
		frames:   make(chan Frame, 64),
	}
	r.mu.Lock()
	r.byCall[callID] = s
	r.mu.Unlock()
	return s
}

// handleStart binds a server stream identifier. A start matching a pending
// call completes the subscription handshake. A start with an unknown call
// identifier answers a resume the server could not replay: the oldest
// resuming stream adopts the fresh identifier and resets its sequence
// tracking.
func (r *streamRegistry) handleStart(start *wire.StreamStart) bool {
	r.mu.Lock()
	s, ok := r.byCall[start.CallID]
	if ok {
		delete(r.byCall, start.CallID)
	} else if len(r.resuming) > 0 {
		s = r.resuming[0]
		r.resuming = r.resuming[1:]
		delete(r.byStream, s.streamID)
	} else {
		r.mu.Unlock()
		return false
	}
	r.byStream[start.StreamID] = s
	r.mu.Unlock()

	s.mu.Lock()
	fresh := s.started && s.streamID != start.StreamID
	s.streamID = start.StreamID
	s.started = true
	if fresh {
		// The old buffer is gone; the replacement stream counts from 1.
		s.lastSeen = 0
	}
	s.mu.Unlock()
	return true
}

// handleData delivers one frame, discarding duplicates and reordered
// frames. Gaps are accepted: a successful resume replay may skip sequences
// the buffer evicted. A frame that does not fit the consumer's queue is
// dropped without advancing lastSeen, so a redelivery or resume can still
// supply it.
func (r *streamRegistry) handleData(d *wire.StreamData) bool {
	r.mu.Lock()
	s, ok := r.byStream[d.StreamID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || d.Sequence <= s.lastSeen {
		return false
	}
	select {
	case s.frames <- Frame{Sequence: d.Sequence, Data: d.Data, Timestamp: d.Timestamp}:
		s.lastSeen = d.Sequence
		return true
	default:
		return false
	}
}

// handleEnd closes the stream's frame queue.
func (r *streamRegistry) handleEnd(end *wire.StreamEnd) {
	if s := r.remove(end.StreamID); s != nil {
		s.finish(end.Reason, nil)
	}
}

// handleError closes the stream's frame queue with the remote diagnostic.
func (r *streamRegistry) handleError(serr *wire.StreamError) {
	if s := r.remove(serr.StreamID); s != nil {
		s.finish(wire.EndError, &remoteStreamError{message: serr.ErrorMessage})
	}
}

func (r *streamRegistry) remove(streamID uuid.UUID) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byStream[streamID]
	if !ok {
		return nil
	}
	delete(r.byStream, streamID)
	for i, rs := range r.resuming {
		if rs == s {
			r.resuming = append(r.resuming[:i], r.resuming[i+1:]...)
			break
		}
	}
	return s
}

// abandon drops a pre-registered stream whose invocation never went out.
func (r *streamRegistry) abandon(callID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.byCall[callID]
	if ok {
		delete(r.byCall, callID)
	}
	r.mu.Unlock()
	if ok {
		s.finish(wire.EndCancelled, nil)
	}
}

// markResuming flags every started stream for resumption and returns the
// resume envelopes to send on the fresh connection.
func (r *streamRegistry) markResuming() []*wire.StreamResume {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resuming = r.resuming[:0]
	var resumes []*wire.StreamResume
	for _, s := range r.byStream {
		s.mu.Lock()
		resume := &wire.StreamResume{
			StreamID:     s.streamID,
			LastSequence: s.lastSeen,
			ActorID:      s.actorID,
			Target:       s.target,
		}
		s.mu.Unlock()
		r.resuming = append(r.resuming, s)
		resumes = append(resumes, resume)
	}
	return resumes
}

// closeAll terminates every stream, used when the client shuts down.
func (r *streamRegistry) closeAll(reason wire.EndReason) {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.byStream)+len(r.byCall))
	for _, s := range r.byStream {
		streams = append(streams, s)
	}
	for _, s := range r.byCall {
		streams = append(streams, s)
	}
	r.byStream = make(map[uuid.UUID]*Stream)
	r.byCall = make(map[uuid.UUID]*Stream)
	r.resuming = nil
	r.mu.Unlock()

	for _, s := range streams {
		s.finish(reason, nil)
	}
}

func (s *Stream) finish(reason wire.EndReason, err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.reason = reason
	s.err = err
	s.mu.Unlock()
	close(s.frames)
}

// remoteStreamError carries a StreamError diagnostic.
type remoteStreamError struct {
	message string
}

func (e *remoteStreamError) Error() string { return e.message }
