// Package stream owns the server side of state streaming: the per-stream
// replay buffer, the payload filter evaluator and the stream registry that
// drains actor sequences into sequenced wire frames.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Buffer defaults. Both bounds are policy knobs, not protocol constants;
// deployments may tune them but must enforce both.
const (
	// DefaultBufferCapacity is the per-stream sliding window size.
	DefaultBufferCapacity = 100
	// DefaultBufferTTL is how long an idle buffer remains replayable.
	DefaultBufferTTL = 300 * time.Second
	// sweepInterval is how often idle buffers are evicted in the background.
	sweepInterval = 60 * time.Second
)

type (
	// BufferedFrame is one retained (sequence, payload) pair.
	BufferedFrame struct {
		// Sequence is the frame's emitted sequence number.
		Sequence uint64
		// Data is the emitted payload.
		Data []byte
		// EnqueuedAt records when the frame entered the buffer.
		EnqueuedAt time.Time
	}

	// Buffer retains a bounded sliding window of emitted frames per stream so
	// reconnecting clients can replay missed frames. Entries are strictly
	// sequence-ordered; capacity eviction drops the oldest; a buffer idle
	// longer than the TTL becomes unreachable.
	Buffer struct {
		capacity int
		ttl      time.Duration
		now      func() time.Time

		mu      sync.Mutex
		streams map[uuid.UUID]*bufferEntry

		sweepCancel context.CancelFunc
	}

	bufferEntry struct {
		frames       []BufferedFrame
		lastActivity time.Time
	}

	// BufferOption customizes a Buffer.
	BufferOption func(*Buffer)
)

// WithBufferCapacity overrides the per-stream window size.
func WithBufferCapacity(n int) BufferOption {
	return func(b *Buffer) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithBufferTTL overrides the idle eviction deadline.
func WithBufferTTL(ttl time.Duration) BufferOption {
	return func(b *Buffer) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBufferClock overrides the time source. Tests use this to age buffers
// without sleeping.
func WithBufferClock(now func() time.Time) BufferOption {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer creates a stream buffer with the default capacity and TTL unless
// overridden by options.
func NewBuffer(opts ...BufferOption) *Buffer {
	b := &Buffer{
		capacity: DefaultBufferCapacity,
		ttl:      DefaultBufferTTL,
		now:      time.Now,
		streams:  make(map[uuid.UUID]*bufferEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// StartSweeper launches the background eviction loop. It stops when ctx is
// done or Close is called.
func (b *Buffer) StartSweeper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.sweepCancel = cancel
	b.mu.Unlock()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.sweep()
			}
		}
	}()
}

// Close stops the background sweeper and drops all buffers.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sweepCancel != nil {
		b.sweepCancel()
		b.sweepCancel = nil
	}
	b.streams = make(map[uuid.UUID]*bufferEntry)
}

// Append retains one emitted frame, evicting the oldest when the window is
// full. Frames must be appended in emission order.
func (b *Buffer) Append(streamID uuid.UUID, seq uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.streams[streamID]
	if !ok {
		entry = &bufferEntry{}
		b.streams[streamID] = entry
	}
	entry.frames = append(entry.frames, BufferedFrame{Sequence: seq, Data: data, EnqueuedAt: b.now()})
	if len(entry.frames) > b.capacity {
		entry.frames = entry.frames[len(entry.frames)-b.capacity:]
	}
	entry.lastActivity = b.now()
}

// Lookup returns the retained frames with sequence greater than afterSeq, in
// order. The boolean reports whether the buffer is replayable: an unknown
// stream returns (nil, false) and an expired buffer returns (nil, false) and
// is removed. A live buffer with no newer frames returns (nil, true).
func (b *Buffer) Lookup(streamID uuid.UUID, afterSeq uint64) ([]BufferedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.streams[streamID]
	if !ok {
		return nil, false
	}
	if b.now().Sub(entry.lastActivity) > b.ttl {
		delete(b.streams, streamID)
		return nil, false
	}
	var out []BufferedFrame
	for _, f := range entry.frames {
		if f.Sequence > afterSeq {
			out = append(out, f)
		}
	}
	return out, true
}

// Remove drops the buffer for a completed stream.
func (b *Buffer) Remove(streamID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, streamID)
}

// Len reports the number of retained buffers.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams)
}

// sweep evicts buffers idle longer than the TTL.
func (b *Buffer) sweep() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.ttl)
	for id, entry := range b.streams {
		if entry.lastActivity.Before(cutoff) {
			delete(b.streams, id)
		}
	}
}
