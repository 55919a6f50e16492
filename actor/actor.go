// Package actor defines the runtime contract that exposed distributed
// objects obey: a stable identity, a dispatch table of RPC and stream
// targets, and the argument/result codecs those targets consume.
//
// Actors are single-writer by contract: the Definition serializes method
// execution with a per-actor mutex so concurrent invocations of the same
// actor never interleave. Stream targets return lazy sequences that the
// server-side stream registry drains outside the actor lock.
package actor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/wire"
)

// ObservePrefix distinguishes stream labels from plain method labels in a
// target identifier.
const ObservePrefix = "observe"

type (
	// Method executes one RPC target. It decodes its arguments in declaration
	// order from dec and returns the value to encode into the response.
	// Generics carries the invocation's generic substitutions; targets that
	// take none receive an empty slice and must reject unexpected entries.
	Method func(ctx context.Context, dec ArgumentDecoder, generics []string) (any, error)

	// StreamMethod executes one observe target. It returns a lazy sequence of
	// encoded state values; every mutation of the observed state yields the
	// new value exactly once.
	StreamMethod func(ctx context.Context, dec ArgumentDecoder, generics []string) (Sequence, error)

	// Sequence is a lazy sequence of encoded stream payloads. Next blocks
	// until a value is available, the sequence ends (io.EOF) or ctx is done.
	Sequence interface {
		Next(ctx context.Context) ([]byte, error)
	}

	// CustomFilterFunc is the optional "filterable" hook an actor implements
	// to interpret custom filter blobs. It reports whether the payload passes.
	CustomFilterFunc func(blob []byte, payload []byte) bool

	// Definition is a registered actor: identity, dispatch table and optional
	// custom-filter hook. Build one with New and the Handle/HandleStream
	// registration methods, then expose it through a Registry.
	Definition struct {
		identity wire.ActorID

		// run serializes method execution, honoring the single-writer
		// contract without requiring actors to lock their own state.
		run sync.Mutex

		mu      sync.RWMutex
		methods map[string]Method
		streams map[string]StreamMethod
		filter  CustomFilterFunc
	}
)

// New creates an actor definition with the given identity.
func New(identity wire.ActorID) *Definition {
	return &Definition{
		identity: identity,
		methods:  make(map[string]Method),
		streams:  make(map[string]StreamMethod),
	}
}

// NewLocal creates an actor definition with a generated local identifier.
func NewLocal() *Definition {
	return New(wire.NewActorID(uuid.NewString()))
}

// Identity returns the actor's stable identity.
func (d *Definition) Identity() wire.ActorID { return d.identity }

// Handle registers an RPC target under the given label. Re-registering a
// label replaces the previous method. Labels beginning with "observe" are
// reserved for streams and rejected.
func (d *Definition) Handle(label string, m Method) error {
	if isObserveLabel(label) {
		return fmt.Errorf("label %q is reserved for stream targets", label)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[label] = m
	return nil
}

// HandleStream registers an observe target under the given label. The label
// must begin with "observe".
func (d *Definition) HandleStream(label string, m StreamMethod) error {
	if !isObserveLabel(label) {
		return fmt.Errorf("stream label %q must begin with %q", label, ObservePrefix)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[label] = m
	return nil
}

// SetCustomFilter installs the actor's custom-filter hook. Actors without a
// hook pass every custom-filtered payload through.
func (d *Definition) SetCustomFilter(f CustomFilterFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = f
}

// CustomFilter returns the actor's custom-filter hook, or nil.
func (d *Definition) CustomFilter() CustomFilterFunc {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.filter
}

// Method looks up an RPC target by label.
func (d *Definition) Method(label string) (Method, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.methods[label]
	return m, ok
}

// Stream looks up an observe target by label.
func (d *Definition) Stream(label string) (StreamMethod, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.streams[label]
	return m, ok
}

// Invoke executes the RPC target under the actor's run lock, honoring the
// single-writer contract.
func (d *Definition) Invoke(ctx context.Context, label string, dec ArgumentDecoder, generics []string) (any, error) {
	m, ok := d.Method(label)
	if !ok {
		return nil, fmt.Errorf("actor %q has no target %q", d.identity.ID, label)
	}
	d.run.Lock()
	defer d.run.Unlock()
	return m(ctx, dec, generics)
}

// Observe executes the stream target under the actor's run lock and returns
// the lazy sequence. Draining happens outside the lock so live streams do
// not starve method invocations.
func (d *Definition) Observe(ctx context.Context, label string, dec ArgumentDecoder, generics []string) (Sequence, error) {
	m, ok := d.Stream(label)
	if !ok {
		return nil, fmt.Errorf("actor %q has no stream target %q", d.identity.ID, label)
	}
	d.run.Lock()
	defer d.run.Unlock()
	return m(ctx, dec, generics)
}

// IsStreamTarget reports whether the target identifier names a stream.
func IsStreamTarget(target string) bool { return isObserveLabel(target) }

func isObserveLabel(label string) bool {
	return len(label) >= len(ObservePrefix) && label[:len(ObservePrefix)] == ObservePrefix
}

// channelSequence adapts a receive channel to a Sequence.
type channelSequence struct {
	ch <-chan []byte
}

// ChannelSequence adapts ch to a Sequence. The sequence ends when ch is
// closed.
func ChannelSequence(ch <-chan []byte) Sequence { return &channelSequence{ch: ch} }

// Next implements Sequence.
func (s *channelSequence) Next(ctx context.Context) ([]byte, error) {
	select {
	case v, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sliceSequence yields a fixed set of payloads. Used by tests and by
// current-state snapshots on stream restart.
type sliceSequence struct {
	mu     sync.Mutex
	values [][]byte
}

// SliceSequence builds a Sequence over a fixed set of payloads.
func SliceSequence(values ...[]byte) Sequence {
	cp := make([][]byte, len(values))
	copy(cp, values)
	return &sliceSequence{values: cp}
}

// Next implements Sequence.
func (s *sliceSequence) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) == 0 {
		return nil, io.EOF
	}
	v := s.values[0]
	s.values = s.values[1:]
	return v, nil
}
