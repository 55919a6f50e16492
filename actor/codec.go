package actor

import (
	"encoding/json"
	"fmt"

	"github.com/objectwire/objectwire/rpcerrors"
	"github.com/objectwire/objectwire/wire"
)

type (
	// ArgumentDecoder yields an invocation's typed arguments in declaration
	// order. Targets call Next once per declared parameter; a mismatch
	// between the declared arity and the carried argument count surfaces as
	// a decode error, never as a successful call.
	ArgumentDecoder interface {
		// Next decodes the next argument into v, which must be a non-nil
		// pointer.
		Next(v any) error
		// Remaining reports how many arguments have not been decoded yet.
		Remaining() int
	}

	// ResultHandler accepts a target's outcome: exactly one of Success or
	// Failure per invocation.
	ResultHandler interface {
		// Success records the typed return value.
		Success(v any) error
		// Failure records the target error.
		Failure(err error)
	}

	// jsonDecoder decodes arguments from raw JSON byte slices. This is the
	// main dispatch path: invocation envelopes carry one JSON document per
	// argument.
	jsonDecoder struct {
		target string
		args   [][]byte
		next   int
	}

	// frameDecoder decodes arguments from stream data frames. Observe-target
	// introspection replays captured frames through the same typed decoding
	// path the live stream used.
	frameDecoder struct {
		target string
		frames []*wire.StreamData
		next   int
	}

	// memoryDecoder yields pre-built Go values without serialization. Tests
	// use it to exercise targets directly.
	memoryDecoder struct {
		target string
		values []any
		next   int
	}

	// JSONResultHandler encodes the outcome as a JSON document, matching the
	// response envelope's result encoding.
	JSONResultHandler struct {
		result []byte
		err    error
		done   bool
	}

	// MemoryResultHandler captures the outcome untyped for tests.
	MemoryResultHandler struct {
		Result any
		Err    error
		Done   bool
	}
)

// NewJSONDecoder builds the main-path decoder over an invocation's raw JSON
// arguments. The target name is used in decode diagnostics.
func NewJSONDecoder(target string, args [][]byte) ArgumentDecoder {
	return &jsonDecoder{target: target, args: args}
}

// NewFrameDecoder builds a decoder over captured stream data frames.
func NewFrameDecoder(target string, frames []*wire.StreamData) ArgumentDecoder {
	return &frameDecoder{target: target, frames: frames}
}

// NewMemoryDecoder builds an in-memory decoder over pre-built values.
func NewMemoryDecoder(target string, values ...any) ArgumentDecoder {
	return &memoryDecoder{target: target, values: values}
}

// Next implements ArgumentDecoder.
func (d *jsonDecoder) Next(v any) error {
	if d.next >= len(d.args) {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("argument %d requested but only %d supplied", d.next+1, len(d.args))}
	}
	raw := d.args[d.next]
	d.next++
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("argument %d: %w", d.next, err)}
	}
	return nil
}

// Remaining implements ArgumentDecoder.
func (d *jsonDecoder) Remaining() int { return len(d.args) - d.next }

// Next implements ArgumentDecoder.
func (d *frameDecoder) Next(v any) error {
	if d.next >= len(d.frames) {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("frame %d requested but only %d captured", d.next+1, len(d.frames))}
	}
	raw := d.frames[d.next].Data
	d.next++
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("frame %d: %w", d.next, err)}
	}
	return nil
}

// Remaining implements ArgumentDecoder.
func (d *frameDecoder) Remaining() int { return len(d.frames) - d.next }

// Next implements ArgumentDecoder. The supplied value must be assignable
// from the stored one; the decoder round-trips through JSON to keep the
// typing semantics identical to the wire path.
func (d *memoryDecoder) Next(v any) error {
	if d.next >= len(d.values) {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("argument %d requested but only %d supplied", d.next+1, len(d.values))}
	}
	raw, err := json.Marshal(d.values[d.next])
	if err != nil {
		return &rpcerrors.DecodeError{Target: d.target, Err: err}
	}
	d.next++
	if err := json.Unmarshal(raw, v); err != nil {
		return &rpcerrors.DecodeError{Target: d.target, Err: fmt.Errorf("argument %d: %w", d.next, err)}
	}
	return nil
}

// Remaining implements ArgumentDecoder.
func (d *memoryDecoder) Remaining() int { return len(d.values) - d.next }

// DecodeArgs decodes every argument in declaration order into the given
// pointers and enforces that the supplied argument count matches the
// declared arity exactly.
func DecodeArgs(target string, dec ArgumentDecoder, ptrs ...any) error {
	if dec.Remaining() != len(ptrs) {
		return &rpcerrors.DecodeError{
			Target: target,
			Err:    fmt.Errorf("target takes %d arguments, %d supplied", len(ptrs), dec.Remaining()),
		}
	}
	for _, p := range ptrs {
		if err := dec.Next(p); err != nil {
			return err
		}
	}
	return nil
}

// Success implements ResultHandler by encoding v as JSON.
func (h *JSONResultHandler) Success(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	h.result = b
	h.done = true
	return nil
}

// Failure implements ResultHandler.
func (h *JSONResultHandler) Failure(err error) {
	h.err = err
	h.done = true
}

// Outcome returns the encoded result or the recorded error.
func (h *JSONResultHandler) Outcome() ([]byte, error) {
	if h.err != nil {
		return nil, h.err
	}
	return h.result, nil
}

// Success implements ResultHandler.
func (h *MemoryResultHandler) Success(v any) error {
	h.Result = v
	h.Done = true
	return nil
}

// Failure implements ResultHandler.
func (h *MemoryResultHandler) Failure(err error) {
	h.Err = err
	h.Done = true
}
