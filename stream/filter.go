package stream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/objectwire/objectwire/actor"
	"github.com/objectwire/objectwire/wire"
)

// Evaluator applies stream filters to candidate payloads. It owns the
// per-stream state the "changed" filter needs; state is cleared when the
// stream ends. Payloads that fail the filter are suppressed before both the
// buffer append and the outbound frame, and do not advance the sequence
// number.
type Evaluator struct {
	mu         sync.Mutex
	lastPassed map[uuid.UUID][]byte
}

// NewEvaluator creates a filter evaluator with no per-stream state.
func NewEvaluator() *Evaluator {
	return &Evaluator{lastPassed: make(map[uuid.UUID][]byte)}
}

// Pass reports whether payload passes the filter for the given stream. A nil
// filter and the "all" kind pass everything. Custom filters delegate to the
// actor's hook when present and pass through otherwise.
func (e *Evaluator) Pass(streamID uuid.UUID, f *wire.Filter, hook actor.CustomFilterFunc, payload []byte) bool {
	if f == nil {
		return true
	}
	switch f.Kind {
	case wire.FilterAll:
		return true
	case wire.FilterPredefined:
		switch f.Name {
		case wire.FilterChanged:
			return e.passChanged(streamID, payload)
		case wire.FilterNonEmpty:
			return passNonEmpty(payload)
		case wire.FilterThreshold:
			return passThreshold(f.Params, payload)
		default:
			// Unknown names are rejected at decode time; fail closed here.
			return false
		}
	case wire.FilterCustom:
		if hook == nil {
			return true
		}
		return hook(f.Custom, payload)
	default:
		return false
	}
}

// ClearStream drops the per-stream filter state.
func (e *Evaluator) ClearStream(streamID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.lastPassed, streamID)
}

// Clear drops all filter state. Called on server shutdown.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastPassed = make(map[uuid.UUID][]byte)
}

// passChanged passes payloads that differ bytewise from the last payload
// that passed for this stream, and always passes the first.
func (e *Evaluator) passChanged(streamID uuid.UUID, payload []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, seen := e.lastPassed[streamID]
	if seen && bytes.Equal(last, payload) {
		return false
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.lastPassed[streamID] = cp
	return true
}

// passNonEmpty drops payloads whose top-level JSON value is an empty array,
// object or string. Other values, including numbers and booleans, pass. A
// payload that does not parse as JSON passes unfiltered.
func passNonEmpty(payload []byte) bool {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return true
	}
	switch tv := v.(type) {
	case []any:
		return len(tv) > 0
	case map[string]any:
		return len(tv) > 0
	case string:
		return tv != ""
	default:
		return true
	}
}

// passThreshold extracts a numeric value from the payload, optionally via a
// dotted field path, and compares it against the configured operand.
// Non-numeric extraction fails closed.
func passThreshold(params map[string]string, payload []byte) bool {
	operand, err := strconv.ParseFloat(params[wire.ThresholdParamValue], 64)
	if err != nil {
		return false
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return false
	}
	if field := params[wire.ThresholdParamField]; field != "" {
		v = extractField(v, field)
	}
	num, ok := v.(float64)
	if !ok {
		return false
	}
	switch params[wire.ThresholdParamOperator] {
	case "gt":
		return num > operand
	case "gte":
		return num >= operand
	case "lt":
		return num < operand
	case "lte":
		return num <= operand
	case "eq":
		return num == operand
	case "neq":
		return num != operand
	default:
		return false
	}
}

// extractField walks a dotted path through nested JSON objects. A missing
// segment yields nil, which the caller treats as non-numeric.
func extractField(v any, path string) any {
	for _, seg := range strings.Split(path, ".") {
		obj, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = obj[seg]
		if !ok {
			return nil
		}
	}
	return v
}
