package wire

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestEnvelopeRoundTripProperty verifies that encode(decode(x)) preserves
// every defined envelope for arbitrary field values.
func TestEnvelopeRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genTimestamp := gen.Int64Range(0, 4102444800).Map(func(sec int64) time.Time {
		return time.Unix(sec, 0).UTC()
	})

	properties.Property("stream data frames round-trip", prop.ForAll(
		func(seq uint64, data []byte, sec int64) bool {
			env := &StreamData{
				StreamID:  uuid.New(),
				Sequence:  seq,
				Data:      data,
				Timestamp: time.Unix(sec, 0).UTC(),
			}
			b, err := Encode(env)
			if err != nil {
				return false
			}
			decoded, err := Decode(b)
			if err != nil {
				return false
			}
			got, ok := decoded.(*StreamData)
			if !ok {
				return false
			}
			if len(env.Data) == 0 {
				// Empty payloads decode as nil; normalize before comparing.
				got.Data = env.Data
			}
			return reflect.DeepEqual(env, got)
		},
		gen.UInt64Range(1, 1<<62),
		gen.SliceOf(gen.UInt8()),
		gen.Int64Range(0, 4102444800),
	))

	properties.Property("invocations round-trip", prop.ForAll(
		func(id string, target string, args [][]byte) bool {
			env := &Invocation{
				CallID:          uuid.New(),
				ActorID:         ActorID{ID: id},
				Target:          target,
				ProtocolVersion: 1,
			}
			for _, a := range args {
				if len(a) > 0 {
					env.Arguments = append(env.Arguments, a)
				}
			}
			b, err := Encode(env)
			if err != nil {
				return false
			}
			decoded, err := Decode(b)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(env, decoded)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.SliceOf(gen.SliceOf(gen.UInt8())),
	))

	properties.Property("stream ends round-trip for every reason", prop.ForAll(
		func(reasonIdx int, ts time.Time) bool {
			reasons := []EndReason{EndCompleted, EndError, EndCancelled}
			env := &StreamEnd{
				StreamID:  uuid.New(),
				Reason:    reasons[reasonIdx%len(reasons)],
				Timestamp: ts,
			}
			b, err := Encode(env)
			if err != nil {
				return false
			}
			decoded, err := Decode(b)
			if err != nil {
				return false
			}
			return reflect.DeepEqual(env, decoded)
		},
		gen.IntRange(0, 2),
		genTimestamp,
	))

	properties.TestingRun(t)
}
