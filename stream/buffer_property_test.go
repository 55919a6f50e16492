package stream

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestBufferWindowProperty verifies the sliding-window invariants for
// arbitrary append counts, capacities and resume points: a lookup yields
// exactly the retained sequences past the resume point, strictly
// increasing, and never more than the capacity.
func TestBufferWindowProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("lookup yields the ordered retained suffix", prop.ForAll(
		func(appended int, capacity int, after uint64) bool {
			b := NewBuffer(WithBufferCapacity(capacity))
			id := uuid.New()
			for seq := 1; seq <= appended; seq++ {
				b.Append(id, uint64(seq), []byte{byte(seq)})
			}

			frames, ok := b.Lookup(id, after)
			if !ok {
				return false
			}

			oldest := uint64(1)
			if appended > capacity {
				oldest = uint64(appended - capacity + 1)
			}
			wantFrom := max(oldest, after+1)
			wantCount := 0
			if uint64(appended) >= wantFrom {
				wantCount = int(uint64(appended) - wantFrom + 1)
			}
			if len(frames) != wantCount {
				return false
			}
			for i, f := range frames {
				if f.Sequence != wantFrom+uint64(i) {
					return false
				}
			}
			return len(frames) <= capacity
		},
		gen.IntRange(1, 300),
		gen.IntRange(1, 100),
		gen.UInt64Range(0, 300),
	))

	properties.Property("appends never grow the window past capacity", prop.ForAll(
		func(appended int, capacity int) bool {
			b := NewBuffer(WithBufferCapacity(capacity))
			id := uuid.New()
			for seq := 1; seq <= appended; seq++ {
				b.Append(id, uint64(seq), nil)
			}
			frames, ok := b.Lookup(id, 0)
			return ok && len(frames) <= capacity
		},
		gen.IntRange(1, 500),
		gen.IntRange(1, 50),
	))

	properties.TestingRun(t)
}
